package translator

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/nllbsidecar/nllb-sidecar/internal/ledger"
	"github.com/nllbsidecar/nllb-sidecar/internal/resource"
)

// reclaimPasses is the number of GC passes run on unload. Grounded on spec
// §4.6's rationale: "graphs that encode layer -> attention -> parameter ->
// layer can require several reclamation passes to collapse."
const reclaimPasses = 3

// Handle is an active, loaded model: a Translator paired with its
// Tokenizer and the combo identifying it.
type Handle struct {
	ModelID     string
	ComputeType string
	Device      string

	translator Translator
	tokenizer  Tokenizer
}

// NewHandle constructs a Handle directly from an already-built Translator
// and Tokenizer pair. Loader.Load is the normal path; this constructor
// exists for callers (and tests) that assemble a Handle outside the load
// pipeline, e.g. the stepdown controller's unit tests.
func NewHandle(modelID, computeType, device string, t Translator, tok Tokenizer) *Handle {
	return &Handle{ModelID: modelID, ComputeType: computeType, Device: device, translator: t, tokenizer: tok}
}

// TranslateMetrics reports the per-request timing and token counts
// surfaced in /translate's "metrics" field. GenerateMsPerToken is labeled
// as a per-token average rather than a true time-to-first-token, since the
// Translator abstraction returns the full decoded sequence at once rather
// than streaming (spec §4.8's open question on TTFT honesty).
type TranslateMetrics struct {
	InputTokens       int
	OutputTokens      int
	TokenizeMS        float64
	GenerateMS        float64
	DecodeMS          float64
	TotalMS           float64
	GenerateMsPerToken float64
}

// TranslateWithMetrics runs the same pipeline as Translate but also times
// each stage for /translate's response metrics.
func (h *Handle) TranslateWithMetrics(ctx context.Context, text string, targetPrefix []string, beamSize, maxLength int) (string, TranslateMetrics, error) {
	start := time.Now()

	t0 := time.Now()
	pieces, err := h.tokenizer.Encode(text)
	tokenizeMS := time.Since(t0).Seconds() * 1000
	if err != nil {
		return "", TranslateMetrics{}, fmt.Errorf("translator: encode: %w", err)
	}

	t1 := time.Now()
	out, err := h.translator.Translate(ctx, pieces, targetPrefix, beamSize, maxLength)
	generateMS := time.Since(t1).Seconds() * 1000
	if err != nil {
		return "", TranslateMetrics{}, fmt.Errorf("translator: translate: %w", err)
	}

	t2 := time.Now()
	text2, err := h.tokenizer.Decode(out)
	decodeMS := time.Since(t2).Seconds() * 1000
	if err != nil {
		return "", TranslateMetrics{}, fmt.Errorf("translator: decode: %w", err)
	}

	m := TranslateMetrics{
		InputTokens:  len(pieces),
		OutputTokens: len(out),
		TokenizeMS:   tokenizeMS,
		GenerateMS:   generateMS,
		DecodeMS:     decodeMS,
		TotalMS:      time.Since(start).Seconds() * 1000,
	}
	if m.OutputTokens > 0 {
		m.GenerateMsPerToken = generateMS / float64(m.OutputTokens)
	}
	return text2, m, nil
}

// Translate delegates to the underlying Translator/Tokenizer pair.
func (h *Handle) Translate(ctx context.Context, text string, targetPrefix []string, beamSize, maxLength int) (string, error) {
	pieces, err := h.tokenizer.Encode(text)
	if err != nil {
		return "", fmt.Errorf("translator: encode: %w", err)
	}
	out, err := h.translator.Translate(ctx, pieces, targetPrefix, beamSize, maxLength)
	if err != nil {
		return "", fmt.Errorf("translator: translate: %w", err)
	}
	return h.tokenizer.Decode(out)
}

// Loader implements spec §4.6's load/unload pipeline: artifact resolution,
// LoadContext registration around the slow steps, Translator/Tokenizer
// construction, and three-pass reclaim on unload.
type Loader struct {
	log       *zap.Logger
	artifacts *ArtifactManager
	engine    Engine
	tokLoader TokenizerLoader
	monitor   *resource.Monitor
	ledger    *ledger.Ledger
}

// NewLoader creates a Loader.
func NewLoader(log *zap.Logger, artifacts *ArtifactManager, engine Engine, tokLoader TokenizerLoader, monitor *resource.Monitor, led *ledger.Ledger) *Loader {
	return &Loader{log: log, artifacts: artifacts, engine: engine, tokLoader: tokLoader, monitor: monitor, ledger: led}
}

// progressTickInterval is how often startProgressTicker logs elapsed time
// for an in-progress load phase. Grounded on the original server's
// _start_progress_ticker.
const progressTickInterval = 10 * time.Second

// startProgressTicker logs elapsed time every progressTickInterval while a
// load phase is in progress, so an operator watching logs during a slow
// model load isn't staring at silence. Returns a stop func that signals the
// ticker goroutine to exit, cooperatively and bounded, mirroring
// resource.Monitor.Stop's stop/done-channel shape (spec §9).
func (l *Loader) startProgressTicker(phase string) (stop func()) {
	start := time.Now()
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(progressTickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				l.log.Info("load phase completed",
					zap.String("phase", phase), zap.Float64("elapsed_s", time.Since(start).Seconds()))
				return
			case <-ticker.C:
				l.log.Info("load phase in progress",
					zap.String("phase", phase), zap.Float64("elapsed_s", time.Since(start).Seconds()))
			}
		}
	}()

	return func() {
		close(stopCh)
		select {
		case <-doneCh:
		case <-time.After(2 * time.Second):
			l.log.Warn("progress ticker stop timed out", zap.String("phase", phase))
		}
	}
}

// Load runs the full pipeline for (modelID, device, computeType). On any
// failure it records the combo to the ledger (spec §7: "Load errors...
// surfaced as a load failure with the ledger recording the combo") and
// clears the LoadContext on every exit path.
func (l *Loader) Load(ctx context.Context, modelID, device, computeType string, estimatedMB float64) (h *Handle, err error) {
	l.monitor.SetLoadContext(ctx, modelID, computeType, device, estimatedMB)
	defer l.monitor.ClearLoadContext()

	stopTicker := l.startProgressTicker(modelID)
	defer stopTicker()

	defer func() {
		if err != nil {
			snap, _ := l.monitor.LastSnapshot()
			recordErr := l.ledger.RecordFailure(modelID, computeType, device, err.Error(), snap.LogFields())
			if recordErr != nil {
				l.log.Error("failed to record load failure to ledger", zap.Error(recordErr))
			}
		}
	}()

	modelPath, err := l.artifacts.EnsureModel(ctx, modelID, computeType)
	if err != nil {
		return nil, fmt.Errorf("translator: ensure model artifact: %w", err)
	}

	trans, err := l.engine.NewTranslator(modelPath, device, computeType)
	if err != nil {
		return nil, fmt.Errorf("translator: construct translator: %w", err)
	}

	tokPath, err := l.artifacts.EnsureTokenizer(ctx, modelID)
	if err != nil {
		trans.Release()
		return nil, fmt.Errorf("translator: ensure tokenizer artifact: %w", err)
	}
	tok, err := l.tokLoader.Load(tokPath)
	if err != nil {
		trans.Release()
		return nil, fmt.Errorf("translator: load tokenizer: %w", err)
	}

	l.log.Info("model loaded", zap.String("model_id", modelID), zap.String("device", device), zap.String("compute_type", computeType))
	return &Handle{ModelID: modelID, ComputeType: computeType, Device: device, translator: trans, tokenizer: tok}, nil
}

// Unload releases h's device memory, drops local handles, and runs
// reclaimPasses GC cycles, logging before/after VRAM and RSS (spec §4.6's
// unload sequence).
func (l *Loader) Unload(ctx context.Context, h *Handle) {
	if h == nil {
		return
	}
	before := l.monitor.Take(ctx)

	h.translator.Release()
	h.translator = nil
	h.tokenizer = nil

	for i := 0; i < reclaimPasses; i++ {
		runtime.GC()
	}

	after := l.monitor.Take(ctx)
	l.log.Info("model unloaded",
		zap.String("model_id", h.ModelID),
		zap.Float64("vram_used_before_mb", before.VRAMUsedMB), zap.Float64("vram_used_after_mb", after.VRAMUsedMB),
		zap.Float64("rss_before_mb", before.RAMRSSMB), zap.Float64("rss_after_mb", after.RAMRSSMB))

	if before.HasGPU() && after.VRAMUsedMB > before.VRAMUsedMB*0.9 {
		l.log.Warn("VRAM did not drop substantially after unload",
			zap.Float64("vram_used_before_mb", before.VRAMUsedMB), zap.Float64("vram_used_after_mb", after.VRAMUsedMB))
	}
}
