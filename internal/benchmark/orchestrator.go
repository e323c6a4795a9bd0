// Package benchmark implements the singleton, joinable combo-sweep
// benchmark described in spec §4.9: for every feasible (device, model,
// compute-type) combination, load, warm up, translate each sentence, and
// report per-combo metrics plus a display matrix. Grounded on the
// original Python implementation's benchmark/_run_benchmark/_build_matrices
// functions, reworked around this repo's Translator/Loader/Monitor
// abstractions, and on the teacher's mutex-guarded shared-state idiom.
package benchmark

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nllbsidecar/nllb-sidecar/internal/httpapi"
	"github.com/nllbsidecar/nllb-sidecar/internal/ledger"
	"github.com/nllbsidecar/nllb-sidecar/internal/resource"
	"github.com/nllbsidecar/nllb-sidecar/internal/selector"
	"github.com/nllbsidecar/nllb-sidecar/internal/translator"
)

// allPrecisions is the fixed column order for the display matrices and the
// default compute-type sweep, matching the original implementation's
// ALL_PRECISIONS constant.
var allPrecisions = []string{"int8_float16", "float16", "int8", "float32"}

// ActiveModel is the narrow view of the process-wide model cell the
// orchestrator needs: read the originally-selected model to reload at
// completion, and publish each benchmarked combo while it runs.
type ActiveModel interface {
	Current() *translator.Handle
	SetActive(h *translator.Handle)
}

// AuditSink records a completed benchmark run to the operational audit
// history (internal/auditstore). Optional.
type AuditSink interface {
	RecordBenchmarkRun(cacheKey string, cached, joined bool, sentenceCount, comboCount int, outcome string, durationMS float64) error
}

// SentenceResult is one sentence's translation inside a combo.
type SentenceResult struct {
	Text        string             `json:"text"`
	Translation string             `json:"translation"`
	Metrics     map[string]float64 `json:"metrics"`
}

// ComboResult is one (device, model, compute-type) cell of the sweep.
type ComboResult struct {
	Device           string             `json:"device"`
	ModelLabel       string             `json:"model_label"`
	ParamsM          int                `json:"params_m"`
	Precision        string             `json:"precision"`
	Status           string             `json:"status"`
	LoadTimeS        float64            `json:"load_time_s,omitempty"`
	SentenceResults  []SentenceResult   `json:"sentence_results,omitempty"`
	AvgMetrics       map[string]float64 `json:"avg_metrics,omitempty"`
	PressureSnapshot map[string]any     `json:"pressure_snapshot,omitempty"`
	PostLoadSnapshot map[string]any     `json:"post_load_snapshot,omitempty"`
}

// Response is the full POST /benchmark payload (spec §4.9, §6).
type Response struct {
	Hardware              map[string]any        `json:"hardware"`
	Combos                []ComboResult          `json:"combos"`
	Matrices              map[string][][]string  `json:"matrices"`
	Cached                bool                   `json:"cached"`
	Joined                bool                   `json:"joined"`
	StartedAt             string                 `json:"started_at"`
	CompletedAt           string                 `json:"completed_at"`
	ResourcesAtCompletion map[string]any         `json:"resources_at_completion,omitempty"`
}

// Request is an alias for the decoded /benchmark request body. httpapi
// owns the wire type; the orchestrator satisfies httpapi.BenchmarkRunner
// directly rather than duplicating the struct.
type Request = httpapi.BenchmarkRequest

type conflictError struct{ msg string }

func (e *conflictError) Error() string { return e.msg }
func (e *conflictError) Conflict() bool { return true }

type future struct {
	key    string
	done   chan struct{}
	result Response
	err    error
}

type cacheEntry struct {
	response Response
}

// Orchestrator runs the benchmark sweep described in spec §4.9.
type Orchestrator struct {
	log         *zap.Logger
	catalog     *selector.Catalog
	ledger      *ledger.Ledger
	loader      *translator.Loader
	monitor     *resource.Monitor
	engine      translator.Engine
	active      ActiveModel
	audit       AuditSink
	hwFingerprint string
	hasGPU      bool
	gpuName     string
	vramTotalMB float64
	beamSize    int
	maxLength   int

	mu       sync.Mutex
	running  *future
	cache    map[string]cacheEntry
}

// Config bundles Orchestrator's construction-time dependencies.
type Config struct {
	Log           *zap.Logger
	Catalog       *selector.Catalog
	Ledger        *ledger.Ledger
	Loader        *translator.Loader
	Monitor       *resource.Monitor
	Engine        translator.Engine
	Active        ActiveModel
	Audit         AuditSink
	HWFingerprint string
	HasGPU        bool
	GPUName       string
	VRAMTotalMB   float64
	BeamSize      int
	MaxLength     int
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	beam := cfg.BeamSize
	if beam <= 0 {
		beam = 4
	}
	maxLen := cfg.MaxLength
	if maxLen <= 0 {
		maxLen = 256
	}
	return &Orchestrator{
		log: cfg.Log, catalog: cfg.Catalog, ledger: cfg.Ledger, loader: cfg.Loader,
		monitor: cfg.Monitor, engine: cfg.Engine, active: cfg.Active, audit: cfg.Audit,
		hwFingerprint: cfg.HWFingerprint, hasGPU: cfg.HasGPU, gpuName: cfg.GPUName,
		vramTotalMB: cfg.VRAMTotalMB, beamSize: beam, maxLength: maxLen,
		cache: make(map[string]cacheEntry),
	}
}

// cacheKey builds the deterministic sha256 cache key over hardware
// fingerprint + sorted sentences + langs + sorted filters (spec §4.9).
func cacheKey(hwFingerprint string, req Request) string {
	sentences := append([]string(nil), req.Sentences...)
	sort.Strings(sentences)
	fp := append([]string(nil), req.FilterParams...)
	sort.Strings(fp)
	fprec := append([]string(nil), req.FilterPrecisions...)
	sort.Strings(fprec)
	fdev := append([]string(nil), req.FilterDevices...)
	sort.Strings(fdev)

	blob, _ := json.Marshal(struct {
		HW         string   `json:"hw"`
		Sentences  []string `json:"sentences"`
		Source     string   `json:"source"`
		Target     string   `json:"target"`
		FParams    []string `json:"filter_params"`
		FPrecisions []string `json:"filter_precisions"`
		FDevices   []string `json:"filter_devices"`
	}{hwFingerprint, sentences, req.SourceLang, req.TargetLang, fp, fprec, fdev})

	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// Run implements the singleton/joinable/cached entry point (spec §4.9,
// §5's "benchmark lock is non-reentrant and non-blocking for rejection").
func (o *Orchestrator) Run(ctx context.Context, req Request) (any, error) {
	key := cacheKey(o.hwFingerprint, req)

	o.mu.Lock()
	if entry, ok := o.cache[key]; ok {
		o.mu.Unlock()
		resp := entry.response
		resp.Cached = true
		return resp, nil
	}
	if o.running != nil {
		if o.running.key != key {
			o.mu.Unlock()
			return nil, &conflictError{msg: "benchmark already in progress with different parameters"}
		}
		f := o.running
		o.mu.Unlock()
		o.log.Info("joining in-progress benchmark with matching parameters")
		<-f.done
		if f.err != nil {
			return nil, f.err
		}
		resp := f.result
		resp.Joined = true
		return resp, nil
	}
	f := &future{key: key, done: make(chan struct{})}
	o.running = f
	o.mu.Unlock()

	start := time.Now()
	resp, err := o.runOnce(ctx, req)
	elapsedMS := time.Since(start).Seconds() * 1000

	o.mu.Lock()
	f.result, f.err = resp, err
	if err == nil {
		o.cache[key] = cacheEntry{response: resp}
	}
	o.running = nil
	close(f.done)
	o.mu.Unlock()

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if o.audit != nil {
		comboCount := 0
		if err == nil {
			comboCount = len(resp.Combos)
		}
		if auditErr := o.audit.RecordBenchmarkRun(key, false, false, len(req.Sentences), comboCount, outcome, elapsedMS); auditErr != nil {
			o.log.Warn("failed to record benchmark run to audit history", zap.Error(auditErr))
		}
	}

	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ClearCache empties the in-memory result cache.
func (o *Orchestrator) ClearCache() (bool, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.cache)
	o.cache = make(map[string]cacheEntry)
	return true, n
}

func fmtNow() string { return time.Now().UTC().Format(time.RFC3339) }

// runOnce performs the full combo sweep. Called with the singleton lock
// conceptually held (Run ensures only one runOnce executes at a time via
// o.running).
func (o *Orchestrator) runOnce(ctx context.Context, req Request) (Response, error) {
	startedAt := fmtNow()

	devices := o.devicesToSweep(req.FilterDevices)
	specs := o.modelsToSweep(req.FilterParams)
	precisions := o.precisionsToSweep(req.FilterPrecisions)

	originally := o.active.Current()

	hardware := map[string]any{
		"backend": "nllb-sidecar",
	}
	if o.hasGPU {
		hardware["gpu_name"] = o.gpuName
		hardware["vram_mb"] = o.vramTotalMB
	}

	var combos []ComboResult
	for _, dev := range devices {
		devLabel := "CPU"
		if dev == "cuda" {
			devLabel = "GPU"
		}
		for _, spec := range specs {
			for _, prec := range precisions {
				combos = append(combos, o.runCombo(ctx, req, dev, devLabel, spec, prec))
			}
		}
	}

	matrices := buildMatrices(combos)

	o.log.Info("benchmark complete, reloading originally selected model")
	if originally != nil && o.active.Current() != originally {
		// A combo that reaches the load step unloads the active handle and
		// clears the active cell; combos skipped by the feasibility or
		// ledger checks leave the cell untouched. When the original is no
		// longer active it has already been released, so load it again
		// directly rather than unloading again.
		estimated := 0.0
		if spec, ok := o.catalog.ByModelID(originally.ModelID); ok {
			estimated = o.catalog.EstimateMemoryMB(spec, originally.ComputeType)
		}
		if reloaded, err := o.loader.Load(ctx, originally.ModelID, originally.Device, originally.ComputeType, estimated); err == nil {
			o.active.SetActive(reloaded)
		} else {
			o.log.Error("failed to reload originally selected model after benchmark", zap.Error(err))
		}
	}
	o.monitor.ClearPressure()

	var resources map[string]any
	if snap, ok := o.monitor.LastSnapshot(); ok {
		resources = snap.LogFields()
	}

	return Response{
		Hardware:              hardware,
		Combos:                combos,
		Matrices:              matrices,
		StartedAt:             startedAt,
		CompletedAt:           fmtNow(),
		ResourcesAtCompletion: resources,
	}, nil
}

func (o *Orchestrator) devicesToSweep(filter []string) []string {
	devices := []string{"cpu"}
	if o.hasGPU {
		devices = []string{"cuda", "cpu"}
	}
	if len(filter) == 0 {
		return devices
	}
	allowed := map[string]bool{}
	for _, d := range filter {
		switch d {
		case "gpu", "cuda":
			allowed["cuda"] = true
		default:
			allowed["cpu"] = true
		}
	}
	var out []string
	for _, d := range devices {
		if allowed[d] {
			out = append(out, d)
		}
	}
	return out
}

func (o *Orchestrator) modelsToSweep(filter []string) []selector.ModelSpec {
	all := o.catalog.ModelsLargestFirst()
	if len(filter) == 0 {
		return all
	}
	allowed := map[string]bool{}
	for _, f := range filter {
		allowed[f] = true
	}
	var out []selector.ModelSpec
	for _, s := range all {
		if allowed[s.SizeAlias] || allowed[s.ModelID] {
			out = append(out, s)
		}
	}
	return out
}

func (o *Orchestrator) precisionsToSweep(filter []string) []string {
	if len(filter) == 0 {
		return allPrecisions
	}
	allowed := map[string]bool{}
	for _, f := range filter {
		allowed[f] = true
	}
	var out []string
	for _, p := range allPrecisions {
		if allowed[p] {
			out = append(out, p)
		}
	}
	return out
}

// runCombo executes one (device, model, compute-type) cell: feasibility
// check, ledger check, load+warmup, per-sentence run with pressure
// checks, abort-on-arm (spec §4.9).
func (o *Orchestrator) runCombo(ctx context.Context, req Request, device, devLabel string, spec selector.ModelSpec, prec string) ComboResult {
	base := ComboResult{Device: devLabel, ModelLabel: spec.Label, ParamsM: spec.ParamsM, Precision: prec}

	if reason := o.feasibilityReason(device, spec, prec); reason != "" {
		base.Status = "X (" + reason + ")"
		return base
	}
	if fail, known := o.ledger.IsKnownFailure(spec.ModelID, prec, device); known {
		base.Status = fmt.Sprintf("X (cached pressure failure (%s))", fail.Reason)
		return base
	}

	if current := o.active.Current(); current != nil {
		o.loader.Unload(ctx, current)
		o.active.SetActive(nil)
	}
	o.monitor.ClearPressure()

	estimated := o.catalog.EstimateMemoryMB(spec, prec)
	loadStart := time.Now()
	handle, err := o.loader.Load(ctx, spec.ModelID, device, prec, estimated)
	loadTimeS := time.Since(loadStart).Seconds()
	if err != nil {
		base.Status = fmt.Sprintf("X (runtime error: %v)", err)
		return base
	}
	o.active.SetActive(handle)
	base.LoadTimeS = loadTimeS

	if lvl, reason, snap := o.monitor.PressureState(); lvl == resource.LevelCritical {
		o.log.Warn("memory pressure after benchmark load", zap.String("model_id", spec.ModelID), zap.String("reason", reason))
		o.loader.Unload(ctx, handle)
		o.active.SetActive(nil)
		_ = o.ledger.RecordFailure(spec.ModelID, prec, device, reason, snap.LogFields())
		base.Status = "X (memory pressure: " + reason + ")"
		base.PressureSnapshot = snap.LogFields()
		o.monitor.ClearPressure()
		return base
	}

	if snap, ok := o.monitor.LastSnapshot(); ok {
		base.PostLoadSnapshot = snap.LogFields()
	}

	if _, _, err := handle.TranslateWithMetrics(ctx, "Hello", []string{req.TargetLang}, o.beamSize, o.maxLength); err != nil {
		base.Status = fmt.Sprintf("X (runtime error: %v)", err)
		o.loader.Unload(ctx, handle)
		o.active.SetActive(nil)
		return base
	}

	var sentenceResults []SentenceResult
	for _, sent := range req.Sentences {
		if lvl, reason, snap := o.monitor.PressureState(); lvl == resource.LevelCritical {
			o.log.Warn("memory pressure during benchmark inference, aborting combo")
			o.loader.Unload(ctx, handle)
			o.active.SetActive(nil)
			_ = o.ledger.RecordFailure(spec.ModelID, prec, device, reason, snap.LogFields())
			base.Status = "X (memory pressure: " + reason + ")"
			base.SentenceResults = sentenceResults
			base.PressureSnapshot = snap.LogFields()
			o.monitor.ClearPressure()
			return base
		}

		translation, m, err := handle.TranslateWithMetrics(ctx, sent, []string{req.TargetLang}, o.beamSize, o.maxLength)
		if err != nil {
			base.Status = fmt.Sprintf("X (runtime error: %v)", err)
			base.SentenceResults = sentenceResults
			o.loader.Unload(ctx, handle)
			o.active.SetActive(nil)
			return base
		}
		throughput := 0.0
		if m.TotalMS > 0 {
			throughput = float64(m.OutputTokens) / (m.TotalMS / 1000)
		}
		sentenceResults = append(sentenceResults, SentenceResult{
			Text: sent, Translation: translation,
			Metrics: map[string]float64{
				"input_tokens": float64(m.InputTokens), "output_tokens": float64(m.OutputTokens),
				"tokenize_ms": m.TokenizeMS, "generate_ms": m.GenerateMS, "ttft_ms": m.GenerateMsPerToken,
				"decode_ms": m.DecodeMS, "total_ms": m.TotalMS, "throughput_tok_s": throughput,
			},
		})
	}

	base.Status = "ok"
	base.SentenceResults = sentenceResults
	base.AvgMetrics = averageMetrics(sentenceResults)
	o.loader.Unload(ctx, handle)
	o.active.SetActive(nil)
	return base
}

// feasibilityReason implements spec §4.9's per-combo feasibility check:
// device support, CPU practicality, and memory fit.
func (o *Orchestrator) feasibilityReason(device string, spec selector.ModelSpec, prec string) string {
	if device == "cpu" && !spec.CPUPractical {
		return fmt.Sprintf("not cpu_practical — %s too slow on CPU", spec.Label)
	}
	supported := o.engine.SupportedComputeTypes(device)
	found := false
	for _, s := range supported {
		if s == prec {
			found = true
			break
		}
	}
	if !found {
		return fmt.Sprintf("%s not supported on %s", prec, device)
	}

	snap, ok := o.monitor.LastSnapshot()
	if !ok {
		return ""
	}
	needed := o.catalog.EstimateMemoryMB(spec, prec)
	if device == "cpu" {
		usable := snap.RAMAvailableMB - 4000
		if needed > usable {
			return fmt.Sprintf("RAM: need %.0f MB, have %.0f MB usable", needed, usable)
		}
	} else {
		usable := snap.VRAMFreeMB - 1500
		if needed > usable {
			return fmt.Sprintf("VRAM: need %.0f MB, have %.0f MB usable", needed, usable)
		}
	}
	return ""
}

func averageMetrics(results []SentenceResult) map[string]float64 {
	if len(results) == 0 {
		return nil
	}
	sums := map[string]float64{}
	for _, r := range results {
		for k, v := range r.Metrics {
			sums[k] += v
		}
	}
	avg := map[string]float64{}
	for k, v := range sums {
		avg[k] = v / float64(len(results))
	}
	return avg
}

// buildMatrices produces the (device x model) x precision display grids
// for the fixed metric set (spec §4.9).
func buildMatrices(combos []ComboResult) map[string][][]string {
	type rowKey struct{ device, label string }
	var rowOrder []rowKey
	seen := map[rowKey]bool{}
	for _, c := range combos {
		k := rowKey{c.Device, c.ModelLabel}
		if !seen[k] {
			seen[k] = true
			rowOrder = append(rowOrder, k)
		}
	}

	metrics := []struct {
		name  string
		field string
	}{
		{"Throughput (tok/s)", "throughput_tok_s"},
		{"TTFT (ms)", "ttft_ms"},
		{"Total (ms)", "total_ms"},
		{"Generate (ms)", "generate_ms"},
		{"Model Load (s)", "__load_time"},
		{"VRAM Free (MB)", "__vram_free"},
		{"RAM Available (MB)", "__ram_avail"},
	}

	out := map[string][][]string{}
	for _, metric := range metrics {
		header := append([]string{""}, allPrecisions...)
		grid := [][]string{header}

		for _, rk := range rowOrder {
			row := []string{rk.device + " " + rk.label}
			for _, prec := range allPrecisions {
				row = append(row, cellFor(combos, rk, prec, metric.field))
			}
			grid = append(grid, row)
		}
		out[metric.name] = grid
	}
	return out
}

func cellFor(combos []ComboResult, rk struct{ device, label string }, prec, field string) string {
	var match *ComboResult
	for i := range combos {
		if combos[i].Device == rk.device && combos[i].ModelLabel == rk.label && combos[i].Precision == prec {
			match = &combos[i]
			break
		}
	}
	if match == nil {
		return "—"
	}
	if match.Status != "ok" {
		reason := match.Status
		if len(reason) > 20 {
			reason = reason[:17] + "..."
		}
		return reason
	}
	switch field {
	case "__load_time":
		if match.LoadTimeS > 0 {
			return fmt.Sprintf("%.2f", match.LoadTimeS)
		}
		return "—"
	case "__vram_free":
		if match.PostLoadSnapshot != nil {
			if v, ok := match.PostLoadSnapshot["vram_free_mb"]; ok {
				return fmt.Sprintf("%v", v)
			}
		}
		return "—"
	case "__ram_avail":
		if match.PostLoadSnapshot != nil {
			if v, ok := match.PostLoadSnapshot["ram_avail_mb"]; ok {
				return fmt.Sprintf("%v", v)
			}
		}
		return "—"
	default:
		if match.AvgMetrics != nil {
			if v, ok := match.AvgMetrics[field]; ok {
				return fmt.Sprintf("%.2f", v)
			}
		}
		return "—"
	}
}
