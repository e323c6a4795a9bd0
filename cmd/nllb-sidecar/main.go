// Package main — cmd/nllb-sidecar/main.go
//
// NLLB translation sidecar entrypoint.
//
// Startup sequence:
//  1. Load and validate configuration from the environment.
//  2. Initialise structured logger (zap, level/format from config).
//  3. Probe hardware: RAM/VRAM totals, GPU presence and name.
//  4. Load the failure ledger, scoped to this host's fingerprint.
//  5. Load the model catalog.
//  6. Resolve device/compute-type/model via the selector.
//  7. Load the initial model.
//  8. Start the resource monitor's polling loop.
//  9. Open the operational audit store (BoltDB) and wire it into
//     stepdown and benchmark.
// 10. Start the Prometheus metrics server (loopback only).
// 11. Start the public HTTPS API (health/translate/benchmark).
// 12. Start the admin Unix domain socket.
// 13. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel the root context (propagates to every component).
//  2. Give the HTTP server and admin socket up to 10s to drain.
//  3. Close the audit store.
//  4. Stop the resource monitor.
//  5. Flush the logger.
//  6. Exit 0.
//
// On config validation failure or initial model load failure: exit 1
// immediately (no partial state).
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nllbsidecar/nllb-sidecar/internal/adminsock"
	"github.com/nllbsidecar/nllb-sidecar/internal/auditstore"
	"github.com/nllbsidecar/nllb-sidecar/internal/benchmark"
	"github.com/nllbsidecar/nllb-sidecar/internal/budget"
	"github.com/nllbsidecar/nllb-sidecar/internal/config"
	"github.com/nllbsidecar/nllb-sidecar/internal/engine"
	"github.com/nllbsidecar/nllb-sidecar/internal/httpapi"
	"github.com/nllbsidecar/nllb-sidecar/internal/ledger"
	"github.com/nllbsidecar/nllb-sidecar/internal/observability"
	"github.com/nllbsidecar/nllb-sidecar/internal/resource"
	"github.com/nllbsidecar/nllb-sidecar/internal/selector"
	"github.com/nllbsidecar/nllb-sidecar/internal/stepdown"
	"github.com/nllbsidecar/nllb-sidecar/internal/translator"
	"github.com/nllbsidecar/nllb-sidecar/internal/version"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-version" || os.Args[1] == "--version") {
		fmt.Printf("nllb-sidecar %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ──────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ─────────────────────────────────────────────
	log, err := buildLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("nllb-sidecar starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Hardware probe ───────────────────────────────────────────────
	probe := resource.NewProbe("")
	ram := probe.ReadRAM()
	vram := probe.ReadVRAM(ctx)
	hasGPU := vram.TotalMB > 0
	gpuName := ""
	if hasGPU {
		gpuName = detectGPUName(ctx)
	}

	device := cfg.Device
	switch device {
	case "gpu":
		device = "cuda"
	case "cpu":
	default:
		if hasGPU {
			device = "cuda"
		} else {
			device = "cpu"
		}
	}
	log.Info("hardware probed",
		zap.String("device", device), zap.Bool("has_gpu", hasGPU),
		zap.String("gpu_name", gpuName), zap.Float64("vram_total_mb", vram.TotalMB),
		zap.Float64("ram_total_mb", ram.TotalMB))

	// ── Step 4: Failure ledger ───────────────────────────────────────────────
	hwFingerprint := ledger.Fingerprint(gpuName, vram.TotalMB, ram.TotalMB)
	led := ledger.Load(cfg.LedgerPath, hwFingerprint)
	log.Info("failure ledger loaded", zap.String("path", cfg.LedgerPath), zap.String("fingerprint", hwFingerprint))

	// ── Step 5: Model catalog ────────────────────────────────────────────────
	catalog, err := selector.LoadCatalog(cfg.ModelCatalogPath)
	if err != nil {
		log.Fatal("model catalog load failed", zap.Error(err))
	}

	// ── Step 6: Selector ─────────────────────────────────────────────────────
	eng := engine.New()
	sel := selector.New(log, catalog, led)
	supported := make(map[string]bool)
	for _, ct := range eng.SupportedComputeTypes(device) {
		supported[ct] = true
	}
	resolution, err := sel.Resolve(selector.Inputs{
		Device:                device,
		SupportedComputeTypes: supported,
		ComputeTypeOverride:   cfg.ComputeType,
		ModelOverride:         cfg.ModelID,
		SizeAlias:             cfg.SizeAlias,
		AvailableVRAMMB:       vram.FreeMB,
		AvailableRAMMB:        ram.AvailableMB,
	})
	if err != nil {
		log.Fatal("initial model resolution failed", zap.Error(err))
	}
	if resolution.ForcedWarning != "" {
		log.Warn("forced model selection", zap.String("warning", resolution.ForcedWarning))
	}

	// ── Step 7: Resource monitor + loader, initial load ──────────────────────
	monitor := resource.NewMonitor(log, probe, cfg.Thresholds)

	artifacts := translator.NewArtifactManager(log, cfg.ArtifactDir, catalog,
		engine.NewHTTPDownloader("https://huggingface.co", "model.bin"),
		engine.UnavailableConverter{})
	loader := translator.NewLoader(log, artifacts, eng, engine.TokenizerLoader{}, monitor, led)

	handle, err := loader.Load(ctx, resolution.ModelID, device, resolution.ComputeType, resolution.EstimatedMB)
	if err != nil {
		log.Fatal("initial model load failed", zap.Error(err),
			zap.String("model_id", resolution.ModelID), zap.String("compute_type", resolution.ComputeType))
	}
	active := httpapi.NewActiveModel(handle)
	log.Info("initial model loaded",
		zap.String("model_id", resolution.ModelID), zap.String("compute_type", resolution.ComputeType),
		zap.String("device", device))

	// ── Step 8: Start resource monitor ───────────────────────────────────────
	monitor.Start(ctx)
	defer monitor.Stop()

	// ── Step 9: Audit store + stepdown + benchmark ───────────────────────────
	audit, err := auditstore.Open(cfg.AuditDBPath, cfg.AuditRetentionDays)
	if err != nil {
		log.Fatal("audit store open failed", zap.Error(err), zap.String("path", cfg.AuditDBPath))
	}
	defer audit.Close() //nolint:errcheck

	stepper := stepdown.New(log, catalog, led, loader, monitor, active)
	stepper.SetAuditSink(audit)

	bench := benchmark.New(benchmark.Config{
		Log: log, Catalog: catalog, Ledger: led, Loader: loader, Monitor: monitor,
		Engine: eng, Active: active, Audit: audit,
		HWFingerprint: hwFingerprint, HasGPU: hasGPU, GPUName: gpuName, VRAMTotalMB: vram.TotalMB,
		BeamSize: cfg.BeamSize, MaxLength: cfg.MaxLength,
	})

	// ── Step 10: Metrics server ──────────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.MetricsAddr))

	// ── Step 11: Public HTTPS API ────────────────────────────────────────────
	versionInfo := version.FromConfig(ctx, "")
	apiSrv := httpapi.NewServer(httpapi.Config{
		Log: log, AuthKey: cfg.AuthKey, Active: active, Monitor: monitor, Ledger: led,
		Catalog: catalog, Stepdown: stepper, Metrics: metrics, Bench: bench,
		Device: device, BeamSize: cfg.BeamSize, MaxLength: cfg.MaxLength,
		Version: httpapi.VersionInfo{Version: versionInfo.Version, At: versionInfo.At, Source: versionInfo.Source},
		GPUName: gpuName, VRAMTotalMB: vram.TotalMB,
	})
	bindAddr := fmt.Sprintf("%s:%d", cfg.BindHost, cfg.BindPort)
	apiDone := make(chan error, 1)
	go func() { apiDone <- apiSrv.Run(ctx, bindAddr, cfg.TLSDir) }()

	// ── Step 12: Admin socket ─────────────────────────────────────────────────
	forceBucket := budget.New(cfg.ForceStepdownBudgetCapacity, cfg.ForceStepdownRefillPeriod)
	defer forceBucket.Close()

	adminSrv := adminsock.NewServer(adminsock.Config{
		SocketPath: cfg.AdminSocketPath, Log: log, Monitor: monitor, Ledger: led,
		Active: active, Stepdown: stepper, Audit: audit, ForceBucket: forceBucket,
	})
	adminDone := make(chan error, 1)
	go func() { adminDone <- adminSrv.ListenAndServe(ctx) }()
	log.Info("admin socket started", zap.String("path", cfg.AdminSocketPath))

	// ── Step 13: Wait for shutdown signal ────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	shutdownTimer := time.NewTimer(10 * time.Second)
	defer shutdownTimer.Stop()
	for i := 0; i < 2; i++ {
		select {
		case err := <-apiDone:
			if err != nil {
				log.Warn("http api shutdown error", zap.Error(err))
			}
		case err := <-adminDone:
			if err != nil {
				log.Warn("admin socket shutdown error", zap.Error(err))
			}
		case <-shutdownTimer.C:
			log.Warn("shutdown drain timeout — forcing exit")
			i = 2
		}
	}

	log.Info("nllb-sidecar shutdown complete")
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format("2006-01-02T15:04:05.000000Z07:00"))
	}

	return cfg.Build()
}

// detectGPUName shells out to nvidia-smi for the GPU's product name,
// matching resource.Probe's own nvidia-smi shell-out style. Returns ""
// on any failure — the sidecar still runs, just without a friendly name
// in /health and the failure ledger's fingerprint.
func detectGPUName(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "nvidia-smi", "--query-gpu=name", "--format=csv,noheader")
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
}
