// Package observability — metrics.go
//
// Prometheus metrics for the translation sidecar.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable via
// NLLB_METRICS_ADDR), separate from the public API port.
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: nllb_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pressure level values for the nllb_pressure_state gauge, matching
// resource.Level's ordering (OK=0, WARN=1, VRAM_FULL=2, CRITICAL=3).
const (
	PressureLevelOK        = 0
	PressureLevelWarn      = 1
	PressureLevelVRAMFull  = 2
	PressureLevelCritical  = 3
)

// Metrics holds all Prometheus metric descriptors for the sidecar.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Resource monitor ─────────────────────────────────────────────────

	// The resource-monitor and stepdown metrics are registered and exported,
	// but no component in this repository sets or increments them, so they
	// keep their zero values.

	// PressureState is the pressure-level gauge (0-3).
	PressureState prometheus.Gauge

	// PressureTransitionsTotal is the state-transition counter, by from/to
	// state.
	PressureTransitionsTotal *prometheus.CounterVec

	// ResourceVRAMUsedMB, ResourceVRAMFreeMB, ResourceRAMAvailableMB,
	// ResourceSwapUsedMB are gauges named after the resource.Snapshot fields.
	ResourceVRAMUsedMB    prometheus.Gauge
	ResourceVRAMFreeMB    prometheus.Gauge
	ResourceRAMAvailableMB prometheus.Gauge
	ResourceSwapUsedMB    prometheus.Gauge

	// ─── Stepdown ─────────────────────────────────────────────────────────

	// StepdownTotal is the completed-stepdown counter (not incremented; see
	// the note above PressureState).
	StepdownTotal prometheus.Counter

	// ─── Serving ──────────────────────────────────────────────────────────

	// TranslateRequestsTotal counts /translate calls, by outcome
	// (ok, degraded, error).
	TranslateRequestsTotal *prometheus.CounterVec

	// BenchmarkRunsTotal counts completed /benchmark runs, by outcome
	// (ok, error).
	BenchmarkRunsTotal *prometheus.CounterVec

	// TranslateLatency records end-to-end /translate handler latency.
	TranslateLatency prometheus.Histogram

	// ─── Process ──────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the process started.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all sidecar Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		PressureState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nllb",
			Subsystem: "pressure",
			Name:      "state",
			Help:      "Current pressure level: 0=OK, 1=WARN, 2=VRAM_FULL, 3=CRITICAL.",
		}),

		PressureTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nllb",
			Subsystem: "pressure",
			Name:      "transitions_total",
			Help:      "Total pressure state transitions, by from_state and to_state.",
		}, []string{"from_state", "to_state"}),

		ResourceVRAMUsedMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nllb",
			Subsystem: "resource",
			Name:      "vram_used_mb",
			Help:      "Most recent VRAM used sample, in MB.",
		}),

		ResourceVRAMFreeMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nllb",
			Subsystem: "resource",
			Name:      "vram_free_mb",
			Help:      "Most recent VRAM free sample, in MB.",
		}),

		ResourceRAMAvailableMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nllb",
			Subsystem: "resource",
			Name:      "ram_available_mb",
			Help:      "Most recent RAM available sample, in MB.",
		}),

		ResourceSwapUsedMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nllb",
			Subsystem: "resource",
			Name:      "swap_used_mb",
			Help:      "Most recent swap used sample, in MB.",
		}),

		StepdownTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nllb",
			Subsystem: "stepdown",
			Name:      "total",
			Help:      "Total completed stepdown actions.",
		}),

		TranslateRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nllb",
			Subsystem: "translate",
			Name:      "requests_total",
			Help:      "Total /translate requests, by outcome.",
		}, []string{"outcome"}),

		BenchmarkRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nllb",
			Subsystem: "benchmark",
			Name:      "runs_total",
			Help:      "Total /benchmark runs, by outcome.",
		}, []string{"outcome"}),

		TranslateLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nllb",
			Subsystem: "translate",
			Name:      "latency_seconds",
			Help:      "End-to-end /translate handler latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nllb",
			Subsystem: "process",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the process started.",
		}),
	}

	reg.MustRegister(
		m.PressureState,
		m.PressureTransitionsTotal,
		m.ResourceVRAMUsedMB,
		m.ResourceVRAMFreeMB,
		m.ResourceRAMAvailableMB,
		m.ResourceSwapUsedMB,
		m.StepdownTotal,
		m.TranslateRequestsTotal,
		m.BenchmarkRunsTotal,
		m.TranslateLatency,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
