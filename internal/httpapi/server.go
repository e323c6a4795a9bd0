// Package httpapi is the sidecar's public HTTP transport: /health,
// /translate, /benchmark, and DELETE /benchmark/cache (spec §6), plus the
// HMAC bearer auth, self-signed TLS, and CPU-feature-detection helpers
// those routes depend on. Grounded on the teacher's net/http usage in
// observability/metrics.go — its ServeMux + http.Server + graceful
// shutdown shape, generalized here from one static route to the full API
// surface with a structured-logging middleware in front of every handler.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nllbsidecar/nllb-sidecar/internal/ledger"
	"github.com/nllbsidecar/nllb-sidecar/internal/observability"
	"github.com/nllbsidecar/nllb-sidecar/internal/resource"
	"github.com/nllbsidecar/nllb-sidecar/internal/selector"
	"github.com/nllbsidecar/nllb-sidecar/internal/stepdown"
	"github.com/nllbsidecar/nllb-sidecar/internal/translator"
)

// VersionInfo is the provenance triple reported by /health, produced by
// internal/version.
type VersionInfo struct {
	Version string
	At      string
	Source  string
}

// BenchmarkRequest is the decoded POST /benchmark body (spec §4.9, §6).
type BenchmarkRequest struct {
	Sentences       []string `json:"sentences"`
	SourceLang      string   `json:"source_lang"`
	TargetLang      string   `json:"target_lang"`
	FilterParams    []string `json:"filter_params,omitempty"`
	FilterPrecisions []string `json:"filter_precisions,omitempty"`
	FilterDevices   []string `json:"filter_devices,omitempty"`
}

// BenchmarkRunner is implemented by internal/benchmark's Orchestrator.
// httpapi only depends on this narrow interface so the two packages don't
// import each other's internals.
type BenchmarkRunner interface {
	Run(ctx context.Context, req BenchmarkRequest) (any, error)
	ClearCache() (cleared bool, entriesRemoved int)
}

// Server wires every dependency the HTTP handlers need: the active-model
// cell, the resource monitor, the failure ledger, the stepdown controller,
// the device/compute-type resolution used at startup, version info, and
// metrics.
type Server struct {
	log     *zap.Logger
	auth    *Authenticator
	active  *ActiveModel
	monitor *resource.Monitor
	ledger  *ledger.Ledger
	catalog *selector.Catalog
	stepper *stepdown.Controller
	metrics *observability.Metrics
	bench   BenchmarkRunner

	device      string
	beamSize    int
	maxLength   int
	startedAt   time.Time
	version     VersionInfo
	cpuFeatures CPUFeatures
	gpuName     string
	vramTotalMB float64
}

// Config bundles Server's construction-time dependencies.
type Config struct {
	Log        *zap.Logger
	AuthKey    []byte
	Active     *ActiveModel
	Monitor    *resource.Monitor
	Ledger     *ledger.Ledger
	Catalog    *selector.Catalog
	Stepdown   *stepdown.Controller
	Metrics    *observability.Metrics
	Bench      BenchmarkRunner
	Device     string
	BeamSize   int
	MaxLength  int
	Version    VersionInfo
	GPUName    string
	VRAMTotalMB float64
}

// NewServer builds a Server from cfg, applying request-level defaults.
func NewServer(cfg Config) *Server {
	beam := cfg.BeamSize
	if beam <= 0 {
		beam = 4
	}
	maxLen := cfg.MaxLength
	if maxLen <= 0 {
		maxLen = 256
	}
	return &Server{
		log:         cfg.Log,
		auth:        NewAuthenticator(cfg.AuthKey),
		active:      cfg.Active,
		monitor:     cfg.Monitor,
		ledger:      cfg.Ledger,
		catalog:     cfg.Catalog,
		stepper:     cfg.Stepdown,
		metrics:     cfg.Metrics,
		bench:       cfg.Bench,
		device:      cfg.Device,
		beamSize:    beam,
		maxLength:   maxLen,
		startedAt:   time.Now().UTC(),
		version:     cfg.Version,
		cpuFeatures: DetectCPUFeatures(),
		gpuName:     cfg.GPUName,
		vramTotalMB: cfg.VRAMTotalMB,
	}
}

// Mux builds the route table.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.withLogging(s.handleHealth))
	mux.HandleFunc("POST /translate", s.withLogging(s.requireAuth(s.handleTranslate)))
	mux.HandleFunc("POST /benchmark", s.withLogging(s.requireAuth(s.handleBenchmark)))
	mux.HandleFunc("DELETE /benchmark/cache", s.withLogging(s.requireAuth(s.handleClearBenchmarkCache)))
	return mux
}

// Run starts the HTTPS server on addr with the given TLS config. Blocks
// until ctx is cancelled, then shuts down gracefully with a 10s bound.
func (s *Server) Run(ctx context.Context, addr string, tlsDir string) error {
	fingerprint, err := GenerateSelfSignedCert(tlsDir)
	if err != nil {
		return fmt.Errorf("httpapi: generate tls cert: %w", err)
	}
	s.log.Info("self-signed certificate generated", zap.String("fingerprint", fingerprint), zap.String("dir", tlsDir))

	tlsConfig, err := LoadTLSConfig(tlsDir)
	if err != nil {
		return fmt.Errorf("httpapi: load tls config: %w", err)
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Mux(),
		TLSConfig:    tlsConfig,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("http server shutdown error", zap.Error(err))
		}
	}()

	s.log.Info("http api listening", zap.String("addr", addr))
	if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("httpapi: serve %s: %w", addr, err)
	}
	return nil
}

// withLogging wraps h with a structured access-log line (spec's DOMAIN
// STACK: "method, path, status, duration — zap fields").
func (s *Server) withLogging(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)))
	}
}

// requireAuth wraps h with the HMAC bearer check, replying 401 with a
// specific reason on failure (spec §7).
func (s *Server) requireAuth(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.auth.Verify(r); err != nil {
			writeJSONError(w, http.StatusUnauthorized, err.Error())
			return
		}
		h(w, r)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}
