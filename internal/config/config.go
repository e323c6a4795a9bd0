// Package config loads the sidecar's environment-variable-driven
// configuration (spec §6's Environment line). Grounded on the teacher's
// config.go Defaults()/Load()/Validate() shape — accumulated validation
// errors joined into one returned error — adapted from a YAML file load to
// an os.Getenv overlay on defaults, per SPEC_FULL.md's AMBIENT STACK note
// that this domain's actual configuration mechanism is environment
// variables, not a config file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/nllbsidecar/nllb-sidecar/internal/resource"
)

// Version, GitCommit, BuildTime are injected at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration for the sidecar process.
type Config struct {
	// Device forces "cpu" or "gpu" instead of auto-detection.
	// NLLB_DEVICE.
	Device string

	// ComputeType overrides the auto-selected precision (int8, float16,
	// int8_float16, float32). NLLB_COMPUTE_TYPE.
	ComputeType string

	// ModelID forces an exact model id, bypassing size-based selection.
	// NLLB_MODEL.
	ModelID string

	// SizeAlias forces a size class (600M, 1.3B, 3.3B) instead of
	// auto-select-largest-that-fits. NLLB_PARAMS.
	SizeAlias string

	// AuthKey is the HMAC bearer-auth secret. Empty disables auth
	// (development mode). NLLB_AUTH_KEY, or read from the file named by
	// NLLB_AUTH_KEY_FILE if that is set and NLLB_AUTH_KEY is not.
	AuthKey []byte

	// LedgerPath is the failure ledger's on-disk path (spec §4.4).
	// NLLB_PRESSURE_CACHE_PATH.
	LedgerPath string

	// ArtifactDir is the model/tokenizer artifact cache root (spec §4.6).
	// NLLB_ARTIFACT_DIR.
	ArtifactDir string

	// ModelCatalogPath optionally overrides the embedded model catalog
	// (spec §4.5, selector.LoadCatalog). NLLB_MODEL_CATALOG.
	ModelCatalogPath string

	// BindHost/BindPort are the public HTTPS API's listen address.
	// NLLB_BIND_HOST, NLLB_BIND_PORT.
	BindHost string
	BindPort int

	// TLSDir is where the self-signed certificate is generated (spec §6).
	// NLLB_TLS_DIR.
	TLSDir string

	// MetricsAddr is the loopback-only Prometheus bind address, kept
	// separate from the public API port. NLLB_METRICS_ADDR.
	MetricsAddr string

	// AdminSocketPath is the operator Unix domain socket path.
	// NLLB_ADMIN_SOCKET.
	AdminSocketPath string

	// AuditDBPath is the BoltDB operational audit history path.
	// NLLB_AUDIT_DB_PATH.
	AuditDBPath string
	// AuditRetentionDays is the audit history retention period.
	// NLLB_AUDIT_RETENTION_DAYS.
	AuditRetentionDays int

	// BeamSize/MaxLength bound translation generation.
	// NLLB_BEAM_SIZE, NLLB_MAX_LENGTH.
	BeamSize  int
	MaxLength int

	// Thresholds holds the six pressure limits and three poll intervals
	// (spec §6, resource.Thresholds).
	Thresholds resource.Thresholds

	// LogLevel/LogFormat configure the zap logger (SPEC_FULL.md AMBIENT
	// STACK). NLLB_LOG_LEVEL, NLLB_LOG_FORMAT.
	LogLevel  string
	LogFormat string

	// ForceStepdownBudgetCapacity/RefillPeriod rate-limit the admin
	// socket's force-stepdown command (SPEC_FULL.md §4.7 addendum).
	// NLLB_FORCE_STEPDOWN_BUDGET, NLLB_FORCE_STEPDOWN_REFILL.
	ForceStepdownBudgetCapacity int
	ForceStepdownRefillPeriod   time.Duration
}

// Defaults returns a Config populated with all default values, matching
// the original implementation's env-var defaults where the original
// specifies them.
func Defaults() Config {
	return Config{
		Device:                      "",
		ComputeType:                 "",
		ModelID:                     "",
		SizeAlias:                   "",
		LedgerPath:                  "/var/lib/nllb-sidecar/pressure_cache.json",
		ArtifactDir:                 "/var/lib/nllb-sidecar/artifacts",
		BindHost:                    "0.0.0.0",
		BindPort:                    8080,
		TLSDir:                      "/var/lib/nllb-sidecar/tls",
		MetricsAddr:                 "127.0.0.1:9091",
		AdminSocketPath:             "/run/nllb-sidecar/admin.sock",
		AuditDBPath:                 "/var/lib/nllb-sidecar/audit.db",
		AuditRetentionDays:          30,
		BeamSize:                   4,
		MaxLength:                  256,
		Thresholds:                  resource.DefaultThresholds(),
		LogLevel:                    "info",
		LogFormat:                   "json",
		ForceStepdownBudgetCapacity: 3,
		ForceStepdownRefillPeriod:   5 * time.Minute,
	}
}

// Load builds a Config from defaults overlaid with environment variables,
// then validates it. Invalid configuration is a fatal startup error (spec
// §7: "Invalid config on startup: refuses to start").
func Load() (*Config, error) {
	cfg := Defaults()

	cfg.Device = envOr("NLLB_DEVICE", cfg.Device)
	cfg.ComputeType = envOr("NLLB_COMPUTE_TYPE", cfg.ComputeType)
	cfg.ModelID = envOr("NLLB_MODEL", cfg.ModelID)
	cfg.SizeAlias = envOr("NLLB_PARAMS", cfg.SizeAlias)
	cfg.LedgerPath = envOr("NLLB_PRESSURE_CACHE_PATH", cfg.LedgerPath)
	cfg.ArtifactDir = envOr("NLLB_ARTIFACT_DIR", cfg.ArtifactDir)
	cfg.ModelCatalogPath = envOr("NLLB_MODEL_CATALOG", cfg.ModelCatalogPath)
	cfg.BindHost = envOr("NLLB_BIND_HOST", cfg.BindHost)
	cfg.TLSDir = envOr("NLLB_TLS_DIR", cfg.TLSDir)
	cfg.MetricsAddr = envOr("NLLB_METRICS_ADDR", cfg.MetricsAddr)
	cfg.AdminSocketPath = envOr("NLLB_ADMIN_SOCKET", cfg.AdminSocketPath)
	cfg.AuditDBPath = envOr("NLLB_AUDIT_DB_PATH", cfg.AuditDBPath)
	cfg.LogLevel = envOr("NLLB_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("NLLB_LOG_FORMAT", cfg.LogFormat)

	if v := os.Getenv("NLLB_AUTH_KEY"); v != "" {
		cfg.AuthKey = []byte(v)
	} else if path := os.Getenv("NLLB_AUTH_KEY_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read NLLB_AUTH_KEY_FILE %q: %w", path, err)
		}
		cfg.AuthKey = data
	}

	var errs []string
	cfg.BindPort = envIntInto("NLLB_BIND_PORT", cfg.BindPort, &errs)
	cfg.AuditRetentionDays = envIntInto("NLLB_AUDIT_RETENTION_DAYS", cfg.AuditRetentionDays, &errs)
	cfg.BeamSize = envIntInto("NLLB_BEAM_SIZE", cfg.BeamSize, &errs)
	cfg.MaxLength = envIntInto("NLLB_MAX_LENGTH", cfg.MaxLength, &errs)
	cfg.ForceStepdownBudgetCapacity = envIntInto("NLLB_FORCE_STEPDOWN_BUDGET", cfg.ForceStepdownBudgetCapacity, &errs)
	cfg.ForceStepdownRefillPeriod = envDurationInto("NLLB_FORCE_STEPDOWN_REFILL", cfg.ForceStepdownRefillPeriod, &errs)

	cfg.Thresholds.VRAMSoftMB = envFloatInto("NLLB_VRAM_SOFT_MB", cfg.Thresholds.VRAMSoftMB, &errs)
	cfg.Thresholds.VRAMHardMB = envFloatInto("NLLB_VRAM_HARD_MB", cfg.Thresholds.VRAMHardMB, &errs)
	cfg.Thresholds.RAMSoftMB = envFloatInto("NLLB_RAM_SOFT_MB", cfg.Thresholds.RAMSoftMB, &errs)
	cfg.Thresholds.RAMHardMB = envFloatInto("NLLB_RAM_HARD_MB", cfg.Thresholds.RAMHardMB, &errs)
	cfg.Thresholds.SwapHardMB = envFloatInto("NLLB_SWAP_HARD_MB", cfg.Thresholds.SwapHardMB, &errs)
	cfg.Thresholds.PollIntervalOK = envDurationInto("NLLB_POLL_INTERVAL_OK", cfg.Thresholds.PollIntervalOK, &errs)
	cfg.Thresholds.PollIntervalFast = envDurationInto("NLLB_POLL_INTERVAL_FAST", cfg.Thresholds.PollIntervalFast, &errs)
	cfg.Thresholds.LogInterval = envDurationInto("NLLB_LOG_INTERVAL", cfg.Thresholds.LogInterval, &errs)

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: invalid environment variables:\n  - %s", joinStrings(errs, "\n  - "))
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg for correctness, accumulating every violation into
// one error rather than failing on the first (teacher's style).
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Device != "" && cfg.Device != "cpu" && cfg.Device != "gpu" {
		errs = append(errs, fmt.Sprintf("NLLB_DEVICE must be \"cpu\" or \"gpu\", got %q", cfg.Device))
	}
	if cfg.BindPort < 1 || cfg.BindPort > 65535 {
		errs = append(errs, fmt.Sprintf("NLLB_BIND_PORT must be in [1, 65535], got %d", cfg.BindPort))
	}
	if cfg.LedgerPath == "" {
		errs = append(errs, "NLLB_PRESSURE_CACHE_PATH must not be empty")
	}
	if cfg.ArtifactDir == "" {
		errs = append(errs, "NLLB_ARTIFACT_DIR must not be empty")
	}
	if cfg.BeamSize < 1 {
		errs = append(errs, fmt.Sprintf("NLLB_BEAM_SIZE must be >= 1, got %d", cfg.BeamSize))
	}
	if cfg.MaxLength < 1 {
		errs = append(errs, fmt.Sprintf("NLLB_MAX_LENGTH must be >= 1, got %d", cfg.MaxLength))
	}
	if cfg.AuditRetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("NLLB_AUDIT_RETENTION_DAYS must be >= 1, got %d", cfg.AuditRetentionDays))
	}
	if cfg.Thresholds.VRAMSoftMB <= cfg.Thresholds.VRAMHardMB {
		errs = append(errs, "NLLB_VRAM_SOFT_MB must be greater than NLLB_VRAM_HARD_MB")
	}
	if cfg.Thresholds.RAMSoftMB <= cfg.Thresholds.RAMHardMB {
		errs = append(errs, "NLLB_RAM_SOFT_MB must be greater than NLLB_RAM_HARD_MB")
	}
	if cfg.Thresholds.PollIntervalFast <= 0 || cfg.Thresholds.PollIntervalOK <= 0 {
		errs = append(errs, "poll intervals must be positive")
	}
	if cfg.ForceStepdownBudgetCapacity < 1 {
		errs = append(errs, fmt.Sprintf("NLLB_FORCE_STEPDOWN_BUDGET must be >= 1, got %d", cfg.ForceStepdownBudgetCapacity))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntInto(key string, fallback int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return fallback
	}
	return n
}

func envFloatInto(key string, fallback float64, errs *[]string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid number %q", key, v))
		return fallback
	}
	return f
}

func envDurationInto(key string, fallback time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return fallback
	}
	return d
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
