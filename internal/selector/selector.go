package selector

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nllbsidecar/nllb-sidecar/internal/ledger"
)

// gpuComputeTypePreference and cpuComputeTypePreference are the ordered
// preference lists from spec §4.5.
var (
	gpuComputeTypePreference = []string{"int8_float16", "float16", "int8", "float32"}
	cpuComputeTypePreference = []string{"int8", "float32"}
)

// Inputs bundles the selector's inputs (spec §4.5).
type Inputs struct {
	Device              string // "cuda" or "cpu"
	SupportedComputeTypes map[string]bool // engine-reported, keyed by compute-type name
	ComputeTypeOverride string
	ModelOverride       string
	SizeAlias           string
	AvailableVRAMMB     float64
	AvailableRAMMB      float64
}

// Resolution is the selector's output: the chosen model, compute-type, and
// its estimated memory footprint.
type Resolution struct {
	ModelID       string
	ComputeType   string
	EstimatedMB   float64
	ForcedWarning string // non-empty if a forced selection should log loudly
}

const (
	vramHeadroomMB = 1536 // 1.5 GB
	ramHeadroomMB  = 4096 // 4 GB
)

// Selector resolves device/model/compute-type combinations against the
// static catalog and the failure ledger.
type Selector struct {
	log     *zap.Logger
	catalog *Catalog
	ledger  *ledger.Ledger
}

// New creates a Selector.
func New(log *zap.Logger, catalog *Catalog, led *ledger.Ledger) *Selector {
	return &Selector{log: log, catalog: catalog, ledger: led}
}

// ResolveComputeType implements spec §4.5's compute-type resolution: env
// override first, else the first supported entry from the device's ordered
// preference list.
func (s *Selector) ResolveComputeType(in Inputs) (string, error) {
	if in.ComputeTypeOverride != "" {
		return in.ComputeTypeOverride, nil
	}
	pref := cpuComputeTypePreference
	if in.Device == "cuda" {
		pref = gpuComputeTypePreference
	}
	for _, ct := range pref {
		if len(in.SupportedComputeTypes) == 0 || in.SupportedComputeTypes[ct] {
			return ct, nil
		}
	}
	return "", fmt.Errorf("selector: no supported compute type for device %q", in.Device)
}

// Resolve implements spec §4.5's model resolution: explicit override, size
// alias, or auto-select.
func (s *Selector) Resolve(in Inputs) (Resolution, error) {
	computeType, err := s.ResolveComputeType(in)
	if err != nil {
		return Resolution{}, err
	}

	if in.ModelOverride != "" {
		return s.resolveForced(in, in.ModelOverride, computeType)
	}
	if in.SizeAlias != "" {
		spec, ok := s.catalog.BySizeAlias(strings.ToLower(in.SizeAlias))
		if !ok {
			return Resolution{}, fmt.Errorf("selector: unknown size alias %q", in.SizeAlias)
		}
		return s.resolveForced(in, spec.ModelID, computeType)
	}
	return s.resolveAuto(in, computeType)
}

// resolveForced handles explicit-override and size-alias resolution: the
// combo is used regardless of fit or ledger history, but loudly warned
// about (spec §4.5 point 1, §8's "forced override... still loads... still
// emits the warning").
func (s *Selector) resolveForced(in Inputs, modelID, computeType string) (Resolution, error) {
	spec, ok := s.catalog.ByModelID(modelID)
	if !ok {
		return Resolution{}, fmt.Errorf("selector: unknown model id %q", modelID)
	}
	estimated := s.catalog.EstimateMemoryMB(spec, computeType)

	available := in.AvailableRAMMB
	if in.Device == "cuda" {
		available = in.AvailableVRAMMB
	}
	if estimated > available {
		s.log.Warn("forced selection estimated memory exceeds available",
			zap.String("model_id", modelID), zap.String("compute_type", computeType),
			zap.Float64("estimated_mb", estimated), zap.Float64("available_mb", available))
	}

	res := Resolution{ModelID: modelID, ComputeType: computeType, EstimatedMB: estimated}
	if fail, known := s.ledger.IsKnownFailure(modelID, computeType, in.Device); known {
		warning := fmt.Sprintf("forced selection %s/%s/%s matches a known ledger failure: %s",
			modelID, computeType, in.Device, fail.Reason)
		s.log.Warn("forced selection matches known failure",
			zap.String("model_id", modelID), zap.String("compute_type", computeType),
			zap.String("device", in.Device), zap.String("reason", fail.Reason))
		res.ForcedWarning = warning
	}
	return res, nil
}

// resolveAuto implements spec §4.5 point 3: iterate models largest-first,
// skipping ledger failures, selecting the first that fits inside
// available-headroom; on no fit at the chosen compute-type, fall back
// through lower-precision compute-types.
func (s *Selector) resolveAuto(in Inputs, computeType string) (Resolution, error) {
	pref := cpuComputeTypePreference
	if in.Device == "cuda" {
		pref = gpuComputeTypePreference
	}
	start := indexOf(pref, computeType)
	if start < 0 {
		start = 0
	}

	for _, ct := range pref[start:] {
		for _, spec := range s.catalog.ModelsLargestFirst() {
			if in.Device == "cpu" && !spec.CPUPractical {
				continue
			}
			if _, known := s.ledger.IsKnownFailure(spec.ModelID, ct, in.Device); known {
				continue
			}
			estimated := s.catalog.EstimateMemoryMB(spec, ct)
			if fits(in, estimated) {
				return Resolution{ModelID: spec.ModelID, ComputeType: ct, EstimatedMB: estimated}, nil
			}
		}
	}
	return Resolution{}, fmt.Errorf("selector: no model/compute-type combination fits available memory")
}

func fits(in Inputs, estimatedMB float64) bool {
	if in.Device == "cuda" {
		return estimatedMB <= in.AvailableVRAMMB-vramHeadroomMB
	}
	return estimatedMB <= in.AvailableRAMMB-ramHeadroomMB
}

func indexOf(ss []string, v string) int {
	for i, s := range ss {
		if s == v {
			return i
		}
	}
	return -1
}
