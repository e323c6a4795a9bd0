package selector

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/nllbsidecar/nllb-sidecar/internal/ledger"
)

func testSelector(t *testing.T) (*Selector, *Catalog, *ledger.Ledger) {
	t.Helper()
	cat, err := LoadCatalog("")
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	led := ledger.Load(filepath.Join(t.TempDir(), "ledger.json"), "fp")
	return New(zap.NewNop(), cat, led), cat, led
}

func TestSelector_ComputeTypeResolution_GPUPreference(t *testing.T) {
	s, _, _ := testSelector(t)
	ct, err := s.ResolveComputeType(Inputs{Device: "cuda"})
	if err != nil {
		t.Fatalf("ResolveComputeType: %v", err)
	}
	if ct != "int8_float16" {
		t.Errorf("expected int8_float16 as the top GPU preference, got %q", ct)
	}
}

func TestSelector_ComputeTypeResolution_CPUPreference(t *testing.T) {
	s, _, _ := testSelector(t)
	ct, err := s.ResolveComputeType(Inputs{Device: "cpu"})
	if err != nil {
		t.Fatalf("ResolveComputeType: %v", err)
	}
	if ct != "int8" {
		t.Errorf("expected int8 as the top CPU preference, got %q", ct)
	}
}

func TestSelector_ComputeTypeResolution_Override(t *testing.T) {
	s, _, _ := testSelector(t)
	ct, err := s.ResolveComputeType(Inputs{Device: "cuda", ComputeTypeOverride: "float32"})
	if err != nil {
		t.Fatalf("ResolveComputeType: %v", err)
	}
	if ct != "float32" {
		t.Errorf("expected override to win, got %q", ct)
	}
}

func TestSelector_Resolve_ColdStartNoGPU(t *testing.T) {
	s, _, _ := testSelector(t)
	res, err := s.Resolve(Inputs{Device: "cpu", AvailableRAMMB: 32000})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.ModelID != "facebook/nllb-200-distilled-600M" {
		t.Errorf("expected the largest cpu-practical model, got %q", res.ModelID)
	}
	if res.ComputeType != "int8" {
		t.Errorf("expected int8 on CPU, got %q", res.ComputeType)
	}
}

func TestSelector_Resolve_AutoSkipsLedgerFailures(t *testing.T) {
	s, _, led := testSelector(t)
	if err := led.RecordFailure("facebook/nllb-200-distilled-600M", "int8", "cpu", "oom", nil); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	res, err := s.Resolve(Inputs{Device: "cpu", AvailableRAMMB: 32000})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.ModelID == "facebook/nllb-200-distilled-600M" && res.ComputeType == "int8" {
		t.Fatalf("expected auto-select to skip the known ledger failure, got %+v", res)
	}
}

func TestSelector_Resolve_ForcedOverrideIgnoresLedger(t *testing.T) {
	s, _, led := testSelector(t)
	if err := led.RecordFailure("facebook/nllb-200-3.3B", "float16", "cuda", "oom", nil); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	res, err := s.Resolve(Inputs{
		Device:              "cuda",
		ModelOverride:       "facebook/nllb-200-3.3B",
		ComputeTypeOverride: "float16",
		AvailableVRAMMB:     100000,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.ModelID != "facebook/nllb-200-3.3B" {
		t.Fatalf("expected forced override to still resolve, got %+v", res)
	}
	if res.ForcedWarning == "" {
		t.Errorf("expected a forced-warning for a combo already in the ledger")
	}
}

func TestSelector_EstimateMemoryMB_MatchesFormula(t *testing.T) {
	_, cat, _ := testSelector(t)
	spec, ok := cat.ByModelID("facebook/nllb-200-distilled-600M")
	if !ok {
		t.Fatalf("expected catalog to contain the 600M model")
	}
	got := cat.EstimateMemoryMB(spec, "int8")
	want := float64(600)*1*1_000_000/(1024*1024) + 300
	if got != want {
		t.Errorf("expected %f, got %f", want, got)
	}
}
