package stepdown

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/nllbsidecar/nllb-sidecar/internal/ledger"
	"github.com/nllbsidecar/nllb-sidecar/internal/resource"
	"github.com/nllbsidecar/nllb-sidecar/internal/selector"
	"github.com/nllbsidecar/nllb-sidecar/internal/translator"
)

type fakeTranslator struct{}

func (fakeTranslator) Translate(ctx context.Context, tok, prefix []string, beam, maxLen int) ([]string, error) {
	return tok, nil
}
func (fakeTranslator) Release() {}

type fakeEngine struct {
	failSubstr string
}

func (fakeEngine) SupportedComputeTypes(device string) []string { return []string{"int8"} }
func (e fakeEngine) NewTranslator(modelPath, device, computeType string) (translator.Translator, error) {
	if e.failSubstr != "" && strings.Contains(modelPath, e.failSubstr) {
		return nil, os.ErrNotExist
	}
	return fakeTranslator{}, nil
}

type fakeTokenizer struct{}

func (fakeTokenizer) Encode(text string) ([]string, error)   { return []string{text}, nil }
func (fakeTokenizer) Decode(pieces []string) (string, error) { return pieces[0], nil }

type fakeTokLoader struct{}

func (fakeTokLoader) Load(path string) (translator.Tokenizer, error) { return fakeTokenizer{}, nil }

type fakeDownloader struct{}

func (fakeDownloader) Download(ctx context.Context, repoID, destPath string) error {
	if err := os.MkdirAll(destPath, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(destPath, "model.bin"), []byte("x"), 0o644)
}

type fakeConverter struct{}

func (fakeConverter) Convert(ctx context.Context, modelID, computeType, destPath string) error {
	if err := os.MkdirAll(destPath, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(destPath, "model.bin"), []byte("x"), 0o644)
}

type fakeMemReader struct{}

func (fakeMemReader) ReadRAM() resource.RAMInfo {
	return resource.RAMInfo{TotalMB: 32000, AvailableMB: 20000}
}
func (fakeMemReader) ReadProcess() resource.ProcessInfo { return resource.ProcessInfo{} }
func (fakeMemReader) ReadVRAM(ctx context.Context) resource.VRAMInfo {
	return resource.VRAMInfo{}
}

type fakeActiveSetter struct{ set *translator.Handle }

func (f *fakeActiveSetter) SetActive(h *translator.Handle) { f.set = h }

func newTestController(t *testing.T) (*Controller, *ledger.Ledger, *fakeActiveSetter) {
	t.Helper()
	return newTestControllerWithEngine(t, fakeEngine{})
}

func newTestControllerWithEngine(t *testing.T, engine fakeEngine) (*Controller, *ledger.Ledger, *fakeActiveSetter) {
	t.Helper()
	cat, err := selector.LoadCatalog("")
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	am := translator.NewArtifactManager(zap.NewNop(), t.TempDir(), cat, fakeDownloader{}, fakeConverter{})
	mon := resource.NewMonitor(zap.NewNop(), fakeMemReader{}, resource.DefaultThresholds())
	led := ledger.Load(filepath.Join(t.TempDir(), "ledger.json"), "fp")
	loader := translator.NewLoader(zap.NewNop(), am, engine, fakeTokLoader{}, mon, led)
	active := &fakeActiveSetter{}
	return New(zap.NewNop(), cat, led, loader, mon, active), led, active
}

func TestController_Stepdown_WalksChainAndPublishesActive(t *testing.T) {
	c, _, active := newTestController(t)
	current := translator.NewHandle("facebook/nllb-200-3.3B", "int8", "cpu", fakeTranslator{}, fakeTokenizer{})

	next, err := c.Stepdown(context.Background(), current, "ram_hard", resource.Snapshot{})
	if err != nil {
		t.Fatalf("Stepdown: %v", err)
	}
	if next != "facebook/nllb-200-distilled-1.3B" {
		t.Errorf("expected stepdown to 1.3B, got %q", next)
	}
	if active.set == nil || active.set.ModelID != next {
		t.Errorf("expected active model published as %q", next)
	}
}

func TestController_Stepdown_RecordsFailureToLedger(t *testing.T) {
	c, led, _ := newTestController(t)
	current := translator.NewHandle("facebook/nllb-200-distilled-1.3B", "int8", "cpu", fakeTranslator{}, fakeTokenizer{})

	if _, err := c.Stepdown(context.Background(), current, "ram_hard", resource.Snapshot{}); err != nil {
		t.Fatalf("Stepdown: %v", err)
	}
	if _, known := led.IsKnownFailure("facebook/nllb-200-distilled-1.3B", "int8", "cpu"); !known {
		t.Errorf("expected the stepped-down-from combo to be recorded")
	}
}

func TestController_Stepdown_ChainExhausted(t *testing.T) {
	c, _, active := newTestController(t)
	current := translator.NewHandle("facebook/nllb-200-distilled-600M", "int8", "cpu", fakeTranslator{}, fakeTokenizer{})

	_, err := c.Stepdown(context.Background(), current, "ram_hard", resource.Snapshot{})
	if err != ErrChainExhausted {
		t.Fatalf("expected ErrChainExhausted, got %v", err)
	}
	if active.set != nil {
		t.Errorf("expected no active model published on chain exhaustion")
	}

	stepActive, _, _ := c.monitor.StepdownInfo()
	if !stepActive {
		t.Errorf("expected stepdown_active to remain set after chain exhaustion")
	}
}

func TestController_Stepdown_ClearsActiveModelWhenNextLoadFails(t *testing.T) {
	c, _, active := newTestControllerWithEngine(t, fakeEngine{failSubstr: "distilled-1.3B"})
	current := translator.NewHandle("facebook/nllb-200-3.3B", "int8", "cpu", fakeTranslator{}, fakeTokenizer{})

	_, err := c.Stepdown(context.Background(), current, "ram_hard", resource.Snapshot{})
	if err == nil {
		t.Fatalf("expected an error when the next model fails to load")
	}
	if active.set != nil {
		t.Errorf("expected active model cleared to nil rather than left pointing at the unloaded handle, got %+v", active.set)
	}
}

func TestController_Stepdown_ClearsPressureOnSuccess(t *testing.T) {
	c, _, _ := newTestController(t)
	current := translator.NewHandle("facebook/nllb-200-3.3B", "int8", "cpu", fakeTranslator{}, fakeTokenizer{})
	c.monitor.PressureState()

	if _, err := c.Stepdown(context.Background(), current, "ram_hard", resource.Snapshot{}); err != nil {
		t.Fatalf("Stepdown: %v", err)
	}
	lvl, _, _ := c.monitor.PressureState()
	if lvl != resource.LevelOK {
		t.Errorf("expected pressure cleared to OK after successful stepdown, got %s", lvl)
	}
}
