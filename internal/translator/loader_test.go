package translator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nllbsidecar/nllb-sidecar/internal/ledger"
	"github.com/nllbsidecar/nllb-sidecar/internal/resource"
	"github.com/nllbsidecar/nllb-sidecar/internal/selector"
)

type fakeTranslator struct{ released bool }

func (f *fakeTranslator) Translate(ctx context.Context, tok, prefix []string, beam, maxLen int) ([]string, error) {
	return append([]string{}, tok...), nil
}
func (f *fakeTranslator) Release() { f.released = true }

type fakeEngine struct {
	trans    *fakeTranslator
	failLoad bool
}

func (e *fakeEngine) SupportedComputeTypes(device string) []string { return []string{"int8", "float32"} }
func (e *fakeEngine) NewTranslator(modelPath, device, computeType string) (Translator, error) {
	if e.failLoad {
		return nil, os.ErrNotExist
	}
	e.trans = &fakeTranslator{}
	return e.trans, nil
}

type fakeTokenizer struct{}

func (fakeTokenizer) Encode(text string) ([]string, error)     { return []string{text}, nil }
func (fakeTokenizer) Decode(pieces []string) (string, error)   { return pieces[0], nil }

type fakeTokLoader struct{}

func (fakeTokLoader) Load(path string) (Tokenizer, error) { return fakeTokenizer{}, nil }

type fakeDownloader struct{ fail bool }

func (d fakeDownloader) Download(ctx context.Context, repoID, destPath string) error {
	if d.fail {
		return os.ErrNotExist
	}
	if err := os.MkdirAll(destPath, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(destPath, modelBlobName), []byte("x"), 0o644)
}

type fakeConverter struct{ called bool }

func (c *fakeConverter) Convert(ctx context.Context, modelID, computeType, destPath string) error {
	c.called = true
	if err := os.MkdirAll(destPath, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(destPath, modelBlobName), []byte("x"), 0o644)
}

type fakeMemReader struct{}

func (fakeMemReader) ReadRAM() resource.RAMInfo                       { return resource.RAMInfo{TotalMB: 32000, AvailableMB: 20000} }
func (fakeMemReader) ReadProcess() resource.ProcessInfo               { return resource.ProcessInfo{} }
func (fakeMemReader) ReadVRAM(ctx context.Context) resource.VRAMInfo { return resource.VRAMInfo{} }

func newTestLoader(t *testing.T, engine Engine, dl Downloader, cv Converter) (*Loader, *ledger.Ledger) {
	t.Helper()
	cat, err := selector.LoadCatalog("")
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	am := NewArtifactManager(zap.NewNop(), t.TempDir(), cat, dl, cv)
	mon := resource.NewMonitor(zap.NewNop(), fakeMemReader{}, resource.DefaultThresholds())
	led := ledger.Load(filepath.Join(t.TempDir(), "ledger.json"), "fp")
	return NewLoader(zap.NewNop(), am, engine, fakeTokLoader{}, mon, led), led
}

func TestLoader_Load_DownloadsPreConvertedArtifact(t *testing.T) {
	engine := &fakeEngine{}
	l, _ := newTestLoader(t, engine, fakeDownloader{}, &fakeConverter{})

	h, err := l.Load(context.Background(), "facebook/nllb-200-distilled-600M", "cpu", "int8", 900)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if h.ModelID != "facebook/nllb-200-distilled-600M" {
		t.Errorf("unexpected model id %q", h.ModelID)
	}
}

func TestLoader_Load_FallsBackToConversionWhenNoPreConverted(t *testing.T) {
	engine := &fakeEngine{}
	cv := &fakeConverter{}
	l, _ := newTestLoader(t, engine, fakeDownloader{}, cv)

	// float32 for 1.3B has no pre-converted repo in the catalog.
	_, err := l.Load(context.Background(), "facebook/nllb-200-distilled-1.3B", "cpu", "float32", 5500)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cv.called {
		t.Errorf("expected local conversion to be used when no pre-converted repo exists")
	}
}

func TestLoader_Load_RecordsLedgerFailureOnError(t *testing.T) {
	engine := &fakeEngine{failLoad: true}
	l, led := newTestLoader(t, engine, fakeDownloader{}, &fakeConverter{})

	_, err := l.Load(context.Background(), "facebook/nllb-200-distilled-600M", "cpu", "int8", 900)
	if err == nil {
		t.Fatalf("expected load error")
	}
	if _, known := led.IsKnownFailure("facebook/nllb-200-distilled-600M", "int8", "cpu"); !known {
		t.Errorf("expected the failed combo to be recorded in the ledger")
	}
}

func TestLoader_Load_ClearsLoadContextOnSuccessAndFailure(t *testing.T) {
	engineOK := &fakeEngine{}
	l, _ := newTestLoader(t, engineOK, fakeDownloader{}, &fakeConverter{})
	h, err := l.Load(context.Background(), "facebook/nllb-200-distilled-600M", "cpu", "int8", 900)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	_ = h
	if _, active := l.monitor.GetLoadProgress(); active {
		t.Errorf("expected LoadContext cleared after successful load")
	}

	engineFail := &fakeEngine{failLoad: true}
	l2, _ := newTestLoader(t, engineFail, fakeDownloader{}, &fakeConverter{})
	_, err = l2.Load(context.Background(), "facebook/nllb-200-distilled-600M", "cpu", "int8", 900)
	if err == nil {
		t.Fatalf("expected error")
	}
	if _, active := l2.monitor.GetLoadProgress(); active {
		t.Errorf("expected LoadContext cleared after failed load")
	}
}

func TestLoader_Unload_ReleasesTranslatorAndClearsHandles(t *testing.T) {
	engine := &fakeEngine{}
	l, _ := newTestLoader(t, engine, fakeDownloader{}, &fakeConverter{})
	h, err := l.Load(context.Background(), "facebook/nllb-200-distilled-600M", "cpu", "int8", 900)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	l.Unload(context.Background(), h)
	if !engine.trans.released {
		t.Errorf("expected Release() to be called on unload")
	}
	if h.translator != nil || h.tokenizer != nil {
		t.Errorf("expected handles dropped after unload")
	}
}

func TestStartProgressTicker_StopReturnsPromptly(t *testing.T) {
	engine := &fakeEngine{}
	l, _ := newTestLoader(t, engine, fakeDownloader{}, &fakeConverter{})

	stop := l.startProgressTicker("test-phase")
	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected stop() to return well before the 2s bound")
	}
}

func TestSafeModelDir_ReplacesSlash(t *testing.T) {
	got := SafeModelDir("facebook/nllb-200-3.3B", "float16")
	want := "facebook--nllb-200-3.3B-float16"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestHandle_Translate_RoundTrips(t *testing.T) {
	h := &Handle{translator: &fakeTranslator{}, tokenizer: fakeTokenizer{}}
	out, err := h.Translate(context.Background(), "hello", nil, 4, 128)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if out != "hello" {
		t.Errorf("expected round-trip through fake tokenizer, got %q", out)
	}
}
