package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nllbsidecar/nllb-sidecar/internal/ledger"
	"github.com/nllbsidecar/nllb-sidecar/internal/resource"
	"github.com/nllbsidecar/nllb-sidecar/internal/selector"
	"github.com/nllbsidecar/nllb-sidecar/internal/stepdown"
	"github.com/nllbsidecar/nllb-sidecar/internal/translator"
)

type fakeTranslator struct{}

func (fakeTranslator) Translate(ctx context.Context, tok, prefix []string, beam, maxLen int) ([]string, error) {
	return tok, nil
}
func (fakeTranslator) Release() {}

type fakeTokenizer struct{}

func (fakeTokenizer) Encode(text string) ([]string, error)   { return []string{text}, nil }
func (fakeTokenizer) Decode(pieces []string) (string, error) { return pieces[0], nil }

type fakeMemReader struct {
	ram resource.RAMInfo
}

func (f fakeMemReader) ReadRAM() resource.RAMInfo          { return f.ram }
func (f fakeMemReader) ReadProcess() resource.ProcessInfo  { return resource.ProcessInfo{} }
func (f fakeMemReader) ReadVRAM(ctx context.Context) resource.VRAMInfo {
	return resource.VRAMInfo{}
}

func testServer(t *testing.T, authKey []byte) (*Server, *ActiveModel) {
	t.Helper()
	mon := resource.NewMonitor(zap.NewNop(), fakeMemReader{ram: resource.RAMInfo{TotalMB: 32000, AvailableMB: 20000}}, resource.DefaultThresholds())
	led := ledger.Load(filepath.Join(t.TempDir(), "ledger.json"), "fp")
	cat, err := selector.LoadCatalog("")
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	active := NewActiveModel(translator.NewHandle("facebook/nllb-200-distilled-600M", "int8", "cpu", fakeTranslator{}, fakeTokenizer{}))

	am := translator.NewArtifactManager(zap.NewNop(), t.TempDir(), cat, nil, nil)
	loader := translator.NewLoader(zap.NewNop(), am, nil, nil, mon, led)
	stepper := stepdown.New(zap.NewNop(), cat, led, loader, mon, active)

	srv := NewServer(Config{
		Log:      zap.NewNop(),
		AuthKey:  authKey,
		Active:   active,
		Monitor:  mon,
		Ledger:   led,
		Catalog:  cat,
		Stepdown: stepper,
		Device:   "cpu",
		Version:  VersionInfo{Version: "v0.0.0-test", At: "2026-01-01T00:00:00Z", Source: "test"},
	})
	return srv, active
}

func TestHandleHealth_UnauthenticatedTierOmitsDetail(t *testing.T) {
	srv, _ := testServer(t, []byte("secret"))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.handleHealth(rec, req)

	var body healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Phase != "ready" {
		t.Errorf("unexpected status/phase: %+v", body)
	}
	if body.Resource != nil || body.Model != "" {
		t.Errorf("expected unauthenticated response to omit detail, got %+v", body)
	}
}

func TestHandleHealth_AuthenticatedTierExposesDetail(t *testing.T) {
	srv, _ := testServer(t, []byte("secret"))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Authorization", Sign([]byte("secret"), time.Now()))
	rec := httptest.NewRecorder()
	srv.handleHealth(rec, req)

	var body healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Model != "facebook/nllb-200-distilled-600M" {
		t.Errorf("expected model detail, got %+v", body)
	}
	if body.Pressure == nil || body.StepdownActive == nil {
		t.Errorf("expected pressure/stepdown detail, got %+v", body)
	}
}

func TestHandleTranslate_NoAuthRejected(t *testing.T) {
	srv, _ := testServer(t, []byte("secret"))
	mux := srv.Mux()
	body, _ := json.Marshal(translateRequest{Text: "hello", SourceLang: "eng_Latn", TargetLang: "fra_Latn"})
	req := httptest.NewRequest(http.MethodPost, "/translate", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleTranslate_Success(t *testing.T) {
	srv, _ := testServer(t, nil) // no auth key -> bypassed
	mux := srv.Mux()
	reqBody, _ := json.Marshal(translateRequest{Text: "hello", SourceLang: "eng_Latn", TargetLang: "fra_Latn"})
	req := httptest.NewRequest(http.MethodPost, "/translate", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp translateResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Translation != "hello" {
		t.Errorf("expected echoed translation from fake translator, got %q", resp.Translation)
	}
	if resp.Warning != nil {
		t.Errorf("expected no warning under healthy pressure, got %+v", resp.Warning)
	}
}

func TestHandleTranslate_NoModelLoaded(t *testing.T) {
	srv, active := testServer(t, nil)
	active.SetActive(nil)
	mux := srv.Mux()
	reqBody, _ := json.Marshal(translateRequest{Text: "hello"})
	req := httptest.NewRequest(http.MethodPost, "/translate", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandleClearBenchmarkCache_NoOrchestratorConfigured(t *testing.T) {
	srv, _ := testServer(t, nil)
	req := httptest.NewRequest(http.MethodDelete, "/benchmark/cache", nil)
	rec := httptest.NewRecorder()
	srv.handleClearBenchmarkCache(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
