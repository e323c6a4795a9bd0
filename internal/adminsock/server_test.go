package adminsock

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nllbsidecar/nllb-sidecar/internal/budget"
	"github.com/nllbsidecar/nllb-sidecar/internal/httpapi"
	"github.com/nllbsidecar/nllb-sidecar/internal/ledger"
	"github.com/nllbsidecar/nllb-sidecar/internal/resource"
	"github.com/nllbsidecar/nllb-sidecar/internal/selector"
	"github.com/nllbsidecar/nllb-sidecar/internal/stepdown"
	"github.com/nllbsidecar/nllb-sidecar/internal/translator"
)

type fakeMemReader struct{ ram resource.RAMInfo }

func (f fakeMemReader) ReadRAM() resource.RAMInfo         { return f.ram }
func (f fakeMemReader) ReadProcess() resource.ProcessInfo { return resource.ProcessInfo{} }
func (f fakeMemReader) ReadVRAM(ctx context.Context) resource.VRAMInfo {
	return resource.VRAMInfo{}
}

func testServer(t *testing.T) (*Server, *httpapi.ActiveModel) {
	t.Helper()
	mon := resource.NewMonitor(zap.NewNop(), fakeMemReader{ram: resource.RAMInfo{TotalMB: 16000, AvailableMB: 8000}}, resource.DefaultThresholds())
	mon.Take(context.Background())

	led := ledger.Load(filepath.Join(t.TempDir(), "ledger.json"), "fp")
	cat, err := selector.LoadCatalog("")
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}

	handle := translator.NewHandle("facebook/nllb-200-distilled-600M", "int8", "cpu", nil, nil)
	active := httpapi.NewActiveModel(handle)

	stepper := stepdown.New(zap.NewNop(), cat, led, nil, mon, active)

	srv := NewServer(Config{
		SocketPath:  filepath.Join(t.TempDir(), "admin.sock"),
		Log:         zap.NewNop(),
		Monitor:     mon,
		Ledger:      led,
		Active:      active,
		Stepdown:    stepper,
		ForceBucket: budget.New(1, time.Hour),
	})
	return srv, active
}

func TestCmdStatus_ReportsActiveModel(t *testing.T) {
	srv, _ := testServer(t)
	resp := srv.dispatch(context.Background(), Request{Cmd: "status"})
	if !resp.OK {
		t.Fatalf("expected OK response, got %+v", resp)
	}
	if resp.Model != "facebook/nllb-200-distilled-600M" {
		t.Errorf("expected active model in status, got %q", resp.Model)
	}
}

func TestCmdClearPressure_Succeeds(t *testing.T) {
	srv, _ := testServer(t)
	resp := srv.dispatch(context.Background(), Request{Cmd: "clear-pressure"})
	if !resp.OK {
		t.Fatalf("expected OK response, got %+v", resp)
	}
}

func TestCmdForceStepdown_ChainExhaustedReportsError(t *testing.T) {
	srv, _ := testServer(t)
	resp := srv.dispatch(context.Background(), Request{Cmd: "force-stepdown", Reason: "test"})
	if resp.OK {
		t.Fatalf("expected failure once the stepdown chain is exhausted, got %+v", resp)
	}
}

func TestCmdForceStepdown_RateLimitExceeded(t *testing.T) {
	srv, _ := testServer(t)
	srv.forceBucket = budget.New(1, time.Hour)
	srv.forceBucket.Consume()

	resp := srv.dispatch(context.Background(), Request{Cmd: "force-stepdown"})
	if resp.OK {
		t.Fatalf("expected rate-limited force-stepdown to fail")
	}
	if resp.Error == "" {
		t.Errorf("expected a rate-limit error message")
	}
}

func TestCmdForceStepdown_NoActiveModel(t *testing.T) {
	srv, active := testServer(t)
	active.SetActive(nil)

	resp := srv.dispatch(context.Background(), Request{Cmd: "force-stepdown"})
	if resp.OK {
		t.Fatalf("expected failure with no active model")
	}
}

func TestCmdLedgerList_WithoutAuditStore(t *testing.T) {
	srv, _ := testServer(t)
	resp := srv.dispatch(context.Background(), Request{Cmd: "ledger-list"})
	if !resp.OK {
		t.Fatalf("expected OK response, got %+v", resp)
	}
	if resp.BenchmarkRuns != nil || resp.StepdownEvents != nil {
		t.Errorf("expected no audit sections without an audit store configured")
	}
}

func TestDispatch_UnknownCommand(t *testing.T) {
	srv, _ := testServer(t)
	resp := srv.dispatch(context.Background(), Request{Cmd: "bogus"})
	if resp.OK {
		t.Fatalf("expected unknown command to fail")
	}
}
