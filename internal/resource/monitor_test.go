package resource

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeReader struct {
	ram  RAMInfo
	proc ProcessInfo
	vram VRAMInfo
}

func (f *fakeReader) ReadRAM() RAMInfo                      { return f.ram }
func (f *fakeReader) ReadProcess() ProcessInfo               { return f.proc }
func (f *fakeReader) ReadVRAM(ctx context.Context) VRAMInfo { return f.vram }

func testThresholds() Thresholds {
	th := DefaultThresholds()
	th.PollIntervalOK = time.Hour
	th.PollIntervalFast = time.Hour
	th.LogInterval = time.Hour
	return th
}

func TestMonitor_NoGPU_NeverArmsOnVRAM(t *testing.T) {
	reader := &fakeReader{
		ram:  RAMInfo{TotalMB: 32000, AvailableMB: 20000},
		vram: VRAMInfo{}, // no GPU: all zero
	}
	m := NewMonitor(zap.NewNop(), reader, testThresholds())
	m.pollOnce(context.Background())
	if lvl := m.pressure.Level(); lvl != LevelOK {
		t.Fatalf("expected OK with no GPU and healthy RAM, got %s", lvl)
	}
}

func TestMonitor_RAMHardBreach_GoesCriticalViaWarn(t *testing.T) {
	reader := &fakeReader{ram: RAMInfo{TotalMB: 8000, AvailableMB: 3500}}
	m := NewMonitor(zap.NewNop(), reader, testThresholds())

	// First poll: RAM available (3500) < soft (4000) -> arms WARN.
	m.pollOnce(context.Background())
	if lvl := m.pressure.Level(); lvl != LevelWarn {
		t.Fatalf("expected WARN after soft arm, got %s", lvl)
	}

	// Second poll: RAM available drops below hard (1000) -> CRITICAL.
	reader.ram.AvailableMB = 500
	m.pollOnce(context.Background())
	if lvl := m.pressure.Level(); lvl != LevelCritical {
		t.Fatalf("expected CRITICAL after hard breach, got %s", lvl)
	}
}

func TestMonitor_RAMAvailableEqualsHard_FiresHard(t *testing.T) {
	th := testThresholds()
	reader := &fakeReader{ram: RAMInfo{TotalMB: 8000, AvailableMB: th.RAMHardMB}}
	m := NewMonitor(zap.NewNop(), reader, th)
	m.pollOnce(context.Background())
	if lvl := m.pressure.Level(); lvl != LevelCritical {
		t.Fatalf("expected CRITICAL when ram_available_mb == ram_hard_mb (less-or-equal), got %s", lvl)
	}
}

func TestMonitor_VRAMHardBreach_WithRAMHealthy_GoesVRAMFullNotCritical(t *testing.T) {
	th := testThresholds()
	reader := &fakeReader{
		ram:  RAMInfo{TotalMB: 32000, AvailableMB: 20000},
		vram: VRAMInfo{TotalMB: 16000, FreeMB: 100, UsedMB: 15900}, // < hard (500) and < soft (2000)
	}
	m := NewMonitor(zap.NewNop(), reader, th)
	m.pollOnce(context.Background()) // arms WARN (soft)
	m.pollOnce(context.Background()) // VRAM hard breach, RAM/swap ok -> VRAM_FULL
	if lvl := m.pressure.Level(); lvl != LevelVRAMFull {
		t.Fatalf("expected VRAM_FULL, got %s", lvl)
	}
}

func TestMonitor_ClearPressure_ResetsToOK(t *testing.T) {
	reader := &fakeReader{ram: RAMInfo{TotalMB: 8000, AvailableMB: 500}}
	m := NewMonitor(zap.NewNop(), reader, testThresholds())
	m.pollOnce(context.Background())
	if lvl := m.pressure.Level(); lvl != LevelCritical {
		t.Fatalf("expected CRITICAL, got %s", lvl)
	}
	m.ClearPressure()
	if lvl := m.pressure.Level(); lvl != LevelOK {
		t.Fatalf("expected OK after clear, got %s", lvl)
	}
}

func TestMonitor_OKToCritical_CascadesThroughWarn(t *testing.T) {
	reader := &fakeReader{ram: RAMInfo{TotalMB: 8000, AvailableMB: 500}}
	m := NewMonitor(zap.NewNop(), reader, testThresholds())
	m.pollOnce(context.Background())
	if lvl := m.pressure.Level(); lvl != LevelCritical {
		t.Fatalf("expected CRITICAL, got %s", lvl)
	}
	events := m.Timeline()
	if len(events) != 2 {
		t.Fatalf("expected exactly 2 timeline events (ARMED then CRITICAL) for a single poll that breaches hard from OK, got %d: %+v", len(events), events)
	}
	if events[0].Event != "ARMED" {
		t.Errorf("expected first recorded transition to be ARMED (OK->WARN), got %q", events[0].Event)
	}
	if events[1].Event != "CRITICAL" {
		t.Errorf("expected second recorded transition to be CRITICAL (WARN->CRITICAL), got %q", events[1].Event)
	}
}

func TestMonitor_LoadAwarePrediction_PredictsKill(t *testing.T) {
	th := testThresholds()
	reader := &fakeReader{
		ram:  RAMInfo{TotalMB: 16000, AvailableMB: 3900}, // just under soft
		vram: VRAMInfo{TotalMB: 8000, FreeMB: 500, UsedMB: 7500},
	}
	m := NewMonitor(zap.NewNop(), reader, th)
	m.SetLoadContext(context.Background(), "big-model", "float16", "cuda", 6000)
	m.pollOnce(context.Background())
	if lvl := m.pressure.Level(); lvl != LevelWarn && lvl != LevelCritical {
		t.Fatalf("expected load-aware prediction to at least arm WARN, got %s", lvl)
	}
}
