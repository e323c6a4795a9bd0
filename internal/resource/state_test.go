package resource

import "testing"

func TestPressureState_StartsOK(t *testing.T) {
	p := NewPressureState()
	if lvl := p.Level(); lvl != LevelOK {
		t.Fatalf("expected LevelOK, got %s", lvl)
	}
}

func TestPressureState_ClearPressure_OnlyFromCritical(t *testing.T) {
	p := NewPressureState()
	if p.ClearPressure() {
		t.Fatalf("expected ClearPressure to no-op when not CRITICAL")
	}
	p.Transition(LevelCritical, "ram_hard", Snapshot{})
	if !p.ClearPressure() {
		t.Fatalf("expected ClearPressure to succeed from CRITICAL")
	}
	if lvl, reason, _ := p.Current(); lvl != LevelOK || reason != "" {
		t.Fatalf("expected OK with empty reason after clear, got %s %q", lvl, reason)
	}
}

func TestPressureState_ClearPressure_Idempotent(t *testing.T) {
	p := NewPressureState()
	p.Transition(LevelCritical, "ram_hard", Snapshot{})
	p.ClearPressure()
	if p.ClearPressure() {
		t.Fatalf("expected second ClearPressure call to be a no-op")
	}
}

func TestPressureState_CurrentIsConsistentTriple(t *testing.T) {
	p := NewPressureState()
	snap := Snapshot{VRAMUsedMB: 42}
	p.Transition(LevelWarn, "vram soft", snap)
	lvl, reason, got := p.Current()
	if lvl != LevelWarn || reason != "vram soft" || got.VRAMUsedMB != 42 {
		t.Fatalf("expected consistent triple, got (%s, %q, %+v)", lvl, reason, got)
	}
}

func TestPressureState_StepdownInfo(t *testing.T) {
	p := NewPressureState()
	if active, _, _ := p.StepdownInfo(); active {
		t.Fatalf("expected stepdown inactive initially")
	}
	p.RecordStepdown("a", "b")
	active, from, to := p.StepdownInfo()
	if !active || from != "a" || to != "b" {
		t.Fatalf("expected active stepdown a->b, got %v %q %q", active, from, to)
	}
}
