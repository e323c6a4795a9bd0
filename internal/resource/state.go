// PressureState holds the monitor's pressure level plus the triple of
// (reason, snapshot, stepdown bookkeeping) associated with it.
//
// Level transition graph (spec §4.3):
//
//	OK ──(soft arm)──▶ WARN ──(VRAM hard, RAM/swap OK)──▶ VRAM_FULL
//	                    │  ▲                                  │
//	                    │  └──────────(VRAM recovers)─────────┘
//	            (RAM/swap hard, or load-predict kill)
//	                    ▼
//	                CRITICAL ──(clear_pressure)──▶ OK
//
// Only the resource monitor's sampler goroutine may move the level forward;
// only clear_pressure (called by the stepdown controller after it has acted)
// may move it back to OK from CRITICAL. Levels OK/WARN/VRAM_FULL are
// otherwise freely reversible by the sampler as conditions change — this is
// not a strictly monotonic escalation ladder.
//
// Per spec §5's shared-resource policy, the (event, reason, snapshot) triple
// is not updated atomically field-by-field; readers must take one lock
// acquisition and capture all three into locals, which is exactly what
// Current does.

package resource

import (
	"sync"
	"time"
)

// Level is the pressure state machine's four levels.
type Level uint8

const (
	LevelOK Level = iota
	LevelWarn
	LevelVRAMFull
	LevelCritical
)

// String returns the human-readable level name.
func (l Level) String() string {
	switch l {
	case LevelOK:
		return "OK"
	case LevelWarn:
		return "WARN"
	case LevelVRAMFull:
		return "VRAM_FULL"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// PressureState is the mutex-protected pressure event triple plus stepdown
// bookkeeping. All fields are accessed only through its methods.
type PressureState struct {
	mu sync.Mutex

	level  Level
	reason string
	snap   Snapshot

	enteredAt time.Time

	stepdownActive  bool
	steppedDownFrom string
	steppedDownTo   string
}

// NewPressureState creates a PressureState starting at OK.
func NewPressureState() *PressureState {
	return &PressureState{level: LevelOK, enteredAt: time.Now()}
}

// Current returns a consistent snapshot of (level, reason, pressure
// snapshot) taken under a single lock acquisition.
func (p *PressureState) Current() (Level, string, Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level, p.reason, p.snap
}

// Level returns just the current level.
func (p *PressureState) Level() Level {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

// TimeInLevel returns how long the state has held its current level.
func (p *PressureState) TimeInLevel() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.enteredAt)
}

// Transition moves to a new level with the given reason and snapshot.
// Called only by the monitor's sampler after evaluating the transition
// table; arbitrary level changes (including reversals) are permitted since
// the table itself enforces which transitions are legal.
func (p *PressureState) Transition(level Level, reason string, snap Snapshot) (from Level) {
	p.mu.Lock()
	defer p.mu.Unlock()
	from = p.level
	p.level = level
	p.reason = reason
	p.snap = snap
	p.enteredAt = time.Now()
	return from
}

// ClearPressure resets CRITICAL to OK after the caller (the stepdown
// controller) has taken corrective action. Idempotent: calling it when not
// CRITICAL leaves the state unchanged and returns false.
func (p *PressureState) ClearPressure() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.level != LevelCritical {
		return false
	}
	p.level = LevelOK
	p.reason = ""
	p.enteredAt = time.Now()
	return true
}

// RecordStepdown stores the outcome of a stepdown for /health reporting.
func (p *PressureState) RecordStepdown(from, to string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stepdownActive = true
	p.steppedDownFrom = from
	p.steppedDownTo = to
}

// StepdownInfo returns the stepdown-active flag and the from/to model ids of
// the most recent stepdown, if any.
func (p *PressureState) StepdownInfo() (active bool, from, to string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stepdownActive, p.steppedDownFrom, p.steppedDownTo
}
