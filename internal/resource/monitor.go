// Monitor runs the background sampler: it owns the pressure state machine,
// the timeline ring buffer, and load-context registration, per spec §4.3.
// It never shares a goroutine with request handling; request handlers only
// ever touch the monitor through its public, lock-protected surface.

package resource

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Thresholds holds the six pressure limits and three poll intervals from
// spec §6's environment variables.
type Thresholds struct {
	VRAMSoftMB float64
	VRAMHardMB float64
	RAMSoftMB  float64
	RAMHardMB  float64
	SwapHardMB float64

	PollIntervalOK   time.Duration
	PollIntervalFast time.Duration
	LogInterval      time.Duration
}

// DefaultThresholds mirrors the original implementation's env-var defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		VRAMSoftMB:       2000,
		VRAMHardMB:       500,
		RAMSoftMB:        4000,
		RAMHardMB:        1000,
		SwapHardMB:       0,
		PollIntervalOK:   5 * time.Second,
		PollIntervalFast: 250 * time.Millisecond,
		LogInterval:      30 * time.Second,
	}
}

// Monitor is the background resource sampler.
type Monitor struct {
	log        *zap.Logger
	probe      MemoryReader
	thresholds Thresholds

	vramVel *Velocity
	ramVel  *Velocity
	swapVel *Velocity

	pressure *PressureState
	timeline *Timeline

	loadMu  sync.Mutex
	load    *LoadContext

	lastMu   sync.Mutex
	last     Snapshot
	lastSet  bool

	swapBaselineMB float64

	stop chan struct{}
	done chan struct{}

	lastLogAt time.Time
}

// NewMonitor creates a Monitor. The swap baseline is captured immediately
// (spec §4.3's "baseline captured at startup to ignore benign ambient
// swap") so Start need not block on it.
func NewMonitor(log *zap.Logger, probe MemoryReader, th Thresholds) *Monitor {
	m := &Monitor{
		log:        log,
		probe:      probe,
		thresholds: th,
		vramVel:    NewVelocity("vram"),
		ramVel:     NewVelocity("ram"),
		swapVel:    NewVelocity("swap"),
		pressure:   NewPressureState(),
		timeline:   NewTimeline(),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	ram := probe.ReadRAM()
	m.swapBaselineMB = ram.SwapUsedMB
	return m
}

// Take samples memory state and updates the fill-rate estimators. Always
// safe to call from any context; its only side effects are the velocity
// trackers' internal state and the stored most-recent snapshot returned by
// LastSnapshot (spec §8's round-trip property).
func (m *Monitor) Take(ctx context.Context) Snapshot {
	now := time.Now()
	vram := m.probe.ReadVRAM(ctx)
	ram := m.probe.ReadRAM()
	proc := m.probe.ReadProcess()

	vramRate, vramTTF := m.vramVel.Update(vram.FreeMB, now)
	ramRate, ramTTF := m.ramVel.Update(ram.AvailableMB, now)
	swapFree := ram.SwapTotalMB - ram.SwapUsedMB
	swapRate, swapTTF := m.swapVel.Update(swapFree, now)

	snap := Snapshot{
		TakenAt:          now,
		VRAMUsedMB:       vram.UsedMB,
		VRAMFreeMB:       vram.FreeMB,
		VRAMTotalMB:      vram.TotalMB,
		VRAMFillRateMBs:  vramRate,
		VRAMTimeToFullS:  vramTTF,
		RAMRSSMB:         proc.RSSMB,
		RAMAvailableMB:   ram.AvailableMB,
		RAMTotalMB:       ram.TotalMB,
		RAMFillRateMBs:   ramRate,
		RAMTimeToFullS:   ramTTF,
		SwapUsedMB:       ram.SwapUsedMB,
		SwapTotalMB:      ram.SwapTotalMB,
		SwapFillRateMBs:  swapRate,
		SwapTimeToFullS:  swapTTF,
		ProcessSwappedMB: proc.SwappedMB,
	}

	m.lastMu.Lock()
	m.last = snap
	m.lastSet = true
	m.lastMu.Unlock()

	return snap
}

// LastSnapshot returns the most recent snapshot taken by the sampler, if any.
func (m *Monitor) LastSnapshot() (Snapshot, bool) {
	m.lastMu.Lock()
	defer m.lastMu.Unlock()
	return m.last, m.lastSet
}

// SetLoadContext registers an in-progress model load, capturing VRAM and
// RAM-used baselines for load-aware prediction. Exactly one may be active
// at a time; a second call replaces the first.
func (m *Monitor) SetLoadContext(ctx context.Context, modelID, computeType, device string, estimatedMB float64) {
	vram := m.probe.ReadVRAM(ctx)
	ram := m.probe.ReadRAM()
	lc := &LoadContext{
		ModelID:        modelID,
		ComputeType:    computeType,
		Device:         device,
		EstimatedMB:    estimatedMB,
		VRAMBaselineMB: vram.UsedMB,
		RAMBaselineMB:  ram.TotalMB - ram.AvailableMB,
		StartedAt:      time.Now(),
	}
	m.loadMu.Lock()
	m.load = lc
	m.loadMu.Unlock()
}

// ClearLoadContext removes the registered load context.
func (m *Monitor) ClearLoadContext() {
	m.loadMu.Lock()
	m.load = nil
	m.loadMu.Unlock()
}

// LoadProgress describes the load-aware prediction computed from the
// current LoadContext, if one is registered.
type LoadProgress struct {
	ModelID       string
	ElapsedS      float64
	PredictedKill bool
	RAMAfterLoad  float64
}

// loadContext returns a copy of the active load context, if any.
func (m *Monitor) loadContext() (LoadContext, bool) {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	if m.load == nil {
		return LoadContext{}, false
	}
	return *m.load, true
}

// GetLoadProgress reports load-aware prediction state for /health. Returns
// (zero, false) when no load is in progress.
func (m *Monitor) GetLoadProgress() (LoadProgress, bool) {
	lc, ok := m.loadContext()
	if !ok {
		return LoadProgress{}, false
	}
	snap, hasSnap := m.LastSnapshot()
	if !hasSnap {
		return LoadProgress{ModelID: lc.ModelID, ElapsedS: time.Since(lc.StartedAt).Seconds()}, true
	}
	_, ramAfter := m.predictLoadKill(lc, snap)
	return LoadProgress{
		ModelID:       lc.ModelID,
		ElapsedS:      time.Since(lc.StartedAt).Seconds(),
		PredictedKill: ramAfter <= m.thresholds.RAMHardMB,
		RAMAfterLoad:  ramAfter,
	}, true
}

// predictLoadKill implements the load-aware prediction formula of spec
// §4.3: consumed = max(0, vram_used_now−vram_base) + max(0, ram_used_now−ram_base);
// remaining = max(0, estimated_total−consumed); remaining_to_ram =
// max(0, remaining−current_vram_free); ram_after_load =
// ram_available_now − remaining_to_ram.
func (m *Monitor) predictLoadKill(lc LoadContext, snap Snapshot) (predictKill bool, ramAfterLoad float64) {
	ramUsedNow := snap.RAMTotalMB - snap.RAMAvailableMB
	consumed := maxf(0, snap.VRAMUsedMB-lc.VRAMBaselineMB) + maxf(0, ramUsedNow-lc.RAMBaselineMB)
	remaining := maxf(0, lc.EstimatedMB-consumed)
	remainingToRAM := maxf(0, remaining-snap.VRAMFreeMB)
	ramAfterLoad = snap.RAMAvailableMB - remainingToRAM
	return ramAfterLoad <= m.thresholds.RAMHardMB, ramAfterLoad
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// ClearPressure resets CRITICAL back to OK. Must be called by the stepdown
// controller once it has taken corrective action (spec §4.3).
func (m *Monitor) ClearPressure() {
	if m.pressure.ClearPressure() {
		m.log.Info("pressure cleared", zap.String("level", LevelOK.String()))
	}
}

// PressureState exposes the current (level, reason, snapshot) triple.
func (m *Monitor) PressureState() (Level, string, Snapshot) {
	return m.pressure.Current()
}

// RecordStepdown stores stepdown bookkeeping on the pressure state for
// /health reporting.
func (m *Monitor) RecordStepdown(from, to string) {
	m.pressure.RecordStepdown(from, to)
}

// StepdownInfo returns the stepdown-active flag and from/to model ids.
func (m *Monitor) StepdownInfo() (bool, string, string) {
	return m.pressure.StepdownInfo()
}

// Timeline returns the absolute timeline events.
func (m *Monitor) Timeline() []TimelineEvent {
	return m.timeline.Events()
}

// TimelineRelative returns the timeline relativized to refEpoch, in ms.
func (m *Monitor) TimelineRelative(refEpoch time.Time) []RelativeEvent {
	return m.timeline.Relative(refEpoch)
}

// Start launches the sampler goroutine. It exits when ctx is canceled or
// Stop is called; Stop/ctx cancellation is cooperative and bounded by one
// poll interval (spec §4.3, §9).
func (m *Monitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

// Stop signals the sampler to exit and waits up to 2s for it to do so.
func (m *Monitor) Stop() {
	close(m.stop)
	select {
	case <-m.done:
	case <-time.After(2 * time.Second):
		m.log.Warn("resource monitor stop timed out")
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	for {
		level := m.pressure.Level()
		interval := m.thresholds.PollIntervalOK
		if level != LevelOK {
			interval = m.thresholds.PollIntervalFast
		}

		m.pollOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-time.After(interval):
		}
	}
}

// pollOnce takes one sample and evaluates the transition table in spec
// §4.3.
func (m *Monitor) pollOnce(ctx context.Context) {
	snap := m.Take(ctx)
	th := m.thresholds

	lc, hasLoad := m.loadContext()
	var predictKill bool
	if hasLoad {
		predictKill, _ = m.predictLoadKill(lc, snap)
	}

	vramArmed := snap.HasGPU() && (snap.VRAMFreeMB < th.VRAMSoftMB ||
		(snap.VRAMTimeToFullS != nil && *snap.VRAMTimeToFullS < 10))
	ramArmed := snap.RAMAvailableMB < th.RAMSoftMB ||
		(snap.RAMTimeToFullS != nil && *snap.RAMTimeToFullS < 30) ||
		predictKill
	softArmed := vramArmed || ramArmed

	vramHard := snap.HasGPU() && snap.VRAMFreeMB < th.VRAMHardMB
	// Spec boundary behavior: ram_available_mb == ram_hard_mb still fires.
	ramHard := snap.RAMAvailableMB <= th.RAMHardMB
	swapHard := (snap.SwapUsedMB - m.swapBaselineMB) > th.SwapHardMB
	procSwapped := snap.ProcessSwappedMB > 0
	loadPredictsHardKill := hasLoad && predictKill && snap.RAMAvailableMB < th.RAMSoftMB
	hardCondition := ramHard || swapHard || procSwapped || loadPredictsHardKill

	current := m.pressure.Level()
	var next Level
	var reason string
	var event string

	switch current {
	case LevelOK:
		if hardCondition {
			// Spec §8 forbids OK->CRITICAL directly: cascade through WARN
			// within this same poll, recording both transitions in sequence,
			// rather than skip straight to CRITICAL.
			warnReason := softReason(vramArmed, ramArmed)
			if !softArmed {
				warnReason = hardReason(ramHard, swapHard, procSwapped, loadPredictsHardKill)
			}
			m.pressure.Transition(LevelWarn, warnReason, snap)
			m.timeline.Append(TimelineEvent{At: snap.TakenAt, Event: "ARMED", Trigger: warnReason, Snap: snap})
			m.log.Warn("pressure transition",
				zap.String("from", current.String()), zap.String("to", LevelWarn.String()),
				zap.String("reason", warnReason))
			current = LevelWarn
			next, reason, event = LevelCritical, hardReason(ramHard, swapHard, procSwapped, loadPredictsHardKill), "CRITICAL"
		} else if softArmed {
			next, reason, event = LevelWarn, softReason(vramArmed, ramArmed), "ARMED"
		} else {
			next = LevelOK
		}
	case LevelWarn:
		if hardCondition {
			next, reason, event = LevelCritical, hardReason(ramHard, swapHard, procSwapped, loadPredictsHardKill), "CRITICAL"
		} else if vramHard {
			next, reason, event = LevelVRAMFull, "vram hard breach", "VRAM_FULL"
		} else if !softArmed {
			next, event = LevelOK, "DISARMED"
		} else {
			next = LevelWarn
		}
	case LevelVRAMFull:
		if hardCondition {
			next, reason, event = LevelCritical, hardReason(ramHard, swapHard, procSwapped, loadPredictsHardKill), "CRITICAL"
		} else if !vramHard {
			if softArmed {
				next, event = LevelWarn, "VRAM_RECOVERED"
			} else {
				next, event = LevelOK, "VRAM_RECOVERED"
			}
		} else {
			next = LevelVRAMFull
		}
	case LevelCritical:
		next = LevelCritical // only ClearPressure moves off CRITICAL
	}

	if next != current {
		m.pressure.Transition(next, reason, snap)
		m.timeline.Append(TimelineEvent{At: snap.TakenAt, Event: event, Trigger: reason, Snap: snap})
		m.log.Warn("pressure transition",
			zap.String("from", current.String()), zap.String("to", next.String()),
			zap.String("reason", reason))
	}

	if time.Since(m.lastLogAt) >= th.LogInterval {
		m.lastLogAt = time.Now()
		fields := []zap.Field{
			zap.String("level", next.String()),
			zap.Float64("vram_free_mb", snap.VRAMFreeMB),
			zap.Float64("ram_available_mb", snap.RAMAvailableMB),
		}
		if hasLoad {
			progressPct := 0.0
			if lc.EstimatedMB > 0 {
				consumed := maxf(0, snap.VRAMUsedMB-lc.VRAMBaselineMB) + maxf(0, (snap.RAMTotalMB-snap.RAMAvailableMB)-lc.RAMBaselineMB)
				progressPct = 100 * minf(1, consumed/lc.EstimatedMB)
			}
			fields = append(fields,
				zap.String("load_model", lc.ModelID),
				zap.Float64("load_progress_pct", progressPct),
				zap.Bool("load_predicted_kill", predictKill))
		}
		m.log.Info("resource status", fields...)
	}
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// HardBreachedLimits reports every hard threshold snap currently trips,
// using the exact same comparisons pollOnce's transition table evaluates
// (spec §4.3). Used by /translate's post-call pressure warning to name the
// threshold(s) responsible (spec §8 scenario 2: breached_limits=["ram_hard"]).
func (m *Monitor) HardBreachedLimits(snap Snapshot) []string {
	th := m.thresholds
	var limits []string
	if snap.HasGPU() && snap.VRAMFreeMB < th.VRAMHardMB {
		limits = append(limits, "vram_hard")
	}
	if snap.RAMAvailableMB <= th.RAMHardMB {
		limits = append(limits, "ram_hard")
	}
	if (snap.SwapUsedMB - m.swapBaselineMB) > th.SwapHardMB {
		limits = append(limits, "swap_hard")
	}
	if snap.ProcessSwappedMB > 0 {
		limits = append(limits, "process_swapped")
	}
	return limits
}

func hardReason(ramHard, swapHard, procSwapped, loadKill bool) string {
	switch {
	case ramHard:
		return "ram_hard"
	case swapHard:
		return "swap_hard"
	case procSwapped:
		return "process_swapped"
	case loadKill:
		return "load_predicted_kill"
	default:
		return "unknown"
	}
}

func softReason(vramArmed, ramArmed bool) string {
	switch {
	case vramArmed && ramArmed:
		return "vram+ram soft"
	case vramArmed:
		return "vram soft"
	case ramArmed:
		return "ram soft"
	default:
		return "unknown"
	}
}
