// Package resource implements the memory probe, fill-rate estimator, and
// resource monitor that together decide whether the host can keep serving
// translation requests at the currently loaded model.
package resource

import "time"

// Snapshot is a single, immutable sample of host and process memory state.
// All memory fields are in MB. A Snapshot is never mutated after it is
// produced by Monitor.Take.
type Snapshot struct {
	TakenAt time.Time

	VRAMUsedMB, VRAMFreeMB, VRAMTotalMB float64
	VRAMFillRateMBs                     float64
	VRAMTimeToFullS                     *float64

	RAMRSSMB, RAMAvailableMB, RAMTotalMB float64
	RAMFillRateMBs                       float64
	RAMTimeToFullS                       *float64

	SwapUsedMB, SwapTotalMB float64
	SwapFillRateMBs         float64
	SwapTimeToFullS         *float64

	ProcessSwappedMB float64
}

// VRAMPct returns used/total as a fraction in [0,1]. Zero when VRAMTotalMB is 0.
func (s Snapshot) VRAMPct() float64 {
	if s.VRAMTotalMB <= 0 {
		return 0
	}
	return s.VRAMUsedMB / s.VRAMTotalMB
}

// RAMPct returns (total-available)/total as a fraction in [0,1].
func (s Snapshot) RAMPct() float64 {
	if s.RAMTotalMB <= 0 {
		return 0
	}
	return (s.RAMTotalMB - s.RAMAvailableMB) / s.RAMTotalMB
}

// HasGPU reports whether this snapshot observed a nonzero VRAM total.
func (s Snapshot) HasGPU() bool {
	return s.VRAMTotalMB > 0
}

// LogFields returns the snapshot's fields as a map keyed by snake_case
// names, suitable for a single structured log line.
func (s Snapshot) LogFields() map[string]any {
	return map[string]any{
		"vram_used_mb":  s.VRAMUsedMB,
		"vram_free_mb":  s.VRAMFreeMB,
		"vram_total_mb": s.VRAMTotalMB,
		"ram_rss_mb":    s.RAMRSSMB,
		"ram_avail_mb":  s.RAMAvailableMB,
		"ram_total_mb":  s.RAMTotalMB,
		"swap_used_mb":  s.SwapUsedMB,
		"swap_total_mb": s.SwapTotalMB,
		"proc_swap_mb":  s.ProcessSwappedMB,
	}
}

// LoadContext records the baselines and target size of an in-progress model
// load. Exactly one may be registered with a Monitor at a time.
type LoadContext struct {
	ModelID         string
	ComputeType     string
	Device          string
	EstimatedMB     float64
	VRAMBaselineMB  float64
	RAMBaselineMB   float64
	StartedAt       time.Time
}

// TimelineEvent is one entry in the monitor's bounded event ring buffer.
type TimelineEvent struct {
	At      time.Time
	Event   string // "ARMED","VRAM_FULL","VRAM_RECOVERED","DISARMED","CRITICAL","stepdown"
	Trigger string
	Snap    Snapshot
	Extra   map[string]string
}

// RelativeEvent is a TimelineEvent expressed as an offset from a reference
// epoch, in milliseconds.
type RelativeEvent struct {
	TMS     int64
	Event   string
	Trigger string
	Snap    Snapshot
	Extra   map[string]string
}
