// Velocity implements the per-subsystem fill-rate estimator.
//
// Formula (spec §4.2):
//
//	δ = (free_now − free_prev) / (t_now − t_prev)   (MB/s, positive = freeing)
//	v ← α·δ + (1−α)·v                                (EWMA, α = 0.3)
//
// The reported drain rate is −v. A dead-band of v ≥ −0.1 MB/s treats the
// subsystem as "not draining meaningfully" and reports no time-to-full,
// since the EWMA asymptotically approaches zero under steady state and an
// un-dead-banded estimate would otherwise grow without bound.
//
// One Velocity exists per subsystem (vram, ram, swap) for the lifetime of
// the process. Thread-safe: Update and the read-only accessors may be
// called from different goroutines.

package resource

import (
	"sync"
	"time"
)

const (
	defaultAlpha = 0.3
	deadBandMBs  = -0.1
)

// Velocity tracks the EWMA drain rate of one memory subsystem.
type Velocity struct {
	mu    sync.Mutex
	name  string
	alpha float64

	hasPrev  bool
	prevFree float64
	prevTime time.Time

	ewma float64
}

// NewVelocity creates a Velocity tracker for the named subsystem using the
// default smoothing factor (α = 0.3).
func NewVelocity(name string) *Velocity {
	return &Velocity{name: name, alpha: defaultAlpha}
}

// Update records a new (free_now, t_now) sample and returns the updated
// drain rate (MB/s, positive = draining) and, if the dead-band is not in
// effect, the projected time-to-full in seconds.
//
// The first sample only initializes state; it returns (0, nil).
func (v *Velocity) Update(freeNow float64, tNow time.Time) (drainMBs float64, timeToFullS *float64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.hasPrev {
		v.hasPrev = true
		v.prevFree = freeNow
		v.prevTime = tNow
		return 0, nil
	}

	dt := tNow.Sub(v.prevTime).Seconds()
	if dt > 0 {
		delta := (freeNow - v.prevFree) / dt
		v.ewma = v.alpha*delta + (1-v.alpha)*v.ewma
	}
	v.prevFree = freeNow
	v.prevTime = tNow

	drain := -v.ewma
	if v.ewma >= deadBandMBs {
		return drain, nil
	}
	ttf := freeNow / drain
	return drain, &ttf
}

// Name returns the subsystem name this tracker belongs to.
func (v *Velocity) Name() string {
	return v.name
}
