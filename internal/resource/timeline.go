// Timeline is a bounded ring buffer of the monitor's last 32 pressure
// transitions (spec §4.3, §9). Oldest entries are evicted first; emission
// order matches chronological order.

package resource

import (
	"sync"
	"time"
)

const timelineCapacity = 32

// Timeline is a thread-safe, fixed-capacity ring buffer of TimelineEvent.
type Timeline struct {
	mu     sync.Mutex
	events []TimelineEvent
	next   int
	full   bool
}

// NewTimeline creates an empty Timeline.
func NewTimeline() *Timeline {
	return &Timeline{events: make([]TimelineEvent, timelineCapacity)}
}

// Append adds an event, evicting the oldest entry if the buffer is full.
func (t *Timeline) Append(ev TimelineEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events[t.next] = ev
	t.next = (t.next + 1) % timelineCapacity
	if t.next == 0 {
		t.full = true
	}
}

// Events returns all retained events in chronological order.
func (t *Timeline) Events() []TimelineEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	var n int
	if t.full {
		n = timelineCapacity
	} else {
		n = t.next
	}
	out := make([]TimelineEvent, 0, n)
	if t.full {
		for i := 0; i < timelineCapacity; i++ {
			idx := (t.next + i) % timelineCapacity
			out = append(out, t.events[idx])
		}
	} else {
		out = append(out, t.events[:n]...)
	}
	return out
}

// Relative returns all retained events as offsets from refEpoch, in
// milliseconds. Events before refEpoch have a negative TMS.
func (t *Timeline) Relative(refEpoch time.Time) []RelativeEvent {
	events := t.Events()
	out := make([]RelativeEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, RelativeEvent{
			TMS:     ev.At.Sub(refEpoch).Milliseconds(),
			Event:   ev.Event,
			Trigger: ev.Trigger,
			Snap:    ev.Snap,
			Extra:   ev.Extra,
		})
	}
	return out
}
