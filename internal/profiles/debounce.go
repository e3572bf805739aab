package profiles

import (
	"sync"
	"time"
)

// debouncer collapses bursts of change notifications. Mark records an
// event; Ready reports true exactly once after the window has passed with
// no further Mark, then resets.
type debouncer struct {
	window time.Duration

	mu      sync.Mutex
	pending bool
	last    time.Time
}

func newDebouncer(window time.Duration) *debouncer {
	return &debouncer{window: window}
}

func (d *debouncer) Mark(at time.Time) {
	d.mu.Lock()
	d.pending = true
	d.last = at
	d.mu.Unlock()
}

func (d *debouncer) Ready(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.pending || now.Sub(d.last) < d.window {
		return false
	}
	d.pending = false
	return true
}

func (d *debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}
