package watcher

import (
	"sync"
	"time"
)

// DefaultDebounceDuration is the default quiet window before a change
// callback fires. Sample imports drop many files in a burst; one rescan
// covers all of them.
const DefaultDebounceDuration = 500 * time.Millisecond

// Debouncer coalesces rapid triggers into a single callback after a quiet
// window.
type Debouncer struct {
	duration time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// NewDebouncer creates a debouncer with the given quiet window. Durations
// of zero or less use the default.
func NewDebouncer(d time.Duration) *Debouncer {
	if d <= 0 {
		d = DefaultDebounceDuration
	}
	return &Debouncer{duration: d}
}

// Trigger schedules fn to run after the quiet window. A trigger while a
// previous one is pending restarts the window; only the last fn runs.
func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.duration, fn)
}

// Cancel drops any pending callback.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Duration returns the configured quiet window.
func (d *Debouncer) Duration() time.Duration {
	return d.duration
}
