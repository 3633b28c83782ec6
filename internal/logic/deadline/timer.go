// Package deadline provides a non-blocking settle timer checked once per
// control loop tick.
package deadline

import "time"

// Timer fires once a fixed duration has passed since Start.
// The zero value is a disarmed timer of zero duration.
type Timer struct {
	start    time.Time
	duration time.Duration
	armed    bool
}

// New returns a disarmed timer.
func New(d time.Duration) Timer {
	return Timer{duration: d}
}

// Start arms the timer at now. Restarting an armed timer moves its origin.
func (t *Timer) Start(now time.Time) {
	t.start = now
	t.armed = true
}

// Armed reports whether Start was called since the last Stop.
func (t *Timer) Armed() bool {
	return t.armed
}

// Elapsed reports whether the timer is armed and at least the duration has
// passed since Start.
func (t *Timer) Elapsed(now time.Time) bool {
	return t.armed && now.Sub(t.start) >= t.duration
}

// Stop disarms the timer.
func (t *Timer) Stop() {
	t.armed = false
}

// Duration returns the configured duration.
func (t *Timer) Duration() time.Duration {
	return t.duration
}
