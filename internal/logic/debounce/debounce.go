// Package debounce filters a noisy digital input into a stable state.
package debounce

import "time"

// Debouncer holds the stable state of one input. The stable value only
// changes once the raw input has held the opposite value for at least the
// window. A raw flip back inside the window cancels the pending change.
type Debouncer struct {
	window       time.Duration
	stable       bool
	pending      bool
	pendingSince time.Time
}

// New returns a debouncer whose stable state starts false.
func New(window time.Duration) *Debouncer {
	return &Debouncer{window: window}
}

// Update feeds one raw sample taken at now. It returns the stable state and
// whether this sample changed it.
func (d *Debouncer) Update(raw bool, now time.Time) (stable, changed bool) {
	if raw == d.stable {
		d.pending = false
		return d.stable, false
	}
	if !d.pending {
		d.pending = true
		d.pendingSince = now
	}
	if now.Sub(d.pendingSince) >= d.window {
		d.stable = raw
		d.pending = false
		return d.stable, true
	}
	return d.stable, false
}

// State returns the current stable value.
func (d *Debouncer) State() bool {
	return d.stable
}
