package motion

import (
	"sync"

	"github.com/cjeanneret/RotGo/internal/debug"
	"github.com/cjeanneret/RotGo/internal/logic/kinematics"
)

// Actuator is the capability set of a stepper driver. Moves return
// immediately; callers poll IsRunning.
type Actuator interface {
	Move(steps int64)
	MoveTo(pos int64)
	IsRunning() bool
	ForceStop()
	CurrentPosition() int64
	SetCurrentPosition(pos int64)
}

// Axis is one logical axis driven by a primary actuator and, for a ganged
// drive, a secondary actuator moving in lockstep. Commands fan out to both;
// IsRunning is true while either runs. A nil *Axis or an axis without a
// primary is unconfigured: moves are skipped and it never runs.
type Axis struct {
	name      string
	primary   Actuator
	secondary Actuator
	halt      *haltLatch // shared with the other axis of the controller
}

// haltLatch holds moves off while an emergency halt is in force. Moves and
// Halt serialize on mu so no move can start after Halt returns.
type haltLatch struct {
	mu     sync.Mutex
	halted bool
	gen    uint64
}

// hold locks the latch and reports whether moves are allowed. The caller
// must call release.
func (a *Axis) hold() bool {
	if a.halt == nil {
		return true
	}
	a.halt.mu.Lock()
	return !a.halt.halted
}

func (a *Axis) release() {
	if a.halt != nil {
		a.halt.mu.Unlock()
	}
}

// NewAxis creates a logical axis. primary and secondary may be nil.
func NewAxis(name string, primary, secondary Actuator) *Axis {
	return &Axis{name: name, primary: primary, secondary: secondary}
}

// Name returns the axis name used in logs.
func (a *Axis) Name() string {
	if a == nil {
		return ""
	}
	return a.name
}

// Configured reports whether a primary actuator is fitted.
func (a *Axis) Configured() bool {
	return a != nil && a.primary != nil
}

// Ganged reports whether a secondary actuator is fitted.
func (a *Axis) Ganged() bool {
	return a.Configured() && a.secondary != nil
}

func (a *Axis) each(fn func(Actuator)) {
	fn(a.primary)
	if a.secondary != nil {
		fn(a.secondary)
	}
}

// Move issues a relative move.
func (a *Axis) Move(steps int64) {
	if !a.Configured() {
		debug.Warn("%s axis not configured, move %d skipped", a.Name(), steps)
		return
	}
	defer a.release()
	if !a.hold() {
		debug.Verbose("%s axis halted, move %d skipped", a.Name(), steps)
		return
	}
	a.each(func(m Actuator) { m.Move(steps) })
}

// MoveTo issues an absolute move.
func (a *Axis) MoveTo(pos int64) {
	if !a.Configured() {
		debug.Warn("%s axis not configured, move to %d skipped", a.Name(), pos)
		return
	}
	defer a.release()
	if !a.hold() {
		debug.Verbose("%s axis halted, move to %d skipped", a.Name(), pos)
		return
	}
	a.each(func(m Actuator) { m.MoveTo(pos) })
}

// IsRunning reports whether any actuator of the axis is moving.
func (a *Axis) IsRunning() bool {
	if !a.Configured() {
		return false
	}
	if a.primary.IsRunning() {
		return true
	}
	return a.secondary != nil && a.secondary.IsRunning()
}

// ForceStop halts every actuator of the axis.
func (a *Axis) ForceStop() {
	if !a.Configured() {
		return
	}
	a.each(func(m Actuator) { m.ForceStop() })
}

// CurrentPosition returns the primary actuator position.
func (a *Axis) CurrentPosition() int64 {
	if !a.Configured() {
		return 0
	}
	return a.primary.CurrentPosition()
}

// SetCurrentPosition redefines the position of every actuator.
func (a *Axis) SetCurrentPosition(pos int64) {
	if !a.Configured() {
		return
	}
	a.each(func(m Actuator) { m.SetCurrentPosition(pos) })
}

// Controller orchestrates azimuth/elevation movements in degrees.
// It's an intermediate layer between the engines (homing, calibration,
// operator commands) and the step-level axes.
type Controller struct {
	Azimuth   *Axis
	Elevation *Axis
	Mapper    *kinematics.Mapper

	halt haltLatch
}

func NewController(az, el *Axis, m *kinematics.Mapper) *Controller {
	c := &Controller{
		Azimuth:   az,
		Elevation: el,
		Mapper:    m,
	}
	for _, a := range []*Axis{az, el} {
		if a != nil {
			a.halt = &c.halt
		}
	}
	return c
}

// MoveAzimuthDeg moves azimuth by a relative angle.
func (c *Controller) MoveAzimuthDeg(deg float64) {
	c.Azimuth.Move(c.Mapper.DegreesToSteps(deg))
}

// MoveElevationDeg moves elevation by a relative angle.
func (c *Controller) MoveElevationDeg(deg float64) {
	c.Elevation.Move(c.Mapper.DegreesToSteps(deg))
}

// MoveAzimuthTo moves azimuth to an absolute angle.
func (c *Controller) MoveAzimuthTo(deg float64) {
	c.Azimuth.MoveTo(c.Mapper.DegreesToSteps(deg))
}

// MoveElevationTo moves elevation to an absolute angle.
func (c *Controller) MoveElevationTo(deg float64) {
	c.Elevation.MoveTo(c.Mapper.DegreesToSteps(deg))
}

// AzimuthDeg returns the azimuth stepper position in degrees.
func (c *Controller) AzimuthDeg() float64 {
	return c.Mapper.StepsToDegrees(c.Azimuth.CurrentPosition())
}

// ElevationDeg returns the elevation stepper position in degrees.
func (c *Controller) ElevationDeg() float64 {
	return c.Mapper.StepsToDegrees(c.Elevation.CurrentPosition())
}

// Halt force-stops both axes and refuses every move until Release is
// called with the returned generation.
func (c *Controller) Halt() uint64 {
	c.halt.mu.Lock()
	defer c.halt.mu.Unlock()
	c.halt.halted = true
	c.halt.gen++
	c.Azimuth.ForceStop()
	c.Elevation.ForceStop()
	return c.halt.gen
}

// HaltGeneration returns the number of Halt calls so far.
func (c *Controller) HaltGeneration() uint64 {
	c.halt.mu.Lock()
	defer c.halt.mu.Unlock()
	return c.halt.gen
}

// Release lifts the halt taken at generation gen. A Halt issued since then
// keeps the axes halted and Release reports false.
func (c *Controller) Release(gen uint64) bool {
	c.halt.mu.Lock()
	defer c.halt.mu.Unlock()
	if gen != c.halt.gen {
		return false
	}
	c.halt.halted = false
	return true
}

// Halted reports whether moves are currently refused.
func (c *Controller) Halted() bool {
	c.halt.mu.Lock()
	defer c.halt.mu.Unlock()
	return c.halt.halted
}

// StopAll force-stops both axes.
func (c *Controller) StopAll() {
	c.Azimuth.ForceStop()
	c.Elevation.ForceStop()
}
