// Package homing drives both axes onto their limit switches to establish
// the step zero. Azimuth always homes first; elevation homing never acts
// while azimuth is unhomed.
package homing

import (
	"errors"
	"time"

	"github.com/cjeanneret/RotGo/internal/debug"
	"github.com/cjeanneret/RotGo/internal/logic/deadline"
	"github.com/cjeanneret/RotGo/internal/logic/debounce"
	"github.com/cjeanneret/RotGo/internal/logic/motion"
)

var (
	ErrAzimuthNotConfigured = errors.New("homing: azimuth axis not configured")
	ErrAzimuthNotHomed      = errors.New("homing: azimuth not homed")
)

// Stage is the homing sequence state.
type Stage int

const (
	Idle Stage = iota
	AzimuthPreHome
	AzimuthMoving
	ElevationMoving
	Complete
)

func (s Stage) String() string {
	switch s {
	case Idle:
		return "idle"
	case AzimuthPreHome:
		return "az_pre_home"
	case AzimuthMoving:
		return "az_moving"
	case ElevationMoving:
		return "el_moving"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// LimitInput is a raw limit switch.
type LimitInput interface {
	Triggered() (bool, error)
}

// Fusion is the part of the sensor fusion re-anchored at elevation home.
type Fusion interface {
	Elevation() float64
	SetHomeRawElevation(v float64)
	ResetElevationSmoothing()
}

// Config holds the homing parameters.
type Config struct {
	AzDir     int
	ElDir     int
	MaxSteps  int64
	Settle    time.Duration
	Debounce  time.Duration
	SafeMinAz float64
	SafeMaxAz float64
	NeutralAz float64
}

// DefaultConfig matches the stock rotator mechanics.
func DefaultConfig() Config {
	return Config{
		AzDir:     -1,
		ElDir:     -1,
		MaxSteps:  15000,
		Settle:    800 * time.Millisecond,
		Debounce:  5 * time.Millisecond,
		SafeMinAz: 0,
		SafeMaxAz: 360,
		NeutralAz: 180,
	}
}

// Engine is the homing state machine. All methods must be called from the
// control loop goroutine.
type Engine struct {
	cfg    Config
	ctrl   *motion.Controller
	fusion Fusion

	azLimit LimitInput
	elLimit LimitInput
	azState *debounce.Debouncer
	elState *debounce.Debouncer

	stage   Stage
	azHomed bool
	elHomed bool

	rangeChecked bool // AzimuthPreHome range check done for this run
	safetyMove   bool // neutral move in progress
	azSettle     deadline.Timer
	elSettle     deadline.Timer
}

// New creates an idle homing engine. Limit inputs may be nil (never triggered).
func New(cfg Config, ctrl *motion.Controller, f Fusion, azLimit, elLimit LimitInput) *Engine {
	return &Engine{
		cfg:      cfg,
		ctrl:     ctrl,
		fusion:   f,
		azLimit:  azLimit,
		elLimit:  elLimit,
		azState:  debounce.New(cfg.Debounce),
		elState:  debounce.New(cfg.Debounce),
		azSettle: deadline.New(cfg.Settle),
		elSettle: deadline.New(cfg.Settle),
	}
}

func (e *Engine) setStage(s Stage) {
	if s != e.stage {
		debug.Transition("homing", e.stage, s)
		e.stage = s
	}
}

// HomeAzimuth starts a full homing run (azimuth, then elevation).
func (e *Engine) HomeAzimuth() error {
	if !e.ctrl.Azimuth.Configured() {
		return ErrAzimuthNotConfigured
	}
	e.azHomed = false
	e.rangeChecked = false
	e.safetyMove = false
	e.azSettle.Stop()
	e.setStage(AzimuthPreHome)
	debug.Info("Starting azimuth homing (dir %+d, max %d steps)", e.cfg.AzDir, e.cfg.MaxSteps)
	e.ctrl.Azimuth.MoveTo(int64(e.cfg.AzDir) * e.cfg.MaxSteps)
	return nil
}

// HomeElevation starts elevation homing. Azimuth must be homed.
func (e *Engine) HomeElevation() error {
	if !e.azHomed {
		debug.Warn("Elevation homing refused: azimuth not homed")
		return ErrAzimuthNotHomed
	}
	e.elHomed = false
	e.elSettle.Stop()
	if !e.ctrl.Elevation.Configured() {
		debug.Warn("Elevation axis not configured, homing ends after azimuth")
		debug.Summary("Homing complete (azimuth only)")
		e.setStage(Complete)
		return nil
	}
	e.setStage(ElevationMoving)
	debug.Info("Starting elevation homing (dir %+d, max %d steps)", e.cfg.ElDir, e.cfg.MaxSteps)
	e.ctrl.Elevation.MoveTo(int64(e.cfg.ElDir) * e.cfg.MaxSteps)
	return nil
}

// Tick samples the limit switches and advances the sequence.
func (e *Engine) Tick(now time.Time) {
	sample("az", e.azLimit, e.azState, now)
	sample("el", e.elLimit, e.elState, now)

	switch e.stage {
	case AzimuthPreHome:
		e.tickPreHome()
	case AzimuthMoving:
		e.tickAzimuth(now)
	case ElevationMoving:
		e.tickElevation(now)
	}
}

func sample(axis string, in LimitInput, d *debounce.Debouncer, now time.Time) {
	if in == nil {
		return
	}
	raw, err := in.Triggered()
	if err != nil {
		debug.Warn("%s limit read failed: %v", axis, err)
		return
	}
	if stable, changed := d.Update(raw, now); changed {
		debug.Limit(axis, stable)
	}
}

func (e *Engine) tickPreHome() {
	az := e.ctrl.Azimuth
	if !e.rangeChecked {
		e.rangeChecked = true
		deg := e.ctrl.AzimuthDeg()
		if deg < e.cfg.SafeMinAz || deg > e.cfg.SafeMaxAz {
			debug.Warn("Azimuth out of range (%.1f°), moving to %.1f° before homing", deg, e.cfg.NeutralAz)
			e.safetyMove = true
			e.ctrl.MoveAzimuthTo(e.cfg.NeutralAz)
			return
		}
		debug.Verbose("Azimuth within safe range (%.1f°), skipping pre-home move", deg)
		e.setStage(AzimuthMoving)
		return
	}
	if e.safetyMove && !az.IsRunning() {
		e.safetyMove = false
		az.MoveTo(int64(e.cfg.AzDir) * e.cfg.MaxSteps)
		e.setStage(AzimuthMoving)
	}
}

func (e *Engine) tickAzimuth(now time.Time) {
	az := e.ctrl.Azimuth
	if !e.azSettle.Armed() {
		if e.azState.State() {
			az.ForceStop()
			e.azSettle.Start(now)
			debug.Live("Azimuth limit reached, settling %v", e.azSettle.Duration())
			return
		}
		if !az.IsRunning() {
			debug.Warn("Azimuth homing travel exhausted without reaching the limit")
			e.setStage(Idle)
		}
		return
	}
	if !e.azSettle.Elapsed(now) {
		return
	}
	e.azSettle.Stop()
	az.SetCurrentPosition(0)
	e.azHomed = true
	debug.Info("Azimuth limit reached, position set to 0")
	_ = e.HomeElevation()
}

func (e *Engine) tickElevation(now time.Time) {
	if !e.azHomed {
		return
	}
	el := e.ctrl.Elevation
	if !e.elSettle.Armed() {
		if e.elState.State() {
			el.ForceStop()
			e.elSettle.Start(now)
			debug.Live("Elevation limit reached, settling %v", e.elSettle.Duration())
			return
		}
		if !el.IsRunning() {
			debug.Warn("Elevation homing travel exhausted without reaching the limit")
			e.setStage(Idle)
		}
		return
	}
	if !e.elSettle.Elapsed(now) {
		return
	}
	e.elSettle.Stop()
	el.SetCurrentPosition(0)
	if e.fusion != nil {
		e.fusion.SetHomeRawElevation(e.fusion.Elevation())
		e.fusion.ResetElevationSmoothing()
	}
	e.elHomed = true
	debug.Info("Elevation limit reached, position set to 0")
	debug.Summary("Homing complete")
	e.setStage(Complete)
}

// Reset aborts any run: stage Idle, homed flags cleared. It does not stop
// the actuators.
func (e *Engine) Reset() {
	e.setStage(Idle)
	e.azHomed = false
	e.elHomed = false
	e.rangeChecked = false
	e.safetyMove = false
	e.azSettle.Stop()
	e.elSettle.Stop()
}

func (e *Engine) Stage() Stage { return e.stage }
func (e *Engine) AzimuthHomed() bool { return e.azHomed }
func (e *Engine) ElevationHomed() bool { return e.elHomed }
func (e *Engine) AzimuthLimit() bool { return e.azState.State() }
func (e *Engine) ElevationLimit() bool { return e.elState.State() }
func (e *Engine) Busy() bool { return e.stage != Idle && e.stage != Complete }
