// Package calibration sweeps both axes through their range while the
// sensor fusion captures extrema, then re-homes.
package calibration

import (
	"errors"
	"time"

	"github.com/cjeanneret/RotGo/internal/debug"
	"github.com/cjeanneret/RotGo/internal/logic/fusion"
	"github.com/cjeanneret/RotGo/internal/logic/motion"
)

var (
	ErrAzimuthNotConfigured = errors.New("calibration: azimuth axis not configured")
	ErrCalibrationRunning   = errors.New("calibration: already running")
)

// Stage is the calibration sequence state.
type Stage int

const (
	Idle Stage = iota
	AzimuthSweep
	ElevationSweep
	Done
	Backoff
)

func (s Stage) String() string {
	switch s {
	case Idle:
		return "idle"
	case AzimuthSweep:
		return "az_sweep"
	case ElevationSweep:
		return "el_sweep"
	case Done:
		return "done"
	case Backoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Fusion is the capture side of the sensor fusion.
type Fusion interface {
	StartCalibration()
	StopCalibration()
	AbortCalibration()
	Heading() float64
	Elevation() float64
	SetElevationHomeOffset(v float64)
}

// Homer re-homes the rotator once the sweep is over.
type Homer interface {
	HomeAzimuth() error
}

// Config holds the sweep bounds in degrees.
type Config struct {
	MaxAz      float64
	MaxEl      float64
	BackoffDeg float64
}

// Engine is the calibration state machine. All methods must be called from
// the control loop goroutine.
type Engine struct {
	cfg    Config
	ctrl   *motion.Controller
	fusion Fusion
	homer  Homer

	stage   Stage
	running bool

	// fused values seen during the run
	tracked fusion.Extrema
	seen    bool
}

// New creates an idle calibration engine.
func New(cfg Config, ctrl *motion.Controller, f Fusion, h Homer) *Engine {
	return &Engine{
		cfg:     cfg,
		ctrl:    ctrl,
		fusion:  f,
		homer:   h,
		tracked: fusion.InvertedExtrema(),
	}
}

func (e *Engine) setStage(s Stage) {
	if s != e.stage {
		debug.Transition("calibration", e.stage, s)
		e.stage = s
	}
}

// Start begins a calibration run.
func (e *Engine) Start() error {
	if !e.ctrl.Azimuth.Configured() {
		return ErrAzimuthNotConfigured
	}
	if e.running {
		return ErrCalibrationRunning
	}
	debug.Info("Starting calibration")
	e.tracked = fusion.InvertedExtrema()
	e.seen = false
	e.fusion.StartCalibration()
	e.running = true
	e.setStage(AzimuthSweep)
	e.ctrl.MoveElevationTo(0)
	e.ctrl.MoveAzimuthTo(e.cfg.MaxAz)
	return nil
}

// Tick records the fused estimate and advances the sweep.
func (e *Engine) Tick(now time.Time) {
	if !e.running {
		return
	}
	e.track(e.fusion.Heading(), e.fusion.Elevation())

	switch e.stage {
	case AzimuthSweep:
		if !e.ctrl.Azimuth.IsRunning() {
			debug.Live("Azimuth sweep complete")
			e.setStage(ElevationSweep)
			e.ctrl.MoveElevationTo(e.cfg.MaxEl)
		}
	case ElevationSweep:
		if !e.ctrl.Elevation.IsRunning() {
			debug.Live("Elevation sweep complete")
			e.fusion.StopCalibration()
			offset := -e.tracked.ElMin
			e.fusion.SetElevationHomeOffset(offset)
			t := e.tracked
			debug.Summary("Calibration done")
			debug.Info("Calibration done. AZ: %.2f-%.2f  EL: %.2f-%.2f  EL offset: %.2f",
				t.AzMin, t.AzMax, t.ElMin, t.ElMax, offset)
			e.setStage(Done)
		}
	case Done:
		debug.Live("Moving azimuth off the endstop before homing")
		e.ctrl.MoveAzimuthDeg(-e.cfg.BackoffDeg)
		e.setStage(Backoff)
	case Backoff:
		if !e.ctrl.Azimuth.IsRunning() {
			debug.Live("Azimuth backoff complete, starting homing")
			if err := e.homer.HomeAzimuth(); err != nil {
				debug.Error(err)
			}
			e.running = false
			e.setStage(Idle)
		}
	}
}

func (e *Engine) track(heading, elevation float64) {
	if !e.seen {
		e.tracked = fusion.Extrema{AzMin: heading, AzMax: heading, ElMin: elevation, ElMax: elevation}
		e.seen = true
		return
	}
	e.tracked.Extend(heading, elevation)
}

// Stop cancels a run without committing the capture.
func (e *Engine) Stop() {
	if e.running {
		debug.Info("Calibration stopped")
	}
	e.running = false
	e.setStage(Idle)
	e.fusion.AbortCalibration()
}

// Reset is the emergency abort path. It does not stop the actuators.
func (e *Engine) Reset() {
	if e.running {
		debug.Info("Calibration reset to idle (emergency stop)")
	}
	e.running = false
	e.setStage(Idle)
	e.fusion.AbortCalibration()
}

func (e *Engine) Stage() Stage { return e.stage }
func (e *Engine) Running() bool { return e.running }

// Extrema returns the fused values tracked during the current or last run.
func (e *Engine) Extrema() fusion.Extrema { return e.tracked }
