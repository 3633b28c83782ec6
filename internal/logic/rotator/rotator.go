// Package rotator owns the control loop: it feeds sensor frames into the
// fusion, applies operator commands and ticks the homing and calibration
// engines. Every engine is only touched from the loop goroutine; other
// goroutines submit commands and read the published Status.
package rotator

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/cjeanneret/RotGo/internal/config"
	"github.com/cjeanneret/RotGo/internal/debug"
	"github.com/cjeanneret/RotGo/internal/logic/calibration"
	"github.com/cjeanneret/RotGo/internal/logic/fusion"
	"github.com/cjeanneret/RotGo/internal/logic/homing"
	"github.com/cjeanneret/RotGo/internal/logic/motion"
)

var (
	ErrQueueFull = errors.New("rotator: command queue full")
	ErrBusy      = errors.New("rotator: homing or calibration in progress")
	ErrStopped   = errors.New("rotator: command discarded by emergency stop")
	ErrUnknown   = errors.New("rotator: unknown command")
)

const (
	defaultQueueSize = 32
	frameBuffer      = 64
)

// Range holds the absolute travel limits in degrees.
type Range struct {
	MinAz, MaxAz float64
	MinEl, MaxEl float64
}

// Clamp limits az and el to the range.
func (r Range) Clamp(az, el float64) (float64, float64) {
	return math.Max(r.MinAz, math.Min(r.MaxAz, az)), math.Max(r.MinEl, math.Min(r.MaxEl, el))
}

// Options wires the loop to its hardware and tuning.
type Options struct {
	Controller *motion.Controller
	AzLimit    homing.LimitInput
	ElLimit    homing.LimitInput

	Homing      homing.Config
	Calibration calibration.Config
	Range       Range

	Alpha           float64
	FreshWindow     time.Duration
	Declination     float64
	SensorElevation bool

	LoopPeriod time.Duration
	QueueSize  int
}

// OptionsFromConfig fills the tuning part of Options. Hardware fields are
// left for the caller.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Homing: homing.Config{
			AzDir:     cfg.Homing.AzDir,
			ElDir:     cfg.Homing.ElDir,
			MaxSteps:  cfg.Homing.MaxSteps,
			Settle:    cfg.SettleDelay(),
			Debounce:  cfg.DebounceWindow(),
			SafeMinAz: cfg.Homing.SafeMinAz,
			SafeMaxAz: cfg.Homing.SafeMaxAz,
			NeutralAz: cfg.Homing.NeutralAz,
		},
		Calibration: calibration.Config{
			MaxAz:      cfg.Range.MaxAz,
			MaxEl:      cfg.Range.MaxEl,
			BackoffDeg: cfg.Calibration.BackoffDeg,
		},
		Range: Range{
			MinAz: cfg.Range.MinAz,
			MaxAz: cfg.Range.MaxAz,
			MinEl: cfg.Range.MinEl,
			MaxEl: cfg.Range.MaxEl,
		},
		Alpha:           cfg.Alpha(),
		FreshWindow:     cfg.FreshWindow(),
		Declination:     cfg.Declination(),
		SensorElevation: cfg.Sensor.UseForElevation,
		LoopPeriod:      cfg.LoopPeriod(),
	}
}

// Rotator is the owner of all control state.
type Rotator struct {
	opts   Options
	ctrl   *motion.Controller
	fusion *fusion.Fusion
	homing *homing.Engine
	cal    *calibration.Engine

	frames chan fusion.Frame
	cmds   chan Command
	estop  chan struct{}

	// loop-owned
	sensorEl bool
	rejected uint64

	mu      sync.RWMutex
	status  Status
	engaged bool // homing or calibration running at the last publish
}

// New builds the engines around the given controller.
func New(opts Options) *Rotator {
	if opts.LoopPeriod <= 0 {
		opts.LoopPeriod = 2 * time.Millisecond
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	f := fusion.New(opts.Alpha, opts.FreshWindow)
	h := homing.New(opts.Homing, opts.Controller, f, opts.AzLimit, opts.ElLimit)
	r := &Rotator{
		opts:     opts,
		ctrl:     opts.Controller,
		fusion:   f,
		homing:   h,
		cal:      calibration.New(opts.Calibration, opts.Controller, f, h),
		frames:   make(chan fusion.Frame, frameBuffer),
		cmds:     make(chan Command, opts.QueueSize),
		estop:    make(chan struct{}, 1),
		sensorEl: opts.SensorElevation,
	}
	r.publish(time.Now())
	return r
}

// Frames returns the channel sensor transports deliver frames on.
func (r *Rotator) Frames() chan<- fusion.Frame {
	return r.frames
}

// Range returns the configured travel limits.
func (r *Rotator) Range() Range {
	return r.opts.Range
}

// Run executes the control loop until ctx is done.
func (r *Rotator) Run(ctx context.Context) error {
	debug.Info("Control loop started (period %v)", r.opts.LoopPeriod)
	ticker := time.NewTicker(r.opts.LoopPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.ctrl.StopAll()
			debug.Info("Control loop stopped")
			return ctx.Err()
		case now := <-ticker.C:
			r.step(now)
		}
	}
}

// step runs one loop iteration.
func (r *Rotator) step(now time.Time) {
	r.pollStop()
	r.drainFrames(now)
	r.drainCommands()
	r.pollStop()

	r.homing.Tick(now)
	r.cal.Tick(now)
	r.pollStop()

	r.publish(now)
}

func (r *Rotator) drainFrames(now time.Time) {
	for i := 0; i < frameBuffer; i++ {
		select {
		case fr := <-r.frames:
			if err := r.fusion.Ingest(fr, now); err != nil {
				r.rejected++
				debug.Verbose("Sensor frame rejected: %v", err)
			}
		default:
			return
		}
	}
}

func (r *Rotator) drainCommands() {
	for {
		select {
		case cmd := <-r.cmds:
			err := r.apply(cmd)
			if err != nil {
				debug.Warn("Command %v refused: %v", cmd, err)
			}
			reply(cmd, err)
			r.pollStop()
		default:
			return
		}
	}
}

// pollStop applies a pending emergency stop.
func (r *Rotator) pollStop() {
	select {
	case <-r.estop:
		r.resetEngines()
	default:
	}
}

func reply(cmd Command, err error) {
	if cmd.Reply == nil {
		return
	}
	select {
	case cmd.Reply <- err:
	default:
	}
}

func (r *Rotator) busy() bool {
	return r.homing.Busy() || r.cal.Running()
}

func (r *Rotator) apply(cmd Command) error {
	debug.Verbose("Command: %v", cmd)
	switch cmd.Kind {
	case StartCalibration:
		if r.homing.Busy() {
			return ErrBusy
		}
		return r.cal.Start()
	case StopCalibration:
		r.cal.Stop()
	case HomeAzimuth:
		if r.cal.Running() {
			return calibration.ErrCalibrationRunning
		}
		return r.homing.HomeAzimuth()
	case HomeElevation:
		if r.cal.Running() {
			return calibration.ErrCalibrationRunning
		}
		return r.homing.HomeElevation()
	case Jog:
		if r.busy() {
			return ErrBusy
		}
		if cmd.Az != 0 {
			r.ctrl.MoveAzimuthDeg(cmd.Az)
		}
		if cmd.El != 0 {
			r.ctrl.MoveElevationDeg(cmd.El)
		}
	case MoveTo:
		if r.busy() {
			return ErrBusy
		}
		az, el := r.opts.Range.Clamp(cmd.Az, cmd.El)
		r.ctrl.MoveAzimuthTo(az)
		r.ctrl.MoveElevationTo(el)
	case SetAlpha:
		r.fusion.SetAlpha(cmd.Value)
		debug.Info("Smoothing alpha set to %.3f", r.fusion.Alpha())
	case SetElevationSource:
		r.sensorEl = cmd.Sensor
		debug.Info("Elevation source: %s", elevationSource(r.sensorEl))
	case ResetCalibration:
		if r.cal.Running() {
			return calibration.ErrCalibrationRunning
		}
		r.fusion.ResetCalibration()
	default:
		return ErrUnknown
	}
	return nil
}

// resetEngines is the loop half of an emergency stop. The axes stay halted
// until the engines are reset; a stop issued meanwhile keeps them halted
// until its own signal is handled.
func (r *Rotator) resetEngines() {
	gen := r.ctrl.HaltGeneration()
	defer r.ctrl.Release(gen)
	r.ctrl.StopAll()
	r.cal.Reset()
	r.homing.Reset()
	for {
		select {
		case cmd := <-r.cmds:
			reply(cmd, ErrStopped)
		default:
			debug.Info("Emergency stop: engines reset, homing required")
			return
		}
	}
}

// Submit queues a command without waiting for it to be applied.
func (r *Rotator) Submit(cmd Command) error {
	select {
	case r.cmds <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

// Do queues a command and waits until the loop applied it.
func (r *Rotator) Do(ctx context.Context, cmd Command) error {
	cmd.Reply = make(chan error, 1)
	if err := r.Submit(cmd); err != nil {
		return err
	}
	select {
	case err := <-cmd.Reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MoveTo queues an absolute move, clamped to the travel limits.
// It returns the clamped target, or ErrBusy without queueing while homing
// or calibration was running at the last tick.
func (r *Rotator) MoveTo(az, el float64) (float64, float64, error) {
	az, el = r.opts.Range.Clamp(az, el)
	r.mu.RLock()
	engaged := r.engaged
	r.mu.RUnlock()
	if engaged {
		return az, el, ErrBusy
	}
	return az, el, r.Submit(Command{Kind: MoveTo, Az: az, El: el})
}

// EmergencyStop halts every actuator immediately and refuses further moves
// until the loop has reset both engines, before it applies any other command.
func (r *Rotator) EmergencyStop() {
	debug.Info("EMERGENCY STOP")
	r.ctrl.Halt()
	select {
	case r.estop <- struct{}{}:
	default:
	}
}

// Status returns the last published snapshot.
func (r *Rotator) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// ReportedPosition is the position served to rotctl clients.
func (r *Rotator) ReportedPosition() (az, el float64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status.Reported.Az, r.status.Reported.El
}
