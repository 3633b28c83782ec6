package stepper

import (
	"sync"
	"time"

	"github.com/cjeanneret/RotGo/internal/debug"
	"github.com/cjeanneret/RotGo/internal/hw/gpio"
)

// DefaultSpeedHz is used when Config.SpeedHz is not set.
const DefaultSpeedHz = 800

// Config holds the hardware configuration for a stepper motor.
type Config struct {
	Name      string
	StepPin   int
	DirPin    int
	EnablePin int // driver ENABLE pin (BCM). 0 = not used. Active LOW (LOW=enabled).
	SpeedHz   int // step pulses per second
}

// Stepper is a non-blocking pulse generator. Moves run on their own
// goroutine; the caller polls IsRunning. The position counts emitted
// pulses and is only meaningful relative to the last SetCurrentPosition.
// No acceleration ramp: the driver runs at a constant rate.
type Stepper struct {
	gpio  gpio.Driver
	cfg   Config
	delay time.Duration // delay between STEP pulse half-cycles

	mu       sync.Mutex
	position int64
	target   int64
	running  bool
	gen      uint64        // bumped by ForceStop to retire the running goroutine
	done     chan struct{} // closed when the current move goroutine exits
	dir      int64         // last direction written to DirPin
}

// NewStepper creates a new stepper motor controller.
func NewStepper(g gpio.Driver, cfg Config) *Stepper {
	_ = g.SetupPin(cfg.StepPin, gpio.Output)
	_ = g.SetupPin(cfg.DirPin, gpio.Output)

	hz := cfg.SpeedHz
	if hz <= 0 {
		hz = DefaultSpeedHz
	}

	s := &Stepper{
		gpio:  g,
		cfg:   cfg,
		delay: time.Second / time.Duration(2*hz),
	}

	// ENABLE: active LOW. LOW = enabled, HIGH = disabled.
	if cfg.EnablePin > 0 {
		_ = g.SetupPin(cfg.EnablePin, gpio.Output)
		_ = g.WritePin(cfg.EnablePin, gpio.Low) // enable by default
	}

	return s
}

// Move moves the motor by a number of steps relative to its current
// position. A move in progress is retargeted from where the motor is now.
func (s *Stepper) Move(steps int64) {
	s.mu.Lock()
	base := s.position
	s.mu.Unlock()
	s.MoveTo(base + steps)
}

// MoveTo moves the motor to an absolute step position. A move already in
// progress is retargeted.
func (s *Stepper) MoveTo(pos int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	debug.Move(s.cfg.Name, pos-s.position, "to "+debug.Fmt("%d", pos))
	s.target = pos
	if s.running || s.target == s.position {
		return
	}
	s.running = true
	prev := s.done
	s.done = make(chan struct{})
	go s.run(s.gen, prev, s.done)
}

func (s *Stepper) run(gen uint64, prev <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if prev != nil {
		<-prev // a retired goroutine may still be finishing its last pulse
	}

	for {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		if s.position == s.target {
			s.running = false
			s.mu.Unlock()
			return
		}
		dir := int64(1)
		if s.target < s.position {
			dir = -1
		}
		setDir := dir != s.dir
		s.dir = dir
		s.mu.Unlock()

		if setDir {
			level := gpio.High
			if dir < 0 {
				level = gpio.Low
			}
			if err := s.gpio.WritePin(s.cfg.DirPin, level); err != nil {
				s.fail(gen, err)
				return
			}
		}
		if err := s.stepPulse(); err != nil {
			s.fail(gen, err)
			return
		}

		s.mu.Lock()
		s.position += dir
		s.mu.Unlock()
	}
}

func (s *Stepper) fail(gen uint64, err error) {
	debug.Error(err)
	s.mu.Lock()
	if s.gen == gen {
		s.running = false
		s.target = s.position
	}
	s.mu.Unlock()
}

func (s *Stepper) stepPulse() error {
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.High); err != nil {
		return err
	}
	time.Sleep(s.delay)
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.Low); err != nil {
		return err
	}
	time.Sleep(s.delay)
	return nil
}

// IsRunning reports whether a move is in progress.
func (s *Stepper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ForceStop halts immediately. At most the pulse in flight is still emitted.
func (s *Stepper) ForceStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		debug.Live("Motor %s: force stop at %d", s.cfg.Name, s.position)
	}
	s.gen++
	s.running = false
	s.target = s.position
}

// CurrentPosition returns the position in steps.
func (s *Stepper) CurrentPosition() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// SetCurrentPosition redefines the current position without moving.
func (s *Stepper) SetCurrentPosition(pos int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delta := pos - s.position
	s.position = pos
	s.target += delta
}

// Enable turns on the motor driver (ENABLE=LOW). Motors hold position.
func (s *Stepper) Enable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.Low)
}

// Disable turns off the motor driver (ENABLE=HIGH). Motors freewheel, no holding torque.
func (s *Stepper) Disable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.High)
}
