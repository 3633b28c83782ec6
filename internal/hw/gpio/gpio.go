package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/RotGo/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
	InputPullUp
)

// Driver defines the abstract interface for controlling GPIOs.
// This allows plugging in a real Raspberry Pi implementation
// or a mock for development on PC.
// Implementations must be safe for concurrent use: stepper goroutines
// write pins while the control loop reads the limit inputs.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// Options selects the GPIO backend.
type Options struct {
	Mock    bool
	Backend string // "rpio" or "cdev"
	Chip    string // character device chip for the cdev backend
}

// NewDriver creates a GPIO driver based on the chosen mode.
// If Mock is true, returns a MockDriver (for dev/test).
// Otherwise returns the real backend named by Backend.
func NewDriver(opts Options) (Driver, error) {
	if opts.Mock {
		debug.Info("Using MOCK GPIO driver (development mode)")
		return NewMockDriver(), nil
	}
	switch opts.Backend {
	case "", "rpio":
		return NewRPiRealDriver()
	case "cdev":
		return NewCdevDriver(opts.Chip)
	default:
		return nil, fmt.Errorf("unknown gpio backend: %s", opts.Backend)
	}
}

// MockDriver is a test implementation that logs actions and remembers levels.
// Inputs read back whatever was last set with SetInput (default High, the
// idle level of a pulled-up switch).
type MockDriver struct {
	mu     sync.Mutex
	levels map[int]Level
}

// NewMockDriver returns an empty MockDriver.
func NewMockDriver() *MockDriver {
	return &MockDriver{levels: make(map[int]Level)}
}

// SetInput forces the level seen by ReadPin.
func (m *MockDriver) SetInput(pin int, level Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.levels == nil {
		m.levels = make(map[int]Level)
	}
	m.levels[pin] = level
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.levels == nil {
		m.levels = make(map[int]Level)
	}
	m.levels[pin] = level
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.levels[pin]; ok {
		return l, nil
	}
	return High, nil
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	return nil
}
