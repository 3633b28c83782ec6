package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/RotGo/internal/debug"
	"github.com/warthog618/go-gpiocdev"
	"go.uber.org/multierr"
)

// CdevDriver drives GPIOs through the Linux character device (/dev/gpiochipN).
// It works on any board with a GPIO chip, without memory mapping.
type CdevDriver struct {
	mu    sync.Mutex
	chip  string
	lines map[int]*gpiocdev.Line
}

// NewCdevDriver creates a character device driver for the given chip (e.g. "gpiochip0").
func NewCdevDriver(chip string) (*CdevDriver, error) {
	if chip == "" {
		chip = "gpiochip0"
	}
	debug.Info("Initializing character device GPIO driver (%s)", chip)

	c, err := gpiocdev.NewChip(chip)
	if err != nil {
		return nil, fmt.Errorf("failed to open GPIO chip %s: %w", chip, err)
	}
	if err := c.Close(); err != nil {
		return nil, fmt.Errorf("close GPIO chip %s: %w", chip, err)
	}

	return &CdevDriver{
		chip:  chip,
		lines: make(map[int]*gpiocdev.Line),
	}, nil
}

func (d *CdevDriver) SetupPin(pin int, mode PinMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setup(pin, mode)
}

func (d *CdevDriver) setup(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)

	var opts []gpiocdev.LineReqOption
	switch mode {
	case Input:
		opts = append(opts, gpiocdev.AsInput)
	case InputPullUp:
		opts = append(opts, gpiocdev.AsInput, gpiocdev.WithPullUp)
	case Output:
		opts = append(opts, gpiocdev.AsOutput(0))
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}

	if old, ok := d.lines[pin]; ok {
		if err := old.Close(); err != nil {
			return fmt.Errorf("release line %d: %w", pin, err)
		}
		delete(d.lines, pin)
	}

	l, err := gpiocdev.RequestLine(d.chip, pin, opts...)
	if err != nil {
		return fmt.Errorf("request line %d on %s: %w", pin, d.chip, err)
	}
	d.lines[pin] = l
	return nil
}

func (d *CdevDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)

	d.mu.Lock()
	l, ok := d.lines[pin]
	if !ok {
		if err := d.setup(pin, Output); err != nil {
			d.mu.Unlock()
			return err
		}
		l = d.lines[pin]
	}
	d.mu.Unlock()

	v := 0
	if level == High {
		v = 1
	}
	return l.SetValue(v)
}

func (d *CdevDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)

	d.mu.Lock()
	l, ok := d.lines[pin]
	if !ok {
		if err := d.setup(pin, Input); err != nil {
			d.mu.Unlock()
			return Low, err
		}
		l = d.lines[pin]
	}
	d.mu.Unlock()

	v, err := l.Value()
	if err != nil {
		return Low, fmt.Errorf("read line %d: %w", pin, err)
	}
	if v != 0 {
		return High, nil
	}
	return Low, nil
}

// Close releases every requested line. Released lines revert to the
// kernel's default state.
func (d *CdevDriver) Close() error {
	debug.Trace("GPIO Close (cdev driver)")

	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	for pin, l := range d.lines {
		debug.Verbose("Releasing line %d", pin)
		err = multierr.Append(err, l.Close())
	}
	d.lines = make(map[int]*gpiocdev.Line)
	return err
}
