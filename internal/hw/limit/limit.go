// Package limit reads homing limit switches wired to GPIO inputs.
package limit

import (
	"fmt"

	"github.com/cjeanneret/RotGo/internal/hw/gpio"
)

// Switch is one limit input.
type Switch struct {
	gpio      gpio.Driver
	pin       int
	activeLow bool
}

// NewSwitch configures pin as an input. Active LOW switches get the
// internal pull-up so an open switch reads HIGH.
func NewSwitch(g gpio.Driver, pin int, activeLow bool) (*Switch, error) {
	mode := gpio.Input
	if activeLow {
		mode = gpio.InputPullUp
	}
	if err := g.SetupPin(pin, mode); err != nil {
		return nil, fmt.Errorf("setup limit pin %d: %w", pin, err)
	}
	return &Switch{gpio: g, pin: pin, activeLow: activeLow}, nil
}

// Triggered reports the raw (undebounced) switch state.
func (s *Switch) Triggered() (bool, error) {
	l, err := s.gpio.ReadPin(s.pin)
	if err != nil {
		return false, fmt.Errorf("read limit pin %d: %w", s.pin, err)
	}
	if s.activeLow {
		return l == gpio.Low, nil
	}
	return l == gpio.High, nil
}

// Pin returns the GPIO pin number.
func (s *Switch) Pin() int {
	return s.pin
}
