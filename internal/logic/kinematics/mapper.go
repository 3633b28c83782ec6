package kinematics

import (
	"github.com/cjeanneret/RotGo/internal/config"
)

// Mapper converts angles to motor step counts and back. Both axes share
// the same drive train, so a single scale is used.
type Mapper struct {
	stepsPerDegree float64
}

// NewMapper creates a mapper for a fixed steps-per-degree scale.
func NewMapper(stepsPerDegree float64) *Mapper {
	return &Mapper{stepsPerDegree: stepsPerDegree}
}

// FromConfig creates a mapper from the mechanics section of the configuration.
func FromConfig(cfg *config.Config) *Mapper {
	return NewMapper(cfg.StepsPerDegree())
}

// DegreesToSteps converts an angle (in degrees) to motor steps.
// The result is truncated toward zero, never rounded.
func (m *Mapper) DegreesToSteps(deg float64) int64 {
	return int64(deg * m.stepsPerDegree)
}

// StepsToDegrees converts a step count to degrees.
func (m *Mapper) StepsToDegrees(steps int64) float64 {
	return float64(steps) / m.stepsPerDegree
}

// StepsPerDegree returns the scale constant.
func (m *Mapper) StepsPerDegree() float64 {
	return m.stepsPerDegree
}
