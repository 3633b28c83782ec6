package rotator

import "fmt"

// CommandKind identifies an operator command.
type CommandKind int

const (
	StartCalibration CommandKind = iota
	StopCalibration
	HomeAzimuth
	HomeElevation
	Jog
	MoveTo
	SetAlpha
	SetElevationSource
	ResetCalibration
)

func (k CommandKind) String() string {
	switch k {
	case StartCalibration:
		return "start_calibration"
	case StopCalibration:
		return "stop_calibration"
	case HomeAzimuth:
		return "home_azimuth"
	case HomeElevation:
		return "home_elevation"
	case Jog:
		return "jog"
	case MoveTo:
		return "move_to"
	case SetAlpha:
		return "set_alpha"
	case SetElevationSource:
		return "set_elevation_source"
	case ResetCalibration:
		return "reset_calibration"
	default:
		return fmt.Sprintf("command(%d)", int(k))
	}
}

// Command is queued for the control loop.
// Az/El are degrees (relative for Jog, absolute for MoveTo). Value carries
// the smoothing factor for SetAlpha, Sensor the source for SetElevationSource.
type Command struct {
	Kind   CommandKind
	Az     float64
	El     float64
	Value  float64
	Sensor bool

	// Reply, if set, receives the outcome once the loop applied the command.
	// It must be buffered.
	Reply chan error
}

func (c Command) String() string {
	switch c.Kind {
	case Jog, MoveTo:
		return fmt.Sprintf("%v az=%.2f el=%.2f", c.Kind, c.Az, c.El)
	case SetAlpha:
		return fmt.Sprintf("%v %.3f", c.Kind, c.Value)
	case SetElevationSource:
		return fmt.Sprintf("%v sensor=%v", c.Kind, c.Sensor)
	default:
		return c.Kind.String()
	}
}
