// Package fusion turns raw magnetometer/accelerometer frames into a
// calibrated, smoothed heading and elevation.
package fusion

import (
	"errors"
	"math"
	"time"

	"github.com/cjeanneret/RotGo/internal/debug"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	// DefaultAlpha is the exponential smoothing factor.
	DefaultAlpha = 0.20
	// DefaultFreshWindow is how long an estimate stays fresh after a frame.
	DefaultFreshWindow = 2000 * time.Millisecond

	// accelerometer magnitudes below this are not normalized
	minAccelNorm = 1e-9
)

// ErrNonFinite is returned by Ingest for a frame holding NaN or Inf.
var ErrNonFinite = errors.New("fusion: non-finite frame")

// Frame is one decoded sensor sample.
type Frame struct {
	Mag r3.Vec
	Acc r3.Vec
}

// Finite reports whether every component is a finite number.
func (f Frame) Finite() bool {
	for _, v := range []float64{f.Mag.X, f.Mag.Y, f.Mag.Z, f.Acc.X, f.Acc.Y, f.Acc.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Extrema holds the uncalibrated heading/elevation bounds seen during a
// capture.
type Extrema struct {
	AzMin float64 `json:"az_min"`
	AzMax float64 `json:"az_max"`
	ElMin float64 `json:"el_min"`
	ElMax float64 `json:"el_max"`
}

// InvertedExtrema returns bounds that the first sample always widens.
func InvertedExtrema() Extrema {
	return Extrema{AzMin: 360, AzMax: 0, ElMin: 90, ElMax: -90}
}

// Extend widens the bounds to include heading and elevation.
func (e *Extrema) Extend(heading, elevation float64) {
	e.AzMin = math.Min(e.AzMin, heading)
	e.AzMax = math.Max(e.AzMax, heading)
	e.ElMin = math.Min(e.ElMin, elevation)
	e.ElMax = math.Max(e.ElMax, elevation)
}

// Calibration is the linear correction applied to raw readings.
type Calibration struct {
	AzOffset float64 `json:"az_offset"`
	AzScale  float64 `json:"az_scale"`
	ElOffset float64 `json:"el_offset"`
	ElScale  float64 `json:"el_scale"`
}

// Identity returns the uncorrected calibration.
func Identity() Calibration {
	return Calibration{AzScale: 1, ElScale: 1}
}

// Fusion is not safe for concurrent use; the rotator loop owns it.
type Fusion struct {
	alpha       float64
	freshWindow time.Duration

	calibrating bool
	samples     int
	extrema     Extrema
	cal         Calibration

	elHomeOffset float64
	elHomeRaw    float64

	heading    float64
	elevation  float64
	lastUpdate time.Time
	frames     uint64
}

// New returns a fusion stage with identity calibration.
func New(alpha float64, freshWindow time.Duration) *Fusion {
	if freshWindow <= 0 {
		freshWindow = DefaultFreshWindow
	}
	f := &Fusion{
		freshWindow: freshWindow,
		extrema:     InvertedExtrema(),
		cal:         Identity(),
	}
	f.SetAlpha(alpha)
	return f
}

// Orientation computes the tilt-compensated heading and the accelerometer
// elevation of one frame, both in degrees. Heading is in [0,360).
func Orientation(fr Frame) (heading, elevation float64) {
	an := fr.Acc
	if r3.Norm(an) > minAccelNorm {
		an = r3.Unit(an)
	}

	pitch := math.Asin(clamp(-an.X, -1, 1))
	roll := math.Atan2(an.Y, an.Z)

	m := fr.Mag
	xh := m.X*math.Cos(pitch) + m.Z*math.Sin(pitch)
	yh := m.X*math.Sin(roll)*math.Sin(pitch) + m.Y*math.Cos(roll) - m.Z*math.Sin(roll)*math.Cos(pitch)

	heading = wrap360(math.Atan2(yh, xh) * 180 / math.Pi)
	elevation = math.Atan2(fr.Acc.Z, math.Hypot(fr.Acc.X, fr.Acc.Y)) * 180 / math.Pi
	return heading, elevation
}

// Ingest folds one frame into the fused estimate.
func (f *Fusion) Ingest(fr Frame, now time.Time) error {
	if !fr.Finite() {
		return ErrNonFinite
	}
	heading, elevation := Orientation(fr)

	if f.calibrating {
		f.extrema.Extend(heading, elevation)
		f.samples++
	}

	heading = (heading - f.cal.AzOffset) * f.cal.AzScale
	elevation = (elevation - f.cal.ElOffset) * f.cal.ElScale

	f.heading = f.alpha*heading + (1-f.alpha)*f.heading
	f.elevation = f.alpha*elevation + (1-f.alpha)*f.elevation
	f.lastUpdate = now
	f.frames++
	return nil
}

// StartCalibration resets the extrema and begins capturing.
func (f *Fusion) StartCalibration() {
	f.calibrating = true
	f.samples = 0
	f.extrema = InvertedExtrema()
	debug.Info("Sensor calibration capture started")
}

// StopCalibration ends the capture and derives the calibration from the
// extrema. A zero-width range gets scale 1. Without any sample the previous
// calibration is kept.
func (f *Fusion) StopCalibration() {
	if !f.calibrating {
		return
	}
	f.calibrating = false
	if f.samples == 0 {
		debug.Warn("Sensor calibration stopped without samples, keeping previous calibration")
		return
	}

	e := f.extrema
	c := Calibration{
		AzOffset: (e.AzMin + e.AzMax) / 2,
		AzScale:  1,
		ElOffset: -e.ElMin,
		ElScale:  1,
	}
	if w := e.AzMax - e.AzMin; w > 0 {
		c.AzScale = 360 / w
	} else {
		debug.Warn("Degenerate azimuth calibration range [%.2f, %.2f], using scale 1", e.AzMin, e.AzMax)
	}
	if w := e.ElMax - e.ElMin; w > 0 {
		c.ElScale = 180 / w
	} else {
		debug.Warn("Degenerate elevation calibration range [%.2f, %.2f], using scale 1", e.ElMin, e.ElMax)
	}
	f.cal = c
	debug.Info("Sensor calibration finished: azOffset=%.2f, azScale=%.4f, elOffset=%.2f, elScale=%.4f",
		c.AzOffset, c.AzScale, c.ElOffset, c.ElScale)
}

// AbortCalibration ends the capture without committing anything.
func (f *Fusion) AbortCalibration() {
	if f.calibrating {
		debug.Info("Sensor calibration capture abandoned")
	}
	f.calibrating = false
}

// ResetCalibration restores the identity calibration.
func (f *Fusion) ResetCalibration() {
	f.cal = Identity()
	debug.Info("Sensor calibration reset")
}

// Calibrating reports whether a capture is in progress.
func (f *Fusion) Calibrating() bool { return f.calibrating }

// Extrema returns the bounds of the current or last capture.
func (f *Fusion) Extrema() Extrema { return f.extrema }

// Calibration returns the active correction.
func (f *Fusion) Calibration() Calibration { return f.cal }

// SetCalibration installs a correction directly.
func (f *Fusion) SetCalibration(c Calibration) { f.cal = c }

// Heading returns the fused (magnetic) heading.
func (f *Fusion) Heading() float64 { return f.heading }

// Elevation returns the fused elevation.
func (f *Fusion) Elevation() float64 { return f.elevation }

// CorrectedElevation maps the fused reading to physical elevation:
// 0 = horizon, 90 = zenith.
func (f *Fusion) CorrectedElevation() float64 {
	return 90 - f.elevation
}

// TrueHeading applies a magnetic declination (East positive).
func (f *Fusion) TrueHeading(declinationDeg float64) float64 {
	return wrap360(f.heading + declinationDeg)
}

// LastUpdate returns the time of the last accepted frame.
func (f *Fusion) LastUpdate() time.Time { return f.lastUpdate }

// Frames returns the number of accepted frames.
func (f *Fusion) Frames() uint64 { return f.frames }

// Fresh reports whether a frame arrived within the fresh window.
func (f *Fusion) Fresh(now time.Time) bool {
	return f.frames > 0 && now.Sub(f.lastUpdate) < f.freshWindow
}

// Alpha returns the smoothing factor.
func (f *Fusion) Alpha() float64 { return f.alpha }

// SetAlpha sets the smoothing factor, clamped to [0,1].
func (f *Fusion) SetAlpha(a float64) {
	if math.IsNaN(a) {
		return
	}
	f.alpha = clamp(a, 0, 1)
}

// SetElevationHomeOffset records the elevation correction found by calibration.
func (f *Fusion) SetElevationHomeOffset(v float64) { f.elHomeOffset = v }

// ElevationHomeOffset returns the recorded elevation correction.
func (f *Fusion) ElevationHomeOffset() float64 { return f.elHomeOffset }

// SetHomeRawElevation records the fused elevation seen at the elevation home.
func (f *Fusion) SetHomeRawElevation(v float64) { f.elHomeRaw = v }

// HomeRawElevation returns the elevation seen at the elevation home.
func (f *Fusion) HomeRawElevation() float64 { return f.elHomeRaw }

// ResetElevationSmoothing restarts elevation smoothing from zero.
func (f *Fusion) ResetElevationSmoothing() { f.elevation = 0 }

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func wrap360(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	if deg >= 360 {
		deg -= 360
	}
	return deg
}
