package rotator

import (
	"time"

	"github.com/cjeanneret/RotGo/internal/logic/fusion"
)

// SensorStatus is the fused sensor estimate. Angles read 0 when the
// estimate is not fresh.
type SensorStatus struct {
	Fresh              bool      `json:"fresh"`
	Heading            float64   `json:"heading"`
	TrueHeading        float64   `json:"true_heading"`
	Elevation          float64   `json:"elevation"`
	CorrectedElevation float64   `json:"corrected_elevation"`
	LastUpdate         time.Time `json:"last_update"`
	Frames             uint64    `json:"frames"`
	Rejected           uint64    `json:"rejected"`
}

// Position is an azimuth/elevation pair in degrees.
type Position struct {
	Az float64 `json:"az"`
	El float64 `json:"el"`
}

// Status is a snapshot of the rotator published once per loop iteration.
type Status struct {
	Stepper  Position     `json:"stepper"`
	Reported Position     `json:"reported"`
	Sensor   SensorStatus `json:"sensor"`

	AzLimit bool `json:"az_limit"`
	ElLimit bool `json:"el_limit"`
	AzHomed bool `json:"az_homed"`
	ElHomed bool `json:"el_homed"`

	AzRunning bool `json:"az_running"`
	ElRunning bool `json:"el_running"`

	HomingStage      string `json:"homing_stage"`
	CalibrationStage string `json:"calibration_stage"`
	Calibrating      bool   `json:"calibrating"`

	Capture             fusion.Extrema     `json:"capture"` // raw extrema seen by the fusion
	Tracked             fusion.Extrema     `json:"tracked"` // fused extrema seen by the calibration sweep
	Calibration         fusion.Calibration `json:"calibration"`
	ElevationHomeOffset float64            `json:"el_home_offset"`
	HomeRawElevation    float64            `json:"el_home_raw"`

	Alpha           float64 `json:"alpha"`
	ElevationSource string  `json:"el_source"`
	Declination     float64 `json:"declination"`

	Updated time.Time `json:"updated"`
}

func elevationSource(sensor bool) string {
	if sensor {
		return "sensor"
	}
	return "stepper"
}

func (r *Rotator) snapshot(now time.Time) Status {
	f := r.fusion
	st := Status{
		Stepper: Position{Az: r.ctrl.AzimuthDeg(), El: r.ctrl.ElevationDeg()},
		Sensor: SensorStatus{
			Fresh:      f.Fresh(now),
			LastUpdate: f.LastUpdate(),
			Frames:     f.Frames(),
			Rejected:   r.rejected,
		},
		AzLimit:             r.homing.AzimuthLimit(),
		ElLimit:             r.homing.ElevationLimit(),
		AzHomed:             r.homing.AzimuthHomed(),
		ElHomed:             r.homing.ElevationHomed(),
		AzRunning:           r.ctrl.Azimuth.IsRunning(),
		ElRunning:           r.ctrl.Elevation.IsRunning(),
		HomingStage:         r.homing.Stage().String(),
		CalibrationStage:    r.cal.Stage().String(),
		Calibrating:         r.cal.Running(),
		Capture:             f.Extrema(),
		Tracked:             r.cal.Extrema(),
		Calibration:         f.Calibration(),
		ElevationHomeOffset: f.ElevationHomeOffset(),
		HomeRawElevation:    f.HomeRawElevation(),
		Alpha:               f.Alpha(),
		ElevationSource:     elevationSource(r.sensorEl),
		Declination:         r.opts.Declination,
		Updated:             now,
	}
	if st.Sensor.Fresh {
		st.Sensor.Heading = f.Heading()
		st.Sensor.TrueHeading = f.TrueHeading(r.opts.Declination)
		st.Sensor.Elevation = f.Elevation()
		st.Sensor.CorrectedElevation = f.CorrectedElevation()
	}

	st.Reported = st.Stepper
	if r.sensorEl {
		st.Reported.El = f.CorrectedElevation()
	}
	return st
}

func (r *Rotator) publish(now time.Time) {
	st := r.snapshot(now)
	engaged := r.busy()
	r.mu.Lock()
	r.status = st
	r.engaged = engaged
	r.mu.Unlock()
}
