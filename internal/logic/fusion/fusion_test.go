package fusion

import (
	"math"
	"testing"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

const tol = 1e-6

func near(a, b float64) bool {
	return math.Abs(a-b) < tol
}

// synthFrame builds a frame whose tilt-compensated heading is h and whose
// accelerometer elevation is e (degrees, 0 < e <= 90).
func synthFrame(h, e float64) Frame {
	hr := h * math.Pi / 180
	er := e * math.Pi / 180
	return Frame{
		Mag: r3.Vec{X: math.Cos(hr) / math.Sin(er), Y: math.Sin(hr)},
		Acc: r3.Vec{X: math.Cos(er), Z: math.Sin(er)},
	}
}

func TestOrientation_Synthetic(t *testing.T) {
	cases := []struct{ h, e float64 }{
		{10, 45},
		{90, 30},
		{180, 5},
		{270, 60},
		{350, 90},
	}
	for _, tc := range cases {
		h, e := Orientation(synthFrame(tc.h, tc.e))
		if !near(h, tc.h) || !near(e, tc.e) {
			t.Errorf("Orientation(h=%v,e=%v) = (%v, %v)", tc.h, tc.e, h, e)
		}
	}
}

func TestOrientation_LevelSensor(t *testing.T) {
	// flat sensor, field pointing along +Y: heading 90
	h, e := Orientation(Frame{Mag: r3.Vec{Y: 1}, Acc: r3.Vec{Z: 9.81}})
	if !near(h, 90) {
		t.Errorf("heading = %v, want 90", h)
	}
	if !near(e, 90) {
		t.Errorf("elevation = %v, want 90", e)
	}
}

func TestOrientation_ZeroAccel(t *testing.T) {
	h, e := Orientation(Frame{Mag: r3.Vec{X: 1}})
	if math.IsNaN(h) || math.IsNaN(e) || math.IsInf(h, 0) || math.IsInf(e, 0) {
		t.Fatalf("zero accelerometer produced non-finite output: %v, %v", h, e)
	}
	if h < 0 || h >= 360 {
		t.Errorf("heading %v outside [0,360)", h)
	}
}

func TestFusion_SyntheticSweepCalibration(t *testing.T) {
	f := New(DefaultAlpha, 0)
	now := time.Unix(0, 0)

	f.StartCalibration()
	for h := 10.0; h <= 350.0; h += 1 {
		if err := f.Ingest(synthFrame(h, 45), now); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}
	for e := 5.0; e <= 90.0; e += 0.5 {
		if err := f.Ingest(synthFrame(180, e), now); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}
	f.StopCalibration()

	c := f.Calibration()
	if !near(c.AzOffset, 180) {
		t.Errorf("AzOffset = %v, want 180", c.AzOffset)
	}
	if !near(c.AzScale, 360.0/340.0) {
		t.Errorf("AzScale = %v, want %v", c.AzScale, 360.0/340.0)
	}
	if !near(c.ElOffset, -5) {
		t.Errorf("ElOffset = %v, want -5", c.ElOffset)
	}
	if !near(c.ElScale, 180.0/85.0) {
		t.Errorf("ElScale = %v, want %v", c.ElScale, 180.0/85.0)
	}
	if f.Calibrating() {
		t.Error("still calibrating after StopCalibration")
	}
}

func TestFusion_ExtremaUseUncalibratedValues(t *testing.T) {
	f := New(1, 0)
	f.SetCalibration(Calibration{AzOffset: 100, AzScale: 2, ElOffset: 10, ElScale: 3})
	f.StartCalibration()
	f.Ingest(synthFrame(200, 40), time.Unix(0, 0))
	e := f.Extrema()
	if !near(e.AzMin, 200) || !near(e.AzMax, 200) || !near(e.ElMin, 40) || !near(e.ElMax, 40) {
		t.Errorf("extrema = %+v, want raw 200/40", e)
	}
	// alpha 1: fused value is the calibrated sample
	if !near(f.Heading(), 200) || !near(f.Elevation(), 90) {
		t.Errorf("fused = (%v, %v), want (200, 90)", f.Heading(), f.Elevation())
	}
}

func TestFusion_DegenerateRange(t *testing.T) {
	f := New(DefaultAlpha, 0)
	f.StartCalibration()
	for i := 0; i < 10; i++ {
		f.Ingest(synthFrame(123, 45), time.Unix(0, 0))
	}
	f.StopCalibration()

	c := f.Calibration()
	if c.AzScale != 1 || c.ElScale != 1 {
		t.Errorf("degenerate scales = %v/%v, want 1/1", c.AzScale, c.ElScale)
	}
	if math.IsInf(c.AzScale, 0) || math.IsNaN(c.ElScale) {
		t.Fatal("non-finite scale")
	}
	f.Ingest(synthFrame(123, 45), time.Unix(1, 0))
	if math.IsNaN(f.Heading()) || math.IsInf(f.Heading(), 0) {
		t.Error("fused heading became non-finite")
	}
}

func TestFusion_StopWithoutSamplesKeepsCalibration(t *testing.T) {
	f := New(DefaultAlpha, 0)
	prev := Calibration{AzOffset: 5, AzScale: 1.1, ElOffset: -2, ElScale: 0.9}
	f.SetCalibration(prev)
	f.StartCalibration()
	f.StopCalibration()
	if f.Calibration() != prev {
		t.Errorf("calibration = %+v, want unchanged %+v", f.Calibration(), prev)
	}
}

func TestFusion_AbortDoesNotCommit(t *testing.T) {
	f := New(DefaultAlpha, 0)
	f.StartCalibration()
	f.Ingest(synthFrame(10, 5), time.Unix(0, 0))
	f.Ingest(synthFrame(350, 90), time.Unix(0, 0))
	f.AbortCalibration()
	if f.Calibration() != Identity() {
		t.Errorf("abort committed %+v", f.Calibration())
	}
	f.StopCalibration() // no capture running: no-op
	if f.Calibration() != Identity() {
		t.Errorf("stop after abort committed %+v", f.Calibration())
	}
}

func TestFusion_ResetCalibration(t *testing.T) {
	f := New(DefaultAlpha, 0)
	f.SetCalibration(Calibration{AzOffset: 1, AzScale: 2, ElOffset: 3, ElScale: 4})
	f.ResetCalibration()
	if f.Calibration() != Identity() {
		t.Errorf("after reset: %+v", f.Calibration())
	}
}

func TestFusion_Smoothing(t *testing.T) {
	f := New(0.5, 0)
	fr := synthFrame(100, 30)
	f.Ingest(fr, time.Unix(0, 0))
	if !near(f.Heading(), 50) {
		t.Errorf("first sample smoothed from 0: heading = %v, want 50", f.Heading())
	}
	f.Ingest(fr, time.Unix(0, 0))
	if !near(f.Heading(), 75) {
		t.Errorf("second sample: heading = %v, want 75", f.Heading())
	}
}

func TestFusion_NonFiniteDropped(t *testing.T) {
	f := New(1, 0)
	f.Ingest(synthFrame(100, 30), time.Unix(0, 0))
	bad := synthFrame(100, 30)
	bad.Acc.Y = math.NaN()
	if err := f.Ingest(bad, time.Unix(1, 0)); err != ErrNonFinite {
		t.Fatalf("Ingest(NaN) = %v, want ErrNonFinite", err)
	}
	if f.Frames() != 1 || !f.LastUpdate().Equal(time.Unix(0, 0)) {
		t.Error("dropped frame must not update the estimate")
	}
}

func TestFusion_Fresh(t *testing.T) {
	f := New(DefaultAlpha, 2*time.Second)
	base := time.Unix(100, 0)
	if f.Fresh(base) {
		t.Error("fresh before the first frame")
	}
	f.Ingest(synthFrame(10, 10), base)
	if !f.Fresh(base.Add(1999 * time.Millisecond)) {
		t.Error("should be fresh at 1999ms")
	}
	if f.Fresh(base.Add(2 * time.Second)) {
		t.Error("should be stale at 2000ms")
	}
}

func TestFusion_CorrectedAndTrueHeading(t *testing.T) {
	f := New(1, 0)
	f.Ingest(synthFrame(355, 30), time.Unix(0, 0))
	if got := f.CorrectedElevation(); !near(got, 60) {
		t.Errorf("CorrectedElevation = %v, want 60", got)
	}
	if got := f.TrueHeading(8.2); !near(got, 3.2) {
		t.Errorf("TrueHeading(8.2) = %v, want 3.2", got)
	}
	if got := f.TrueHeading(-360); !near(got, 355) {
		t.Errorf("TrueHeading(-360) = %v, want 355", got)
	}
}

func TestFusion_SetAlphaClamped(t *testing.T) {
	f := New(DefaultAlpha, 0)
	cases := []struct{ in, want float64 }{
		{-1, 0},
		{0.35, 0.35},
		{7, 1},
	}
	for _, tc := range cases {
		f.SetAlpha(tc.in)
		if f.Alpha() != tc.want {
			t.Errorf("SetAlpha(%v) -> %v, want %v", tc.in, f.Alpha(), tc.want)
		}
	}
	f.SetAlpha(math.NaN())
	if f.Alpha() != 1 {
		t.Errorf("NaN alpha should be ignored, got %v", f.Alpha())
	}
}

func TestFusion_HomeReferences(t *testing.T) {
	f := New(1, 0)
	f.Ingest(synthFrame(10, 30), time.Unix(0, 0))
	f.SetElevationHomeOffset(-5)
	f.SetHomeRawElevation(f.Elevation())
	f.ResetElevationSmoothing()
	if f.ElevationHomeOffset() != -5 {
		t.Errorf("ElevationHomeOffset = %v", f.ElevationHomeOffset())
	}
	if !near(f.HomeRawElevation(), 30) {
		t.Errorf("HomeRawElevation = %v, want 30", f.HomeRawElevation())
	}
	if f.Elevation() != 0 {
		t.Errorf("Elevation after reset = %v, want 0", f.Elevation())
	}
}
