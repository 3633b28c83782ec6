package homing

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/cjeanneret/RotGo/internal/logic/kinematics"
	"github.com/cjeanneret/RotGo/internal/logic/motion"
)

type fakeActuator struct {
	position int64
	running  bool
	moveTos  []int64
	stops    int
	zeroed   int
	onEffect func(op string)
}

func (f *fakeActuator) effect(op string) {
	if f.onEffect != nil {
		f.onEffect(op)
	}
}

func (f *fakeActuator) Move(steps int64) { f.MoveTo(f.position + steps) }

func (f *fakeActuator) MoveTo(pos int64) {
	f.moveTos = append(f.moveTos, pos)
	f.running = pos != f.position
}

func (f *fakeActuator) IsRunning() bool { return f.running }

func (f *fakeActuator) ForceStop() {
	f.effect("stop")
	f.stops++
	f.running = false
}

func (f *fakeActuator) CurrentPosition() int64 { return f.position }

func (f *fakeActuator) SetCurrentPosition(pos int64) {
	f.effect("zero")
	f.zeroed++
	f.position = pos
}

type fakeLimit struct {
	raw bool
	err error
}

func (l *fakeLimit) Triggered() (bool, error) { return l.raw, l.err }

type fakeFusion struct {
	elevation  float64
	homeRaw    float64
	homeRawSet int
	resets     int
	onEffect   func(op string)
}

func (f *fakeFusion) Elevation() float64 { return f.elevation }

func (f *fakeFusion) SetHomeRawElevation(v float64) {
	if f.onEffect != nil {
		f.onEffect("home_raw")
	}
	f.homeRaw = v
	f.homeRawSet++
}

func (f *fakeFusion) ResetElevationSmoothing() {
	f.resets++
	f.elevation = 0
}

type rig struct {
	engine  *Engine
	az      *fakeActuator
	el1     *fakeActuator
	el2     *fakeActuator
	azLimit *fakeLimit
	elLimit *fakeLimit
	fusion  *fakeFusion
	now     time.Time
}

func newRig() *rig {
	r := &rig{
		az:      &fakeActuator{},
		el1:     &fakeActuator{},
		el2:     &fakeActuator{},
		azLimit: &fakeLimit{},
		elLimit: &fakeLimit{},
		fusion:  &fakeFusion{elevation: 42},
		now:     time.Unix(1000, 0),
	}
	ctrl := motion.NewController(
		motion.NewAxis("az", r.az, nil),
		motion.NewAxis("el", r.el1, r.el2),
		kinematics.NewMapper(80),
	)
	r.engine = New(DefaultConfig(), ctrl, r.fusion, r.azLimit, r.elLimit)
	return r
}

func (r *rig) tick(d time.Duration) {
	r.now = r.now.Add(d)
	r.engine.Tick(r.now)
}

func TestHoming_FullSequence(t *testing.T) {
	r := newRig()
	if err := r.engine.HomeAzimuth(); err != nil {
		t.Fatalf("HomeAzimuth: %v", err)
	}
	if r.engine.Stage() != AzimuthPreHome {
		t.Fatalf("stage = %v, want az_pre_home", r.engine.Stage())
	}
	if got := r.az.moveTos; len(got) != 1 || got[0] != -15000 {
		t.Fatalf("azimuth sweep = %v, want [-15000]", got)
	}

	r.tick(2 * time.Millisecond) // 0° is in range
	if r.engine.Stage() != AzimuthMoving {
		t.Fatalf("stage = %v, want az_moving", r.engine.Stage())
	}

	r.az.position = -1234
	r.azLimit.raw = true
	r.tick(2 * time.Millisecond)
	if r.az.stops != 0 {
		t.Fatal("stopped before the limit was debounced")
	}
	r.tick(5 * time.Millisecond)
	if r.az.stops != 1 {
		t.Fatalf("azimuth stops = %d, want 1 after debounce", r.az.stops)
	}
	stoppedAt := r.now

	// settle: nothing happens before 800ms
	for r.now.Sub(stoppedAt) < 798*time.Millisecond {
		r.tick(2 * time.Millisecond)
		if r.engine.AzimuthHomed() || r.az.zeroed != 0 {
			t.Fatalf("azimuth finalized after %v", r.now.Sub(stoppedAt))
		}
	}
	r.tick(2 * time.Millisecond)
	if !r.engine.AzimuthHomed() {
		t.Fatal("azimuth not homed after settle")
	}
	if r.az.position != 0 || r.az.stops != 1 {
		t.Errorf("azimuth position=%d stops=%d, want 0/1", r.az.position, r.az.stops)
	}
	if r.engine.Stage() != ElevationMoving {
		t.Fatalf("stage = %v, want el_moving", r.engine.Stage())
	}
	for i, m := range []*fakeActuator{r.el1, r.el2} {
		if len(m.moveTos) != 1 || m.moveTos[0] != -15000 {
			t.Errorf("el%d sweep = %v, want [-15000]", i+1, m.moveTos)
		}
	}

	r.elLimit.raw = true
	r.tick(2 * time.Millisecond)
	r.tick(5 * time.Millisecond)
	r.tick(2 * time.Millisecond)
	if r.el1.stops != 1 || r.el2.stops != 1 {
		t.Fatalf("elevation stops = %d/%d, want exactly 1 each", r.el1.stops, r.el2.stops)
	}
	r.tick(800 * time.Millisecond)
	if r.engine.Stage() != Complete || !r.engine.ElevationHomed() {
		t.Fatalf("stage=%v elHomed=%v, want complete/true", r.engine.Stage(), r.engine.ElevationHomed())
	}
	if r.el1.zeroed != 1 || r.el2.zeroed != 1 {
		t.Errorf("elevation zeroed %d/%d, want 1/1", r.el1.zeroed, r.el2.zeroed)
	}
	if r.fusion.homeRaw != 42 || r.fusion.resets != 1 {
		t.Errorf("home raw=%v resets=%d, want 42/1", r.fusion.homeRaw, r.fusion.resets)
	}

	// Complete is terminal
	r.tick(time.Second)
	if r.engine.Stage() != Complete || r.el1.stops != 1 {
		t.Error("Complete stage acted on a later tick")
	}
}

func TestHoming_PreHomeSafetyMove(t *testing.T) {
	r := newRig()
	r.az.position = 36000 // 450°
	r.engine.HomeAzimuth()

	r.tick(2 * time.Millisecond)
	if r.engine.Stage() != AzimuthPreHome {
		t.Fatalf("stage = %v, want az_pre_home during the safety move", r.engine.Stage())
	}
	if last := r.az.moveTos[len(r.az.moveTos)-1]; last != 14400 {
		t.Fatalf("safety move target = %d, want 14400 (180°)", last)
	}

	r.tick(2 * time.Millisecond)
	if len(r.az.moveTos) != 2 {
		t.Errorf("safety move re-issued while running: %v", r.az.moveTos)
	}

	r.az.position = 14400
	r.az.running = false
	r.tick(2 * time.Millisecond)
	if r.engine.Stage() != AzimuthMoving {
		t.Fatalf("stage = %v, want az_moving", r.engine.Stage())
	}
	if last := r.az.moveTos[len(r.az.moveTos)-1]; last != -15000 {
		t.Errorf("homing sweep not re-issued, last target %d", last)
	}
}

func TestHoming_NegativeAzimuthOutOfRange(t *testing.T) {
	r := newRig()
	r.az.position = -800 // -10°
	r.engine.HomeAzimuth()
	r.tick(2 * time.Millisecond)
	if last := r.az.moveTos[len(r.az.moveTos)-1]; last != 14400 {
		t.Errorf("safety move target = %d, want 14400", last)
	}
}

func TestHoming_TravelExhausted(t *testing.T) {
	r := newRig()
	r.engine.HomeAzimuth()
	r.tick(2 * time.Millisecond)
	r.az.running = false
	r.tick(2 * time.Millisecond)
	if r.engine.Stage() != Idle {
		t.Errorf("stage = %v, want idle after travel exhausted", r.engine.Stage())
	}
	if r.engine.AzimuthHomed() {
		t.Error("azimuth must not be homed without the limit")
	}
}

func TestHoming_ElevationRefusedBeforeAzimuth(t *testing.T) {
	r := newRig()
	if err := r.engine.HomeElevation(); !errors.Is(err, ErrAzimuthNotHomed) {
		t.Fatalf("HomeElevation = %v, want ErrAzimuthNotHomed", err)
	}
	if len(r.el1.moveTos) != 0 || r.engine.Stage() != Idle {
		t.Error("refused elevation homing must not move or change stage")
	}
}

func TestHoming_AzimuthNotConfigured(t *testing.T) {
	ctrl := motion.NewController(nil, nil, kinematics.NewMapper(80))
	e := New(DefaultConfig(), ctrl, nil, nil, nil)
	if err := e.HomeAzimuth(); !errors.Is(err, ErrAzimuthNotConfigured) {
		t.Fatalf("HomeAzimuth = %v, want ErrAzimuthNotConfigured", err)
	}
	e.Tick(time.Unix(0, 0))
	if e.Stage() != Idle {
		t.Errorf("stage = %v, want idle", e.Stage())
	}
}

func TestHoming_ElevationNotConfigured(t *testing.T) {
	az := &fakeActuator{}
	lim := &fakeLimit{raw: true}
	ctrl := motion.NewController(motion.NewAxis("az", az, nil), nil, kinematics.NewMapper(80))
	e := New(DefaultConfig(), ctrl, nil, lim, nil)

	now := time.Unix(0, 0)
	e.HomeAzimuth()
	for i := 0; i < 500 && e.Stage() != Complete; i++ {
		now = now.Add(2 * time.Millisecond)
		e.Tick(now)
	}
	if e.Stage() != Complete {
		t.Fatalf("stage = %v, want complete", e.Stage())
	}
	if !e.AzimuthHomed() || e.ElevationHomed() {
		t.Errorf("azHomed=%v elHomed=%v, want true/false", e.AzimuthHomed(), e.ElevationHomed())
	}
}

func TestHoming_DebounceSurvivesStageChanges(t *testing.T) {
	r := newRig()
	r.azLimit.raw = true
	r.tick(0)
	r.tick(10 * time.Millisecond) // stable while idle
	if !r.engine.AzimuthLimit() {
		t.Fatal("limit not debounced while idle")
	}

	r.engine.HomeAzimuth()
	r.tick(2 * time.Millisecond) // pre-home -> moving
	r.tick(2 * time.Millisecond)
	if r.az.stops != 1 {
		t.Errorf("already-triggered limit should stop on the first moving tick, stops=%d", r.az.stops)
	}
}

func TestHoming_LimitReadErrorSkipsSample(t *testing.T) {
	r := newRig()
	r.azLimit.raw = true
	r.tick(0)
	r.azLimit.err = errors.New("bus error")
	r.tick(10 * time.Millisecond)
	if r.engine.AzimuthLimit() {
		t.Error("failed read must not change the debounced state")
	}
	r.azLimit.err = nil
	r.tick(time.Millisecond)
	if !r.engine.AzimuthLimit() {
		t.Error("limit should debounce once reads recover")
	}
}

func TestHoming_ResetIdempotent(t *testing.T) {
	r := newRig()
	r.engine.Reset()
	r.engine.Reset()
	if r.engine.Stage() != Idle || r.engine.AzimuthHomed() || r.engine.ElevationHomed() {
		t.Error("reset of idle engine changed state")
	}

	r.engine.HomeAzimuth()
	r.tick(2 * time.Millisecond)
	r.engine.Reset()
	if r.engine.Stage() != Idle {
		t.Errorf("stage = %v after reset", r.engine.Stage())
	}
	stops := r.az.stops
	r.azLimit.raw = true
	r.tick(10 * time.Millisecond)
	r.tick(10 * time.Millisecond)
	if r.az.stops != stops {
		t.Error("reset engine still reacts to the limit")
	}
}

func TestHoming_ElevationGateNeverActsUnhomed(t *testing.T) {
	r := newRig()
	check := func(op string) {
		if !r.engine.azHomed {
			t.Fatalf("elevation %s side effect while azimuth unhomed (stage %v)", op, r.engine.stage)
		}
	}
	r.el1.onEffect = check
	r.el2.onEffect = check
	r.fusion.onEffect = check

	// forced into the gated stage with a triggered limit
	r.engine.stage = ElevationMoving
	r.elLimit.raw = true
	for i := 0; i < 1000; i++ {
		r.tick(2 * time.Millisecond)
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20000; i++ {
		switch rng.Intn(12) {
		case 0:
			r.engine.HomeAzimuth()
		case 1:
			r.engine.HomeElevation()
		case 2:
			r.engine.Reset()
		case 3:
			r.azLimit.raw = !r.azLimit.raw
		case 4:
			r.elLimit.raw = !r.elLimit.raw
		case 5:
			r.az.running = rng.Intn(2) == 0
		case 6:
			r.el1.running = rng.Intn(2) == 0
		case 7:
			r.az.position = int64(rng.Intn(40000) - 5000)
		}
		r.tick(time.Duration(rng.Intn(400)) * time.Millisecond)
	}
}
