package web

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"

	"github.com/cjeanneret/RotGo/internal/logic/calibration"
	"github.com/cjeanneret/RotGo/internal/logic/homing"
	"github.com/cjeanneret/RotGo/internal/logic/rotator"
)

// fakeRotator records commands and answers with a preset error.
type fakeRotator struct {
	mu      sync.Mutex
	status  rotator.Status
	cmds    []rotator.Command
	err     error
	moveErr error
	stops   int
}

func (f *fakeRotator) Status() rotator.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeRotator) Do(_ context.Context, cmd rotator.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	return f.err
}

func (f *fakeRotator) MoveTo(az, el float64) (float64, float64, error) {
	az = math.Min(math.Max(az, 0), 360)
	el = math.Min(math.Max(el, 0), 90)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, rotator.Command{Kind: rotator.MoveTo, Az: az, El: el})
	return az, el, f.moveErr
}

func (f *fakeRotator) EmergencyStop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeRotator) last() rotator.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.cmds) == 0 {
		return rotator.Command{Kind: -1}
	}
	return f.cmds[len(f.cmds)-1]
}

// ---------- Handler helpers ----------

func newTestHandlers(rot Rotator) *Handlers {
	staticFS := fstest.MapFS{
		"index.html": &fstest.MapFile{Data: []byte("<html>test</html>")},
	}
	return NewHandlers(NewStatusBroadcaster(), NewLogRing(10), rot, func() bool { return true }, staticFS)
}

func post(h http.HandlerFunc, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

// ---------- Validation ----------

func TestValidateAlpha(t *testing.T) {
	cases := []struct {
		name  string
		value float64
		ok    bool
	}{
		{"zero", 0, true},
		{"one", 1, true},
		{"mid", 0.25, true},
		{"negative", -0.1, false},
		{"above_one", 1.5, false},
		{"NaN", math.NaN(), false},
		{"+Inf", math.Inf(1), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateAlpha(AlphaRequest{Value: tc.value})
			if (err == nil) != tc.ok {
				t.Errorf("ValidateAlpha(%v) = %v, want ok=%v", tc.value, err, tc.ok)
			}
		})
	}
}

func TestValidateMoveAndJog_NonFinite(t *testing.T) {
	if err := ValidateMove(MoveRequest{Az: math.NaN()}); err == nil {
		t.Error("ValidateMove accepted NaN")
	}
	if err := ValidateMove(MoveRequest{Az: 720, El: -10}); err != nil {
		t.Errorf("ValidateMove rejected an out-of-range target (clamping is done later): %v", err)
	}
	if err := ValidateJog(JogRequest{ElStep: math.Inf(-1)}); err == nil {
		t.Error("ValidateJog accepted -Inf")
	}
}

// ---------- Command endpoints ----------

func TestCommandEndpoints_QueueCommand(t *testing.T) {
	rot := &fakeRotator{}
	h := newTestHandlers(rot)
	cases := []struct {
		name    string
		handler http.HandlerFunc
		body    string
		want    rotator.CommandKind
	}{
		{"cal_start", h.HandleCalibrationStart, "", rotator.StartCalibration},
		{"cal_stop", h.HandleCalibrationStop, "", rotator.StopCalibration},
		{"cal_reset", h.HandleCalibrationReset, "", rotator.ResetCalibration},
		{"home_az", h.HandleHomeAzimuth, "", rotator.HomeAzimuth},
		{"home_el", h.HandleHomeElevation, "", rotator.HomeElevation},
		{"jog", h.HandleJog, `{"az_step":5,"el_step":-2}`, rotator.Jog},
		{"alpha", h.HandleAlpha, `{"value":0.4}`, rotator.SetAlpha},
		{"el_source", h.HandleElevationSource, `{"sensor":true}`, rotator.SetElevationSource},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := post(tc.handler, "/", tc.body)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d (%s)", w.Code, http.StatusOK, w.Body.String())
			}
			if got := rot.last().Kind; got != tc.want {
				t.Errorf("queued %v, want %v", got, tc.want)
			}
		})
	}
}

func TestHandleJog_PassesSteps(t *testing.T) {
	rot := &fakeRotator{}
	h := newTestHandlers(rot)
	post(h.HandleJog, "/jog", `{"az_step":5,"el_step":-2}`)
	cmd := rot.last()
	if cmd.Az != 5 || cmd.El != -2 {
		t.Errorf("jog = (%v,%v), want (5,-2)", cmd.Az, cmd.El)
	}
}

func TestHandleElevationSource_PassesFlag(t *testing.T) {
	rot := &fakeRotator{}
	h := newTestHandlers(rot)
	post(h.HandleElevationSource, "/el-source", `{"sensor":true}`)
	if !rot.last().Sensor {
		t.Error("sensor flag not forwarded")
	}
}

func TestCommandEndpoints_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"calibration_running", calibration.ErrCalibrationRunning, http.StatusConflict},
		{"busy", rotator.ErrBusy, http.StatusConflict},
		{"not_homed", homing.ErrAzimuthNotHomed, http.StatusConflict},
		{"no_azimuth", calibration.ErrAzimuthNotConfigured, http.StatusServiceUnavailable},
		{"queue_full", rotator.ErrQueueFull, http.StatusServiceUnavailable},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandlers(&fakeRotator{err: tc.err})
			w := post(h.HandleCalibrationStart, "/cal/start", "")
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestCommandEndpoints_NilRotator(t *testing.T) {
	h := newTestHandlers(nil)
	for name, handler := range map[string]http.HandlerFunc{
		"cal_start": h.HandleCalibrationStart,
		"estop":     h.HandleEmergencyStop,
		"move":      h.HandleMove,
	} {
		w := post(handler, "/", `{"az":1,"el":1}`)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: status = %d, want %d", name, w.Code, http.StatusServiceUnavailable)
		}
	}
}

func TestCommandEndpoints_InvalidJSON(t *testing.T) {
	rot := &fakeRotator{}
	h := newTestHandlers(rot)
	for name, handler := range map[string]http.HandlerFunc{
		"jog":       h.HandleJog,
		"move":      h.HandleMove,
		"alpha":     h.HandleAlpha,
		"el_source": h.HandleElevationSource,
	} {
		w := post(handler, "/", "not json")
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want %d", name, w.Code, http.StatusBadRequest)
		}
	}
	if len(rot.cmds) != 0 {
		t.Errorf("invalid bodies queued %d commands", len(rot.cmds))
	}
}

func TestCommandEndpoints_OversizedBody(t *testing.T) {
	h := newTestHandlers(&fakeRotator{})
	big := `{"value":0.5,"pad":"` + strings.Repeat("x", 2<<20) + `"}`
	w := post(h.HandleAlpha, "/alpha", big)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d (oversized body)", w.Code, http.StatusBadRequest)
	}
}

func TestHandleAlpha_OutOfRange(t *testing.T) {
	rot := &fakeRotator{}
	h := newTestHandlers(rot)
	w := post(h.HandleAlpha, "/alpha", `{"value":1.5}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if len(rot.cmds) != 0 {
		t.Error("out-of-range alpha was queued")
	}
}

// ---------- POST /move ----------

func TestHandleMove_ClampsAndAccepts(t *testing.T) {
	rot := &fakeRotator{}
	h := newTestHandlers(rot)
	w := post(h.HandleMove, "/move", `{"az":400,"el":-5}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	var resp MoveRequest
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Az != 360 || resp.El != 0 {
		t.Errorf("clamped target = (%v,%v), want (360,0)", resp.Az, resp.El)
	}
}

func TestHandleMove_QueueFull(t *testing.T) {
	h := newTestHandlers(&fakeRotator{moveErr: rotator.ErrQueueFull})
	w := post(h.HandleMove, "/move", `{"az":10,"el":10}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

// ---------- POST /estop ----------

func TestHandleEmergencyStop(t *testing.T) {
	rot := &fakeRotator{err: rotator.ErrBusy}
	h := newTestHandlers(rot)
	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w := post(h.HandleEmergencyStop, "/estop", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if rot.stops != 1 {
		t.Errorf("EmergencyStop called %d times, want 1", rot.stops)
	}
	if len(rot.cmds) != 0 {
		t.Error("estop must not go through the command queue")
	}
	select {
	case msg := <-ch:
		if !strings.Contains(msg, `"l":"warning"`) {
			t.Errorf("estop broadcast = %s, want warning level", msg)
		}
	default:
		t.Error("estop was not broadcast")
	}
}

// ---------- GET endpoints ----------

func TestHandleStatus(t *testing.T) {
	rot := &fakeRotator{status: rotator.Status{
		Reported:    rotator.Position{Az: 123.5, El: 45},
		HomingStage: "complete",
		AzHomed:     true,
	}}
	h := newTestHandlers(rot)
	w := httptest.NewRecorder()
	h.HandleStatus(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var got map[string]any
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["rotctl_connected"] != true {
		t.Errorf("rotctl_connected = %v, want true", got["rotctl_connected"])
	}
	if got["homing_stage"] != "complete" || got["az_homed"] != true {
		t.Errorf("status fields not inlined: %v", got)
	}
	reported, _ := got["reported"].(map[string]any)
	if reported["az"] != 123.5 {
		t.Errorf("reported.az = %v, want 123.5", reported["az"])
	}
}

func TestHandleCalibrationStatus(t *testing.T) {
	rot := &fakeRotator{status: rotator.Status{CalibrationStage: "az_sweep", Calibrating: true}}
	h := newTestHandlers(rot)
	w := httptest.NewRecorder()
	h.HandleCalibrationStatus(w, httptest.NewRequest(http.MethodGet, "/cal/status", nil))

	var resp CalibrationResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Stage != "az_sweep" || !resp.Running {
		t.Errorf("calibration status = %+v", resp)
	}
}

func TestHandleLogs(t *testing.T) {
	h := newTestHandlers(&fakeRotator{})
	h.Logs.Write([]byte("[RotGo] first\n[RotGo] [WARN] second\n"))

	w := httptest.NewRecorder()
	h.HandleLogs(w, httptest.NewRequest(http.MethodGet, "/logs", nil))

	var entries []LogEntry
	if err := json.NewDecoder(w.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[1].Level != LevelWarning {
		t.Errorf("second entry level = %q, want %q", entries[1].Level, LevelWarning)
	}
}

// ---------- ServeIndex ----------

func TestServeIndex(t *testing.T) {
	h := newTestHandlers(&fakeRotator{})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	h.ServeIndex(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/html; charset=utf-8", ct)
	}
	if !strings.Contains(w.Body.String(), "<html>") {
		t.Error("body should contain HTML content")
	}
}

// ---------- Mux ----------

func TestMux_Routes(t *testing.T) {
	rot := &fakeRotator{}
	s := &Server{handlers: newTestHandlers(rot)}
	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/cal/start", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /cal/start: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("POST /cal/start = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/cal/start")
	if err != nil {
		t.Fatalf("GET /cal/start: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /cal/start = %d, want 405", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/move", "application/json", bytes.NewReader([]byte(`{"az":90,"el":30}`)))
	if err != nil {
		t.Fatalf("POST /move: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("POST /move = %d, want 202", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/nope")
	if err != nil {
		t.Fatalf("GET /nope: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /nope = %d, want 404", resp.StatusCode)
	}
}
