package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net/http"
	"time"

	"github.com/cjeanneret/RotGo/internal/debug"
	"github.com/cjeanneret/RotGo/internal/logic/calibration"
	"github.com/cjeanneret/RotGo/internal/logic/fusion"
	"github.com/cjeanneret/RotGo/internal/logic/homing"
	"github.com/cjeanneret/RotGo/internal/logic/rotator"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// commandTimeout bounds how long a handler waits for the loop to apply a command.
const commandTimeout = 2 * time.Second

// Rotator is the part of the control loop the HTTP surface drives.
type Rotator interface {
	Status() rotator.Status
	Do(ctx context.Context, cmd rotator.Command) error
	MoveTo(az, el float64) (float64, float64, error)
	EmergencyStop()
}

// StatusResponse is served by GET /status.
type StatusResponse struct {
	rotator.Status
	RotctlConnected bool `json:"rotctl_connected"`
}

// CalibrationResponse is served by GET /cal/status.
type CalibrationResponse struct {
	Stage       string             `json:"stage"`
	Running     bool               `json:"running"`
	Capture     fusion.Extrema     `json:"capture"`
	Tracked     fusion.Extrema     `json:"tracked"`
	Calibration fusion.Calibration `json:"calibration"`
	ElOffset    float64            `json:"el_home_offset"`
}

// JogRequest is the body of POST /jog, in degrees.
type JogRequest struct {
	AzStep float64 `json:"az_step"`
	ElStep float64 `json:"el_step"`
}

// MoveRequest is the body of POST /move, in degrees.
type MoveRequest struct {
	Az float64 `json:"az"`
	El float64 `json:"el"`
}

// AlphaRequest is the body of POST /alpha.
type AlphaRequest struct {
	Value float64 `json:"value"`
}

// SourceRequest is the body of POST /el-source.
type SourceRequest struct {
	Sensor bool `json:"sensor"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster     *StatusBroadcaster
	Logs            *LogRing
	Rotator         Rotator
	RotctlConnected func() bool
	staticFS        fs.FS

	// wsInterval is the websocket status push period.
	wsInterval time.Duration
}

// NewHandlers creates handlers with the given dependencies.
// If rot is nil, every command endpoint returns 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, logs *LogRing, rot Rotator, rotctlConnected func() bool, staticFS fs.FS) *Handlers {
	if logs == nil {
		logs = NewLogRing(DefaultLogEntries)
	}
	return &Handlers{
		Broadcaster:     broadcaster,
		Logs:            logs,
		Rotator:         rot,
		RotctlConnected: rotctlConnected,
		staticFS:        staticFS,
		wsInterval:      500 * time.Millisecond,
	}
}

// ValidateJog rejects non-finite jog steps.
func ValidateJog(j JogRequest) error {
	if !finite(j.AzStep) || !finite(j.ElStep) {
		return errors.New("az_step and el_step must be finite numbers")
	}
	return nil
}

// ValidateMove rejects non-finite targets. Range clamping is left to the rotator.
func ValidateMove(m MoveRequest) error {
	if !finite(m.Az) || !finite(m.El) {
		return errors.New("az and el must be finite numbers")
	}
	return nil
}

// ValidateAlpha requires a smoothing factor in [0,1].
func ValidateAlpha(a AlphaRequest) error {
	if !finite(a.Value) || a.Value < 0 || a.Value > 1 {
		return fmt.Errorf("value must be between 0 and 1, got %v", a.Value)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// decodeBody decodes a capped JSON body, answering 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// statusCode maps a command error to an HTTP status.
func statusCode(err error) int {
	switch {
	case errors.Is(err, calibration.ErrCalibrationRunning),
		errors.Is(err, rotator.ErrBusy),
		errors.Is(err, homing.ErrAzimuthNotHomed):
		return http.StatusConflict
	case errors.Is(err, calibration.ErrAzimuthNotConfigured),
		errors.Is(err, homing.ErrAzimuthNotConfigured),
		errors.Is(err, rotator.ErrQueueFull),
		errors.Is(err, rotator.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// do runs cmd on the loop and answers 200 {"status":ok} or the mapped error.
func (h *Handlers) do(w http.ResponseWriter, r *http.Request, cmd rotator.Command) {
	if h.Rotator == nil {
		http.Error(w, "rotator not configured", http.StatusServiceUnavailable)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	if err := h.Rotator.Do(ctx, cmd); err != nil {
		debug.Verbose("web: %v refused: %v", cmd, err)
		http.Error(w, err.Error(), statusCode(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleStatus handles GET /status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if h.Rotator == nil {
		http.Error(w, "rotator not configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, h.statusResponse())
}

func (h *Handlers) statusResponse() StatusResponse {
	resp := StatusResponse{Status: h.Rotator.Status()}
	if h.RotctlConnected != nil {
		resp.RotctlConnected = h.RotctlConnected()
	}
	return resp
}

// HandleCalibrationStatus handles GET /cal/status.
func (h *Handlers) HandleCalibrationStatus(w http.ResponseWriter, r *http.Request) {
	if h.Rotator == nil {
		http.Error(w, "rotator not configured", http.StatusServiceUnavailable)
		return
	}
	st := h.Rotator.Status()
	writeJSON(w, http.StatusOK, CalibrationResponse{
		Stage:       st.CalibrationStage,
		Running:     st.Calibrating,
		Capture:     st.Capture,
		Tracked:     st.Tracked,
		Calibration: st.Calibration,
		ElOffset:    st.ElevationHomeOffset,
	})
}

// HandleCalibrationStart handles POST /cal/start.
func (h *Handlers) HandleCalibrationStart(w http.ResponseWriter, r *http.Request) {
	h.do(w, r, rotator.Command{Kind: rotator.StartCalibration})
}

// HandleCalibrationStop handles POST /cal/stop.
func (h *Handlers) HandleCalibrationStop(w http.ResponseWriter, r *http.Request) {
	h.do(w, r, rotator.Command{Kind: rotator.StopCalibration})
}

// HandleCalibrationReset handles POST /cal/reset.
func (h *Handlers) HandleCalibrationReset(w http.ResponseWriter, r *http.Request) {
	h.do(w, r, rotator.Command{Kind: rotator.ResetCalibration})
}

// HandleHomeAzimuth handles POST /home/az.
func (h *Handlers) HandleHomeAzimuth(w http.ResponseWriter, r *http.Request) {
	h.do(w, r, rotator.Command{Kind: rotator.HomeAzimuth})
}

// HandleHomeElevation handles POST /home/el.
func (h *Handlers) HandleHomeElevation(w http.ResponseWriter, r *http.Request) {
	h.do(w, r, rotator.Command{Kind: rotator.HomeElevation})
}

// HandleJog handles POST /jog.
func (h *Handlers) HandleJog(w http.ResponseWriter, r *http.Request) {
	var req JogRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := ValidateJog(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.do(w, r, rotator.Command{Kind: rotator.Jog, Az: req.AzStep, El: req.ElStep})
}

// HandleMove handles POST /move. The target is clamped to the travel
// limits and the clamped value is echoed back.
func (h *Handlers) HandleMove(w http.ResponseWriter, r *http.Request) {
	var req MoveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := ValidateMove(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if h.Rotator == nil {
		http.Error(w, "rotator not configured", http.StatusServiceUnavailable)
		return
	}
	az, el, err := h.Rotator.MoveTo(req.Az, req.El)
	if err != nil {
		http.Error(w, err.Error(), statusCode(err))
		return
	}
	writeJSON(w, http.StatusAccepted, MoveRequest{Az: az, El: el})
}

// HandleEmergencyStop handles POST /estop. It bypasses the command queue.
func (h *Handlers) HandleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if h.Rotator == nil {
		http.Error(w, "rotator not configured", http.StatusServiceUnavailable)
		return
	}
	h.Rotator.EmergencyStop()
	if h.Broadcaster != nil {
		h.Broadcaster.Broadcast(LevelWarning, "Emergency stop")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// HandleAlpha handles POST /alpha.
func (h *Handlers) HandleAlpha(w http.ResponseWriter, r *http.Request) {
	var req AlphaRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := ValidateAlpha(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.do(w, r, rotator.Command{Kind: rotator.SetAlpha, Value: req.Value})
}

// HandleElevationSource handles POST /el-source.
func (h *Handlers) HandleElevationSource(w http.ResponseWriter, r *http.Request) {
	var req SourceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.do(w, r, rotator.Command{Kind: rotator.SetElevationSource, Sensor: req.Sensor})
}

// HandleLogs handles GET /logs.
func (h *Handlers) HandleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Logs.Entries())
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
