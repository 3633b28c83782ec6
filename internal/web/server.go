package web

import (
	"context"
	"io/fs"
	"log"
	"net"
	"net/http"
	"time"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server configured for the given address and dependencies.
func NewServer(addr string, broadcaster *StatusBroadcaster, logs *LogRing, rot Rotator, rotctlConnected func() bool) *Server {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		log.Fatalf("web: failed to sub static fs: %v", err)
	}

	return &Server{
		addr:     addr,
		handlers: NewHandlers(broadcaster, logs, rot, rotctlConnected, subFS),
	}
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	h := s.handlers
	mux := http.NewServeMux()

	mux.HandleFunc("GET /status", h.HandleStatus)
	mux.HandleFunc("GET /status/stream", h.HandleStatusStream)
	mux.HandleFunc("GET /ws", h.HandleWebSocket)
	mux.HandleFunc("GET /logs", h.HandleLogs)

	mux.HandleFunc("GET /cal/status", h.HandleCalibrationStatus)
	mux.HandleFunc("POST /cal/start", h.HandleCalibrationStart)
	mux.HandleFunc("POST /cal/stop", h.HandleCalibrationStop)
	mux.HandleFunc("POST /cal/reset", h.HandleCalibrationReset)

	mux.HandleFunc("POST /home/az", h.HandleHomeAzimuth)
	mux.HandleFunc("POST /home/el", h.HandleHomeElevation)
	mux.HandleFunc("POST /jog", h.HandleJog)
	mux.HandleFunc("POST /move", h.HandleMove)
	mux.HandleFunc("POST /estop", h.HandleEmergencyStop)
	mux.HandleFunc("POST /alpha", h.HandleAlpha)
	mux.HandleFunc("POST /el-source", h.HandleElevationSource)

	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(h.staticFS))))
	mux.HandleFunc("GET /{$}", h.ServeIndex) // exact match for root only

	return mux
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
