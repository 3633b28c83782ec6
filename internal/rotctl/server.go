// Package rotctl serves the hamlib rotctld line protocol: "p" reports the
// position, "P az el" moves, "S" stops.
package rotctl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cjeanneret/RotGo/internal/debug"
)

// DefaultPort is the rotctld port.
const DefaultPort = 4533

const (
	replyOK  = "RPRT 0\n"
	replyErr = "RPRT -1\n"
)

// Rotator is what the protocol drives.
type Rotator interface {
	ReportedPosition() (az, el float64)
	MoveTo(az, el float64) (float64, float64, error)
	EmergencyStop()
}

// Server accepts persistent rotctl connections.
type Server struct {
	addr    string
	rot     Rotator
	clients atomic.Int32

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a server for addr (e.g. ":4533").
func NewServer(addr string, rot Rotator) *Server {
	return &Server{
		addr:  addr,
		rot:   rot,
		conns: make(map[net.Conn]struct{}),
	}
}

// Connected reports whether at least one client is connected.
func (s *Server) Connected() bool {
	return s.clients.Load() > 0
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rotctl listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done. It closes ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	debug.Info("rotctl server listening on %s", ln.Addr())
	stop := context.AfterFunc(ctx, func() {
		ln.Close()
		s.closeAll()
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("rotctl accept: %w", err)
		}
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.ServeConn(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
		return
	}
	delete(s.conns, conn)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// ServeConn handles one client until it disconnects.
func (s *Server) ServeConn(conn net.Conn) {
	defer conn.Close()
	s.clients.Add(1)
	defer s.clients.Add(-1)

	peer := conn.RemoteAddr()
	debug.Info("rotctl client connected: %v", peer)
	defer debug.Info("rotctl client disconnected: %v", peer)

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		resp := s.Handle(sc.Text())
		if _, err := conn.Write([]byte(resp)); err != nil {
			debug.Verbose("rotctl write to %v: %v", peer, err)
			return
		}
	}
	if err := sc.Err(); err != nil {
		debug.Verbose("rotctl read from %v: %v", peer, err)
	}
}

// Handle answers one command line.
func (s *Server) Handle(line string) string {
	cmd := strings.TrimSpace(line)
	switch {
	case strings.EqualFold(cmd, "p"):
		az, el := s.rot.ReportedPosition()
		debug.Trace("rotctl: reporting az=%.2f el=%.2f", az, el)
		return fmt.Sprintf("%.2f\n%.2f\n", az, el)
	case cmd == "S":
		s.rot.EmergencyStop()
		return replyOK
	case strings.HasPrefix(cmd, "P "):
		return s.setPosition(cmd)
	default:
		debug.Verbose("rotctl: unsupported command %q", cmd)
		return replyErr
	}
}

func (s *Server) setPosition(cmd string) string {
	f := strings.Fields(cmd)
	if len(f) < 3 {
		return replyErr
	}
	az, err1 := parseAngle(f[1])
	el, err2 := parseAngle(f[2])
	if err1 != nil || err2 != nil {
		return replyErr
	}
	caz, cel, err := s.rot.MoveTo(az, el)
	if err != nil {
		debug.Warn("rotctl move refused: %v", err)
		return replyErr
	}
	debug.Live("rotctl: move to az=%.2f el=%.2f", caz, cel)
	return replyOK
}

func parseAngle(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite angle %q", s)
	}
	return v, nil
}
