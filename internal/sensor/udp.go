package sensor

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/cjeanneret/RotGo/internal/debug"
	"github.com/cjeanneret/RotGo/internal/logic/fusion"
)

// DefaultUDPPort is the port the sensor board sends to.
const DefaultUDPPort = 4210

// UDPSource receives one frame per datagram.
type UDPSource struct {
	conn net.PacketConn
	counters
}

// ListenUDP binds addr (e.g. ":4210").
func ListenUDP(addr string) (*UDPSource, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen sensor udp %s: %w", addr, err)
	}
	debug.Info("Sensor receiver listening on UDP %s", conn.LocalAddr())
	return &UDPSource{conn: conn}, nil
}

// LocalAddr returns the bound address.
func (s *UDPSource) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Run delivers frames to out until ctx is done.
func (s *UDPSource) Run(ctx context.Context, out chan<- fusion.Frame) error {
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	buf := make([]byte, 512)
	for {
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read sensor udp: %w", err)
		}
		s.deliver(buf[:n], out)
	}
}

// Stats returns the frame counters.
func (s *UDPSource) Stats() Stats {
	return s.stats()
}

// Close releases the socket.
func (s *UDPSource) Close() error {
	err := s.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
