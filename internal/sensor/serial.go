package sensor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cjeanneret/RotGo/internal/debug"
	"github.com/cjeanneret/RotGo/internal/logic/fusion"
	"github.com/tarm/serial"
)

const maxLine = 512

// LineSource reads newline terminated frames from a byte stream, typically
// a serial port.
type LineSource struct {
	name string
	rc   io.ReadCloser
	counters
}

// OpenSerial opens a serial line to the sensor board.
func OpenSerial(device string, baud int) (*LineSource, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        device,
		Baud:        baud,
		ReadTimeout: 500 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", device, err)
	}
	debug.Info("Sensor receiver reading %s at %d baud", device, baud)
	return NewLineSource(device, port), nil
}

// NewLineSource wraps an already open stream.
func NewLineSource(name string, rc io.ReadCloser) *LineSource {
	return &LineSource{name: name, rc: rc}
}

// Run delivers frames to out until ctx is done or the stream fails.
// io.EOF is a read timeout on a serial port and is not fatal.
func (s *LineSource) Run(ctx context.Context, out chan<- fusion.Frame) error {
	stop := context.AfterFunc(ctx, func() { s.rc.Close() })
	defer stop()

	var line []byte
	buf := make([]byte, 256)
	for {
		n, err := s.rc.Read(buf)
		chunk := buf[:n]
		for len(chunk) > 0 {
			i := bytes.IndexByte(chunk, '\n')
			if i < 0 {
				line = append(line, chunk...)
				break
			}
			line = append(line, chunk[:i]...)
			if len(bytes.TrimSpace(line)) > 0 {
				s.deliver(line, out)
			}
			line = line[:0]
			chunk = chunk[i+1:]
		}
		if len(line) > maxLine {
			s.malformed.Add(1)
			line = line[:0]
		}

		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read sensor %s: %w", s.name, err)
		}
		if n == 0 && err != nil {
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// Stats returns the frame counters.
func (s *LineSource) Stats() Stats {
	return s.stats()
}

// Close releases the stream.
func (s *LineSource) Close() error {
	return s.rc.Close()
}
