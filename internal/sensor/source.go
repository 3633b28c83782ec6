package sensor

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/cjeanneret/RotGo/internal/config"
	"github.com/cjeanneret/RotGo/internal/debug"
	"github.com/cjeanneret/RotGo/internal/logic/fusion"
)

// Source is a frame transport.
type Source interface {
	Run(ctx context.Context, out chan<- fusion.Frame) error
	Stats() Stats
	Close() error
}

// Open creates the transport selected in cfg. It returns a nil Source for
// transport "none".
func Open(cfg config.SensorConfig) (Source, error) {
	switch cfg.Transport {
	case "none":
		debug.Warn("Sensor transport disabled, fused estimate will stay stale")
		return nil, nil
	case "", "udp":
		port := cfg.UDPPort
		if port == 0 {
			port = DefaultUDPPort
		}
		src, err := ListenUDP(fmt.Sprintf(":%d", port))
		if err != nil {
			return nil, err
		}
		return src, nil
	case "serial":
		src, err := OpenSerial(cfg.SerialDevice, cfg.SerialBaud)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown sensor transport: %s", cfg.Transport)
	}
}

// Stats counts frames seen by a source.
type Stats struct {
	Accepted  uint64 `json:"accepted"`
	Malformed uint64 `json:"malformed"`
	Overflow  uint64 `json:"overflow"` // dropped because the loop was behind
}

type counters struct {
	accepted  atomic.Uint64
	malformed atomic.Uint64
	overflow  atomic.Uint64
}

func (c *counters) stats() Stats {
	return Stats{
		Accepted:  c.accepted.Load(),
		Malformed: c.malformed.Load(),
		Overflow:  c.overflow.Load(),
	}
}

// deliver parses one payload and hands it to out without blocking.
func (c *counters) deliver(payload []byte, out chan<- fusion.Frame) {
	fr, err := ParseFrame(payload)
	if err != nil {
		c.malformed.Add(1)
		debug.Trace("Dropping sensor payload %q: %v", payload, err)
		return
	}
	select {
	case out <- fr:
		c.accepted.Add(1)
	default:
		c.overflow.Add(1)
	}
}
