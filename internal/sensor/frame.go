// Package sensor receives magnetometer/accelerometer frames from the
// remote sensor board.
package sensor

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cjeanneret/RotGo/internal/logic/fusion"
	"gonum.org/v1/gonum/spatial/r3"
)

// ErrMalformedFrame is returned for anything that is not a complete frame.
var ErrMalformedFrame = errors.New("sensor: malformed frame")

// ParseFrame decodes "MAG:mx,my,mz;ACC:ax,ay,az".
func ParseFrame(b []byte) (fusion.Frame, error) {
	s := strings.Trim(string(b), " \t\r\n\x00")
	rest, ok := strings.CutPrefix(s, "MAG:")
	if !ok {
		return fusion.Frame{}, ErrMalformedFrame
	}
	mag, acc, ok := strings.Cut(rest, ";ACC:")
	if !ok {
		return fusion.Frame{}, ErrMalformedFrame
	}
	m, err := parseVec(mag)
	if err != nil {
		return fusion.Frame{}, fmt.Errorf("%w: MAG: %v", ErrMalformedFrame, err)
	}
	a, err := parseVec(acc)
	if err != nil {
		return fusion.Frame{}, fmt.Errorf("%w: ACC: %v", ErrMalformedFrame, err)
	}
	return fusion.Frame{Mag: m, Acc: a}, nil
}

func parseVec(s string) (r3.Vec, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return r3.Vec{}, fmt.Errorf("want 3 values, got %d", len(parts))
	}
	var v [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return r3.Vec{}, err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return r3.Vec{}, fmt.Errorf("non-finite value %q", p)
		}
		v[i] = f
	}
	return r3.Vec{X: v[0], Y: v[1], Z: v[2]}, nil
}
