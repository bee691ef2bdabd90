// Package palette derives each participant's initial cell colors from their
// id. The derivation is pure: the same id always yields the same 400-color
// block, so a rejoin-free lifetime keeps a stable palette and replay tooling
// can regenerate it without storing the block.
package palette

import (
	"fmt"
	"math"
)

// CellPixels is the side length of a participant's sub-grid.
const CellPixels = 20

// cellCount is the number of sub-cells per participant.
const cellCount = CellPixels * CellPixels

// Seed folds the id bytes into the 32-bit seed for the color generator.
func Seed(id string) uint32 {
	var acc uint32
	for _, b := range []byte(id) {
		acc = acc<<8 + uint32(b)
	}
	return acc
}

// rng is the linear congruential generator behind the seeded palette.
type rng struct {
	state uint32
}

func (r *rng) next() float64 {
	r.state = r.state*1664525 + 1013904223
	return float64(r.state) / 4294967296.0
}

// InitialColors generates the 400 seeded colors for a participant, row-major
// with index y*20+x. The palette hovers around a per-id base hue with small
// jitter in hue, saturation, and lightness.
func InitialColors(id string) []string {
	r := &rng{state: Seed(id)}

	baseH := r.next()
	baseS := 0.6 + r.next()*0.4
	baseL := 0.4 + r.next()*0.2

	colors := make([]string, cellCount)
	for i := range colors {
		h := math.Mod(baseH+r.next()*0.2-0.1+1, 1)
		s := clamp01(baseS + r.next()*0.2 - 0.1)
		l := clamp01(baseL + r.next()*0.2 - 0.1)
		colors[i] = hslToHex(h, s, l)
	}
	return colors
}

// UserColor returns the participant's representative color, the first entry
// of the seeded palette.
func UserColor(id string) string {
	r := &rng{state: Seed(id)}

	baseH := r.next()
	baseS := 0.6 + r.next()*0.4
	baseL := 0.4 + r.next()*0.2

	h := math.Mod(baseH+r.next()*0.2-0.1+1, 1)
	s := clamp01(baseS + r.next()*0.2 - 0.1)
	l := clamp01(baseL + r.next()*0.2 - 0.1)
	return hslToHex(h, s, l)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t++
	}
	if t > 1 {
		t--
	}
	switch {
	case t < 1.0/6.0:
		return p + (q-p)*6*t
	case t < 1.0/2.0:
		return q
	case t < 2.0/3.0:
		return p + (q-p)*(2.0/3.0-t)*6
	default:
		return p
	}
}

func hslToHex(h, s, l float64) string {
	var r, g, b float64
	if s == 0 {
		r, g, b = l, l, l
	} else {
		q := l + s - l*s
		if l < 0.5 {
			q = l * (1 + s)
		}
		p := 2*l - q
		r = hueToRGB(p, q, h+1.0/3.0)
		g = hueToRGB(p, q, h)
		b = hueToRGB(p, q, h-1.0/3.0)
	}
	return fmt.Sprintf("#%02x%02x%02x", channel(r), channel(g), channel(b))
}

func channel(v float64) uint8 {
	scaled := math.Round(v * 255)
	if scaled < 0 {
		return 0
	}
	if scaled > 255 {
		return 255
	}
	return uint8(scaled)
}
