package filterbank

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"
)

// ErrSignalTooShort is returned when a signal is not longer than the
// edge padding required for zero-phase filtering.
var ErrSignalTooShort = errors.New("signal too short for zero-phase filtering")

// Section is a normalised biquad (a0 == 1).
type Section struct {
	B0, B1, B2 float64
	A1, A2     float64
}

// Cascade is a chain of second-order sections applied in order.
type Cascade []Section

// state is the transposed direct form II delay line of one section.
type state [2]float64

// Filter runs x through the cascade causally. zi, when non-nil, holds the
// initial state per section and is updated in place.
func (c Cascade) Filter(x []float64, zi []state) []float64 {
	if zi == nil {
		zi = make([]state, len(c))
	}
	y := append([]float64(nil), x...)
	for s, sec := range c {
		z1, z2 := zi[s][0], zi[s][1]
		for i, in := range y {
			out := sec.B0*in + z1
			z1 = sec.B1*in - sec.A1*out + z2
			z2 = sec.B2*in - sec.A2*out
			y[i] = out
		}
		zi[s] = state{z1, z2}
	}
	return y
}

// steadyState returns the per-section delay-line contents that correspond
// to a unit step input having been applied forever.
func (c Cascade) steadyState() ([]state, error) {
	zi := make([]state, len(c))
	gain := 1.0
	for s, sec := range c {
		a := mat.NewDense(2, 2, []float64{
			1 + sec.A1, -1,
			sec.A2, 1,
		})
		b := mat.NewVecDense(2, []float64{
			sec.B1 - sec.A1*sec.B0,
			sec.B2 - sec.A2*sec.B0,
		})
		var v mat.VecDense
		if err := v.SolveVec(a, b); err != nil {
			return nil, fmt.Errorf("section %d initial conditions: %w", s, err)
		}
		zi[s] = state{gain * v.AtVec(0), gain * v.AtVec(1)}

		den := 1 + sec.A1 + sec.A2
		if den == 0 {
			return nil, fmt.Errorf("section %d has a pole at DC", s)
		}
		gain *= (sec.B0 + sec.B1 + sec.B2) / den
	}
	return zi, nil
}

// PadLen returns the odd-extension length used at each end of the signal
// by FiltFilt.
func (c Cascade) PadLen() int {
	var b2Zero, a2Zero int
	for _, sec := range c {
		if sec.B2 == 0 {
			b2Zero++
		}
		if sec.A2 == 0 {
			a2Zero++
		}
	}
	taps := 2*len(c) + 1 - min(b2Zero, a2Zero)
	return 3 * taps
}

func oddExtend(x []float64, n int) []float64 {
	last := len(x) - 1
	out := make([]float64, 0, len(x)+2*n)
	for i := n; i >= 1; i-- {
		out = append(out, 2*x[0]-x[i])
	}
	out = append(out, x...)
	for i := 1; i <= n; i++ {
		out = append(out, 2*x[last]-x[last-i])
	}
	return out
}

func reverse(x []float64) {
	for i, j := 0, len(x)-1; i < j; i, j = i+1, j-1 {
		x[i], x[j] = x[j], x[i]
	}
}

func scaled(zi []state, v float64) []state {
	out := make([]state, len(zi))
	for i, s := range zi {
		out[i] = state{s[0] * v, s[1] * v}
	}
	return out
}

// FiltFilt applies the cascade forward and backward with odd-extended edges
// and steady-state initial conditions, giving a zero-phase result whose
// magnitude response is the square of the cascade's.
func (c Cascade) FiltFilt(x []float64) ([]float64, error) {
	pad := c.PadLen()
	if len(x) <= pad {
		return nil, fmt.Errorf("%w: %d samples, need more than %d", ErrSignalTooShort, len(x), pad)
	}
	zi, err := c.steadyState()
	if err != nil {
		return nil, err
	}

	ext := oddExtend(x, pad)
	y := c.Filter(ext, scaled(zi, ext[0]))
	reverse(y)
	y = c.Filter(y, scaled(zi, y[0]))
	reverse(y)
	return y[pad : len(y)-pad], nil
}

// Response returns the magnitude of the cascade's frequency response at hz.
func (c Cascade) Response(hz, sampleRate float64) float64 {
	w := 2 * math.Pi * hz / sampleRate
	z1 := cmplx.Exp(complex(0, -w))
	z2 := z1 * z1
	h := complex(1, 0)
	for _, s := range c {
		num := complex(s.B0, 0) + complex(s.B1, 0)*z1 + complex(s.B2, 0)*z2
		den := 1 + complex(s.A1, 0)*z1 + complex(s.A2, 0)*z2
		h *= num / den
	}
	return cmplx.Abs(h)
}

// Stable reports whether every section's poles lie inside the unit circle.
func (c Cascade) Stable() bool {
	for _, s := range c {
		if math.Abs(s.A2) >= 1 || math.Abs(s.A1) >= 1+s.A2 {
			return false
		}
	}
	return true
}
