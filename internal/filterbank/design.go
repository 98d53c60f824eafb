package filterbank

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sort"
)

// ErrInvalidDesign is returned for filter parameters that cannot be realised
// at the given sampling rate.
var ErrInvalidDesign = errors.New("invalid filter design")

// zpk is an analog or digital filter in zero-pole-gain form.
type zpk struct {
	z []complex128
	p []complex128
	k float64
}

// butterPrototype returns the order-n analog Butterworth lowpass prototype
// with unit cutoff.
func butterPrototype(n int) zpk {
	p := make([]complex128, 0, n)
	for m := -n + 1; m < n; m += 2 {
		p = append(p, -cmplx.Exp(complex(0, math.Pi*float64(m)/float64(2*n))))
	}
	return zpk{p: p, k: 1}
}

func (f zpk) degree() int { return len(f.p) - len(f.z) }

func scale(v []complex128, s complex128) []complex128 {
	out := make([]complex128, len(v))
	for i, x := range v {
		out[i] = x * s
	}
	return out
}

func prod(v []complex128) complex128 {
	r := complex(1, 0)
	for _, x := range v {
		r *= x
	}
	return r
}

func negate(v []complex128) []complex128 { return scale(v, -1) }

func toLowpass(f zpk, wo float64) zpk {
	return zpk{
		z: scale(f.z, complex(wo, 0)),
		p: scale(f.p, complex(wo, 0)),
		k: f.k * math.Pow(wo, float64(f.degree())),
	}
}

func toHighpass(f zpk, wo float64) zpk {
	deg := f.degree()
	z := make([]complex128, 0, len(f.z)+deg)
	for _, x := range f.z {
		z = append(z, complex(wo, 0)/x)
	}
	p := make([]complex128, len(f.p))
	for i, x := range f.p {
		p[i] = complex(wo, 0) / x
	}
	for i := 0; i < deg; i++ {
		z = append(z, 0)
	}
	k := f.k * real(prod(negate(f.z))/prod(negate(f.p)))
	return zpk{z: z, p: p, k: k}
}

func toBandpass(f zpk, wo, bw float64) zpk {
	deg := f.degree()
	half := complex(bw/2, 0)
	wo2 := complex(wo*wo, 0)

	split := func(v []complex128) []complex128 {
		lo := scale(v, half)
		out := make([]complex128, 0, 2*len(lo))
		for _, x := range lo {
			out = append(out, x+cmplx.Sqrt(x*x-wo2))
		}
		for _, x := range lo {
			out = append(out, x-cmplx.Sqrt(x*x-wo2))
		}
		return out
	}

	z := split(f.z)
	for i := 0; i < deg; i++ {
		z = append(z, 0)
	}
	return zpk{z: z, p: split(f.p), k: f.k * math.Pow(bw, float64(deg))}
}

// bilinear maps an analog zpk to the z-plane with the normalised sampling
// rate of 2 used for prewarped design.
func bilinear(f zpk) zpk {
	const fs2 = 4.0
	deg := f.degree()
	z := make([]complex128, 0, len(f.z)+deg)
	for _, x := range f.z {
		z = append(z, (fs2+x)/(fs2-x))
	}
	for i := 0; i < deg; i++ {
		z = append(z, -1)
	}
	p := make([]complex128, len(f.p))
	for i, x := range f.p {
		p[i] = (fs2 + x) / (fs2 - x)
	}

	num := complex(1, 0)
	for _, x := range f.z {
		num *= fs2 - x
	}
	den := complex(1, 0)
	for _, x := range f.p {
		den *= fs2 - x
	}
	return zpk{z: z, p: p, k: f.k * real(num/den)}
}

func prewarp(hz, sampleRate float64) float64 {
	wn := hz / (sampleRate / 2)
	return 4 * math.Tan(math.Pi*wn/2)
}

// Butterworth designs a digital Butterworth filter of the given order as a
// cascade of second-order sections. A zero lowHz yields a lowpass at highHz,
// a zero highHz yields a highpass at lowHz, and both set yield a bandpass.
func Butterworth(order int, lowHz, highHz, sampleRate float64) (Cascade, error) {
	if order < 1 {
		return nil, fmt.Errorf("%w: order %d", ErrInvalidDesign, order)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %g", ErrInvalidDesign, sampleRate)
	}
	nyq := sampleRate / 2
	for _, edge := range []float64{lowHz, highHz} {
		if edge < 0 || edge >= nyq {
			return nil, fmt.Errorf("%w: edge %g Hz outside [0, %g)", ErrInvalidDesign, edge, nyq)
		}
	}

	proto := butterPrototype(order)
	var analog zpk
	switch {
	case lowHz > 0 && highHz > 0:
		if lowHz >= highHz {
			return nil, fmt.Errorf("%w: low edge %g Hz not below high edge %g Hz", ErrInvalidDesign, lowHz, highHz)
		}
		w0, w1 := prewarp(lowHz, sampleRate), prewarp(highHz, sampleRate)
		analog = toBandpass(proto, math.Sqrt(w0*w1), w1-w0)
	case highHz > 0:
		analog = toLowpass(proto, prewarp(highHz, sampleRate))
	case lowHz > 0:
		analog = toHighpass(proto, prewarp(lowHz, sampleRate))
	default:
		return nil, fmt.Errorf("%w: no band edges", ErrInvalidDesign)
	}
	return toSections(bilinear(analog)), nil
}

// DesignNotch designs a second-order IIR notch at hz with quality factor q.
func DesignNotch(hz, q, sampleRate float64) (Cascade, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %g", ErrInvalidDesign, sampleRate)
	}
	if hz <= 0 || hz >= sampleRate/2 {
		return nil, fmt.Errorf("%w: notch %g Hz outside (0, %g)", ErrInvalidDesign, hz, sampleRate/2)
	}
	if q <= 0 {
		return nil, fmt.Errorf("%w: notch Q %g", ErrInvalidDesign, q)
	}
	w0 := 2 * hz / sampleRate
	bw := w0 / q * math.Pi
	w0 *= math.Pi

	beta := math.Tan(bw / 2)
	gain := 1 / (1 + beta)
	c := math.Cos(w0)
	return Cascade{{
		B0: gain, B1: -2 * gain * c, B2: gain,
		A1: -2 * gain * c, A2: 2*gain - 1,
	}}, nil
}

const realTol = 1e-12

// roots groups v into conjugate pairs (represented by the member with
// positive imaginary part) and real values.
func roots(v []complex128) (pairs []complex128, reals []float64) {
	for _, x := range v {
		switch {
		case math.Abs(imag(x)) <= realTol*math.Max(1, cmplx.Abs(x)):
			reals = append(reals, real(x))
		case imag(x) > 0:
			pairs = append(pairs, x)
		}
	}
	sort.Float64s(reals)
	return pairs, reals
}

// quadratics expands root groups into monic second-order polynomials
// [1, c1, c2]. Real roots are paired smallest with largest; an odd one out
// becomes a first-order factor.
func quadratics(v []complex128) [][3]float64 {
	pairs, reals := roots(v)
	out := make([][3]float64, 0, (len(v)+1)/2)
	for _, x := range pairs {
		out = append(out, [3]float64{1, -2 * real(x), real(x)*real(x) + imag(x)*imag(x)})
	}
	i, j := 0, len(reals)-1
	for i < j {
		out = append(out, [3]float64{1, -(reals[i] + reals[j]), reals[i] * reals[j]})
		i++
		j--
	}
	if i == j {
		out = append(out, [3]float64{1, -reals[i], 0})
	}
	return out
}

func toSections(f zpk) Cascade {
	den := quadratics(f.p)
	num := quadratics(f.z)
	n := max(len(den), len(num))

	c := make(Cascade, n)
	for i := range c {
		b := [3]float64{1, 0, 0}
		a := [3]float64{1, 0, 0}
		if i < len(num) {
			b = num[i]
		}
		if i < len(den) {
			a = den[i]
		}
		c[i] = Section{B0: b[0], B1: b[1], B2: b[2], A1: a[1], A2: a[2]}
	}
	if n > 0 {
		c[0].B0 *= f.k
		c[0].B1 *= f.k
		c[0].B2 *= f.k
	}
	return c
}
