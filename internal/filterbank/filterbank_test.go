package filterbank

import (
	"errors"
	"math"
	"math/cmplx"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/dsp/fourier"
)

const fs = 500.0

func sine(hz float64, n int) []float64 {
	x := make([]float64, n)
	for i := range x {
		x[i] = math.Sin(2 * math.Pi * hz * float64(i) / fs)
	}
	return x
}

func TestButterworthResponse(t *testing.T) {
	tests := []struct {
		name      string
		low, high float64
		checks    map[float64][2]float64 // hz -> [want, tolerance]
	}{
		{
			name: "bandpass",
			low:  8, high: 30,
			checks: map[float64][2]float64{
				8:                   {math.Sqrt2 / 2, 1e-4},
				30:                  {math.Sqrt2 / 2, 1e-4},
				math.Sqrt(8.0 * 30): {1, 0.02},
				100:                 {0, 0.01},
				1:                   {0, 0.01},
			},
		},
		{
			name: "lowpass",
			high: 30,
			checks: map[float64][2]float64{
				0:   {1, 1e-6},
				30:  {math.Sqrt2 / 2, 1e-4},
				150: {0, 1e-3},
			},
		},
		{
			name: "highpass",
			low:  1,
			checks: map[float64][2]float64{
				1:   {math.Sqrt2 / 2, 1e-4},
				100: {1, 1e-3},
				0:   {0, 1e-9},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Butterworth(4, tt.low, tt.high, fs)
			require.NoError(t, err)
			assert.True(t, c.Stable())
			for hz, want := range tt.checks {
				assert.InDelta(t, want[0], c.Response(hz, fs), want[1], "response at %g Hz", hz)
			}
		})
	}
}

func TestButterworthInvalid(t *testing.T) {
	tests := []struct {
		name      string
		order     int
		low, high float64
		rate      float64
	}{
		{"zero order", 0, 1, 30, fs},
		{"no edges", 4, 0, 0, fs},
		{"inverted", 4, 30, 8, fs},
		{"at nyquist", 4, 30, 250, fs},
		{"negative", 4, -1, 30, fs},
		{"bad rate", 4, 1, 30, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Butterworth(tt.order, tt.low, tt.high, tt.rate)
			assert.True(t, errors.Is(err, ErrInvalidDesign), "got %v", err)
		})
	}
}

func TestDesignNotch(t *testing.T) {
	c, err := DesignNotch(50, 30, fs)
	require.NoError(t, err)
	require.Len(t, c, 1)
	assert.True(t, c.Stable())
	assert.Less(t, c.Response(50, fs), 1e-9)
	assert.InDelta(t, 1, c.Response(10, fs), 0.01)
	assert.InDelta(t, 1, c.Response(0, fs), 1e-9)

	_, err = DesignNotch(300, 30, fs)
	assert.Error(t, err)
	_, err = DesignNotch(50, 0, fs)
	assert.Error(t, err)
}

func TestPadLen(t *testing.T) {
	bp, err := Butterworth(4, 1, 100, fs)
	require.NoError(t, err)
	assert.Len(t, bp, 4)
	assert.Equal(t, 27, bp.PadLen())

	lp, err := Butterworth(4, 0, 30, fs)
	require.NoError(t, err)
	assert.Equal(t, 15, lp.PadLen())

	odd, err := Butterworth(3, 0, 30, fs)
	require.NoError(t, err)
	assert.Len(t, odd, 2)
	assert.Equal(t, 12, odd.PadLen())

	n, err := DesignNotch(50, 30, fs)
	require.NoError(t, err)
	assert.Equal(t, 9, n.PadLen())
}

func TestFiltFiltZeroPhase(t *testing.T) {
	const hz = 10.0
	c, err := Butterworth(4, 8, 30, fs)
	require.NoError(t, err)

	x := sine(hz, 1000)
	y, err := c.FiltFilt(x)
	require.NoError(t, err)
	require.Len(t, y, len(x))

	g := c.Response(hz, fs)
	causal := c.Filter(x, nil)
	var causalErr float64
	for i := 400; i < 600; i++ {
		assert.InDelta(t, g*g*x[i], y[i], 1e-3, "sample %d", i)
		causalErr = math.Max(causalErr, math.Abs(causal[i]-g*x[i]))
	}
	assert.Greater(t, causalErr, 0.1, "single-pass filtering should be visibly phase shifted")
}

func TestFiltFiltConstant(t *testing.T) {
	x := make([]float64, 200)
	for i := range x {
		x[i] = 3
	}

	lp, err := Butterworth(4, 0, 30, fs)
	require.NoError(t, err)
	y, err := lp.FiltFilt(x)
	require.NoError(t, err)
	for i, v := range y {
		assert.InDelta(t, 3, v, 1e-6, "lowpass sample %d", i)
	}

	bp, err := Butterworth(4, 8, 30, fs)
	require.NoError(t, err)
	y, err = bp.FiltFilt(x)
	require.NoError(t, err)
	for i, v := range y {
		assert.InDelta(t, 0, v, 1e-6, "bandpass sample %d", i)
	}
}

func TestFiltFiltTooShort(t *testing.T) {
	c, err := Butterworth(4, 8, 30, fs)
	require.NoError(t, err)
	_, err = c.FiltFilt(make([]float64, c.PadLen()))
	assert.True(t, errors.Is(err, ErrSignalTooShort))
	_, err = c.FiltFilt(make([]float64, c.PadLen()+1))
	assert.NoError(t, err)
}

func TestBankConfiguration(t *testing.T) {
	b, err := New(Config{
		SampleRate: fs,
		Notch:      &Notch{Hz: 50},
		Broadband:  &Band{LowHz: 1, HighHz: 100},
		Bands:      DefaultBands,
	})
	require.NoError(t, err)
	assert.True(t, b.Banded())
	assert.Equal(t, []string{"delta", "theta", "alpha", "beta", "gamma"}, b.BandNames())
	assert.Equal(t, 27, b.PadLen())
	assert.Equal(t, fs, b.SampleRate())

	_, err = New(Config{SampleRate: 160, Bands: DefaultBands})
	assert.True(t, errors.Is(err, ErrInvalidDesign), "gamma above nyquist: %v", err)

	_, err = New(Config{SampleRate: fs, Bands: []Band{{Name: "a", LowHz: 8, HighHz: 12}, {Name: "a", LowHz: 12, HighHz: 30}}})
	assert.True(t, errors.Is(err, ErrInvalidDesign))

	_, err = New(Config{SampleRate: fs, Bands: []Band{{LowHz: 8, HighHz: 12}}})
	assert.Error(t, err)
}

func TestConditionWithoutStagesCopies(t *testing.T) {
	b, err := New(Config{SampleRate: fs})
	require.NoError(t, err)
	x := [][]float64{{1, 2, 3}}
	y, err := b.Condition(x)
	require.NoError(t, err)
	assert.Equal(t, x, y)
	y[0][0] = 42
	assert.Equal(t, 1.0, x[0][0])

	bands, err := b.Decompose(x)
	require.NoError(t, err)
	assert.Len(t, bands, 1)
}

func bin(coeff []complex128, hz float64, n int) float64 {
	return cmplx.Abs(coeff[int(math.Round(hz*float64(n)/fs))])
}

func TestDecomposeSeparatesBands(t *testing.T) {
	const n = 1000
	b, err := New(Config{
		SampleRate: fs,
		Notch:      &Notch{Hz: 50},
		Bands: []Band{
			{Name: "alpha", LowHz: 8, HighHz: 12},
			{Name: "beta", LowHz: 12, HighHz: 30},
		},
	})
	require.NoError(t, err)

	alpha, beta, mains := sine(10, n), sine(20, n), sine(50, n)
	x := make([]float64, n)
	for i := range x {
		x[i] = alpha[i] + beta[i] + mains[i]
	}

	out, err := b.Decompose([][]float64{x, x})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Len(t, out[0], 2)
	require.Len(t, out[0][0], n)

	fft := fourier.NewFFT(n)
	a := fft.Coefficients(nil, out[0][1])
	be := fft.Coefficients(nil, out[1][1])

	assert.Greater(t, bin(a, 10, n), 5*bin(a, 20, n), "alpha band should keep 10 Hz over 20 Hz")
	assert.Greater(t, bin(be, 20, n), 5*bin(be, 10, n), "beta band should keep 20 Hz over 10 Hz")
	assert.Less(t, bin(be, 50, n), 0.05*bin(be, 20, n), "mains removed")
}
