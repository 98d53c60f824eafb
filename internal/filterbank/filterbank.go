// Package filterbank implements zero-phase IIR filtering of multichannel
// segments: an optional mains notch, an optional broadband pass-band and an
// optional set of named sub-bands decomposed from the conditioned signal.
//
// Filters are designed as Butterworth or notch second-order sections and
// applied forward and backward (FiltFilt) so band outputs stay time-aligned
// with the input.
package filterbank

import (
	"fmt"
)

// DefaultOrder is the Butterworth order used when none is configured.
const DefaultOrder = 4

// DefaultNotchQ is the notch quality factor used when none is configured.
const DefaultNotchQ = 30.0

// Notch configures a mains interference notch.
type Notch struct {
	Hz float64 `json:"hz" yaml:"hz"`
	Q  float64 `json:"q,omitempty" yaml:"q,omitempty"`
}

// Band is a named pass-band. A zero LowHz designs a lowpass and a zero
// HighHz a highpass.
type Band struct {
	Name   string  `json:"name" yaml:"name"`
	LowHz  float64 `json:"low_hz" yaml:"low_hz"`
	HighHz float64 `json:"high_hz" yaml:"high_hz"`
}

// DefaultBands are the classical EEG rhythm bands.
var DefaultBands = []Band{
	{Name: "delta", LowHz: 1, HighHz: 4},
	{Name: "theta", LowHz: 4, HighHz: 8},
	{Name: "alpha", LowHz: 8, HighHz: 12},
	{Name: "beta", LowHz: 12, HighHz: 30},
	{Name: "gamma", LowHz: 30, HighHz: 100},
}

// Config describes a filter bank.
type Config struct {
	SampleRate float64
	Order      int
	Notch      *Notch
	Broadband  *Band
	Bands      []Band
}

// Bank holds the designed filters. It is immutable after New and safe for
// concurrent use.
type Bank struct {
	sampleRate float64
	stages     []Cascade
	bands      []Cascade
	names      []string
	padLen     int
}

// New designs every stage in cfg.
func New(cfg Config) (*Bank, error) {
	order := cfg.Order
	if order == 0 {
		order = DefaultOrder
	}
	b := &Bank{sampleRate: cfg.SampleRate}

	if n := cfg.Notch; n != nil {
		q := n.Q
		if q == 0 {
			q = DefaultNotchQ
		}
		c, err := DesignNotch(n.Hz, q, cfg.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("notch: %w", err)
		}
		b.stages = append(b.stages, c)
	}
	if bb := cfg.Broadband; bb != nil {
		c, err := Butterworth(order, bb.LowHz, bb.HighHz, cfg.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("broadband: %w", err)
		}
		b.stages = append(b.stages, c)
	}

	seen := make(map[string]bool, len(cfg.Bands))
	for _, band := range cfg.Bands {
		if band.Name == "" {
			return nil, fmt.Errorf("%w: unnamed band %g-%g Hz", ErrInvalidDesign, band.LowHz, band.HighHz)
		}
		if seen[band.Name] {
			return nil, fmt.Errorf("%w: duplicate band %q", ErrInvalidDesign, band.Name)
		}
		seen[band.Name] = true
		c, err := Butterworth(order, band.LowHz, band.HighHz, cfg.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("band %s: %w", band.Name, err)
		}
		b.bands = append(b.bands, c)
		b.names = append(b.names, band.Name)
	}

	for _, c := range append(append([]Cascade(nil), b.stages...), b.bands...) {
		b.padLen = max(b.padLen, c.PadLen())
	}
	return b, nil
}

// BandNames returns the sub-band names in declaration order.
func (b *Bank) BandNames() []string { return append([]string(nil), b.names...) }

// Banded reports whether the bank decomposes into sub-bands.
func (b *Bank) Banded() bool { return len(b.bands) > 0 }

// PadLen returns the largest edge padding of any stage. Segments must be
// longer than this.
func (b *Bank) PadLen() int { return b.padLen }

// SampleRate returns the rate the bank was designed for.
func (b *Bank) SampleRate() float64 { return b.sampleRate }

func applyRows(c Cascade, x [][]float64) ([][]float64, error) {
	out := make([][]float64, len(x))
	for ch, row := range x {
		y, err := c.FiltFilt(row)
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", ch, err)
		}
		out[ch] = y
	}
	return out, nil
}

// Condition applies the notch and broadband stages to a channels × samples
// matrix and returns a new matrix. With no stages configured it returns a
// copy of x.
func (b *Bank) Condition(x [][]float64) ([][]float64, error) {
	out := make([][]float64, len(x))
	for i, row := range x {
		out[i] = append([]float64(nil), row...)
	}
	for _, c := range b.stages {
		var err error
		if out, err = applyRows(c, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Decompose conditions x once and filters it into every sub-band, returning
// a bands × channels × samples tensor in declaration order. Without bands it
// returns the conditioned signal as a single band.
func (b *Bank) Decompose(x [][]float64) ([][][]float64, error) {
	cond, err := b.Condition(x)
	if err != nil {
		return nil, err
	}
	if len(b.bands) == 0 {
		return [][][]float64{cond}, nil
	}
	out := make([][][]float64, len(b.bands))
	for i, c := range b.bands {
		if out[i], err = applyRows(c, cond); err != nil {
			return nil, fmt.Errorf("band %s: %w", b.names[i], err)
		}
	}
	return out, nil
}
