// Package preprocess turns a completed analysis window into the segment fed
// to the classifier: zero-phase filtering, optional band decomposition,
// baseline correction and optional per-channel standardisation.
package preprocess

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/mindlink/internal/filterbank"
)

// ZScoreEpsilon is added to the standard deviation when standardising.
const ZScoreEpsilon = 1e-6

// ErrShape is returned when a window or configuration does not match the
// segment shape.
var ErrShape = errors.New("segment shape mismatch")

// Shape is the dimensions of a segment. Bands is zero for the single-matrix
// (unbanded) layout.
type Shape struct {
	Bands    int `json:"bands"`
	Channels int `json:"channels"`
	Samples  int `json:"samples"`
}

func (s Shape) String() string {
	if s.Bands == 0 {
		return fmt.Sprintf("%dx%d", s.Channels, s.Samples)
	}
	return fmt.Sprintf("%dx%dx%d", s.Bands, s.Channels, s.Samples)
}

// Segment is one preprocessed window. Data holds one channels × samples
// matrix per band, in band order; unbanded segments hold exactly one matrix
// and no band names.
type Segment struct {
	Bands []string
	Data  []*mat.Dense
}

// Shape returns the segment dimensions.
func (s *Segment) Shape() Shape {
	if len(s.Data) == 0 {
		return Shape{}
	}
	r, c := s.Data[0].Dims()
	return Shape{Bands: len(s.Bands), Channels: r, Samples: c}
}

// Matrix returns the first (or only) band matrix.
func (s *Segment) Matrix() *mat.Dense {
	if len(s.Data) == 0 {
		return nil
	}
	return s.Data[0]
}

// Band returns the matrix for a named band, or nil.
func (s *Segment) Band(name string) *mat.Dense {
	for i, b := range s.Bands {
		if b == name {
			return s.Data[i]
		}
	}
	return nil
}

// Config describes a preprocessor.
type Config struct {
	Bank            *filterbank.Bank
	Channels        int
	WindowLength    int
	BaselineSeconds float64
	ZScore          bool
}

// Preprocessor is immutable after New and safe for concurrent use.
type Preprocessor struct {
	bank     *filterbank.Bank
	shape    Shape
	baseline int
	zscore   bool
}

// New validates cfg against the filter bank and returns a preprocessor.
func New(cfg Config) (*Preprocessor, error) {
	if cfg.Bank == nil {
		return nil, errors.New("preprocess: filter bank required")
	}
	if cfg.Channels <= 0 || cfg.WindowLength <= 0 {
		return nil, fmt.Errorf("%w: %d channels x %d samples", ErrShape, cfg.Channels, cfg.WindowLength)
	}
	if pad := cfg.Bank.PadLen(); cfg.WindowLength <= pad {
		return nil, fmt.Errorf("%w: window of %d samples must exceed filter padding of %d", ErrShape, cfg.WindowLength, pad)
	}
	if cfg.BaselineSeconds < 0 {
		return nil, fmt.Errorf("baseline %.3fs is negative", cfg.BaselineSeconds)
	}
	baseline := int(math.Round(cfg.BaselineSeconds * cfg.Bank.SampleRate()))
	if baseline > cfg.WindowLength {
		return nil, fmt.Errorf("%w: baseline of %d samples exceeds window of %d", ErrShape, baseline, cfg.WindowLength)
	}
	if cfg.BaselineSeconds > 0 && baseline == 0 {
		baseline = 1
	}

	bands := 0
	if cfg.Bank.Banded() {
		bands = len(cfg.Bank.BandNames())
	}
	return &Preprocessor{
		bank:     cfg.Bank,
		shape:    Shape{Bands: bands, Channels: cfg.Channels, Samples: cfg.WindowLength},
		baseline: baseline,
		zscore:   cfg.ZScore,
	}, nil
}

// Shape returns the shape of every segment this preprocessor produces.
func (p *Preprocessor) Shape() Shape { return p.shape }

// BaselineSamples returns the number of leading samples averaged for
// baseline correction (zero when disabled).
func (p *Preprocessor) BaselineSamples() int { return p.baseline }

// Process filters and normalises a channels × samples window. The window is
// not modified.
func (p *Preprocessor) Process(window [][]float64) (*Segment, error) {
	if len(window) != p.shape.Channels {
		return nil, fmt.Errorf("%w: window has %d channels, want %d", ErrShape, len(window), p.shape.Channels)
	}
	for ch, row := range window {
		if len(row) != p.shape.Samples {
			return nil, fmt.Errorf("%w: channel %d has %d samples, want %d", ErrShape, ch, len(row), p.shape.Samples)
		}
	}

	bands, err := p.bank.Decompose(window)
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}

	seg := &Segment{Data: make([]*mat.Dense, len(bands))}
	if p.shape.Bands > 0 {
		seg.Bands = p.bank.BandNames()
	}
	for b, rows := range bands {
		m := mat.NewDense(p.shape.Channels, p.shape.Samples, nil)
		for ch, row := range rows {
			p.normalise(row)
			m.SetRow(ch, row)
		}
		seg.Data[b] = m
	}
	return seg, nil
}

func (p *Preprocessor) normalise(row []float64) {
	if p.baseline > 0 {
		offset := stat.Mean(row[:p.baseline], nil)
		for i := range row {
			row[i] -= offset
		}
	}
	if p.zscore {
		mean, std := stat.PopMeanStdDev(row, nil)
		if math.IsNaN(std) {
			std = 0
		}
		for i := range row {
			row[i] = (row[i] - mean) / (std + ZScoreEpsilon)
		}
	}
}
