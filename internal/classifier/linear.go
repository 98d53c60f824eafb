package classifier

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/mindlink/internal/preprocess"
)

// featureEpsilon keeps the log-variance finite for flat channels.
const featureEpsilon = 1e-12

// maxModelSize caps model files read from disk.
const maxModelSize = 16 << 20

// LinearModel is the on-disk form of a Linear classifier: one weight row per
// class over log-variance features ordered band-major then channel.
type LinearModel struct {
	Classes      []string    `json:"classes"`
	Bands        []string    `json:"bands,omitempty"`
	Channels     int         `json:"channels"`
	WindowLength int         `json:"window_length"`
	Weights      [][]float64 `json:"weights"`
	Bias         []float64   `json:"bias"`
}

// Linear is a softmax-regression classifier over per-band, per-channel
// log-variance features.
type Linear struct {
	classes []string
	bands   []string
	shape   preprocess.Shape
	w       *mat.Dense
	b       *mat.VecDense
}

// NewLinear validates m and builds the classifier.
func NewLinear(m LinearModel) (*Linear, error) {
	if len(m.Classes) == 0 {
		return nil, fmt.Errorf("linear model: no classes")
	}
	if m.Channels <= 0 || m.WindowLength <= 0 {
		return nil, fmt.Errorf("linear model: invalid input %d channels x %d samples", m.Channels, m.WindowLength)
	}
	bands := max(len(m.Bands), 1)
	features := bands * m.Channels
	if len(m.Weights) != len(m.Classes) {
		return nil, fmt.Errorf("linear model: %d weight rows for %d classes", len(m.Weights), len(m.Classes))
	}
	if len(m.Bias) != len(m.Classes) {
		return nil, fmt.Errorf("linear model: %d biases for %d classes", len(m.Bias), len(m.Classes))
	}
	w := mat.NewDense(len(m.Classes), features, nil)
	for i, row := range m.Weights {
		if len(row) != features {
			return nil, fmt.Errorf("linear model: class %s has %d weights, want %d", m.Classes[i], len(row), features)
		}
		w.SetRow(i, row)
	}
	return &Linear{
		classes: slices.Clone(m.Classes),
		bands:   slices.Clone(m.Bands),
		shape:   preprocess.Shape{Bands: len(m.Bands), Channels: m.Channels, Samples: m.WindowLength},
		w:       w,
		b:       mat.NewVecDense(len(m.Bias), slices.Clone(m.Bias)),
	}, nil
}

// LoadLinear reads a JSON model file.
func LoadLinear(path string) (*Linear, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat model file: %w", err)
	}
	if info.Size() > maxModelSize {
		return nil, fmt.Errorf("model file too large: %d bytes (max %d)", info.Size(), maxModelSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model file: %w", err)
	}
	var m LinearModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse model file %s: %w", path, err)
	}
	return NewLinear(m)
}

// InputShape returns the segment shape the model was trained on.
func (l *Linear) InputShape() preprocess.Shape { return l.shape }

// Classes returns the model's class names in output order.
func (l *Linear) Classes() []string { return slices.Clone(l.classes) }

// Classify computes softmax(W·f + b).
func (l *Linear) Classify(seg *preprocess.Segment) (Result, error) {
	if got := seg.Shape(); got != l.shape {
		return Result{}, fmt.Errorf("%w: got %s, want %s", preprocess.ErrShape, got, l.shape)
	}
	if len(l.bands) > 0 && !slices.Equal(seg.Bands, l.bands) {
		return Result{}, fmt.Errorf("%w: bands %v, want %v", preprocess.ErrShape, seg.Bands, l.bands)
	}

	f := mat.NewVecDense(l.w.RawMatrix().Cols, nil)
	i := 0
	for _, m := range seg.Data {
		rows, _ := m.Dims()
		for ch := 0; ch < rows; ch++ {
			_, v := stat.PopMeanVariance(m.RawRowView(ch), nil)
			f.SetVec(i, math.Log(v+featureEpsilon))
			i++
		}
	}

	var logits mat.VecDense
	logits.MulVec(l.w, f)
	logits.AddVec(&logits, l.b)

	p := softmax(logits.RawVector().Data)
	best := floats.MaxIdx(p)
	r := Result{Label: l.classes[best], Probabilities: make(map[string]float64, len(p))}
	for k, c := range l.classes {
		r.Probabilities[c] = p[k]
	}
	return r, nil
}

func softmax(logits []float64) []float64 {
	out := slices.Clone(logits)
	floats.AddConst(-floats.Max(out), out)
	for i, v := range out {
		out[i] = math.Exp(v)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}
