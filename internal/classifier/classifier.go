// Package classifier defines the capability that maps a preprocessed segment
// to a label and class probabilities, plus the built-in backends.
package classifier

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/banshee-data/mindlink/internal/preprocess"
)

// probabilityTolerance bounds the rounding error accepted when checking
// that probabilities sum to one.
const probabilityTolerance = 1e-6

// ErrInvalidResult is returned by Result.Validate.
var ErrInvalidResult = errors.New("invalid classification result")

// Result is the outcome of one classification.
type Result struct {
	Label         string             `json:"label"`
	Probabilities map[string]float64 `json:"probabilities,omitempty"`
}

// Validate checks the label is set and, when probabilities are present,
// that each lies in [0,1], they sum to one and the label is among them.
func (r Result) Validate() error {
	if r.Label == "" {
		return fmt.Errorf("%w: empty label", ErrInvalidResult)
	}
	if len(r.Probabilities) == 0 {
		return nil
	}
	var sum float64
	for class, p := range r.Probabilities {
		if math.IsNaN(p) || p < 0 || p > 1 {
			return fmt.Errorf("%w: p(%s)=%g", ErrInvalidResult, class, p)
		}
		sum += p
	}
	if math.Abs(sum-1) > probabilityTolerance {
		return fmt.Errorf("%w: probabilities sum to %g", ErrInvalidResult, sum)
	}
	if _, ok := r.Probabilities[r.Label]; !ok {
		return fmt.Errorf("%w: label %q has no probability", ErrInvalidResult, r.Label)
	}
	return nil
}

// Classes returns the probability keys sorted by name.
func (r Result) Classes() []string {
	out := make([]string, 0, len(r.Probabilities))
	for c := range r.Probabilities {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Classifier maps a segment to a result. Implementations are loaded once
// and invoked once per completed window; they need not be safe for
// concurrent use.
type Classifier interface {
	Classify(seg *preprocess.Segment) (Result, error)
}

// Shaped is implemented by classifiers with a fixed input shape.
type Shaped interface {
	InputShape() preprocess.Shape
}

// ValidateShape checks that c accepts segments of shape s. Classifiers
// without a declared shape accept any segment.
func ValidateShape(c Classifier, s preprocess.Shape) error {
	sh, ok := c.(Shaped)
	if !ok {
		return nil
	}
	if want := sh.InputShape(); want != s {
		return fmt.Errorf("%w: classifier expects %s, preprocessor produces %s", preprocess.ErrShape, want, s)
	}
	return nil
}

// Func adapts a function to Classifier.
type Func func(seg *preprocess.Segment) (Result, error)

// Classify calls f.
func (f Func) Classify(seg *preprocess.Segment) (Result, error) { return f(seg) }

// Constant always returns the same label. When Classes is set the label
// gets probability one and every other class zero.
type Constant struct {
	Label   string
	Classes []string
}

// Classify returns the fixed label.
func (c Constant) Classify(*preprocess.Segment) (Result, error) {
	r := Result{Label: c.Label, Probabilities: map[string]float64{c.Label: 1}}
	for _, class := range c.Classes {
		if class != c.Label {
			r.Probabilities[class] = 0
		}
	}
	return r, nil
}
