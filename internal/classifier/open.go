package classifier

import (
	"fmt"
	"slices"
)

// Backend names accepted by Open.
const (
	BackendConstant = "constant"
	BackendLinear   = "linear"
)

// Options select and parameterise a built-in backend.
type Options struct {
	Backend string
	// Label is the fixed output of the constant backend.
	Label string
	// Model is the path of a linear model file.
	Model string
	// Classes, when set, must match the backend's class list.
	Classes []string
}

// Open loads the backend named by s.
func Open(s Options) (Classifier, error) {
	switch s.Backend {
	case BackendConstant, "":
		label := s.Label
		if label == "" && len(s.Classes) > 0 {
			label = s.Classes[0]
		}
		if label == "" {
			return nil, fmt.Errorf("constant classifier needs a label or class list")
		}
		if len(s.Classes) > 0 && !slices.Contains(s.Classes, label) {
			return nil, fmt.Errorf("constant label %q not in classes %v", label, s.Classes)
		}
		return Constant{Label: label, Classes: slices.Clone(s.Classes)}, nil
	case BackendLinear:
		l, err := LoadLinear(s.Model)
		if err != nil {
			return nil, err
		}
		if len(s.Classes) > 0 && !slices.Equal(s.Classes, l.Classes()) {
			return nil, fmt.Errorf("model classes %v do not match configured classes %v", l.Classes(), s.Classes)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unknown classifier backend %q", s.Backend)
	}
}
