// Package channelmap translates between the channel order reported by a live
// source and the channel order a trained model expects.
package channelmap

import (
	"fmt"
	"strings"

	"github.com/banshee-data/mindlink/internal/sample"
)

// MappingError reports required channels that are absent from the source
// layout. It is always fatal: the pipeline must not start.
type MappingError struct {
	Missing []string
	Layout  []string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("channel mapping failed: missing channels [%s] (source reports %d channels)",
		strings.Join(e.Missing, ", "), len(e.Layout))
}

// Selector holds the fixed index mapping computed at connection time.
// Indices()[i] is the position of the i-th required channel in the source layout.
type Selector struct {
	required []string
	idx      []int
	width    int
}

// New computes the selector for the given source layout and required channel
// set. Every missing channel is reported in a single *MappingError.
func New(layout, required []string) (*Selector, error) {
	if len(required) == 0 {
		return nil, fmt.Errorf("required channel set is empty")
	}

	pos := make(map[string]int, len(layout))
	for i, name := range layout {
		// first occurrence wins on duplicate labels
		if _, ok := pos[name]; !ok {
			pos[name] = i
		}
	}

	idx := make([]int, len(required))
	var missing []string
	for i, name := range required {
		p, ok := pos[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		idx[i] = p
	}
	if len(missing) > 0 {
		return nil, &MappingError{Missing: missing, Layout: append([]string(nil), layout...)}
	}

	return &Selector{
		required: append([]string(nil), required...),
		idx:      idx,
		width:    len(layout),
	}, nil
}

// Positional builds a selector that takes the first len(required) channels of
// a source that did not report any labels.
func Positional(sourceChannels int, required []string) (*Selector, error) {
	if len(required) == 0 {
		return nil, fmt.Errorf("required channel set is empty")
	}
	if sourceChannels < len(required) {
		return nil, fmt.Errorf("source has %d channels, need at least %d for positional mapping",
			sourceChannels, len(required))
	}
	idx := make([]int, len(required))
	for i := range idx {
		idx[i] = i
	}
	return &Selector{
		required: append([]string(nil), required...),
		idx:      idx,
		width:    sourceChannels,
	}, nil
}

// Indices returns a copy of the index mapping.
func (s *Selector) Indices() []int {
	return append([]int(nil), s.idx...)
}

// Channels returns the required channel names in model order.
func (s *Selector) Channels() []string {
	return append([]string(nil), s.required...)
}

// SourceWidth is the channel count the source was mapped with.
func (s *Selector) SourceWidth() int { return s.width }

// Apply reorders and subsets the channel axis of a channels-first chunk. The
// returned rows alias the input rows; Apply never mutates its argument.
func (s *Selector) Apply(c sample.Chunk) (sample.Chunk, error) {
	if c.Channels() != s.width {
		return nil, fmt.Errorf("chunk has %d channels, source layout has %d", c.Channels(), s.width)
	}
	out := make(sample.Chunk, len(s.idx))
	for i, p := range s.idx {
		out[i] = c[p]
	}
	return out, nil
}
