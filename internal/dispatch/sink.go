package dispatch

import (
	"fmt"
	"time"

	"github.com/banshee-data/mindlink/internal/stream"
)

// Publication is one classified window as handed to every sink.
type Publication struct {
	Pipeline      string             `json:"pipeline"`
	RunID         string             `json:"run_id"`
	Window        uint64             `json:"window"`
	Label         string             `json:"label"`
	Probabilities map[string]float64 `json:"probabilities"`
	// EndSample is the total number of samples consumed when the window
	// completed.
	EndSample int64     `json:"end_sample"`
	Time      time.Time `json:"time"`
}

// Sink receives one Publication per completed window. Sinks are called from
// the dispatch loop and must not block for long.
type Sink interface {
	Publish(p Publication) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(p Publication) error

func (f SinkFunc) Publish(p Publication) error { return f(p) }

// NamedSink attaches the name used in logs and metrics.
type NamedSink struct {
	Name string
	Sink Sink
}

// SinkError is a single sink failure reported by Fanout.Publish.
type SinkError struct {
	Name string
	Err  error
}

func (e SinkError) Error() string { return fmt.Sprintf("sink %s: %v", e.Name, e.Err) }
func (e SinkError) Unwrap() error { return e.Err }

// Fanout publishes to every sink in order. A failing sink does not stop the
// remaining ones.
type Fanout []NamedSink

// Publish returns one SinkError per failed sink.
func (f Fanout) Publish(p Publication) []SinkError {
	var errs []SinkError
	for _, s := range f {
		if err := s.Sink.Publish(p); err != nil {
			errs = append(errs, SinkError{Name: s.Name, Err: err})
		}
	}
	return errs
}

// OutletSink pushes the bare label onto a marker stream outlet.
type OutletSink struct {
	Outlet stream.Outlet
}

func (o OutletSink) Publish(p Publication) error {
	return o.Outlet.PushLabel(p.Label)
}
