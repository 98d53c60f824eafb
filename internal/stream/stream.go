// Package stream defines the acquisition and publication capabilities the
// dispatcher depends on, and the transports that implement them: a UDP
// datagram protocol, CSV fixture replay, packet-capture replay and mocks.
//
// A Source discovers named streams and opens inlets on them. An Inlet
// delivers channels-first sample chunks through a non-blocking Pull. An
// Outlet publishes one string label per call.
package stream

import (
	"context"
	"errors"

	"github.com/banshee-data/mindlink/internal/sample"
)

var (
	// ErrSourceUnavailable is returned by Resolve when no stream with the
	// requested name is currently visible. Callers poll.
	ErrSourceUnavailable = errors.New("stream source unavailable")
	// ErrClosed is returned by operations on a closed inlet, outlet or source.
	ErrClosed = errors.New("stream closed")
)

// Stream types carried in Info.Type.
const (
	TypeEEG     = "EEG"
	TypeMarkers = "Markers"
)

// DefaultOutletName is the name of the label marker stream.
const DefaultOutletName = "MI_Pred"

// Info describes a discoverable stream.
type Info struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	SourceID string `json:"source_id"`
	// SampleRate is the nominal rate in Hz; zero for irregular streams.
	SampleRate float64 `json:"sample_rate"`
	// ChannelCount is the number of channels per sample.
	ChannelCount int `json:"channel_count"`
	// Channels are the channel labels in stream order. Empty when the
	// producer does not report labels.
	Channels []string `json:"channels,omitempty"`
}

// Source discovers and opens streams.
type Source interface {
	// Resolve returns every visible stream called name, or
	// ErrSourceUnavailable when there is none. It does not block waiting
	// for streams to appear.
	Resolve(ctx context.Context, name string) ([]Info, error)
	// Open connects to a resolved stream.
	Open(ctx context.Context, info Info) (Inlet, error)
}

// Lister is implemented by sources that can enumerate every visible stream.
type Lister interface {
	List() []Info
}

// Inlet delivers samples from one stream.
type Inlet interface {
	// Info returns the stream description captured at connect time.
	Info() Info
	// Pull returns every sample received since the last call without
	// blocking. An empty chunk means no data yet and is not an error.
	Pull() (sample.Chunk, error)
	Close() error
}

// Outlet publishes labels.
type Outlet interface {
	PushLabel(label string) error
	Close() error
}
