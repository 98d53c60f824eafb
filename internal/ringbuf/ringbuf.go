// Package ringbuf implements the fixed-capacity multichannel window buffer
// that accumulates channel-selected samples until an analysis window is full.
//
// The buffer holds, in its first Ptr() columns, the most recent Ptr() samples
// of every channel in chronological order. Appends advance the cursor; Roll
// discards the oldest step samples after a window has been consumed.
package ringbuf

import (
	"errors"
	"fmt"

	"github.com/banshee-data/mindlink/internal/sample"
)

var (
	// ErrNotReady is returned by Roll when the window is not full.
	ErrNotReady = errors.New("window not ready")
	// ErrInvalidStep is returned by Roll for steps outside (0, window length].
	ErrInvalidStep = errors.New("invalid step length")
)

// Buffer is a channels × windowLength sample store with a write cursor.
// It is not safe for concurrent use; the dispatcher is its single writer.
type Buffer struct {
	data   [][]float64
	length int
	ptr    int
}

// New allocates a zeroed buffer.
func New(channels, windowLength int) (*Buffer, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("channels must be positive, got %d", channels)
	}
	if windowLength <= 0 {
		return nil, fmt.Errorf("window length must be positive, got %d", windowLength)
	}
	data := make([][]float64, channels)
	for i := range data {
		data[i] = make([]float64, windowLength)
	}
	return &Buffer{data: data, length: windowLength}, nil
}

// Channels returns the channel count.
func (b *Buffer) Channels() int { return len(b.data) }

// Length returns the window length in samples.
func (b *Buffer) Length() int { return b.length }

// Ptr returns the number of valid samples currently held.
func (b *Buffer) Ptr() int { return b.ptr }

// Ready reports whether a full window is available.
func (b *Buffer) Ready() bool { return b.ptr == b.length }

// Append copies as many samples from c as fit into the free space and returns
// the part of c that was not consumed. The remainder must be passed to the
// next Append call after the window has been handled and rolled. Empty chunks
// leave the buffer untouched.
func (b *Buffer) Append(c sample.Chunk) (sample.Chunk, error) {
	n := c.Len()
	if n == 0 {
		return c, nil
	}
	if c.Channels() != len(b.data) {
		return c, fmt.Errorf("chunk has %d channels, buffer has %d", c.Channels(), len(b.data))
	}

	take := b.length - b.ptr
	if n < take {
		take = n
	}
	if take == 0 {
		return c, nil
	}
	for i, row := range b.data {
		copy(row[b.ptr:b.ptr+take], c[i][:take])
	}
	b.ptr += take
	return c.Slice(take, n), nil
}

// Roll discards the oldest step samples of a full window, shifting the rest
// to the front, and leaves the cursor at Length()-step. step == Length()
// yields a tumbling window with the cursor back at zero.
func (b *Buffer) Roll(step int) error {
	if step <= 0 || step > b.length {
		return fmt.Errorf("%w: %d (window length %d)", ErrInvalidStep, step, b.length)
	}
	if !b.Ready() {
		return fmt.Errorf("%w: %d/%d samples", ErrNotReady, b.ptr, b.length)
	}
	keep := b.length - step
	for _, row := range b.data {
		copy(row, row[step:])
		clear(row[keep:])
	}
	b.ptr = keep
	return nil
}

// Window returns the buffer rows. The rows alias internal storage and are
// only meaningful while Ready() is true and until the next Append or Roll.
func (b *Buffer) Window() [][]float64 {
	return b.data
}

// Snapshot returns a copy of the valid region (first Ptr() columns).
func (b *Buffer) Snapshot() sample.Chunk {
	out := make(sample.Chunk, len(b.data))
	for i, row := range b.data {
		out[i] = append([]float64(nil), row[:b.ptr]...)
	}
	return out
}

// Reset empties the buffer.
func (b *Buffer) Reset() {
	for _, row := range b.data {
		clear(row)
	}
	b.ptr = 0
}
