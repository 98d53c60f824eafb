// Package sample defines the channels-first sample block shared by the
// acquisition, windowing and filtering stages.
package sample

import "fmt"

// Chunk is a rectangular block of samples laid out channels-first:
// Chunk[c][t] is sample t of channel c. A chunk with no samples is valid and
// means "no data yet".
type Chunk [][]float64

// Channels returns the number of channel rows.
func (c Chunk) Channels() int { return len(c) }

// Len returns the number of samples per channel.
func (c Chunk) Len() int {
	if len(c) == 0 {
		return 0
	}
	return len(c[0])
}

// Empty reports whether the chunk carries no samples.
func (c Chunk) Empty() bool { return c.Len() == 0 }

// Validate checks that every channel row has the same length.
func (c Chunk) Validate() error {
	n := c.Len()
	for i, row := range c {
		if len(row) != n {
			return fmt.Errorf("ragged chunk: channel %d has %d samples, channel 0 has %d", i, len(row), n)
		}
	}
	return nil
}

// Slice returns the columns [from, to) of every channel. The returned chunk
// shares storage with c.
func (c Chunk) Slice(from, to int) Chunk {
	out := make(Chunk, len(c))
	for i, row := range c {
		out[i] = row[from:to]
	}
	return out
}

// Clone returns a deep copy of c.
func (c Chunk) Clone() Chunk {
	out := make(Chunk, len(c))
	for i, row := range c {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

// FromRows builds a channels-first chunk from sample-major rows as delivered
// by most acquisition transports (rows[t][c]). All rows must have exactly
// channels values.
func FromRows(rows [][]float64, channels int) (Chunk, error) {
	out := make(Chunk, channels)
	for c := range out {
		out[c] = make([]float64, len(rows))
	}
	for t, row := range rows {
		if len(row) != channels {
			return nil, fmt.Errorf("sample %d has %d values, expected %d", t, len(row), channels)
		}
		for c, v := range row {
			out[c][t] = v
		}
	}
	return out, nil
}

// FromRows32 is FromRows for single-precision transports.
func FromRows32(rows [][]float32, channels int) (Chunk, error) {
	out := make(Chunk, channels)
	for c := range out {
		out[c] = make([]float64, len(rows))
	}
	for t, row := range rows {
		if len(row) != channels {
			return nil, fmt.Errorf("sample %d has %d values, expected %d", t, len(row), channels)
		}
		for c, v := range row {
			out[c][t] = float64(v)
		}
	}
	return out, nil
}

// Concat appends b after a along the time axis. Channel counts must match
// unless one side is empty.
func Concat(a, b Chunk) (Chunk, error) {
	if a.Empty() {
		return b, nil
	}
	if b.Empty() {
		return a, nil
	}
	if a.Channels() != b.Channels() {
		return nil, fmt.Errorf("channel count mismatch: %d vs %d", a.Channels(), b.Channels())
	}
	out := make(Chunk, a.Channels())
	for i := range out {
		row := make([]float64, 0, len(a[i])+len(b[i]))
		row = append(row, a[i]...)
		out[i] = append(row, b[i]...)
	}
	return out, nil
}
