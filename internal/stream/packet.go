package stream

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/banshee-data/mindlink/internal/sample"
)

// Datagram kinds.
const (
	KindAnnounce = "announce"
	KindChunk    = "chunk"
	KindMarker   = "marker"
)

// MaxDatagramSize bounds encoded packets so they fit one UDP datagram.
const MaxDatagramSize = 65000

// Packet is the msgpack-encoded UDP datagram. Announcements describe a
// stream; chunk packets carry sample-major rows; marker packets carry one
// label string.
type Packet struct {
	Kind         string      `msgpack:"k"`
	SourceID     string      `msgpack:"id"`
	Name         string      `msgpack:"n,omitempty"`
	Type         string      `msgpack:"t,omitempty"`
	SampleRate   float64     `msgpack:"r,omitempty"`
	ChannelCount int         `msgpack:"c,omitempty"`
	Channels     []string    `msgpack:"l,omitempty"`
	Seq          uint64      `msgpack:"s"`
	Rows         [][]float32 `msgpack:"d,omitempty"`
	Marker       string      `msgpack:"m,omitempty"`
	Timestamp    int64       `msgpack:"ts,omitempty"`
}

// Info returns the stream description carried by an announcement.
func (p *Packet) Info() Info {
	return Info{
		Name:         p.Name,
		Type:         p.Type,
		SourceID:     p.SourceID,
		SampleRate:   p.SampleRate,
		ChannelCount: p.ChannelCount,
		Channels:     append([]string(nil), p.Channels...),
	}
}

// Chunk converts the rows of a chunk packet to channels-first layout.
func (p *Packet) Chunk(channels int) (sample.Chunk, error) {
	return sample.FromRows32(p.Rows, channels)
}

// Encode marshals p and checks it fits a datagram.
func Encode(p *Packet) ([]byte, error) {
	b, err := msgpack.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s packet: %w", p.Kind, err)
	}
	if len(b) > MaxDatagramSize {
		return nil, fmt.Errorf("encoded %s packet is %d bytes (max %d)", p.Kind, len(b), MaxDatagramSize)
	}
	return b, nil
}

// Decode unmarshals a datagram.
func Decode(b []byte) (*Packet, error) {
	var p Packet
	if err := msgpack.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode packet: %w", err)
	}
	switch p.Kind {
	case KindAnnounce, KindChunk, KindMarker:
	default:
		return nil, fmt.Errorf("decode packet: unknown kind %q", p.Kind)
	}
	if p.SourceID == "" {
		return nil, fmt.Errorf("decode packet: missing source id")
	}
	return &p, nil
}

// RowsFromChunk converts a channels-first chunk to sample-major float32 rows.
func RowsFromChunk(c sample.Chunk) [][]float32 {
	rows := make([][]float32, c.Len())
	for t := range rows {
		row := make([]float32, c.Channels())
		for ch := range row {
			row[ch] = float32(c[ch][t])
		}
		rows[t] = row
	}
	return rows
}
