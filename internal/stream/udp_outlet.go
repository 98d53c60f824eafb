package stream

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/mindlink/internal/sample"
)

// UDPSender writes packets for one stream to a destination address. It is
// the producer half of the UDP transport, used by the label outlet and the
// synthetic stream generator.
type UDPSender struct {
	conn net.Conn
	info Info

	mu  sync.Mutex
	seq uint64
}

// NewUDPSender dials addr for the stream described by info. An empty
// SourceID is replaced by a random one.
func NewUDPSender(addr string, info Info) (*UDPSender, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if info.SourceID == "" {
		info.SourceID = uuid.NewString()
	}
	return &UDPSender{conn: conn, info: info}, nil
}

// Info returns the stream description.
func (s *UDPSender) Info() Info { return s.info }

func (s *UDPSender) send(p *Packet) error {
	p.SourceID = s.info.SourceID
	p.Timestamp = time.Now().UnixNano()
	b, err := Encode(p)
	if err != nil {
		return err
	}
	_, err = s.conn.Write(b)
	return err
}

// Announce advertises the stream.
func (s *UDPSender) Announce() error {
	return s.send(&Packet{
		Kind:         KindAnnounce,
		Name:         s.info.Name,
		Type:         s.info.Type,
		SampleRate:   s.info.SampleRate,
		ChannelCount: s.info.ChannelCount,
		Channels:     s.info.Channels,
	})
}

// SendChunk transmits c, splitting it so every datagram fits.
func (s *UDPSender) SendChunk(c sample.Chunk) error {
	if c.Channels() != s.info.ChannelCount {
		return fmt.Errorf("chunk has %d channels, stream has %d", c.Channels(), s.info.ChannelCount)
	}
	// five bytes per msgpack float32 plus array headers
	perDatagram := max(1, (MaxDatagramSize-1024)/(5*s.info.ChannelCount+3))

	s.mu.Lock()
	defer s.mu.Unlock()
	for from := 0; from < c.Len(); from += perDatagram {
		to := min(from+perDatagram, c.Len())
		p := &Packet{Kind: KindChunk, Seq: s.seq, Rows: RowsFromChunk(c.Slice(from, to))}
		if err := s.send(p); err != nil {
			return err
		}
		s.seq++
	}
	return nil
}

// SendMarker transmits one marker string.
func (s *UDPSender) SendMarker(m string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &Packet{Kind: KindMarker, Name: s.info.Name, Type: s.info.Type, Seq: s.seq, Marker: m}
	if err := s.send(p); err != nil {
		return err
	}
	s.seq++
	return nil
}

// Close releases the socket.
func (s *UDPSender) Close() error { return s.conn.Close() }

// UDPOutlet publishes labels as marker datagrams on a Markers stream.
type UDPOutlet struct {
	sender *UDPSender
}

// NewUDPOutlet creates the label stream once and announces it.
func NewUDPOutlet(addr, name string) (*UDPOutlet, error) {
	if name == "" {
		name = DefaultOutletName
	}
	s, err := NewUDPSender(addr, Info{Name: name, Type: TypeMarkers, ChannelCount: 1})
	if err != nil {
		return nil, err
	}
	if err := s.Announce(); err != nil {
		s.Close()
		return nil, fmt.Errorf("announce outlet %s: %w", name, err)
	}
	return &UDPOutlet{sender: s}, nil
}

// Info returns the outlet's stream description.
func (o *UDPOutlet) Info() Info { return o.sender.Info() }

// PushLabel sends one label. There is no acknowledgement.
func (o *UDPOutlet) PushLabel(label string) error { return o.sender.SendMarker(label) }

// Close releases the socket.
func (o *UDPOutlet) Close() error { return o.sender.Close() }
