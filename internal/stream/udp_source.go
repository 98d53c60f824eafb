package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/mindlink/internal/monitoring"
	"github.com/banshee-data/mindlink/internal/sample"
	"github.com/banshee-data/mindlink/internal/timeutil"
)

// DefaultPort is the UDP port streams are announced and sent on.
const DefaultPort = 16571

// Drop reasons reported through UDPSourceConfig.OnDrop.
const (
	DropGap       = "gap"
	DropDuplicate = "duplicate"
	DropMalformed = "malformed"
	DropOverflow  = "overflow"
)

// UDPSourceConfig configures a UDPSource.
type UDPSourceConfig struct {
	// Address to bind, e.g. ":16571".
	Address string
	// RcvBuf is the socket receive buffer in bytes; zero keeps the OS default.
	RcvBuf int
	// StaleAfter hides streams whose last datagram is older than this.
	StaleAfter time.Duration
	// MaxPendingSamples caps samples queued per inlet between pulls.
	MaxPendingSamples int
	Factory           UDPSocketFactory
	Clock             timeutil.Clock
	// OnDrop is called for every datagram (or run of datagrams) that is
	// lost or rejected.
	OnDrop func(sourceID, reason string, n int)
}

type directoryEntry struct {
	info Info
	seen time.Time
}

// UDPSource receives announcements and sample chunks over UDP. It keeps a
// directory of recently announced streams and one queue per open inlet.
type UDPSource struct {
	cfg   UDPSourceConfig
	sock  UDPSocket
	gaps  *timeutil.Throttle
	wg    sync.WaitGroup
	close context.CancelFunc

	mu      sync.Mutex
	streams map[string]*directoryEntry
	inlets  map[string]*udpInlet
}

// NewUDPSource applies defaults to cfg. Call Listen to bind, or feed
// datagrams directly with HandleDatagram.
func NewUDPSource(cfg UDPSourceConfig) *UDPSource {
	if cfg.Address == "" {
		cfg.Address = fmt.Sprintf(":%d", DefaultPort)
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 5 * time.Second
	}
	if cfg.MaxPendingSamples == 0 {
		cfg.MaxPendingSamples = 1 << 20
	}
	if cfg.Factory == nil {
		cfg.Factory = RealUDPSocketFactory{}
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &UDPSource{
		cfg:     cfg,
		gaps:    timeutil.NewThrottle(cfg.Clock, 5*time.Second),
		streams: make(map[string]*directoryEntry),
		inlets:  make(map[string]*udpInlet),
	}
}

// Listen binds the socket and starts the receive loop. The loop stops when
// ctx is cancelled or Close is called.
func (s *UDPSource) Listen(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	sock, err := s.cfg.Factory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	if s.cfg.RcvBuf > 0 {
		if err := sock.SetReadBuffer(s.cfg.RcvBuf); err != nil {
			monitoring.Logf("Warning: failed to set UDP receive buffer size to %d: %v", s.cfg.RcvBuf, err)
		}
	}
	s.sock = sock

	ctx, cancel := context.WithCancel(ctx)
	s.close = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer sock.Close()
		s.readLoop(ctx)
	}()
	monitoring.Logf("stream source listening on %s", sock.LocalAddr())
	return nil
}

// LocalAddr returns the bound address, or nil before Listen.
func (s *UDPSource) LocalAddr() net.Addr {
	if s.sock == nil {
		return nil
	}
	return s.sock.LocalAddr()
}

func (s *UDPSource) readLoop(ctx context.Context) {
	buf := make([]byte, MaxDatagramSize+1024)
	for {
		if ctx.Err() != nil {
			return
		}
		s.sock.SetReadDeadline(s.cfg.Clock.Now().Add(100 * time.Millisecond))
		n, addr, err := s.sock.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			monitoring.Logf("stream source read error: %v", err)
			continue
		}
		if err := s.HandleDatagram(buf[:n]); err != nil {
			monitoring.Logf("stream source: dropping datagram from %v: %v", addr, err)
		}
	}
}

func (s *UDPSource) drop(sourceID, reason string, n int) {
	if s.cfg.OnDrop != nil {
		s.cfg.OnDrop(sourceID, reason, n)
	}
}

// HandleDatagram processes one encoded packet. It is safe for concurrent
// use and is the entry point for replayed captures.
func (s *UDPSource) HandleDatagram(b []byte) error {
	p, err := Decode(b)
	if err != nil {
		s.drop("", DropMalformed, 1)
		return err
	}
	now := s.cfg.Clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	switch p.Kind {
	case KindAnnounce, KindMarker:
		if p.Kind == KindMarker && p.Name == "" {
			break
		}
		info := p.Info()
		if p.Kind == KindMarker {
			info.Type, info.ChannelCount = TypeMarkers, 1
		}
		s.streams[p.SourceID] = &directoryEntry{info: info, seen: now}
	case KindChunk:
		if e, ok := s.streams[p.SourceID]; ok {
			e.seen = now
		}
		in, ok := s.inlets[p.SourceID]
		if !ok {
			return nil
		}
		return in.deliver(s, p)
	}
	return nil
}

// List returns every stream seen within StaleAfter, ordered by name then
// source id.
func (s *UDPSource) List() []Info {
	now := s.cfg.Clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.streams))
	for _, e := range s.streams {
		if now.Sub(e.seen) <= s.cfg.StaleAfter {
			out = append(out, e.info)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].SourceID < out[j].SourceID
	})
	return out
}

// Resolve implements Source.
func (s *UDPSource) Resolve(ctx context.Context, name string) ([]Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Info
	for _, info := range s.List() {
		if info.Name == name {
			out = append(out, info)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no stream named %q", ErrSourceUnavailable, name)
	}
	return out, nil
}

// Open implements Source. Only one inlet per stream may be open.
func (s *UDPSource) Open(ctx context.Context, info Info) (Inlet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.streams[info.SourceID]
	if !ok {
		return nil, fmt.Errorf("%w: stream %s (%s) is gone", ErrSourceUnavailable, info.Name, info.SourceID)
	}
	if e.info.ChannelCount <= 0 {
		return nil, fmt.Errorf("stream %s announced %d channels", info.Name, e.info.ChannelCount)
	}
	if _, busy := s.inlets[info.SourceID]; busy {
		return nil, fmt.Errorf("stream %s (%s) already has an open inlet", info.Name, info.SourceID)
	}
	in := &udpInlet{src: s, info: e.info}
	s.inlets[info.SourceID] = in
	return in, nil
}

// Close stops the receive loop and waits for it.
func (s *UDPSource) Close() error {
	if s.close != nil {
		s.close()
	}
	s.wg.Wait()
	return nil
}

type udpInlet struct {
	src  *UDPSource
	info Info

	// guarded by src.mu
	pending []sample.Chunk
	queued  int
	nextSeq uint64
	started bool
	closed  bool
}

// deliver queues p. Called with src.mu held.
func (in *udpInlet) deliver(s *UDPSource, p *Packet) error {
	if in.started {
		switch {
		case p.Seq < in.nextSeq:
			s.drop(p.SourceID, DropDuplicate, 1)
			return nil
		case p.Seq > in.nextSeq:
			missed := int(p.Seq - in.nextSeq)
			s.drop(p.SourceID, DropGap, missed)
			if ok, suppressed := s.gaps.Allow(); ok {
				monitoring.Logf("stream %s: %d datagrams lost before seq %d (%d more gaps suppressed)", in.info.Name, missed, p.Seq, suppressed)
			}
		}
	}
	in.started = true
	in.nextSeq = p.Seq + 1

	c, err := p.Chunk(in.info.ChannelCount)
	if err != nil {
		s.drop(p.SourceID, DropMalformed, 1)
		return err
	}
	if c.Empty() {
		return nil
	}
	if in.queued+c.Len() > s.cfg.MaxPendingSamples {
		s.drop(p.SourceID, DropOverflow, 1)
		return nil
	}
	in.pending = append(in.pending, c)
	in.queued += c.Len()
	return nil
}

func (in *udpInlet) Info() Info { return in.info }

func (in *udpInlet) Pull() (sample.Chunk, error) {
	in.src.mu.Lock()
	defer in.src.mu.Unlock()
	if in.closed {
		return nil, ErrClosed
	}
	if in.queued == 0 {
		return nil, nil
	}
	out := make(sample.Chunk, in.info.ChannelCount)
	for ch := range out {
		out[ch] = make([]float64, 0, in.queued)
		for _, c := range in.pending {
			out[ch] = append(out[ch], c[ch]...)
		}
	}
	in.pending = in.pending[:0]
	in.queued = 0
	return out, nil
}

func (in *udpInlet) Close() error {
	in.src.mu.Lock()
	defer in.src.mu.Unlock()
	if in.closed {
		return nil
	}
	in.closed = true
	in.pending = nil
	delete(in.src.inlets, in.info.SourceID)
	return nil
}
