package stream

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/mindlink/internal/sample"
)

// MockSource is an in-memory Source for tests.
type MockSource struct {
	mu sync.Mutex
	// Streams become visible once ResolveCalls exceeds HiddenFor.
	Streams   []Info
	HiddenFor int
	// Inlets maps SourceID to the inlet returned by Open.
	Inlets       map[string]*MockInlet
	ResolveCalls int
	OpenError    error
}

// NewMockSource exposes one stream backed by inlet.
func NewMockSource(inlet *MockInlet) *MockSource {
	info := inlet.Info()
	return &MockSource{
		Streams: []Info{info},
		Inlets:  map[string]*MockInlet{info.SourceID: inlet},
	}
}

// Resolve implements Source.
func (m *MockSource) Resolve(ctx context.Context, name string) ([]Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ResolveCalls++
	if m.ResolveCalls <= m.HiddenFor {
		return nil, fmt.Errorf("%w: %q", ErrSourceUnavailable, name)
	}
	var out []Info
	for _, s := range m.Streams {
		if s.Name == name {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrSourceUnavailable, name)
	}
	return out, nil
}

// Open implements Source.
func (m *MockSource) Open(ctx context.Context, info Info) (Inlet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OpenError != nil {
		return nil, m.OpenError
	}
	in, ok := m.Inlets[info.SourceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSourceUnavailable, info.SourceID)
	}
	return in, nil
}

// List implements Lister.
func (m *MockSource) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Info(nil), m.Streams...)
}

// MockInlet returns queued chunks, one per Pull, then empty chunks. OnDrain
// runs once when the queue first becomes empty.
type MockInlet struct {
	mu      sync.Mutex
	info    Info
	chunks  []sample.Chunk
	pulls   int
	closed  bool
	OnDrain func()
	drained bool
}

// NewMockInlet returns an inlet for info delivering chunks in order.
func NewMockInlet(info Info, chunks ...sample.Chunk) *MockInlet {
	return &MockInlet{info: info, chunks: chunks}
}

// Push queues more chunks.
func (m *MockInlet) Push(chunks ...sample.Chunk) {
	m.mu.Lock()
	m.chunks = append(m.chunks, chunks...)
	m.drained = false
	m.mu.Unlock()
}

func (m *MockInlet) Info() Info { return m.info }

func (m *MockInlet) Pull() (sample.Chunk, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.pulls++
	if len(m.chunks) > 0 {
		c := m.chunks[0]
		m.chunks = m.chunks[1:]
		m.mu.Unlock()
		return c, nil
	}
	hook := m.OnDrain
	fire := hook != nil && !m.drained
	m.drained = true
	m.mu.Unlock()
	if fire {
		hook()
	}
	return nil, nil
}

// Pulls returns the number of Pull calls.
func (m *MockInlet) Pulls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pulls
}

func (m *MockInlet) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (m *MockInlet) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// MockOutlet records pushed labels.
type MockOutlet struct {
	mu     sync.Mutex
	labels []string
	Err    error
	closed bool
}

func (m *MockOutlet) PushLabel(label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.labels = append(m.labels, label)
	return nil
}

// Labels returns every pushed label in order.
func (m *MockOutlet) Labels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.labels...)
}

func (m *MockOutlet) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// MockUDPSocket replays queued datagrams and then reports read timeouts.
type MockUDPSocket struct {
	mu      sync.Mutex
	packets [][]byte
	closed  bool
	Addr    *net.UDPAddr
}

// NewMockUDPSocket returns a socket that will deliver packets in order.
func NewMockUDPSocket(packets ...[]byte) *MockUDPSocket {
	return &MockUDPSocket{
		packets: packets,
		Addr:    &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: DefaultPort},
	}
}

// Queue adds datagrams to be read.
func (m *MockUDPSocket) Queue(packets ...[]byte) {
	m.mu.Lock()
	m.packets = append(m.packets, packets...)
	m.mu.Unlock()
}

func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, nil, net.ErrClosed
	}
	if len(m.packets) == 0 {
		m.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
	}
	p := m.packets[0]
	m.packets = m.packets[1:]
	m.mu.Unlock()
	return copy(b, p), m.Addr, nil
}

func (m *MockUDPSocket) SetReadBuffer(int) error         { return nil }
func (m *MockUDPSocket) SetReadDeadline(time.Time) error { return nil }
func (m *MockUDPSocket) LocalAddr() net.Addr             { return m.Addr }

func (m *MockUDPSocket) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (m *MockUDPSocket) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// MockUDPSocketFactory hands out a fixed socket.
type MockUDPSocketFactory struct {
	Socket *MockUDPSocket
	Err    error
}

func (f *MockUDPSocketFactory) ListenUDP(string, *net.UDPAddr) (UDPSocket, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Socket, nil
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
