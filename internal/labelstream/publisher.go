// Package labelstream serves published labels to remote subscribers over a
// server-streaming gRPC method.
package labelstream

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/banshee-data/mindlink/internal/dispatch"
)

// ErrQueueFull is returned by Publish when the broadcast queue is saturated.
var ErrQueueFull = errors.New("label queue full")

// Config holds configuration for the label gRPC server.
type Config struct {
	// ListenAddr is the TCP address to listen on (e.g. "localhost:50061").
	ListenAddr string
	// MaxClients bounds concurrent subscribers. Zero means unlimited.
	MaxClients int
	// ClientBuffer is the per-subscriber queue length.
	ClientBuffer int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   "localhost:50061",
		MaxClients:   8,
		ClientBuffer: 64,
	}
}

// Publisher owns the gRPC server and fans publications out to subscribers.
type Publisher struct {
	config   Config
	server   *grpc.Server
	listener net.Listener

	labelCh   chan dispatch.Publication
	clients   map[string]*client
	clientsMu sync.RWMutex

	published   atomic.Uint64
	dropped     atomic.Uint64
	clientCount atomic.Int32

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type client struct {
	id       string
	pipeline string
	ch       chan dispatch.Publication
}

// NewPublisher creates a Publisher. Call Start or Serve to accept clients.
func NewPublisher(cfg Config) *Publisher {
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = DefaultConfig().ClientBuffer
	}
	p := &Publisher{
		config:  cfg,
		labelCh: make(chan dispatch.Publication, 256),
		clients: make(map[string]*client),
		stopCh:  make(chan struct{}),
	}
	p.server = grpc.NewServer()
	RegisterLabelStreamServer(p.server, &server{publisher: p})
	return p
}

// Start binds ListenAddr and serves in the background.
func (p *Publisher) Start() error {
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return p.Serve(lis)
}

// Serve accepts clients on lis in the background.
func (p *Publisher) Serve(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("publisher already running")
	}
	p.listener = lis

	p.wg.Add(2)
	go p.broadcastLoop()
	go func() {
		defer p.wg.Done()
		log.Printf("[labelstream] gRPC server listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			log.Printf("[labelstream] gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (p *Publisher) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop closes every subscriber stream and shuts the server down.
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	p.server.Stop()
	p.wg.Wait()
	log.Printf("[labelstream] gRPC server stopped")
}

// Publish queues p for every subscriber. It never blocks.
func (p *Publisher) Publish(pub dispatch.Publication) error {
	if !p.running.Load() {
		return nil
	}
	select {
	case p.labelCh <- pub:
		p.published.Add(1)
		return nil
	default:
		p.dropped.Add(1)
		return ErrQueueFull
	}
}

func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case pub := <-p.labelCh:
			p.clientsMu.RLock()
			for _, c := range p.clients {
				if c.pipeline != "" && c.pipeline != pub.Pipeline {
					continue
				}
				select {
				case c.ch <- pub:
				default:
					// slow subscriber
					p.dropped.Add(1)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

func (p *Publisher) addClient(pipeline string) (*client, error) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if p.config.MaxClients > 0 && len(p.clients) >= p.config.MaxClients {
		return nil, fmt.Errorf("subscriber limit %d reached", p.config.MaxClients)
	}
	c := &client{
		id:       uuid.NewString(),
		pipeline: pipeline,
		ch:       make(chan dispatch.Publication, p.config.ClientBuffer),
	}
	p.clients[c.id] = c
	n := p.clientCount.Add(1)
	log.Printf("[labelstream] client connected: %s pipeline=%q (total: %d)", c.id, pipeline, n)
	return c, nil
}

func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	_, ok := p.clients[id]
	delete(p.clients, id)
	p.clientsMu.Unlock()
	if ok {
		n := p.clientCount.Add(-1)
		log.Printf("[labelstream] client disconnected: %s (remaining: %d)", id, n)
	}
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Clients:   p.clientCount.Load(),
		Running:   p.running.Load(),
	}
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Clients   int32  `json:"clients"`
	Running   bool   `json:"running"`
}
