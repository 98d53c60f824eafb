package serialmux

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"

	"tailscale.com/tsweb"

	"github.com/banshee-data/mindlink/internal/monitoring"
	"github.com/banshee-data/mindlink/internal/sample"
	"github.com/banshee-data/mindlink/internal/stream"
)

// BoardConfig describes a serial acquisition board.
type BoardConfig struct {
	// Name is the stream name the board is resolved by.
	Name    string
	Path    string
	Options PortOptions
	// SampleRate is the board's configured output rate.
	SampleRate float64
	// Channels are the channel labels in line order. When empty,
	// ChannelCount must be set and the stream reports no labels.
	Channels     []string
	ChannelCount int
	// StartCommands are written once after opening, e.g. "b" to start
	// streaming.
	StartCommands []string
	// StopCommands are written before closing.
	StopCommands      []string
	MaxPendingSamples int
	Open              PortOpener
	List              PortLister
}

// BoardSource exposes one serial board as a stream source.
type BoardSource struct {
	cfg  BoardConfig
	info stream.Info

	mu      sync.Mutex
	current *SerialMux[SerialPorter]
}

// NewBoardSource validates cfg.
func NewBoardSource(cfg BoardConfig) (*BoardSource, error) {
	if cfg.Path == "" {
		return nil, errors.New("serial board: port path required")
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("serial board: sample rate must be positive, got %g", cfg.SampleRate)
	}
	if len(cfg.Channels) > 0 {
		if cfg.ChannelCount != 0 && cfg.ChannelCount != len(cfg.Channels) {
			return nil, fmt.Errorf("serial board: %d labels for %d channels", len(cfg.Channels), cfg.ChannelCount)
		}
		cfg.ChannelCount = len(cfg.Channels)
	}
	if cfg.ChannelCount <= 0 {
		return nil, errors.New("serial board: channel count required")
	}
	if _, err := cfg.Options.Normalize(); err != nil {
		return nil, fmt.Errorf("serial board: %w", err)
	}
	if cfg.MaxPendingSamples == 0 {
		cfg.MaxPendingSamples = 1 << 20
	}
	if cfg.Open == nil {
		cfg.Open = OpenRealPort
	}
	if cfg.List == nil {
		cfg.List = ListRealPorts
	}
	return &BoardSource{
		cfg: cfg,
		info: stream.Info{
			Name:         cfg.Name,
			Type:         stream.TypeEEG,
			SourceID:     "serial:" + cfg.Path,
			SampleRate:   cfg.SampleRate,
			ChannelCount: cfg.ChannelCount,
			Channels:     slices.Clone(cfg.Channels),
		},
	}, nil
}

// List implements stream.Lister.
func (b *BoardSource) List() []stream.Info {
	ports, err := b.cfg.List()
	if err != nil || !slices.Contains(ports, b.cfg.Path) {
		return nil
	}
	return []stream.Info{b.info}
}

// Resolve reports the board when its port is present.
func (b *BoardSource) Resolve(ctx context.Context, name string) ([]stream.Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name != b.cfg.Name {
		return nil, fmt.Errorf("%w: no stream named %q", stream.ErrSourceUnavailable, name)
	}
	ports, err := b.cfg.List()
	if err != nil {
		return nil, fmt.Errorf("%w: listing serial ports: %v", stream.ErrSourceUnavailable, err)
	}
	if !slices.Contains(ports, b.cfg.Path) {
		return nil, fmt.Errorf("%w: serial port %s not present", stream.ErrSourceUnavailable, b.cfg.Path)
	}
	return []stream.Info{b.info}, nil
}

// Open opens the port, sends the start commands and begins parsing lines.
func (b *BoardSource) Open(ctx context.Context, info stream.Info) (stream.Inlet, error) {
	if info.SourceID != b.info.SourceID {
		return nil, fmt.Errorf("%w: %s", stream.ErrSourceUnavailable, info.SourceID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != nil {
		return nil, fmt.Errorf("serial port %s already open", b.cfg.Path)
	}

	port, err := b.cfg.Open(b.cfg.Path, b.cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", stream.ErrSourceUnavailable, b.cfg.Path, err)
	}
	mux := NewSerialMux(port)
	id, lines := mux.Subscribe()
	for _, cmd := range b.cfg.StartCommands {
		if err := mux.SendCommand(cmd); err != nil {
			mux.Close()
			return nil, fmt.Errorf("failed to send start command %q: %w", cmd, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	in := &boardInlet{src: b, mux: mux, cancel: cancel}
	in.wg.Add(2)
	go func() {
		defer in.wg.Done()
		if err := mux.Monitor(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("serial board %s: monitor stopped: %v", b.cfg.Path, err)
		}
	}()
	go func() {
		defer in.wg.Done()
		defer mux.Unsubscribe(id)
		in.consume(runCtx, lines)
	}()
	b.current = mux
	return in, nil
}

func (b *BoardSource) mux() *SerialMux[SerialPorter] {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// AttachAdminRoutes registers tail and command endpoints bound to whichever
// port is currently open.
func (b *BoardSource) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	withPort := func(f func(*SerialMux[SerialPorter], http.ResponseWriter, *http.Request)) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			m := b.mux()
			if m == nil {
				http.Error(w, "serial port not open", http.StatusServiceUnavailable)
				return
			}
			f(m, w, r)
		}
	}
	debug.HandleSilentFunc("serial/send-command", withPort((*SerialMux[SerialPorter]).ServeSendCommand))
	debug.HandleFunc("serial/tail", "live serial board lines (SSE)", withPort((*SerialMux[SerialPorter]).ServeTail))
	debug.KVFunc("serial lines", func() any {
		if m := b.mux(); m != nil {
			lines, dropped := m.Stats()
			return fmt.Sprintf("%d read, %d dropped", lines, dropped)
		}
		return "closed"
	})
}

type boardInlet struct {
	src    *BoardSource
	mux    *SerialMux[SerialPorter]
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending [][]float64
	closed  bool
	skipped int
}

func (in *boardInlet) consume(ctx context.Context, lines <-chan string) {
	n := in.src.cfg.ChannelCount
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			row, err := ParseSampleLine(line, n)
			if err != nil {
				in.mu.Lock()
				in.skipped++
				in.mu.Unlock()
				if !errors.Is(err, ErrNotSample) {
					monitoring.Logf("serial board %s: %v", in.src.cfg.Path, err)
				}
				continue
			}
			in.mu.Lock()
			if len(in.pending) < in.src.cfg.MaxPendingSamples {
				in.pending = append(in.pending, row)
			}
			in.mu.Unlock()
		}
	}
}

func (in *boardInlet) Info() stream.Info { return in.src.info }

func (in *boardInlet) Pull() (sample.Chunk, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil, stream.ErrClosed
	}
	if len(in.pending) == 0 {
		return nil, nil
	}
	c, err := sample.FromRows(in.pending, in.src.cfg.ChannelCount)
	in.pending = in.pending[:0]
	return c, err
}

func (in *boardInlet) Close() error {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil
	}
	in.closed = true
	in.mu.Unlock()

	for _, cmd := range in.src.cfg.StopCommands {
		if err := in.mux.SendCommand(cmd); err != nil {
			monitoring.Logf("serial board %s: stop command %q: %v", in.src.cfg.Path, cmd, err)
		}
	}
	in.cancel()
	err := in.mux.Close()
	in.wg.Wait()

	in.src.mu.Lock()
	in.src.current = nil
	in.src.mu.Unlock()
	return err
}
