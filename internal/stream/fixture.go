package stream

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/mindlink/internal/sample"
	"github.com/banshee-data/mindlink/internal/timeutil"
)

// Fixture is a recorded multichannel signal loaded from CSV. The optional
// first row holds channel labels; every other row is one sample.
type Fixture struct {
	Channels []string
	Data     sample.Chunk
}

// LoadFixture reads a CSV recording.
func LoadFixture(path string) (*Fixture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fixture: %w", err)
	}
	defer f.Close()
	return ReadFixture(f)
}

// ReadFixture parses a CSV recording from r.
func ReadFixture(r io.Reader) (*Fixture, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.TrimLeadingSpace = true

	var (
		fx   Fixture
		rows [][]float64
	)
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("fixture line %d: %w", line, err)
		}
		row, perr := parseRow(rec)
		if perr != nil {
			if line == 1 {
				fx.Channels = make([]string, len(rec))
				for i, name := range rec {
					fx.Channels[i] = strings.TrimSpace(name)
				}
				continue
			}
			return nil, fmt.Errorf("fixture line %d: %w", line, perr)
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("fixture has no samples")
	}
	width := len(rows[0])
	if fx.Channels != nil && len(fx.Channels) != width {
		return nil, fmt.Errorf("fixture header has %d labels, samples have %d values", len(fx.Channels), width)
	}
	data, err := sample.FromRows(rows, width)
	if err != nil {
		return nil, fmt.Errorf("fixture: %w", err)
	}
	fx.Data = data
	return &fx, nil
}

func parseRow(rec []string) ([]float64, error) {
	row := make([]float64, len(rec))
	for i, s := range rec {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}

// FixtureConfig configures a FixtureSource.
type FixtureConfig struct {
	Name       string
	SampleRate float64
	// Loop restarts the recording at its end instead of going silent.
	Loop  bool
	Clock timeutil.Clock
}

// FixtureSource replays a recording as a live stream paced by the clock.
type FixtureSource struct {
	cfg  FixtureConfig
	fx   *Fixture
	info Info
}

// NewFixtureSource exposes fx under cfg.Name.
func NewFixtureSource(fx *Fixture, cfg FixtureConfig) (*FixtureSource, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("fixture sample rate must be positive, got %g", cfg.SampleRate)
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &FixtureSource{
		cfg: cfg,
		fx:  fx,
		info: Info{
			Name:         cfg.Name,
			Type:         TypeEEG,
			SourceID:     "fixture-" + uuid.NewString(),
			SampleRate:   cfg.SampleRate,
			ChannelCount: fx.Data.Channels(),
			Channels:     append([]string(nil), fx.Channels...),
		},
	}, nil
}

// List implements Lister.
func (s *FixtureSource) List() []Info { return []Info{s.info} }

// Resolve implements Source.
func (s *FixtureSource) Resolve(ctx context.Context, name string) ([]Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name != s.info.Name {
		return nil, fmt.Errorf("%w: no stream named %q", ErrSourceUnavailable, name)
	}
	return []Info{s.info}, nil
}

// Open implements Source. Each inlet starts at the beginning of the
// recording.
func (s *FixtureSource) Open(ctx context.Context, info Info) (Inlet, error) {
	if info.SourceID != s.info.SourceID {
		return nil, fmt.Errorf("%w: %s", ErrSourceUnavailable, info.SourceID)
	}
	return &fixtureInlet{src: s, start: s.cfg.Clock.Now()}, nil
}

type fixtureInlet struct {
	src *FixtureSource

	mu      sync.Mutex
	start   time.Time
	emitted int
	closed  bool
}

func (in *fixtureInlet) Info() Info { return in.src.info }

func (in *fixtureInlet) Pull() (sample.Chunk, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil, ErrClosed
	}
	total := in.src.fx.Data.Len()
	due := samplesIn(in.src.cfg.Clock.Since(in.start), in.src.cfg.SampleRate)
	if !in.src.cfg.Loop {
		due = min(due, total)
	}
	if due <= in.emitted {
		return nil, nil
	}

	out := make(sample.Chunk, in.src.fx.Data.Channels())
	for ch := range out {
		out[ch] = make([]float64, 0, due-in.emitted)
	}
	for pos := in.emitted; pos < due; {
		off := pos % total
		n := min(total-off, due-pos)
		for ch := range out {
			out[ch] = append(out[ch], in.src.fx.Data[ch][off:off+n]...)
		}
		pos += n
	}
	in.emitted = due
	return out, nil
}

func (in *fixtureInlet) Close() error {
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()
	return nil
}

// samplesIn returns the number of whole samples in d at rate Hz.
func samplesIn(d time.Duration, rate float64) int {
	return int(float64(d) * rate / float64(time.Second))
}
