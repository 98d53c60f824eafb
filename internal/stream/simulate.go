package stream

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/banshee-data/mindlink/internal/monitoring"
	"github.com/banshee-data/mindlink/internal/sample"
	"github.com/banshee-data/mindlink/internal/timeutil"
)

// SimulateConfig describes a synthetic EEG stream.
type SimulateConfig struct {
	Target     string
	Name       string
	Channels   []string
	SampleRate float64
	// ChunkInterval is the pacing between datagrams.
	ChunkInterval time.Duration
	// AnnounceInterval is the pacing between announcements.
	AnnounceInterval time.Duration
	// Rhythms lists sinusoid frequencies mixed into every channel, each
	// channel phase-shifted. Defaults to a 10 Hz alpha and 50 Hz mains
	// component.
	Rhythms []float64
	Noise   float64
	Seed    int64
	Clock   timeutil.Clock
}

// Synth generates the synthetic signal. It is deterministic for a seed.
type Synth struct {
	cfg SimulateConfig
	rng *rand.Rand
	t   int
}

// NewSynth returns a generator for cfg.
func NewSynth(cfg SimulateConfig) *Synth {
	if len(cfg.Rhythms) == 0 {
		cfg.Rhythms = []float64{10, 50}
	}
	return &Synth{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
}

// Next returns the next n samples.
func (s *Synth) Next(n int) sample.Chunk {
	c := make(sample.Chunk, len(s.cfg.Channels))
	for ch := range c {
		c[ch] = make([]float64, n)
		phase := float64(ch) * math.Pi / 7
		for i := range c[ch] {
			tm := float64(s.t+i) / s.cfg.SampleRate
			var v float64
			for k, hz := range s.cfg.Rhythms {
				v += math.Sin(2*math.Pi*hz*tm+phase) / float64(k+1)
			}
			c[ch][i] = 10*v + s.cfg.Noise*s.rng.NormFloat64()
		}
	}
	s.t += n
	return c
}

// Simulate announces and streams synthetic samples to cfg.Target until ctx
// is cancelled.
func Simulate(ctx context.Context, cfg SimulateConfig) error {
	if cfg.SampleRate <= 0 || len(cfg.Channels) == 0 {
		return fmt.Errorf("simulate: need a positive sample rate and at least one channel")
	}
	if cfg.ChunkInterval == 0 {
		cfg.ChunkInterval = 20 * time.Millisecond
	}
	if cfg.AnnounceInterval == 0 {
		cfg.AnnounceInterval = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}

	sender, err := NewUDPSender(cfg.Target, Info{
		Name:         cfg.Name,
		Type:         TypeEEG,
		SampleRate:   cfg.SampleRate,
		ChannelCount: len(cfg.Channels),
		Channels:     cfg.Channels,
	})
	if err != nil {
		return err
	}
	defer sender.Close()

	synth := NewSynth(cfg)
	start := cfg.Clock.Now()
	sent := 0
	lastAnnounce := time.Time{}
	ticker := cfg.Clock.NewTicker(cfg.ChunkInterval)
	defer ticker.Stop()

	monitoring.Logf("simulating %q: %d channels at %g Hz to %s", cfg.Name, len(cfg.Channels), cfg.SampleRate, cfg.Target)
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C():
			if now.Sub(lastAnnounce) >= cfg.AnnounceInterval {
				if err := sender.Announce(); err != nil {
					monitoring.Logf("simulate: announce failed: %v", err)
				}
				lastAnnounce = now
			}
			due := samplesIn(now.Sub(start), cfg.SampleRate)
			if due <= sent {
				continue
			}
			if err := sender.SendChunk(synth.Next(due - sent)); err != nil {
				monitoring.Logf("simulate: send failed: %v", err)
			}
			sent = due
		}
	}
}
