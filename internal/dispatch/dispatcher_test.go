package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mindlink/internal/channelmap"
	"github.com/banshee-data/mindlink/internal/classifier"
	"github.com/banshee-data/mindlink/internal/config"
	"github.com/banshee-data/mindlink/internal/filterbank"
	"github.com/banshee-data/mindlink/internal/monitoring"
	"github.com/banshee-data/mindlink/internal/preprocess"
	"github.com/banshee-data/mindlink/internal/sample"
	"github.com/banshee-data/mindlink/internal/stream"
	"github.com/banshee-data/mindlink/internal/timeutil"
)

func init() {
	SetLogWriters(nil, nil, nil)
}

const testRate = 500

var testInfo = stream.Info{
	Name:         "obci_eeg1",
	Type:         stream.TypeEEG,
	SourceID:     "src-1",
	SampleRate:   testRate,
	ChannelCount: 2,
	Channels:     []string{"C3", "C4"},
}

// ramp returns n samples per channel continuing from start, so every sample
// value is unique and ordered.
func ramp(channels, start, n int) sample.Chunk {
	c := make(sample.Chunk, channels)
	for ch := range c {
		c[ch] = make([]float64, n)
		for t := range c[ch] {
			c[ch][t] = float64(start+t) + float64(ch)*1e6
		}
	}
	return c
}

func chunksOf(channels int, sizes ...int) []sample.Chunk {
	var out []sample.Chunk
	start := 0
	for _, n := range sizes {
		out = append(out, ramp(channels, start, n))
		start += n
	}
	return out
}

func newPreprocessor(t *testing.T, channels, window int) *preprocess.Preprocessor {
	t.Helper()
	bank, err := filterbank.New(filterbank.Config{
		SampleRate: testRate,
		Broadband:  &filterbank.Band{Name: "broadband", LowHz: 1, HighHz: 40},
	})
	require.NoError(t, err)
	pre, err := preprocess.New(preprocess.Config{
		Bank:            bank,
		Channels:        channels,
		WindowLength:    window,
		BaselineSeconds: 0.5,
	})
	require.NoError(t, err)
	return pre
}

type harness struct {
	d       *Dispatcher
	inlet   *stream.MockInlet
	source  *stream.MockSource
	outlet  *stream.MockOutlet
	clock   *timeutil.MockClock
	metrics *monitoring.Metrics

	mu   sync.Mutex
	pubs []Publication
}

func (h *harness) publications() []Publication {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Publication(nil), h.pubs...)
}

func (h *harness) endSamples() []int64 {
	var out []int64
	for _, p := range h.publications() {
		out = append(out, p.EndSample)
	}
	return out
}

// newHarness wires a dispatcher to mocks. The run stops once the inlet has
// delivered every queued chunk.
func newHarness(t *testing.T, cfg Config, clf classifier.Classifier, info stream.Info, chunks ...sample.Chunk) (*harness, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &harness{
		inlet:   stream.NewMockInlet(info, chunks...),
		outlet:  &stream.MockOutlet{},
		clock:   timeutil.NewMockClock(time.Unix(1700000000, 0)),
		metrics: monitoring.NewMetrics(),
	}
	h.inlet.OnDrain = cancel
	h.source = stream.NewMockSource(h.inlet)

	if cfg.SourceName == "" {
		cfg.SourceName = info.Name
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = testRate
	}
	if cfg.Channels == nil {
		cfg.Channels = []string{"C3", "C4"}
	}

	capture := SinkFunc(func(p Publication) error {
		h.mu.Lock()
		h.pubs = append(h.pubs, p)
		h.mu.Unlock()
		return nil
	})

	d, err := New(cfg, Dependencies{
		Source:       h.source,
		Preprocessor: newPreprocessor(t, len(cfg.Channels), cfg.WindowLength),
		Classifier:   clf,
		Sinks: Fanout{
			{Name: "outlet", Sink: OutletSink{Outlet: h.outlet}},
			{Name: "capture", Sink: capture},
		},
		Clock:   h.clock,
		Metrics: h.metrics,
	})
	require.NoError(t, err)
	h.d = d
	return h, ctx
}

var labelA = classifier.Constant{Label: "LABEL_A", Classes: []string{"LABEL_A", "LABEL_B"}}

func TestEndToEnd(t *testing.T) {
	cfg := Config{WindowLength: 1000, StepLength: 1000}
	h, ctx := newHarness(t, cfg, labelA, testInfo, chunksOf(2, 300, 700, 1500)...)

	require.NoError(t, h.d.Run(ctx))

	assert.Equal(t, []string{"LABEL_A", "LABEL_A"}, h.outlet.Labels())
	assert.Equal(t, []int64{1000, 2000}, h.endSamples())

	s := h.d.Stats()
	assert.Equal(t, StateStopped, s.State)
	assert.Equal(t, StateStopped, h.d.State())
	assert.Equal(t, 500, s.BufferPtr)
	assert.Equal(t, uint64(2), s.Windows)
	assert.Equal(t, uint64(2), s.Published)
	assert.Equal(t, int64(2500), s.Samples)
	assert.Equal(t, uint64(3), s.Chunks)
	assert.Equal(t, []int{0, 1}, s.Indices)
	assert.True(t, h.inlet.Closed())

	pubs := h.publications()
	assert.Equal(t, uint64(1), pubs[0].Window)
	assert.Equal(t, uint64(2), pubs[1].Window)
	assert.Equal(t, h.d.Config().RunID, pubs[0].RunID)
	assert.NotEmpty(t, pubs[0].RunID)
	assert.Equal(t, map[string]float64{"LABEL_A": 1, "LABEL_B": 0}, pubs[0].Probabilities)

	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.WindowsCompleted.WithLabelValues("main")))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.LabelsPublished.WithLabelValues("main", "LABEL_A")))
	assert.Equal(t, 2500.0, testutil.ToFloat64(h.metrics.SamplesReceived.WithLabelValues("main")))
	assert.Equal(t, float64(StateStopped), testutil.ToFloat64(h.metrics.PipelineState.WithLabelValues("main")))
}

func TestSlidingWindowIrregularChunks(t *testing.T) {
	cfg := Config{WindowLength: 1000, StepLength: 250}
	rng := rand.New(rand.NewSource(7))
	var sizes []int
	total := 0
	for total < 3000 {
		n := rng.Intn(400)
		if total+n > 3000 {
			n = 3000 - total
		}
		sizes = append(sizes, n)
		total += n
	}
	h, ctx := newHarness(t, cfg, labelA, testInfo, chunksOf(2, sizes...)...)
	require.NoError(t, h.d.Run(ctx))

	// floor((3000-1000)/250)+1 = 9 windows
	want := []int64{1000, 1250, 1500, 1750, 2000, 2250, 2500, 2750, 3000}
	assert.Equal(t, want, h.endSamples())
	assert.Equal(t, 750, h.d.Stats().BufferPtr)
}

func TestAsyncClassifyPreservesOrder(t *testing.T) {
	for _, async := range []bool{false, true} {
		cfg := Config{WindowLength: 1000, StepLength: 250, AsyncClassify: async}
		// a slow-ish classifier keeps the worker busy while windows queue up
		clf := classifier.Func(func(seg *preprocess.Segment) (classifier.Result, error) {
			time.Sleep(time.Millisecond)
			return classifier.Result{Label: "x", Probabilities: map[string]float64{"x": 1}}, nil
		})
		h, ctx := newHarness(t, cfg, clf, testInfo, chunksOf(2, 3000)...)
		require.NoError(t, h.d.Run(ctx))

		want := []int64{1000, 1250, 1500, 1750, 2000, 2250, 2500, 2750, 3000}
		assert.Equal(t, want, h.endSamples(), "async=%v", async)
		for i, p := range h.publications() {
			assert.Equal(t, uint64(i+1), p.Window)
		}
	}
}

func TestZeroLengthChunksIdle(t *testing.T) {
	cfg := Config{WindowLength: 1000, StepLength: 1000}
	empty := sample.Chunk{{}, {}}
	h, ctx := newHarness(t, cfg, labelA, testInfo, empty, ramp(2, 0, 10), nil, empty)
	require.NoError(t, h.d.Run(ctx))

	s := h.d.Stats()
	assert.Equal(t, 10, s.BufferPtr)
	assert.Zero(t, s.Windows)
	assert.GreaterOrEqual(t, s.EmptyPulls, uint64(3))
	assert.Contains(t, h.clock.Sleeps(), DefaultIdleSleep)
}

func TestConnectPolling(t *testing.T) {
	cfg := Config{WindowLength: 1000, StepLength: 1000}
	h, ctx := newHarness(t, cfg, labelA, testInfo, chunksOf(2, 1000)...)
	h.source.HiddenFor = 3

	start := h.clock.Now()
	require.NoError(t, h.d.Run(ctx))

	assert.Equal(t, 4, h.d.Stats().ConnectAttempts)
	assert.GreaterOrEqual(t, h.clock.Since(start), 3*DefaultPollInterval)
	assert.Equal(t, []string{"LABEL_A"}, h.outlet.Labels())
	assert.Equal(t, 4.0, testutil.ToFloat64(h.metrics.ConnectAttempts.WithLabelValues("main")))
}

func TestConnectAttemptsExceeded(t *testing.T) {
	cfg := Config{WindowLength: 1000, StepLength: 1000, MaxConnectAttempts: 3, SourceName: "missing"}
	h, ctx := newHarness(t, cfg, labelA, testInfo)

	err := h.d.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectAttemptsExceeded)
	assert.ErrorIs(t, err, stream.ErrSourceUnavailable)
	assert.Equal(t, StateFailed, h.d.State())
	assert.Equal(t, 3, h.source.ResolveCalls)
	assert.Contains(t, h.d.Stats().LastError, "missing")
}

func TestStopWhileConnecting(t *testing.T) {
	cfg := Config{WindowLength: 1000, StepLength: 1000, SourceName: "missing"}
	h, _ := newHarness(t, cfg, labelA, testInfo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.clock.OnSleep(func(time.Duration) {
		if h.clock.Since(time.Unix(1700000000, 0)) >= 5*time.Second {
			cancel()
		}
	})

	require.NoError(t, h.d.Run(ctx))
	assert.Equal(t, StateStopped, h.d.State())
	// cancellation is noticed within one sleep slice
	assert.Less(t, h.clock.Since(time.Unix(1700000000, 0)), 5*time.Second+maxSleepSlice+time.Millisecond)
}

func TestMappingFailure(t *testing.T) {
	info := testInfo
	info.Channels = []string{"Fp1", "Fp2", "Cz"}
	info.ChannelCount = 3

	cfg := Config{WindowLength: 1000, StepLength: 1000, Channels: []string{"Cz", "O1"}}
	h, ctx := newHarness(t, cfg, labelA, info, chunksOf(3, 1000)...)

	err := h.d.Run(ctx)
	var merr *channelmap.MappingError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, []string{"O1"}, merr.Missing)
	assert.Equal(t, StateFailed, h.d.State())
	assert.True(t, h.inlet.Closed())
	assert.Empty(t, h.outlet.Labels())
	assert.Zero(t, h.inlet.Pulls())
}

func TestChannelSelectionReorders(t *testing.T) {
	info := testInfo
	info.Channels = []string{"Fp1", "Fp2", "Cz"}
	info.ChannelCount = 3

	cfg := Config{WindowLength: 1000, StepLength: 1000, Channels: []string{"Cz", "Fp1"}}
	var seen [][]float64
	clf := classifier.Func(func(seg *preprocess.Segment) (classifier.Result, error) {
		m := seg.Matrix()
		r, _ := m.Dims()
		for i := 0; i < r; i++ {
			seen = append(seen, append([]float64(nil), m.RawRowView(i)...))
		}
		return classifier.Result{Label: "x", Probabilities: map[string]float64{"x": 1}}, nil
	})
	// constant rows filter and baseline-correct to zero
	chunk := sample.Chunk{constant(1000, -3), constant(1000, 9), constant(1000, 5)}
	h, ctx := newHarness(t, cfg, clf, info, chunk)
	require.NoError(t, h.d.Run(ctx))

	assert.Equal(t, []int{2, 0}, h.d.Stats().Indices)
	require.Len(t, seen, 2)
	for _, row := range seen {
		for _, v := range row {
			assert.InDelta(t, 0, v, 1e-6)
		}
	}
}

func constant(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestPositionalFallback(t *testing.T) {
	info := testInfo
	info.Channels = nil
	info.ChannelCount = 3

	t.Run("enabled", func(t *testing.T) {
		cfg := Config{WindowLength: 1000, StepLength: 1000, PositionalFallback: true}
		h, ctx := newHarness(t, cfg, labelA, info, chunksOf(3, 1000)...)
		require.NoError(t, h.d.Run(ctx))
		assert.Equal(t, []int{0, 1}, h.d.Stats().Indices)
		assert.Equal(t, []string{"LABEL_A"}, h.outlet.Labels())
	})

	t.Run("disabled", func(t *testing.T) {
		cfg := Config{WindowLength: 1000, StepLength: 1000}
		h, ctx := newHarness(t, cfg, labelA, info, chunksOf(3, 1000)...)
		err := h.d.Run(ctx)
		var merr *channelmap.MappingError
		require.ErrorAs(t, err, &merr)
		assert.Equal(t, []string{"C3", "C4"}, merr.Missing)
	})

	t.Run("too few channels", func(t *testing.T) {
		narrow := info
		narrow.ChannelCount = 1
		cfg := Config{WindowLength: 1000, StepLength: 1000, PositionalFallback: true}
		h, ctx := newHarness(t, cfg, labelA, narrow, chunksOf(1, 1000)...)
		err := h.d.Run(ctx)
		assert.ErrorIs(t, err, config.ErrConfiguration)
	})
}

func TestClassifierErrorSkipsPublish(t *testing.T) {
	calls := 0
	clf := classifier.Func(func(seg *preprocess.Segment) (classifier.Result, error) {
		calls++
		if calls == 1 {
			return classifier.Result{}, errors.New("model exploded")
		}
		if calls == 2 {
			// invalid probabilities are treated as a failure too
			return classifier.Result{Label: "a", Probabilities: map[string]float64{"a": 2}}, nil
		}
		return classifier.Result{Label: "a", Probabilities: map[string]float64{"a": 1}}, nil
	})
	cfg := Config{WindowLength: 1000, StepLength: 1000}
	h, ctx := newHarness(t, cfg, clf, testInfo, chunksOf(2, 3000)...)
	require.NoError(t, h.d.Run(ctx))

	assert.Equal(t, 3, calls)
	assert.Equal(t, []int64{3000}, h.endSamples())
	s := h.d.Stats()
	assert.Equal(t, uint64(2), s.ClassifierErrors)
	assert.Equal(t, uint64(3), s.Windows)
	assert.Equal(t, 0, s.BufferPtr)
	assert.Contains(t, s.LastError, "window 2")
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.ClassifierErrors.WithLabelValues("main")))
}

func TestSinkErrorsAreNotFatal(t *testing.T) {
	cfg := Config{WindowLength: 1000, StepLength: 1000}
	h, ctx := newHarness(t, cfg, labelA, testInfo, chunksOf(2, 2000)...)
	h.outlet.Err = errors.New("network down")

	require.NoError(t, h.d.Run(ctx))
	assert.Len(t, h.publications(), 2)
	assert.Equal(t, uint64(2), h.d.Stats().SinkErrors)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.SinkErrors.WithLabelValues("main", "outlet")))
}

func TestPullErrorFails(t *testing.T) {
	cfg := Config{WindowLength: 1000, StepLength: 1000}
	h, ctx := newHarness(t, cfg, labelA, testInfo)
	require.NoError(t, h.inlet.Close())

	err := h.d.Run(ctx)
	assert.ErrorIs(t, err, stream.ErrClosed)
	assert.Equal(t, StateFailed, h.d.State())
}

func TestRunOnce(t *testing.T) {
	cfg := Config{WindowLength: 1000, StepLength: 1000}
	h, ctx := newHarness(t, cfg, labelA, testInfo)
	require.NoError(t, h.d.Run(ctx))
	assert.Error(t, h.d.Run(ctx))
}

func TestOnStreaming(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inlet := stream.NewMockInlet(testInfo)
	inlet.OnDrain = cancel

	var gotInfo stream.Info
	var gotChannels []string
	d, err := New(Config{SourceName: testInfo.Name, Channels: []string{"C4"}, SampleRate: testRate, WindowLength: 500, StepLength: 100},
		Dependencies{
			Source:       stream.NewMockSource(inlet),
			Preprocessor: newPreprocessor(t, 1, 500),
			Classifier:   labelA,
			Clock:        timeutil.NewMockClock(time.Unix(0, 0)),
			OnStreaming: func(info stream.Info, channels []string) {
				gotInfo, gotChannels = info, channels
			},
		})
	require.NoError(t, err)
	require.NoError(t, d.Run(ctx))
	assert.Equal(t, "src-1", gotInfo.SourceID)
	assert.Equal(t, []string{"C4"}, gotChannels)
}

type shapedStub struct {
	classifier.Constant
	shape preprocess.Shape
}

func (s shapedStub) InputShape() preprocess.Shape { return s.shape }

func TestNewValidation(t *testing.T) {
	pre := newPreprocessor(t, 2, 1000)
	base := func() (Config, Dependencies) {
		return Config{SourceName: "eeg", Channels: []string{"C3", "C4"}, SampleRate: testRate, WindowLength: 1000, StepLength: 500},
			Dependencies{Source: &stream.MockSource{}, Preprocessor: pre, Classifier: labelA}
	}

	tests := []struct {
		name   string
		mutate func(*Config, *Dependencies)
	}{
		{"step zero", func(c *Config, _ *Dependencies) { c.StepLength = 0 }},
		{"step beyond window", func(c *Config, _ *Dependencies) { c.StepLength = 1001 }},
		{"no channels", func(c *Config, _ *Dependencies) { c.Channels = nil }},
		{"no source name", func(c *Config, _ *Dependencies) { c.SourceName = "" }},
		{"no rate", func(c *Config, _ *Dependencies) { c.SampleRate = 0 }},
		{"negative attempts", func(c *Config, _ *Dependencies) { c.MaxConnectAttempts = -1 }},
		{"window mismatch", func(c *Config, _ *Dependencies) { c.WindowLength = 900; c.StepLength = 100 }},
		{"channel mismatch", func(c *Config, _ *Dependencies) { c.Channels = []string{"C3"} }},
		{"classifier shape", func(_ *Config, d *Dependencies) {
			d.Classifier = shapedStub{Constant: labelA, shape: preprocess.Shape{Channels: 3, Samples: 1000}}
		}},
		{"no source", func(_ *Config, d *Dependencies) { d.Source = nil }},
		{"no classifier", func(_ *Config, d *Dependencies) { d.Classifier = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, deps := base()
			tt.mutate(&cfg, &deps)
			_, err := New(cfg, deps)
			assert.ErrorIs(t, err, config.ErrConfiguration)
		})
	}

	t.Run("defaults", func(t *testing.T) {
		cfg, deps := base()
		d, err := New(cfg, deps)
		require.NoError(t, err)
		got := d.Config()
		assert.Equal(t, DefaultPipelineName, got.Name)
		assert.Equal(t, DefaultPollInterval, got.PollInterval)
		assert.Equal(t, DefaultIdleSleep, got.IdleSleep)
		assert.NotEmpty(t, got.RunID)
		assert.Equal(t, StateConnecting, d.State())
	})
}

func TestFormatProbabilities(t *testing.T) {
	probs := map[string]float64{"right": 0.754, "left": 0.246, "rest": 0}
	tests := []struct {
		name  string
		order []string
		want  string
	}{
		{"no order sorts by name", nil, "p_left=0.25 p_rest=0.00 p_right=0.75"},
		{"class order", []string{"rest", "right", "left"}, "p_rest=0.00 p_right=0.75 p_left=0.25"},
		{"unlisted classes follow", []string{"right"}, "p_right=0.75 p_left=0.25 p_rest=0.00"},
		{"absent classes skipped", []string{"feet", "right", "left", "rest"}, "p_right=0.75 p_left=0.25 p_rest=0.00"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FormatProbabilities(probs, tc.order))
		})
	}
	assert.Equal(t, "", FormatProbabilities(nil, []string{"left"}))
}

type orderedClassifier struct{ classifier.Constant }

func (o orderedClassifier) Classes() []string { return []string{"right", "left"} }

func TestClassOrderFromClassifier(t *testing.T) {
	h, _ := newHarness(t, Config{WindowLength: 1000, StepLength: 1000}, labelA, testInfo)
	assert.Empty(t, h.d.Config().Classes, "constant classifier reports no class list")

	cfg, deps := h.d.Config(), h.d.deps
	deps.Classifier = orderedClassifier{classifier.Constant{Label: "left"}}
	d, err := New(cfg, deps)
	require.NoError(t, err)
	assert.Equal(t, []string{"right", "left"}, d.Config().Classes)

	cfg.Classes = []string{"left", "right"}
	d, err = New(cfg, deps)
	require.NoError(t, err)
	assert.Equal(t, []string{"left", "right"}, d.Config().Classes, "configured order wins")
}

func TestStateString(t *testing.T) {
	names := []string{StateConnecting.String(), StateMapping.String(), StateStreaming.String(), StateStopped.String(), StateFailed.String()}
	if diff := cmp.Diff([]string{"CONNECTING", "MAPPING", "STREAMING", "STOPPED", "FAILED"}, names); diff != "" {
		t.Errorf("state names (-want +got):\n%s", diff)
	}
	assert.Equal(t, "State(9)", State(9).String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateStreaming.Terminal())
}

func TestHistoryBounded(t *testing.T) {
	cfg := Config{WindowLength: 1000, StepLength: 100, HistorySize: 5}
	h, ctx := newHarness(t, cfg, labelA, testInfo, chunksOf(2, 2000)...)
	require.NoError(t, h.d.Run(ctx))

	hist := h.d.History()
	require.Len(t, hist, 5)
	assert.Equal(t, uint64(11), hist[4].Window)
	assert.Equal(t, uint64(7), hist[0].Window)
	assert.NotNil(t, h.d.LastSegment())
}
