// Package dispatch runs the inference pipeline: it waits for a named source,
// maps its channels onto the model's channel set, fills the sliding window
// and classifies every completed window exactly once.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/mindlink/internal/channelmap"
	"github.com/banshee-data/mindlink/internal/classifier"
	"github.com/banshee-data/mindlink/internal/config"
	"github.com/banshee-data/mindlink/internal/monitoring"
	"github.com/banshee-data/mindlink/internal/preprocess"
	"github.com/banshee-data/mindlink/internal/ringbuf"
	"github.com/banshee-data/mindlink/internal/stream"
	"github.com/banshee-data/mindlink/internal/timeutil"
)

// ErrConnectAttemptsExceeded is returned by Run when MaxConnectAttempts
// discovery polls found no source.
var ErrConnectAttemptsExceeded = errors.New("connect attempts exceeded")

// ClassifierError reports a failed classification. The window's label is
// not published but the buffer still rolls.
type ClassifierError struct {
	Window uint64
	Err    error
}

func (e *ClassifierError) Error() string {
	return fmt.Sprintf("classifier failed on window %d: %v", e.Window, e.Err)
}

func (e *ClassifierError) Unwrap() error { return e.Err }

const (
	DefaultPipelineName = "main"
	DefaultPollInterval = time.Second
	DefaultIdleSleep    = 2 * time.Millisecond
	DefaultLogInterval  = 10 * time.Second
	DefaultHistorySize  = 120

	// asyncQueue bounds how many completed windows may wait for the
	// classification worker before the pull loop waits for it.
	asyncQueue = 4
	// maxSleepSlice bounds how long a single poll-interval sleep may run
	// before the stop signal is checked again.
	maxSleepSlice = 50 * time.Millisecond
)

// Config describes one pipeline.
type Config struct {
	// Name labels logs and metrics.
	Name string
	// RunID identifies this run in sinks. A UUID is assigned when empty.
	RunID string
	// SourceName is the stream name polled for during CONNECTING.
	SourceName string
	// Channels is the required channel set in model order.
	Channels     []string
	SampleRate   float64
	WindowLength int
	StepLength   int
	// PollInterval is the wait between discovery attempts.
	PollInterval time.Duration
	// IdleSleep is the backoff after an empty pull.
	IdleSleep time.Duration
	// MaxConnectAttempts bounds discovery; zero polls forever.
	MaxConnectAttempts int
	// PositionalFallback takes the first len(Channels) channels when the
	// source reports no channel labels at all.
	PositionalFallback bool
	// AsyncClassify moves preprocessing and classification onto a single
	// ordered worker.
	AsyncClassify bool
	// LogInterval throttles repeated transient log lines.
	LogInterval time.Duration
	// HistorySize is the number of recent results kept for debug views.
	HistorySize int
	// Classes orders class probabilities in log lines. When empty, the
	// classifier's own class list is used if it reports one.
	Classes []string
}

// Validate checks the window geometry and fills defaults.
func (c *Config) Validate() error {
	if c.Name == "" {
		c.Name = DefaultPipelineName
	}
	if c.SourceName == "" {
		return fmt.Errorf("%w: source name is empty", config.ErrConfiguration)
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("%w: channel set is empty", config.ErrConfiguration)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %.3f must be positive", config.ErrConfiguration, c.SampleRate)
	}
	if c.WindowLength <= 0 {
		return fmt.Errorf("%w: window length %d must be positive", config.ErrConfiguration, c.WindowLength)
	}
	if c.StepLength <= 0 || c.StepLength > c.WindowLength {
		return fmt.Errorf("%w: step length %d must satisfy 0 < step <= window (%d)",
			config.ErrConfiguration, c.StepLength, c.WindowLength)
	}
	if c.MaxConnectAttempts < 0 {
		return fmt.Errorf("%w: max connect attempts %d is negative", config.ErrConfiguration, c.MaxConnectAttempts)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = DefaultIdleSleep
	}
	if c.LogInterval <= 0 {
		c.LogInterval = DefaultLogInterval
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	return nil
}

// Dependencies are the collaborators a Dispatcher drives.
type Dependencies struct {
	Source       stream.Source
	Preprocessor *preprocess.Preprocessor
	Classifier   classifier.Classifier
	Sinks        Fanout
	// Clock defaults to timeutil.RealClock.
	Clock timeutil.Clock
	// Metrics may be nil.
	Metrics *monitoring.Metrics
	// OnStreaming runs once, after mapping succeeds and before the first
	// pull.
	OnStreaming func(info stream.Info, channels []string)
}

// Dispatcher is the pipeline state machine. Run may be called once.
type Dispatcher struct {
	cfg  Config
	deps Dependencies

	clock          timeutil.Clock
	connectLog     *timeutil.Throttle
	sinkErrLog     *timeutil.Throttle
	idleLog        *timeutil.Throttle
	state          atomic.Int32
	started        atomic.Bool
	firstWindowLog sync.Once

	mu       sync.Mutex
	stats    Stats
	history  []Result
	segment  *preprocess.Segment
	lastErr  error
	selector *channelmap.Selector
}

// Result is one classified window as kept for debug views.
type Result struct {
	Window        uint64             `json:"window"`
	Label         string             `json:"label"`
	Probabilities map[string]float64 `json:"probabilities"`
	Time          time.Time          `json:"time"`
}

// New validates cfg against the preprocessor and classifier shapes.
func New(cfg Config, deps Dependencies) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Source == nil {
		return nil, fmt.Errorf("%w: no stream source", config.ErrConfiguration)
	}
	if deps.Preprocessor == nil || deps.Classifier == nil {
		return nil, fmt.Errorf("%w: preprocessor and classifier are required", config.ErrConfiguration)
	}
	shape := deps.Preprocessor.Shape()
	if shape.Channels != len(cfg.Channels) || shape.Samples != cfg.WindowLength {
		return nil, fmt.Errorf("%w: preprocessor shape %s does not match %d channels x %d samples",
			config.ErrConfiguration, shape, len(cfg.Channels), cfg.WindowLength)
	}
	if err := classifier.ValidateShape(deps.Classifier, shape); err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	cfg.Channels = append([]string(nil), cfg.Channels...)
	if len(cfg.Classes) == 0 {
		if cl, ok := deps.Classifier.(interface{ Classes() []string }); ok {
			cfg.Classes = cl.Classes()
		}
	}
	cfg.Classes = slices.Clone(cfg.Classes)
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}

	d := &Dispatcher{
		cfg:        cfg,
		deps:       deps,
		clock:      deps.Clock,
		connectLog: timeutil.NewThrottle(deps.Clock, cfg.LogInterval),
		sinkErrLog: timeutil.NewThrottle(deps.Clock, cfg.LogInterval),
		idleLog:    timeutil.NewThrottle(deps.Clock, cfg.LogInterval),
	}
	d.stats = Stats{
		Pipeline:     cfg.Name,
		RunID:        cfg.RunID,
		Source:       cfg.SourceName,
		Channels:     cfg.Channels,
		SampleRate:   cfg.SampleRate,
		WindowLength: cfg.WindowLength,
		StepLength:   cfg.StepLength,
		Shape:        shape.String(),
	}
	d.setState(StateConnecting)
	return d, nil
}

// Config returns the validated configuration.
func (d *Dispatcher) Config() Config { return d.cfg }

// State returns the current lifecycle state.
func (d *Dispatcher) State() State { return State(d.state.Load()) }

func (d *Dispatcher) setState(s State) {
	d.state.Store(int32(s))
	d.mu.Lock()
	d.stats.State = s
	d.mu.Unlock()
	if m := d.deps.Metrics; m != nil {
		m.PipelineState.WithLabelValues(d.cfg.Name).Set(float64(s))
	}
}

// Run drives the pipeline until ctx is cancelled (STOPPED, nil error) or an
// unrecoverable error occurs (FAILED, non-nil error).
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return errors.New("dispatcher already ran")
	}

	inlet, err := d.connect(ctx)
	if err != nil {
		return d.finish(ctx, err)
	}
	defer inlet.Close()

	d.setState(StateMapping)
	info := inlet.Info()
	sel, err := d.mapChannels(info)
	if err != nil {
		return d.finish(ctx, err)
	}

	buf, err := ringbuf.New(len(d.cfg.Channels), d.cfg.WindowLength)
	if err != nil {
		return d.finish(ctx, fmt.Errorf("%w: %w", config.ErrConfiguration, err))
	}

	d.setState(StateStreaming)
	diagf("%s: streaming from %q (%d source channels), window=%d step=%d",
		d.cfg.Name, info.Name, sel.SourceWidth(), d.cfg.WindowLength, d.cfg.StepLength)
	if d.deps.OnStreaming != nil {
		d.deps.OnStreaming(info, sel.Channels())
	}

	return d.finish(ctx, d.stream(ctx, inlet, sel, buf))
}

func (d *Dispatcher) finish(ctx context.Context, err error) error {
	if err == nil || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
		d.setState(StateStopped)
		diagf("%s: stopped", d.cfg.Name)
		return nil
	}
	d.mu.Lock()
	d.lastErr = err
	d.mu.Unlock()
	d.setState(StateFailed)
	opsf("%s: failed: %v", d.cfg.Name, err)
	return err
}

// connect polls discovery until the source appears.
func (d *Dispatcher) connect(ctx context.Context) (stream.Inlet, error) {
	d.setState(StateConnecting)
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.stats.ConnectAttempts = attempt
		d.mu.Unlock()
		if m := d.deps.Metrics; m != nil {
			m.ConnectAttempts.WithLabelValues(d.cfg.Name).Inc()
		}

		inlet, err := d.tryConnect(ctx)
		if err == nil {
			diagf("%s: connected to %q after %d attempt(s)", d.cfg.Name, d.cfg.SourceName, attempt)
			return inlet, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if ok, suppressed := d.connectLog.Allow(); ok {
			diagf("%s: waiting for stream %q (attempt %d, %d similar suppressed): %v",
				d.cfg.Name, d.cfg.SourceName, attempt, suppressed, err)
		}
		if d.cfg.MaxConnectAttempts > 0 && attempt >= d.cfg.MaxConnectAttempts {
			return nil, fmt.Errorf("%w: %q not found after %d attempts: %w",
				ErrConnectAttemptsExceeded, d.cfg.SourceName, attempt, err)
		}
		d.sleep(ctx, d.cfg.PollInterval)
	}
}

func (d *Dispatcher) tryConnect(ctx context.Context) (stream.Inlet, error) {
	infos, err := d.deps.Source.Resolve(ctx, d.cfg.SourceName)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("%w: %q", stream.ErrSourceUnavailable, d.cfg.SourceName)
	}
	if len(infos) > 1 {
		diagf("%s: %d streams named %q, using source %s", d.cfg.Name, len(infos), d.cfg.SourceName, infos[0].SourceID)
	}
	return d.deps.Source.Open(ctx, infos[0])
}

// sleep waits d in slices so cancellation is noticed promptly.
func (d *Dispatcher) sleep(ctx context.Context, total time.Duration) {
	for total > 0 && ctx.Err() == nil {
		step := min(total, maxSleepSlice)
		d.clock.Sleep(step)
		total -= step
	}
}

func (d *Dispatcher) mapChannels(info stream.Info) (*channelmap.Selector, error) {
	if info.SampleRate > 0 && info.SampleRate != d.cfg.SampleRate {
		opsf("%s: source %q reports %.3f Hz, pipeline configured for %.3f Hz",
			d.cfg.Name, info.Name, info.SampleRate, d.cfg.SampleRate)
	}

	var (
		sel *channelmap.Selector
		err error
	)
	if len(info.Channels) == 0 && d.cfg.PositionalFallback {
		opsf("%s: source %q reports no channel labels, using the first %d of %d channels",
			d.cfg.Name, info.Name, len(d.cfg.Channels), info.ChannelCount)
		sel, err = channelmap.Positional(info.ChannelCount, d.cfg.Channels)
		if err != nil {
			err = fmt.Errorf("%w: %w", config.ErrConfiguration, err)
		}
	} else {
		sel, err = channelmap.New(info.Channels, d.cfg.Channels)
	}
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.selector = sel
	d.stats.Indices = sel.Indices()
	d.mu.Unlock()
	diagf("%s: channel mapping %v", d.cfg.Name, sel.Indices())
	return sel, nil
}

type job struct {
	window    uint64
	endSample int64
	data      [][]float64
}

// stream is the STREAMING loop.
func (d *Dispatcher) stream(ctx context.Context, inlet stream.Inlet, sel *channelmap.Selector, buf *ringbuf.Buffer) error {
	var (
		windows  uint64
		appended int64
		jobs     chan job
		workerWG sync.WaitGroup
	)
	if d.cfg.AsyncClassify {
		jobs = make(chan job, asyncQueue)
		workerWG.Add(1)
		go func() {
			defer workerWG.Done()
			for j := range jobs {
				d.classify(j)
			}
		}()
		defer func() {
			close(jobs)
			workerWG.Wait()
		}()
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		chunk, err := inlet.Pull()
		if err != nil {
			return fmt.Errorf("pull from %q: %w", d.cfg.SourceName, err)
		}
		if chunk.Empty() {
			d.mu.Lock()
			d.stats.EmptyPulls++
			d.mu.Unlock()
			if m := d.deps.Metrics; m != nil {
				m.EmptyPulls.WithLabelValues(d.cfg.Name).Inc()
			}
			if ok, n := d.idleLog.Allow(); ok && traceLogger != nil {
				tracef("%s: idle (%d empty pulls since last report)", d.cfg.Name, n+1)
			}
			d.clock.Sleep(d.cfg.IdleSleep)
			continue
		}

		if err := chunk.Validate(); err != nil {
			return fmt.Errorf("source %q: %w", d.cfg.SourceName, err)
		}
		selected, err := sel.Apply(chunk)
		if err != nil {
			return fmt.Errorf("source %q changed layout: %w", d.cfg.SourceName, err)
		}

		n := chunk.Len()
		d.mu.Lock()
		d.stats.Chunks++
		d.stats.Samples += int64(n)
		total := d.stats.Samples
		d.mu.Unlock()
		if m := d.deps.Metrics; m != nil {
			m.ChunksReceived.WithLabelValues(d.cfg.Name).Inc()
			m.SamplesReceived.WithLabelValues(d.cfg.Name).Add(float64(n))
		}
		tracef("%s: +%d samples (total %d)", d.cfg.Name, n, total)

		rest := selected
		for {
			before := rest.Len()
			rest, err = buf.Append(rest)
			if err != nil {
				return err
			}
			appended += int64(before - rest.Len())

			for buf.Ready() {
				windows++
				d.windowReady(windows, appended)
				j := job{window: windows, endSample: appended}
				if jobs != nil {
					j.data = buf.Snapshot()
					select {
					case jobs <- j:
					case <-ctx.Done():
						return nil
					}
				} else {
					j.data = buf.Window()
					d.classify(j)
				}
				if err := buf.Roll(d.cfg.StepLength); err != nil {
					return err
				}
			}
			if rest.Empty() {
				break
			}
		}

		d.mu.Lock()
		d.stats.BufferPtr = buf.Ptr()
		d.mu.Unlock()
	}
}

func (d *Dispatcher) windowReady(window uint64, appended int64) {
	d.mu.Lock()
	d.stats.Windows = window
	d.mu.Unlock()
	if m := d.deps.Metrics; m != nil {
		m.WindowsCompleted.WithLabelValues(d.cfg.Name).Inc()
	}
	d.firstWindowLog.Do(func() {
		diagf("%s: first window ready at %.2f s", d.cfg.Name, float64(appended)/d.cfg.SampleRate)
	})
}

// classify preprocesses, classifies and publishes one window.
func (d *Dispatcher) classify(j job) {
	start := d.clock.Now()
	seg, err := d.deps.Preprocessor.Process(j.data)
	if m := d.deps.Metrics; m != nil {
		m.PreprocessSeconds.WithLabelValues(d.cfg.Name).Observe(d.clock.Since(start).Seconds())
	}
	if err != nil {
		d.classifierFailed(&ClassifierError{Window: j.window, Err: fmt.Errorf("preprocess: %w", err)})
		return
	}
	d.mu.Lock()
	d.segment = seg
	d.mu.Unlock()

	start = d.clock.Now()
	res, err := d.deps.Classifier.Classify(seg)
	if m := d.deps.Metrics; m != nil {
		m.ClassifyDuration.WithLabelValues(d.cfg.Name).Observe(d.clock.Since(start).Seconds())
	}
	if err == nil {
		err = res.Validate()
	}
	if err != nil {
		d.classifierFailed(&ClassifierError{Window: j.window, Err: err})
		return
	}

	pub := Publication{
		Pipeline:      d.cfg.Name,
		RunID:         d.cfg.RunID,
		Window:        j.window,
		Label:         res.Label,
		Probabilities: res.Probabilities,
		EndSample:     j.endSample,
		Time:          d.clock.Now(),
	}
	d.publish(pub)
}

func (d *Dispatcher) classifierFailed(err *ClassifierError) {
	d.mu.Lock()
	d.stats.ClassifierErrors++
	d.lastErr = err
	d.mu.Unlock()
	if m := d.deps.Metrics; m != nil {
		m.ClassifierErrors.WithLabelValues(d.cfg.Name).Inc()
	}
	opsf("%s: %v; label not published", d.cfg.Name, err)
}

func (d *Dispatcher) publish(pub Publication) {
	errs := d.deps.Sinks.Publish(pub)
	for _, e := range errs {
		if m := d.deps.Metrics; m != nil {
			m.SinkErrors.WithLabelValues(d.cfg.Name, e.Name).Inc()
		}
		if ok, suppressed := d.sinkErrLog.Allow(); ok {
			opsf("%s: window %d: %v (%d similar suppressed)", d.cfg.Name, pub.Window, e, suppressed)
		}
	}
	if m := d.deps.Metrics; m != nil {
		m.LabelsPublished.WithLabelValues(d.cfg.Name, pub.Label).Inc()
	}

	d.mu.Lock()
	d.stats.Published++
	d.stats.SinkErrors += uint64(len(errs))
	d.stats.LastLabel = pub.Label
	d.stats.LastWindowAt = pub.Time
	d.history = append(d.history, Result{
		Window:        pub.Window,
		Label:         pub.Label,
		Probabilities: pub.Probabilities,
		Time:          pub.Time,
	})
	if over := len(d.history) - d.cfg.HistorySize; over > 0 {
		d.history = append(d.history[:0], d.history[over:]...)
	}
	d.mu.Unlock()

	diagf("%s: window %d: %s %s", d.cfg.Name, pub.Window, pub.Label, FormatProbabilities(pub.Probabilities, d.cfg.Classes))
}

// FormatProbabilities renders probabilities as "p_<class>=0.00" pairs.
// Classes listed in order come first, in that order; any others follow
// sorted by name.
func FormatProbabilities(p map[string]float64, order []string) string {
	classes := make([]string, 0, len(p))
	for _, c := range order {
		if _, ok := p[c]; ok && !slices.Contains(classes, c) {
			classes = append(classes, c)
		}
	}
	listed := len(classes)
	for c := range p {
		if !slices.Contains(order, c) {
			classes = append(classes, c)
		}
	}
	slices.Sort(classes[listed:])
	parts := make([]string, len(classes))
	for i, c := range classes {
		parts[i] = fmt.Sprintf("p_%s=%.2f", c, p[c])
	}
	return strings.Join(parts, " ")
}

// Stats is a point-in-time view of the pipeline.
type Stats struct {
	Pipeline         string    `json:"pipeline"`
	RunID            string    `json:"run_id"`
	State            State     `json:"state"`
	Source           string    `json:"source"`
	Channels         []string  `json:"channels"`
	Indices          []int     `json:"indices,omitempty"`
	SampleRate       float64   `json:"sample_rate"`
	WindowLength     int       `json:"window_length"`
	StepLength       int       `json:"step_length"`
	Shape            string    `json:"shape"`
	ConnectAttempts  int       `json:"connect_attempts"`
	Samples          int64     `json:"samples"`
	Chunks           uint64    `json:"chunks"`
	EmptyPulls       uint64    `json:"empty_pulls"`
	Windows          uint64    `json:"windows"`
	Published        uint64    `json:"published"`
	ClassifierErrors uint64    `json:"classifier_errors"`
	SinkErrors       uint64    `json:"sink_errors"`
	BufferPtr        int       `json:"buffer_ptr"`
	LastLabel        string    `json:"last_label,omitempty"`
	LastWindowAt     time.Time `json:"last_window_at,omitzero"`
	LastError        string    `json:"last_error,omitempty"`
}

// Stats returns a copy of the current counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.Channels = append([]string(nil), s.Channels...)
	s.Indices = append([]int(nil), s.Indices...)
	if d.lastErr != nil {
		s.LastError = d.lastErr.Error()
	}
	return s
}

// History returns the most recent results, oldest first.
func (d *Dispatcher) History() []Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Result(nil), d.history...)
}

// LastSegment returns the most recently preprocessed segment, or nil.
func (d *Dispatcher) LastSegment() *preprocess.Segment {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.segment
}
