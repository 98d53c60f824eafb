package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/mindlink/internal/classifier"
	"github.com/banshee-data/mindlink/internal/config"
	"github.com/banshee-data/mindlink/internal/dispatch"
	"github.com/banshee-data/mindlink/internal/filterbank"
	"github.com/banshee-data/mindlink/internal/labeldb"
	"github.com/banshee-data/mindlink/internal/labelstream"
	"github.com/banshee-data/mindlink/internal/monitoring"
	"github.com/banshee-data/mindlink/internal/preprocess"
	"github.com/banshee-data/mindlink/internal/serialmux"
	"github.com/banshee-data/mindlink/internal/stream"
)

// runFlags override values from the config file. Only flags given on the
// command line are applied.
type runFlags struct {
	configPath     *string
	artifactDir    *string
	artifactSuffix *string
	pipeline       *string
	channels       *string
	sampleRate     *float64
	windowLength   *int
	stepLength     *int
	sourceKind     *string
	sourceName     *string
	sourceAddress  *string
	fixturePath    *string
	pcapPath       *string
	serialPort     *string
	maxAttempts    *int
	positional     *bool
	backend        *string
	label          *string
	model          *string
	async          *bool
	outletName     *string
	outletAddress  *string
	grpcListen     *string
	dbPath         *string
	listen         *string
	quiet          *bool
	trace          *bool
}

func newRunFlags(fs *flag.FlagSet) *runFlags {
	return &runFlags{
		configPath:     fs.String("config", "", "Pipeline config file (.json, .yaml or .yml)"),
		artifactDir:    fs.String("artifacts", "", "Training artifact directory"),
		artifactSuffix: fs.String("artifact-suffix", "", "Artifact file name suffix, e.g. _multiclass"),
		pipeline:       fs.String("pipeline", "main", "Pipeline name for logs, metrics and sinks"),
		channels:       fs.String("channels", "", "Comma-separated channel set in model order"),
		sampleRate:     fs.Float64("sample-rate", 0, "Sample rate in Hz"),
		windowLength:   fs.Int("window", 0, "Window length in samples"),
		stepLength:     fs.Int("step", 0, "Step length in samples"),
		sourceKind:     fs.String("source", config.SourceUDP, "Source kind: udp, serial, fixture or pcap"),
		sourceName:     fs.String("source-name", "EEG", "Name of the stream to connect to"),
		sourceAddress:  fs.String("source-address", ":16571", "UDP address to receive streams on"),
		fixturePath:    fs.String("fixture", "", "CSV recording replayed by the fixture source"),
		pcapPath:       fs.String("pcap", "", "Packet capture replayed by the pcap source"),
		serialPort:     fs.String("port", "", "Serial port of the acquisition board"),
		maxAttempts:    fs.Int("max-connect-attempts", 0, "Give up after this many discovery attempts (0 polls forever)"),
		positional:     fs.Bool("positional-fallback", false, "Use the first channels when the source reports no labels"),
		backend:        fs.String("classifier", classifier.BackendConstant, "Classifier backend: constant or linear"),
		label:          fs.String("label", "", "Label emitted by the constant classifier"),
		model:          fs.String("model", "", "Linear model file"),
		async:          fs.Bool("async", false, "Classify on a worker goroutine"),
		outletName:     fs.String("outlet-name", stream.DefaultOutletName, "Name of the label marker stream"),
		outletAddress:  fs.String("outlet-address", "127.0.0.1:16571", "UDP destination of label markers (empty disables)"),
		grpcListen:     fs.String("grpc-listen", "", "Label stream gRPC listen address (empty disables)"),
		dbPath:         fs.String("db", "", "Label database path (empty disables)"),
		listen:         fs.String("listen", "localhost:8090", "HTTP listen address for /metrics and /debug/ (empty disables)"),
		quiet:          fs.Bool("quiet", false, "Suppress per-window diagnostic logging"),
		trace:          fs.Bool("trace", false, "Enable per-chunk trace logging"),
	}
}

// resolve loads the config file, applies the flags that were set and
// completes the result.
func (f *runFlags) resolve(fs *flag.FlagSet) (*config.Config, error) {
	cfg := config.EmptyConfig()
	if *f.configPath != "" {
		var err error
		if cfg, err = config.Load(*f.configPath); err != nil {
			return nil, err
		}
	}

	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "artifacts":
			cfg.ArtifactDir = f.artifactDir
		case "artifact-suffix":
			cfg.ArtifactSuffix = f.artifactSuffix
		case "pipeline":
			cfg.Pipeline = f.pipeline
		case "channels":
			cfg.Channels = splitList(*f.channels)
		case "sample-rate":
			cfg.SampleRate = f.sampleRate
		case "window":
			cfg.WindowLength = f.windowLength
		case "step":
			cfg.StepLength = f.stepLength
		case "source":
			cfg.SourceKind = f.sourceKind
		case "source-name":
			cfg.SourceName = f.sourceName
		case "source-address":
			cfg.SourceAddress = f.sourceAddress
		case "fixture":
			cfg.FixturePath = f.fixturePath
		case "pcap":
			cfg.PCAPPath = f.pcapPath
		case "port":
			cfg.SerialPort = f.serialPort
		case "max-connect-attempts":
			cfg.MaxConnectAttempts = f.maxAttempts
		case "positional-fallback":
			cfg.PositionalFallback = f.positional
		case "classifier":
			cfg.ClassifierBackend = f.backend
		case "label":
			cfg.ClassifierLabel = f.label
		case "model":
			cfg.ClassifierModel = f.model
		case "async":
			cfg.AsyncClassify = f.async
		case "outlet-name":
			cfg.OutletName = f.outletName
		case "outlet-address":
			cfg.OutletAddress = f.outletAddress
		case "grpc-listen":
			cfg.GRPCListen = f.grpcListen
		case "db":
			cfg.DBPath = f.dbPath
		case "listen":
			cfg.Listen = f.listen
		}
	})

	if err := cfg.Complete(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// pipelineConfig converts a completed config into the dispatcher's view.
func pipelineConfig(cfg *config.Config, runID string) dispatch.Config {
	return dispatch.Config{
		Name:               cfg.GetPipeline(),
		RunID:              runID,
		SourceName:         cfg.GetSourceName(),
		Channels:           cfg.Channels,
		SampleRate:         cfg.GetSampleRate(),
		WindowLength:       cfg.GetWindowLength(),
		StepLength:         cfg.GetStepLength(),
		PollInterval:       cfg.GetPollInterval(),
		IdleSleep:          cfg.GetIdleSleep(),
		MaxConnectAttempts: cfg.GetMaxConnectAttempts(),
		PositionalFallback: cfg.GetPositionalFallback(),
		AsyncClassify:      cfg.GetAsyncClassify(),
		LogInterval:        cfg.GetLogInterval(),
		Classes:            cfg.Classes,
	}
}

func runCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	f := newRunFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := f.resolve(fs)
	if err != nil {
		return err
	}

	var diag, trace io.Writer = os.Stderr, nil
	if *f.quiet {
		diag = nil
	}
	if *f.trace {
		trace = os.Stderr
	}
	dispatch.SetLogWriters(os.Stderr, diag, trace)

	return runPipeline(ctx, cfg)
}

// adminRouter is implemented by components that mount debug pages.
type adminRouter interface {
	AttachAdminRoutes(mux *http.ServeMux)
}

// pipeline is everything runPipeline builds before streaming starts.
type pipeline struct {
	dispatcher *dispatch.Dispatcher
	metrics    *monitoring.Metrics
	admin      []adminRouter
	closers    []func()
	db         *labeldb.DB
	runID      string
	runStarted atomic.Bool
}

func (p *pipeline) close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
}

func buildPipeline(ctx context.Context, cfg *config.Config) (*pipeline, error) {
	p := &pipeline{
		metrics: monitoring.NewMetrics(),
		runID:   uuid.NewString(),
	}
	ok := false
	defer func() {
		if !ok {
			p.close()
		}
	}()

	src, err := buildSource(ctx, cfg, p)
	if err != nil {
		return nil, err
	}

	bank, err := filterbank.New(cfg.FilterBank())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}
	pre, err := preprocess.New(preprocess.Config{
		Bank:            bank,
		Channels:        len(cfg.Channels),
		WindowLength:    cfg.GetWindowLength(),
		BaselineSeconds: cfg.GetBaselineSeconds(),
		ZScore:          cfg.GetZScore(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}
	clf, err := classifier.Open(cfg.ClassifierOptions())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}

	sinks, err := buildSinks(cfg, p)
	if err != nil {
		return nil, err
	}

	deps := dispatch.Dependencies{
		Source:       src,
		Preprocessor: pre,
		Classifier:   clf,
		Sinks:        sinks,
		Metrics:      p.metrics,
	}
	if p.db != nil {
		deps.OnStreaming = func(info stream.Info, channels []string) {
			run := &labeldb.Run{
				ID:           p.runID,
				Pipeline:     cfg.GetPipeline(),
				Source:       info.Name,
				Channels:     channels,
				SampleRate:   cfg.GetSampleRate(),
				WindowLength: cfg.GetWindowLength(),
				StepLength:   cfg.GetStepLength(),
			}
			if err := p.db.StartRun(run); err != nil {
				log.Printf("label db: failed to start run %s: %v", p.runID, err)
				return
			}
			p.runStarted.Store(true)
		}
	}

	d, err := dispatch.New(pipelineConfig(cfg, p.runID), deps)
	if err != nil {
		return nil, err
	}
	p.dispatcher = d
	p.admin = append(p.admin, d)
	ok = true
	return p, nil
}

func buildSource(ctx context.Context, cfg *config.Config, p *pipeline) (stream.Source, error) {
	switch cfg.GetSourceKind() {
	case config.SourceFixture:
		fx, err := stream.LoadFixture(cfg.GetFixturePath())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
		}
		src, err := stream.NewFixtureSource(fx, stream.FixtureConfig{
			Name:       cfg.GetSourceName(),
			SampleRate: cfg.GetSampleRate(),
			Loop:       cfg.GetFixtureLoop(),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
		}
		return src, nil

	case config.SourceSerial:
		board, err := serialmux.NewBoardSource(serialmux.BoardConfig{
			Name:          cfg.GetSourceName(),
			Path:          cfg.GetSerialPort(),
			Options:       serialmux.PortOptions{BaudRate: cfg.GetSerialBaudRate()},
			SampleRate:    cfg.GetSampleRate(),
			Channels:      cfg.SerialChannels,
			ChannelCount:  serialChannelCount(cfg),
			StartCommands: cfg.SerialStartCommands,
			StopCommands:  cfg.SerialStopCommands,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
		}
		p.admin = append(p.admin, board)
		return board, nil

	case config.SourcePCAP:
		port, err := udpPort(cfg.GetSourceAddress())
		if err != nil {
			return nil, err
		}
		src := stream.NewUDPSource(udpSourceConfig(cfg, p.metrics))
		p.closers = append(p.closers, func() { _ = src.Close() })
		go func() {
			if err := stream.ReplayPCAP(ctx, cfg.GetPCAPPath(), port, src, true); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("pcap replay: %v", err)
			}
		}()
		return src, nil

	default:
		src := stream.NewUDPSource(udpSourceConfig(cfg, p.metrics))
		if err := src.Listen(ctx); err != nil {
			return nil, err
		}
		p.closers = append(p.closers, func() { _ = src.Close() })
		return src, nil
	}
}

// serialChannelCount is the board's line width when it reports no labels.
func serialChannelCount(cfg *config.Config) int {
	if len(cfg.SerialChannels) > 0 {
		return len(cfg.SerialChannels)
	}
	return len(cfg.Channels)
}

func udpSourceConfig(cfg *config.Config, m *monitoring.Metrics) stream.UDPSourceConfig {
	return stream.UDPSourceConfig{
		Address: cfg.GetSourceAddress(),
		OnDrop: func(sourceID, reason string, n int) {
			m.DroppedDatagrams.WithLabelValues(sourceID, reason).Add(float64(n))
		},
	}
}

func udpPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("%w: source address %q: %v", config.ErrConfiguration, addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("%w: source address %q has no usable port", config.ErrConfiguration, addr)
	}
	return port, nil
}

func buildSinks(cfg *config.Config, p *pipeline) (dispatch.Fanout, error) {
	var sinks dispatch.Fanout

	if addr := cfg.GetOutletAddress(); addr != "" {
		outlet, err := stream.NewUDPOutlet(addr, cfg.GetOutletName())
		if err != nil {
			return nil, fmt.Errorf("failed to create label outlet: %w", err)
		}
		p.closers = append(p.closers, func() { _ = outlet.Close() })
		sinks = append(sinks, dispatch.NamedSink{Name: "outlet", Sink: dispatch.OutletSink{Outlet: outlet}})
	}

	if addr := cfg.GetGRPCListen(); addr != "" {
		lcfg := labelstream.DefaultConfig()
		lcfg.ListenAddr = addr
		pub := labelstream.NewPublisher(lcfg)
		if err := pub.Start(); err != nil {
			return nil, fmt.Errorf("failed to start label stream: %w", err)
		}
		log.Printf("label stream serving on %s", pub.Addr())
		p.closers = append(p.closers, pub.Stop)
		sinks = append(sinks, dispatch.NamedSink{Name: "grpc", Sink: pub})
	}

	if path := cfg.GetDBPath(); path != "" {
		db, err := labeldb.NewDB(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open label database: %w", err)
		}
		p.db = db
		p.admin = append(p.admin, db)
		p.closers = append(p.closers, func() { _ = db.Close() })
		sinks = append(sinks, dispatch.NamedSink{Name: "db", Sink: labeldb.Sink{DB: db}})
	}

	if len(sinks) == 0 {
		log.Printf("warning: no sinks configured; labels are only logged")
	}
	return sinks, nil
}

func runPipeline(ctx context.Context, cfg *config.Config) error {
	p, err := buildPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if addr := cfg.GetListen(); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", p.metrics.Handler())
		for _, a := range p.admin {
			a.AttachAdminRoutes(mux)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveHTTP(ctx, addr, mux)
		}()
	}

	log.Printf("pipeline %s: run %s waiting for stream %q", cfg.GetPipeline(), p.runID, cfg.GetSourceName())
	runErr := p.dispatcher.Run(ctx)

	if p.runStarted.Load() {
		if err := p.db.EndRun(p.runID, time.Now()); err != nil {
			log.Printf("label db: failed to end run %s: %v", p.runID, err)
		}
	}

	cancel()
	wg.Wait()
	log.Printf("pipeline %s finished in state %s", cfg.GetPipeline(), p.dispatcher.State())
	return runErr
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler) {
	server := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start HTTP server: %v", err)
		}
	}()
	log.Printf("serving /metrics and /debug/ on %s", addr)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
}
