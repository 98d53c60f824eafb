package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/mindlink/internal/classifier"
	"github.com/banshee-data/mindlink/internal/filterbank"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/mindlink.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Source kinds accepted in source_kind.
const (
	SourceUDP     = "udp"
	SourceSerial  = "serial"
	SourceFixture = "fixture"
	SourcePCAP    = "pcap"
)

// Config is the root configuration of one inference pipeline. Every field is
// optional in the file; the Get* methods supply defaults. Shape fields
// (channels, sample rate, window and step) may instead come from training
// artifacts, see ApplyArtifacts.
type Config struct {
	Pipeline *string `json:"pipeline,omitempty" yaml:"pipeline,omitempty"`

	// Training artifacts
	ArtifactDir    *string `json:"artifact_dir,omitempty" yaml:"artifact_dir,omitempty"`
	ArtifactSuffix *string `json:"artifact_suffix,omitempty" yaml:"artifact_suffix,omitempty"`

	// Window shape
	Channels     []string `json:"channels,omitempty" yaml:"channels,omitempty"`
	SampleRate   *float64 `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`
	WindowLength *int     `json:"window_length,omitempty" yaml:"window_length,omitempty"`
	StepLength   *int     `json:"step_length,omitempty" yaml:"step_length,omitempty"`
	Classes      []string `json:"classes,omitempty" yaml:"classes,omitempty"`

	// Filters. A zero notch_hz disables the notch; zero broadband edges
	// disable the broadband stage.
	FilterOrder     *int              `json:"filter_order,omitempty" yaml:"filter_order,omitempty"`
	NotchHz         *float64          `json:"notch_hz,omitempty" yaml:"notch_hz,omitempty"`
	NotchQ          *float64          `json:"notch_q,omitempty" yaml:"notch_q,omitempty"`
	BroadbandLowHz  *float64          `json:"broadband_low_hz,omitempty" yaml:"broadband_low_hz,omitempty"`
	BroadbandHighHz *float64          `json:"broadband_high_hz,omitempty" yaml:"broadband_high_hz,omitempty"`
	Bands           []filterbank.Band `json:"bands,omitempty" yaml:"bands,omitempty"`
	DefaultBands    *bool             `json:"default_bands,omitempty" yaml:"default_bands,omitempty"`
	BaselineSeconds *float64          `json:"baseline_seconds,omitempty" yaml:"baseline_seconds,omitempty"`
	ZScore          *bool             `json:"zscore,omitempty" yaml:"zscore,omitempty"`

	// Source
	SourceKind          *string  `json:"source_kind,omitempty" yaml:"source_kind,omitempty"`
	SourceName          *string  `json:"source_name,omitempty" yaml:"source_name,omitempty"`
	SourceAddress       *string  `json:"source_address,omitempty" yaml:"source_address,omitempty"`
	FixturePath         *string  `json:"fixture_path,omitempty" yaml:"fixture_path,omitempty"`
	FixtureLoop         *bool    `json:"fixture_loop,omitempty" yaml:"fixture_loop,omitempty"`
	PCAPPath            *string  `json:"pcap_path,omitempty" yaml:"pcap_path,omitempty"`
	SerialPort          *string  `json:"serial_port,omitempty" yaml:"serial_port,omitempty"`
	SerialBaudRate      *int     `json:"serial_baud_rate,omitempty" yaml:"serial_baud_rate,omitempty"`
	SerialChannels      []string `json:"serial_channels,omitempty" yaml:"serial_channels,omitempty"` // board line order
	SerialStartCommands []string `json:"serial_start_commands,omitempty" yaml:"serial_start_commands,omitempty"`
	SerialStopCommands  []string `json:"serial_stop_commands,omitempty" yaml:"serial_stop_commands,omitempty"`
	PollInterval        *string  `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"` // duration string like "1s"
	IdleSleep           *string  `json:"idle_sleep,omitempty" yaml:"idle_sleep,omitempty"`       // duration string like "2ms"
	MaxConnectAttempts  *int     `json:"max_connect_attempts,omitempty" yaml:"max_connect_attempts,omitempty"`
	PositionalFallback  *bool    `json:"positional_fallback,omitempty" yaml:"positional_fallback,omitempty"`

	// Classifier
	ClassifierBackend *string `json:"classifier_backend,omitempty" yaml:"classifier_backend,omitempty"`
	ClassifierLabel   *string `json:"classifier_label,omitempty" yaml:"classifier_label,omitempty"`
	ClassifierModel   *string `json:"classifier_model,omitempty" yaml:"classifier_model,omitempty"`
	AsyncClassify     *bool   `json:"async_classify,omitempty" yaml:"async_classify,omitempty"`

	// Sinks and servers. An empty address disables the component.
	OutletName    *string `json:"outlet_name,omitempty" yaml:"outlet_name,omitempty"`
	OutletAddress *string `json:"outlet_address,omitempty" yaml:"outlet_address,omitempty"`
	GRPCListen    *string `json:"grpc_listen,omitempty" yaml:"grpc_listen,omitempty"`
	DBPath        *string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	Listen        *string `json:"listen,omitempty" yaml:"listen,omitempty"`
	LogInterval   *string `json:"log_interval,omitempty" yaml:"log_interval,omitempty"` // duration string like "10s"
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyConfig returns a Config with all fields unset.
func EmptyConfig() *Config {
	return &Config{}
}

// Load reads a Config from a .json, .yaml or .yml file no larger than 1MB.
// Unknown keys are rejected. Fields omitted from the file keep their
// defaults, so partial configs are safe.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("%w: config file must have .json, .yaml or .yml extension, got %q", ErrConfiguration, ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("%w: config file too large: %d bytes (max %d)", ErrConfiguration, fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if ext == ".json" {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse config JSON: %v", ErrConfiguration, err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		// An empty YAML document decodes to io.EOF; treat it as all defaults.
		if err := dec.Decode(cfg); err != nil && len(bytes.TrimSpace(data)) > 0 {
			return nil, fmt.Errorf("%w: failed to parse config YAML: %v", ErrConfiguration, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching from the current
// directory up to the repository root. It panics on failure and is intended
// for tests.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := Load(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConfiguration}, args...)...)
}

// Validate checks every value that is set. It does not require the window
// shape; see Complete.
func (c *Config) Validate() error {
	if c.SampleRate != nil && *c.SampleRate <= 0 {
		return configErrorf("sample_rate must be positive, got %g", *c.SampleRate)
	}
	if c.WindowLength != nil && *c.WindowLength <= 0 {
		return configErrorf("window_length must be positive, got %d", *c.WindowLength)
	}
	if c.StepLength != nil && *c.StepLength <= 0 {
		return configErrorf("step_length must be positive, got %d", *c.StepLength)
	}
	if c.WindowLength != nil && c.StepLength != nil && *c.StepLength > *c.WindowLength {
		return configErrorf("step_length %d exceeds window_length %d", *c.StepLength, *c.WindowLength)
	}
	if err := checkChannels("channels", c.Channels); err != nil {
		return err
	}
	if err := checkChannels("classes", c.Classes); err != nil {
		return err
	}
	if err := checkChannels("serial_channels", c.SerialChannels); err != nil {
		return err
	}

	if c.FilterOrder != nil && (*c.FilterOrder < 1 || *c.FilterOrder > 10) {
		return configErrorf("filter_order must be between 1 and 10, got %d", *c.FilterOrder)
	}
	if c.NotchHz != nil && *c.NotchHz < 0 {
		return configErrorf("notch_hz must be non-negative, got %g", *c.NotchHz)
	}
	if c.NotchQ != nil && *c.NotchQ <= 0 {
		return configErrorf("notch_q must be positive, got %g", *c.NotchQ)
	}
	if c.BroadbandLowHz != nil && *c.BroadbandLowHz < 0 {
		return configErrorf("broadband_low_hz must be non-negative, got %g", *c.BroadbandLowHz)
	}
	if c.BroadbandHighHz != nil && *c.BroadbandHighHz < 0 {
		return configErrorf("broadband_high_hz must be non-negative, got %g", *c.BroadbandHighHz)
	}
	if len(c.Bands) > 0 && c.GetDefaultBands() {
		return configErrorf("bands and default_bands are mutually exclusive")
	}
	seen := map[string]bool{}
	for i, b := range c.Bands {
		if b.Name == "" {
			return configErrorf("bands[%d] has no name", i)
		}
		if seen[b.Name] {
			return configErrorf("duplicate band %q", b.Name)
		}
		seen[b.Name] = true
		if b.LowHz < 0 || b.HighHz < 0 || (b.LowHz == 0 && b.HighHz == 0) {
			return configErrorf("band %q needs at least one positive edge", b.Name)
		}
		if b.HighHz > 0 && b.LowHz >= b.HighHz {
			return configErrorf("band %q: low edge %g must be below high edge %g", b.Name, b.LowHz, b.HighHz)
		}
	}
	if c.BaselineSeconds != nil && *c.BaselineSeconds < 0 {
		return configErrorf("baseline_seconds must be non-negative, got %g", *c.BaselineSeconds)
	}

	if c.SourceKind != nil {
		switch *c.SourceKind {
		case SourceUDP, SourceSerial, SourceFixture, SourcePCAP:
		default:
			return configErrorf("unknown source_kind %q", *c.SourceKind)
		}
	}
	if c.SourceName != nil && *c.SourceName == "" {
		return configErrorf("source_name must not be empty")
	}
	if c.MaxConnectAttempts != nil && *c.MaxConnectAttempts < 0 {
		return configErrorf("max_connect_attempts must be non-negative, got %d", *c.MaxConnectAttempts)
	}
	if c.SerialBaudRate != nil && *c.SerialBaudRate < 0 {
		return configErrorf("serial_baud_rate must be non-negative, got %d", *c.SerialBaudRate)
	}
	for name, v := range map[string]*string{
		"poll_interval": c.PollInterval,
		"idle_sleep":    c.IdleSleep,
		"log_interval":  c.LogInterval,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return configErrorf("invalid %s '%s': %v", name, *v, err)
		}
		if d <= 0 {
			return configErrorf("%s must be positive, got %s", name, d)
		}
	}

	if c.ClassifierBackend != nil {
		switch *c.ClassifierBackend {
		case classifier.BackendConstant, classifier.BackendLinear:
		default:
			return configErrorf("unknown classifier_backend %q", *c.ClassifierBackend)
		}
	}
	if c.OutletName != nil && *c.OutletName == "" {
		return configErrorf("outlet_name must not be empty")
	}
	return nil
}

func checkChannels(field string, names []string) error {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if n == "" {
			return configErrorf("%s contains an empty name", field)
		}
		if seen[n] {
			return configErrorf("%s contains %q twice", field, n)
		}
		seen[n] = true
	}
	return nil
}

// Complete loads the artifacts named by artifact_dir, if any, and then checks
// that the window shape is fully specified and that the filter edges fit
// below the Nyquist frequency. It must succeed before a pipeline is built.
func (c *Config) Complete() error {
	if c.ArtifactDir != nil && *c.ArtifactDir != "" {
		a, err := LoadArtifacts(*c.ArtifactDir, c.GetArtifactSuffix())
		if err != nil {
			return err
		}
		c.ApplyArtifacts(a)
	}
	if err := c.Validate(); err != nil {
		return err
	}

	if len(c.Channels) == 0 {
		return configErrorf("no channels configured")
	}
	if c.SampleRate == nil {
		return configErrorf("sample_rate is required")
	}
	if c.WindowLength == nil {
		return configErrorf("window_length is required")
	}
	if c.StepLength == nil {
		return configErrorf("step_length is required")
	}

	nyquist := *c.SampleRate / 2
	if n := c.GetNotch(); n != nil && n.Hz >= nyquist {
		return configErrorf("notch_hz %g must be below Nyquist %g", n.Hz, nyquist)
	}
	if b := c.GetBroadband(); b != nil && b.HighHz >= nyquist {
		return configErrorf("broadband_high_hz %g must be below Nyquist %g", b.HighHz, nyquist)
	}
	for _, b := range c.GetBands() {
		if b.HighHz >= nyquist || b.LowHz >= nyquist {
			return configErrorf("band %q edges must be below Nyquist %g", b.Name, nyquist)
		}
	}
	if base := math.Round(c.GetBaselineSeconds() * *c.SampleRate); int(base) > *c.WindowLength {
		return configErrorf("baseline of %d samples exceeds window_length %d", int(base), *c.WindowLength)
	}
	if c.GetSourceKind() == SourceFixture && c.GetFixturePath() == "" {
		return configErrorf("fixture source requires fixture_path")
	}
	if c.GetSourceKind() == SourcePCAP && c.GetPCAPPath() == "" {
		return configErrorf("pcap source requires pcap_path")
	}
	if c.GetSourceKind() == SourceSerial && c.GetSerialPort() == "" {
		return configErrorf("serial source requires serial_port")
	}
	if c.GetClassifierBackend() == classifier.BackendLinear && c.GetClassifierModel() == "" {
		return configErrorf("linear classifier requires classifier_model")
	}
	return nil
}

// ApplyArtifacts fills the shape fields that are still unset from a.
// Explicit configuration always wins.
func (c *Config) ApplyArtifacts(a *Artifacts) {
	if a == nil {
		return
	}
	if len(c.Channels) == 0 && len(a.Channels) > 0 {
		c.Channels = slices.Clone(a.Channels)
	}
	if c.SampleRate == nil && a.SampleRate > 0 {
		c.SampleRate = ptrFloat64(a.SampleRate)
	}
	if c.WindowLength == nil && a.WindowLength > 0 {
		c.WindowLength = ptrInt(a.WindowLength)
	}
	if c.StepLength == nil && a.StepLength > 0 {
		c.StepLength = ptrInt(a.StepLength)
	}
	if len(c.Classes) == 0 && len(a.Classes) > 0 {
		c.Classes = slices.Clone(a.Classes)
	}
}

// FilterBank returns the filter bank description. Complete must have
// succeeded.
func (c *Config) FilterBank() filterbank.Config {
	return filterbank.Config{
		SampleRate: c.GetSampleRate(),
		Order:      c.GetFilterOrder(),
		Notch:      c.GetNotch(),
		Broadband:  c.GetBroadband(),
		Bands:      c.GetBands(),
	}
}

// ClassifierOptions returns the backend selection for classifier.Open.
func (c *Config) ClassifierOptions() classifier.Options {
	return classifier.Options{
		Backend: c.GetClassifierBackend(),
		Label:   c.GetClassifierLabel(),
		Model:   c.GetClassifierModel(),
		Classes: slices.Clone(c.Classes),
	}
}

// GetPipeline returns the pipeline name.
func (c *Config) GetPipeline() string {
	if c.Pipeline == nil || *c.Pipeline == "" {
		return "main" // default
	}
	return *c.Pipeline
}

// GetArtifactSuffix returns the artifact file name suffix, e.g.
// "_multiclass" for eeg_channels_multiclass.json.
func (c *Config) GetArtifactSuffix() string {
	if c.ArtifactSuffix == nil {
		return ""
	}
	return *c.ArtifactSuffix
}

// GetSampleRate returns the sample rate in Hz, or zero when unset.
func (c *Config) GetSampleRate() float64 {
	if c.SampleRate == nil {
		return 0
	}
	return *c.SampleRate
}

// GetWindowLength returns the window length in samples, or zero when unset.
func (c *Config) GetWindowLength() int {
	if c.WindowLength == nil {
		return 0
	}
	return *c.WindowLength
}

// GetStepLength returns the step length in samples, or zero when unset.
func (c *Config) GetStepLength() int {
	if c.StepLength == nil {
		return 0
	}
	return *c.StepLength
}

func (c *Config) GetFilterOrder() int {
	if c.FilterOrder == nil {
		return filterbank.DefaultOrder // default
	}
	return *c.FilterOrder
}

// GetNotch returns the mains notch, or nil when notch_hz is zero.
func (c *Config) GetNotch() *filterbank.Notch {
	hz := 50.0 // default
	if c.NotchHz != nil {
		hz = *c.NotchHz
	}
	if hz == 0 {
		return nil
	}
	q := filterbank.DefaultNotchQ
	if c.NotchQ != nil {
		q = *c.NotchQ
	}
	return &filterbank.Notch{Hz: hz, Q: q}
}

// GetBroadband returns the broadband stage, or nil when both edges are zero.
func (c *Config) GetBroadband() *filterbank.Band {
	low, high := 1.0, 100.0 // default
	if c.BroadbandLowHz != nil {
		low = *c.BroadbandLowHz
	}
	if c.BroadbandHighHz != nil {
		high = *c.BroadbandHighHz
	}
	if low == 0 && high == 0 {
		return nil
	}
	return &filterbank.Band{Name: "broadband", LowHz: low, HighHz: high}
}

// GetBands returns the configured sub-bands; empty means single-band mode.
func (c *Config) GetBands() []filterbank.Band {
	if len(c.Bands) > 0 {
		return slices.Clone(c.Bands)
	}
	if c.GetDefaultBands() {
		return slices.Clone(filterbank.DefaultBands)
	}
	return nil
}

func (c *Config) GetDefaultBands() bool {
	if c.DefaultBands == nil {
		return false // default
	}
	return *c.DefaultBands
}

func (c *Config) GetBaselineSeconds() float64 {
	if c.BaselineSeconds == nil {
		return 0.5 // default
	}
	return *c.BaselineSeconds
}

func (c *Config) GetZScore() bool {
	if c.ZScore == nil {
		return false // default
	}
	return *c.ZScore
}

func (c *Config) GetSourceKind() string {
	if c.SourceKind == nil || *c.SourceKind == "" {
		return SourceUDP // default
	}
	return *c.SourceKind
}

func (c *Config) GetSourceName() string {
	if c.SourceName == nil {
		return "EEG" // default
	}
	return *c.SourceName
}

func (c *Config) GetSourceAddress() string {
	if c.SourceAddress == nil || *c.SourceAddress == "" {
		return ":16571" // default
	}
	return *c.SourceAddress
}

func (c *Config) GetFixturePath() string {
	if c.FixturePath == nil {
		return ""
	}
	return *c.FixturePath
}

func (c *Config) GetFixtureLoop() bool {
	if c.FixtureLoop == nil {
		return true // default
	}
	return *c.FixtureLoop
}

func (c *Config) GetPCAPPath() string {
	if c.PCAPPath == nil {
		return ""
	}
	return *c.PCAPPath
}

func (c *Config) GetSerialPort() string {
	if c.SerialPort == nil {
		return ""
	}
	return *c.SerialPort
}

// GetSerialBaudRate returns the configured baud rate; zero selects the
// board default.
func (c *Config) GetSerialBaudRate() int {
	if c.SerialBaudRate == nil {
		return 0
	}
	return *c.SerialBaudRate
}

// GetPollInterval returns the discovery poll interval.
func (c *Config) GetPollInterval() time.Duration {
	return parseDurationOr(c.PollInterval, time.Second)
}

// GetIdleSleep returns the sleep after an empty pull.
func (c *Config) GetIdleSleep() time.Duration {
	return parseDurationOr(c.IdleSleep, 2*time.Millisecond)
}

// GetLogInterval returns the throttle interval for repeated log lines.
func (c *Config) GetLogInterval() time.Duration {
	return parseDurationOr(c.LogInterval, 10*time.Second)
}

func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetMaxConnectAttempts returns the connect bound; zero means unbounded.
func (c *Config) GetMaxConnectAttempts() int {
	if c.MaxConnectAttempts == nil {
		return 0 // default
	}
	return *c.MaxConnectAttempts
}

func (c *Config) GetPositionalFallback() bool {
	if c.PositionalFallback == nil {
		return false // default
	}
	return *c.PositionalFallback
}

func (c *Config) GetClassifierBackend() string {
	if c.ClassifierBackend == nil || *c.ClassifierBackend == "" {
		return classifier.BackendConstant // default
	}
	return *c.ClassifierBackend
}

func (c *Config) GetClassifierLabel() string {
	if c.ClassifierLabel == nil {
		return ""
	}
	return *c.ClassifierLabel
}

func (c *Config) GetClassifierModel() string {
	if c.ClassifierModel == nil {
		return ""
	}
	return *c.ClassifierModel
}

func (c *Config) GetAsyncClassify() bool {
	if c.AsyncClassify == nil {
		return false // default
	}
	return *c.AsyncClassify
}

func (c *Config) GetOutletName() string {
	if c.OutletName == nil {
		return "MI_Pred" // default
	}
	return *c.OutletName
}

// GetOutletAddress returns the UDP destination of the label marker stream;
// empty disables the outlet.
func (c *Config) GetOutletAddress() string {
	if c.OutletAddress == nil {
		return "127.0.0.1:16571" // default
	}
	return *c.OutletAddress
}

// GetGRPCListen returns the label stream listen address; empty disables it.
func (c *Config) GetGRPCListen() string {
	if c.GRPCListen == nil {
		return ""
	}
	return *c.GRPCListen
}

// GetDBPath returns the classification log path; empty disables it.
func (c *Config) GetDBPath() string {
	if c.DBPath == nil {
		return ""
	}
	return *c.DBPath
}

// GetListen returns the HTTP listen address for /metrics and /debug/;
// empty disables the server.
func (c *Config) GetListen() string {
	if c.Listen == nil {
		return "localhost:8090" // default
	}
	return *c.Listen
}
