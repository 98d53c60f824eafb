package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mindlink"

// Metrics are the pipeline counters exported at /metrics. Every series is
// labelled by pipeline name so several pipelines can share one registry.
type Metrics struct {
	registry *prometheus.Registry

	SamplesReceived   *prometheus.CounterVec
	ChunksReceived    *prometheus.CounterVec
	EmptyPulls        *prometheus.CounterVec
	WindowsCompleted  *prometheus.CounterVec
	LabelsPublished   *prometheus.CounterVec
	ClassifierErrors  *prometheus.CounterVec
	SinkErrors        *prometheus.CounterVec
	DroppedDatagrams  *prometheus.CounterVec
	ConnectAttempts   *prometheus.CounterVec
	PipelineState     *prometheus.GaugeVec
	ClassifyDuration  *prometheus.HistogramVec
	PreprocessSeconds *prometheus.HistogramVec
}

// NewMetrics builds and registers every metric in a fresh registry that also
// carries the Go runtime and process collectors.
func NewMetrics() *Metrics {
	counter := func(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}

	m := &Metrics{
		registry:         prometheus.NewRegistry(),
		SamplesReceived:  counter("source", "samples_total", "Samples pulled from the source", "pipeline"),
		ChunksReceived:   counter("source", "chunks_total", "Non-empty chunks pulled from the source", "pipeline"),
		EmptyPulls:       counter("source", "empty_pulls_total", "Pulls that returned no data", "pipeline"),
		DroppedDatagrams: counter("source", "dropped_datagrams_total", "Datagrams lost or rejected by the transport", "source", "reason"),
		ConnectAttempts:  counter("source", "connect_attempts_total", "Stream discovery attempts", "pipeline"),
		WindowsCompleted: counter("window", "completed_total", "Analysis windows completed", "pipeline"),
		LabelsPublished:  counter("sink", "labels_total", "Labels published", "pipeline", "label"),
		SinkErrors:       counter("sink", "errors_total", "Publish failures per sink", "pipeline", "sink"),
		ClassifierErrors: counter("classifier", "errors_total", "Classifier invocations that failed", "pipeline"),
		PipelineState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_state",
			Help:      "Dispatcher state (0=connecting, 1=mapping, 2=streaming, 3=stopped, 4=failed)",
		}, []string{"pipeline"}),
		ClassifyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "duration_seconds",
			Help:      "Classifier invocation latency",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"pipeline"}),
		PreprocessSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "preprocess",
			Name:      "duration_seconds",
			Help:      "Filtering and normalisation latency per window",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"pipeline"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SamplesReceived, m.ChunksReceived, m.EmptyPulls, m.DroppedDatagrams,
		m.ConnectAttempts, m.WindowsCompleted, m.LabelsPublished, m.SinkErrors,
		m.ClassifierErrors, m.PipelineState, m.ClassifyDuration, m.PreprocessSeconds,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
