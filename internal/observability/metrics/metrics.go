// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "parakeet_ws"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Connection metrics
	ConnectionsTotal   prometheus.Counter
	ConnectionsActive  prometheus.Gauge
	ConnectionDuration prometheus.Histogram

	// Audio metrics
	AudioBytesReceived  prometheus.Counter
	AudioChunksReceived prometheus.Counter
	AudioChunksDropped  prometheus.Counter

	// Segment metrics
	SegmentsFinal  *prometheus.CounterVec
	SegmentsFailed prometheus.Counter

	// Transcript metrics
	TranscriptsPartial prometheus.Counter
	TranscriptsFinal   prometheus.Counter

	// Inference metrics
	InferenceLatency *prometheus.HistogramVec
	InferenceErrors  *prometheus.CounterVec

	// Protocol metrics
	ProtocolErrors *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of WebSocket connections accepted",
		}),
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently active WebSocket connections",
		}),
		ConnectionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Duration of WebSocket connections in seconds",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
		}),

		AudioBytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes received",
		}),
		AudioChunksReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_received_total",
			Help:      "Total audio chunks received",
		}),
		AudioChunksDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_dropped_total",
			Help:      "Audio chunks dropped because the session was not recording",
		}),

		SegmentsFinal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_final_total",
			Help:      "Final segments produced, by boundary cause",
		}, []string{"cause"}),
		SegmentsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_failed_total",
			Help:      "Segments whose transcription failed",
		}),

		TranscriptsPartial: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_partial_total",
			Help:      "Total partial transcription events emitted",
		}),
		TranscriptsFinal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_final_total",
			Help:      "Total final transcription events emitted",
		}),

		InferenceLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_latency_seconds",
			Help:      "Inference engine call latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"engine", "kind"}),
		InferenceErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_errors_total",
			Help:      "Inference engine failures, including timeouts",
		}, []string{"engine"}),

		ProtocolErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Recoverable client-facing errors, by class",
		}, []string{"class"}),

		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),
	}
}

// RecordConnectionStart records a new WebSocket connection.
func (m *Metrics) RecordConnectionStart() {
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
}

// RecordConnectionEnd records a connection ending.
func (m *Metrics) RecordConnectionEnd(durationSeconds float64) {
	m.ConnectionsActive.Dec()
	m.ConnectionDuration.Observe(durationSeconds)
}

// RecordAudioReceived records audio bytes and chunks received.
func (m *Metrics) RecordAudioReceived(bytes int) {
	m.AudioBytesReceived.Add(float64(bytes))
	m.AudioChunksReceived.Inc()
}

// RecordAudioDropped records a chunk dropped outside a recording.
func (m *Metrics) RecordAudioDropped() {
	m.AudioChunksDropped.Inc()
}

// RecordFinalSegment records a completed final segment and its cause
// ("silence", "forced" or "stop").
func (m *Metrics) RecordFinalSegment(cause string) {
	m.SegmentsFinal.WithLabelValues(cause).Inc()
	m.TranscriptsFinal.Inc()
}

// RecordFailedSegment records a segment whose transcription failed.
func (m *Metrics) RecordFailedSegment() {
	m.SegmentsFailed.Inc()
}

// RecordPartialTranscript records a partial transcription event.
func (m *Metrics) RecordPartialTranscript() {
	m.TranscriptsPartial.Inc()
}

// RecordInference records an inference call, kind "partial" or "final".
func (m *Metrics) RecordInference(engine, kind string, err error, latencySeconds float64) {
	m.InferenceLatency.WithLabelValues(engine, kind).Observe(latencySeconds)
	if err != nil {
		m.InferenceErrors.WithLabelValues(engine).Inc()
	}
}

// RecordProtocolError records a recoverable client-facing error
// ("protocol", "decode" or "inference").
func (m *Metrics) RecordProtocolError(class string) {
	m.ProtocolErrors.WithLabelValues(class).Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}
