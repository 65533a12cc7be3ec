// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "speaker_transcription"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Ingress stream metrics
	StreamsTotal   prometheus.Counter
	StreamsActive  prometheus.Gauge
	StreamsSuccess prometheus.Counter
	StreamsFailed  prometheus.Counter
	StreamDuration prometheus.Histogram

	// Session metrics
	SessionsStarted  *prometheus.CounterVec
	SessionsActive   prometheus.Gauge
	SessionsFailed   *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	StateTransitions *prometheus.CounterVec
	StaleResponses   prometheus.Counter

	// Word metrics
	WordsPartial      prometheus.Counter
	WordsFinal        prometheus.Counter
	FillerWords       prometheus.Counter
	MalformedPayloads *prometheus.CounterVec

	// Audio metrics
	AudioBytesReceived  prometheus.Counter
	AudioChunksReceived prometheus.Counter

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// STT metrics
	STTRequests *prometheus.CounterVec
	STTLatency  *prometheus.HistogramVec
	STTErrors   *prometheus.CounterVec

	// Guardrail metrics
	SessionLimitExceeded *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer)
}

// NewUnregistered creates metrics that are not registered anywhere. Tests use
// it to get counters they can inspect without touching the global registry.
func NewUnregistered() *Metrics {
	return newMetrics(nil)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StreamsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Total number of ingress streams started",
		}),
		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently open ingress streams",
		}),
		StreamsSuccess: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_success_total",
			Help:      "Total number of ingress streams that completed without error",
		}),
		StreamsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_failed_total",
			Help:      "Total number of ingress streams that ended with an error",
		}),
		StreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Duration of ingress streams in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),

		SessionsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of recording sessions that reached ACTIVE",
		}, []string{"provider"}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently in ACTIVE",
		}),
		SessionsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_failed_total",
			Help:      "Total number of sessions that moved to ERRORED",
		}, []string{"reason"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Time spent in ACTIVE per session",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),
		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_state_transitions_total",
			Help:      "Session state transitions",
		}, []string{"from", "to"}),
		StaleResponses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_responses_discarded_total",
			Help:      "Provider responses dropped because their session had already stopped",
		}),

		WordsPartial: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "words_partial_total",
			Help:      "Total number of interim words received",
		}),
		WordsFinal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "words_final_total",
			Help:      "Total number of finalized words appended to transcripts",
		}),
		FillerWords: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filler_words_total",
			Help:      "Total number of finalized words classified as fillers",
		}),
		MalformedPayloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_payloads_total",
			Help:      "Vendor payloads that could not be normalized",
		}, []string{"provider"}),

		AudioBytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total captured audio bytes forwarded to providers",
		}),
		AudioChunksReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_received_total",
			Help:      "Total captured audio chunks forwarded to providers",
		}),

		KafkaPublishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		STTRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_requests_total",
			Help:      "Vendor connections opened or batch uploads sent",
		}, []string{"provider", "kind"}),
		STTLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stt_latency_seconds",
			Help:      "Vendor round-trip latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"provider", "kind"}),
		STTErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_errors_total",
			Help:      "Total number of STT errors",
		}, []string{"provider", "error_type"}),

		SessionLimitExceeded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_limit_exceeded_total",
			Help:      "Total number of times session limits were exceeded",
		}, []string{"limit_type"}),
	}
}

// RecordStreamStart records a new ingress stream starting.
func (m *Metrics) RecordStreamStart() {
	m.StreamsTotal.Inc()
	m.StreamsActive.Inc()
}

// RecordStreamEnd records an ingress stream ending.
func (m *Metrics) RecordStreamEnd(success bool, durationSeconds float64) {
	m.StreamsActive.Dec()
	m.StreamDuration.Observe(durationSeconds)
	if success {
		m.StreamsSuccess.Inc()
	} else {
		m.StreamsFailed.Inc()
	}
}

// RecordSessionActive records a session reaching ACTIVE.
func (m *Metrics) RecordSessionActive(provider string) {
	m.SessionsStarted.WithLabelValues(provider).Inc()
	m.SessionsActive.Inc()
}

// RecordSessionInactive records a session leaving ACTIVE.
func (m *Metrics) RecordSessionInactive(durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSessionFailed records a session moving to ERRORED.
func (m *Metrics) RecordSessionFailed(reason string) {
	m.SessionsFailed.WithLabelValues(reason).Inc()
}

// RecordTransition records a lifecycle transition.
func (m *Metrics) RecordTransition(from, to string) {
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

// RecordStaleResponse records a provider response dropped after stop.
func (m *Metrics) RecordStaleResponse() {
	m.StaleResponses.Inc()
}

// RecordPartialWords records interim words.
func (m *Metrics) RecordPartialWords(n int) {
	m.WordsPartial.Add(float64(n))
}

// RecordFinalWords records finalized words and how many were fillers.
func (m *Metrics) RecordFinalWords(n, fillers int) {
	m.WordsFinal.Add(float64(n))
	m.FillerWords.Add(float64(fillers))
}

// RecordMalformedPayload records a vendor payload that failed to normalize.
func (m *Metrics) RecordMalformedPayload(provider string) {
	m.MalformedPayloads.WithLabelValues(provider).Inc()
}

// RecordAudioReceived records one forwarded audio chunk.
func (m *Metrics) RecordAudioReceived(bytes int) {
	m.AudioBytesReceived.Add(float64(bytes))
	m.AudioChunksReceived.Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordSTTRequest records a vendor request and its latency.
func (m *Metrics) RecordSTTRequest(provider, kind string, latencySeconds float64) {
	m.STTRequests.WithLabelValues(provider, kind).Inc()
	m.STTLatency.WithLabelValues(provider, kind).Observe(latencySeconds)
}

// RecordSTTError records an STT error.
func (m *Metrics) RecordSTTError(provider, errorType string) {
	m.STTErrors.WithLabelValues(provider, errorType).Inc()
}

// RecordLimitExceeded records when a session limit is exceeded.
func (m *Metrics) RecordLimitExceeded(limitType string) {
	m.SessionLimitExceeded.WithLabelValues(limitType).Inc()
}
