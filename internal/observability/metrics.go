package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Chunk outcomes
const (
	ChunkDispatched = "dispatched"
	ChunkSilent     = "silent"
	ChunkTooSmall   = "too_small"
	ChunkEncodeFail = "encode_error"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meeting_capture_active_sessions",
		Help: "Number of capture sessions currently held in memory",
	})

	sessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meeting_capture_sessions_total",
		Help: "Total number of capture sessions created",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "meeting_capture_session_capture_seconds",
		Help:    "Seconds spent capturing per finished session",
		Buckets: []float64{30, 60, 300, 600, 1800, 3600, 7200},
	})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meeting_capture_transitions_total",
		Help: "Session state transitions",
	}, []string{"from", "to"})

	// Chunk metrics
	chunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meeting_capture_chunks_total",
		Help: "Chunks closed at a window boundary, by outcome",
	}, []string{"outcome"})

	// Transcription metrics
	transcriptionRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meeting_capture_transcription_requests_total",
		Help: "Total number of chunk transcription requests",
	}, []string{"status"})

	transcriptionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "meeting_capture_transcription_latency_seconds",
		Help:    "Chunk transcription latency in seconds",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
	})

	transcriptionsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meeting_capture_transcriptions_in_flight",
		Help: "Chunk transcriptions currently outstanding across all sessions",
	})

	// Finalize metrics
	finalizeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meeting_capture_finalize_total",
		Help: "Finalize outcomes (done, persist_error, analysis_error)",
	}, []string{"outcome"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meeting_capture_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meeting_capture_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meeting_capture_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesCaptured = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meeting_capture_audio_bytes_total",
		Help: "Total audio bytes received from capture sources",
	}, []string{"source"})
)

// Metrics tracks metrics for a single capture session
type Metrics struct {
	sessionID string
	createdAt time.Time
}

// NewSessionMetrics creates a metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		createdAt: time.Now(),
	}
}

// RecordSessionStart records the creation of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	sessionsTotal.Inc()
}

// RecordSessionEnd records the removal of a session and its capture time
func (m *Metrics) RecordSessionEnd(captured time.Duration) {
	activeSessions.Dec()
	sessionDuration.Observe(captured.Seconds())
}

// RecordTransition records a state transition
func (m *Metrics) RecordTransition(from, to string) {
	transitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordChunk records a closed chunk window
func (m *Metrics) RecordChunk(outcome string) {
	chunksTotal.WithLabelValues(outcome).Inc()
}

// RecordTranscriptionStart marks a chunk transcription as outstanding
func (m *Metrics) RecordTranscriptionStart() {
	transcriptionsInFlight.Inc()
}

// RecordTranscriptionEnd records the completion of a chunk transcription
func (m *Metrics) RecordTranscriptionEnd(success bool, latency time.Duration) {
	transcriptionsInFlight.Dec()
	transcriptionLatency.Observe(latency.Seconds())

	status := "success"
	if !success {
		status = "error"
	}
	transcriptionRequests.WithLabelValues(status).Inc()
}

// RecordFinalize records a finalize outcome
func (m *Metrics) RecordFinalize(outcome string) {
	finalizeTotal.WithLabelValues(outcome).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records captured audio bytes
func (m *Metrics) RecordAudioBytes(source string, bytes int64) {
	audioBytesCaptured.WithLabelValues(source).Add(float64(bytes))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
