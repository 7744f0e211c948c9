package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reasons a window never becomes a transcript chunk
const (
	DropReasonQueueFull           = "queue_full"
	DropReasonTranscriptionFailed = "transcription_failed"
	DropReasonPersistFailed       = "persist_failed"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transcriber_active_sessions",
		Help: "Number of sessions currently streaming",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcriber_sessions_total",
		Help: "Total number of sessions started",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcriber_session_duration_seconds",
		Help:    "Duration of transcription sessions in seconds",
		Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200},
	})

	sessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_session_transitions_total",
		Help: "Session state machine transitions",
	}, []string{"from", "to"})

	// Window metrics
	windowsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcriber_windows_emitted_total",
		Help: "Audio windows emitted by session buffers",
	})

	windowsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_windows_dropped_total",
		Help: "Audio windows that produced no transcript chunk because of a failure",
	}, []string{"reason"})

	windowsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcriber_windows_skipped_total",
		Help: "Audio windows skipped as silence",
	})

	bufferOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcriber_buffer_overflows_total",
		Help: "Frames that forced an early buffer flush",
	})

	// Transcription metrics
	transcriptionAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_transcription_attempts_total",
		Help: "Transcription provider calls by outcome",
	}, []string{"status"})

	transcriptionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcriber_transcription_latency_seconds",
		Help:    "Transcription provider latency in seconds",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	})

	segmentsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcriber_segments_deduplicated_total",
		Help: "Segments discarded because they fell inside the overlap region",
	})

	// Persistence metrics
	chunksPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcriber_chunks_persisted_total",
		Help: "Transcript chunks written to storage",
	})

	persistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcriber_persist_failures_total",
		Help: "Transcript chunk writes that failed",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "transcriber_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcriber_audio_bytes_total",
		Help: "Total audio bytes ingested after normalization",
	})
)

// SessionMetrics tracks metrics for a single transcription session
type SessionMetrics struct {
	sessionKey string
	startTime  time.Time
	active     bool
	mu         sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionKey string) *SessionMetrics {
	return &SessionMetrics{sessionKey: sessionKey}
}

// RecordSessionStart records that the session began streaming
func (m *SessionMetrics) RecordSessionStart() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active {
		return
	}
	m.active = true
	m.startTime = time.Now()
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records that the session stopped streaming.
// Safe to call more than once.
func (m *SessionMetrics) RecordSessionEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		return
	}
	m.active = false
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordTransition records a state machine transition
func (m *SessionMetrics) RecordTransition(from, to string) {
	sessionTransitions.WithLabelValues(from, to).Inc()
}

// RecordAudioBytes records normalized audio bytes ingested
func (m *SessionMetrics) RecordAudioBytes(n int) {
	audioBytesProcessed.Add(float64(n))
}

// RecordWindowEmitted records a window leaving the buffer
func (m *SessionMetrics) RecordWindowEmitted() {
	windowsEmitted.Inc()
}

// RecordWindowDropped records a window lost for the given reason
func (m *SessionMetrics) RecordWindowDropped(reason string) {
	windowsDropped.WithLabelValues(reason).Inc()
}

// RecordWindowSkipped records a window skipped as silence
func (m *SessionMetrics) RecordWindowSkipped() {
	windowsSkipped.Inc()
}

// RecordBufferOverflow records a frame that forced an early flush
func (m *SessionMetrics) RecordBufferOverflow() {
	bufferOverflows.Inc()
}

// RecordTranscriptionAttempt records one provider call and its latency
func (m *SessionMetrics) RecordTranscriptionAttempt(success bool, latency time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	transcriptionAttempts.WithLabelValues(status).Inc()
	transcriptionLatency.Observe(latency.Seconds())
}

// RecordSegmentsDeduplicated records segments dropped by the overlap filter
func (m *SessionMetrics) RecordSegmentsDeduplicated(n int) {
	if n > 0 {
		segmentsDeduplicated.Add(float64(n))
	}
}

// RecordChunkPersisted records a successful chunk write
func (m *SessionMetrics) RecordChunkPersisted() {
	chunksPersisted.Inc()
}

// RecordPersistFailure records a failed chunk write
func (m *SessionMetrics) RecordPersistFailure() {
	persistFailures.Inc()
}

// RecordError records an error
func (m *SessionMetrics) RecordError(errorType, component string) {
	RecordError(errorType, component)
}

// RecordError records an error outside of any session
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
