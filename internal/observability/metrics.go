package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_gateway_active_sessions",
		Help: "Number of live voice sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_gateway_sessions_total",
		Help: "Total number of voice sessions created",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_gateway_session_duration_seconds",
		Help:    "Duration of voice sessions in seconds",
		Buckets: []float64{5, 30, 60, 120, 300, 600, 1800},
	})

	// Conversation metrics
	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_state_transitions_total",
		Help: "Committed conversation state transitions",
	}, []string{"from", "to"})

	bargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_gateway_barge_ins_total",
		Help: "Times the user interrupted assistant speech",
	})

	turns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_turns_total",
		Help: "Conversation turns by role",
	}, []string{"role"}) // role: "user" or "assistant"

	// STT metrics
	sttEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_stt_events_total",
		Help: "STT events consumed by sessions",
	}, []string{"type"})

	// TTS metrics
	ttsStreams = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_tts_streams_total",
		Help: "TTS streams by outcome",
	}, []string{"status"}) // status: "completed", "cancelled", "error"

	ttsFirstChunkLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_gateway_tts_first_chunk_seconds",
		Help:    "Time from synthesis request to first audio chunk",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// LLM metrics
	llmRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_llm_requests_total",
		Help: "Total number of LLM requests",
	}, []string{"status"})

	llmLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_gateway_llm_latency_seconds",
		Help:    "LLM full response latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// SessionMetrics records Prometheus metrics for a single voice session
type SessionMetrics struct {
	sessionID    string
	startTime    time.Time
	ttsStartTime time.Time
	llmStartTime time.Time
	mu           sync.Mutex
}

// NewSessionMetrics creates a new metrics recorder for a session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *SessionMetrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *SessionMetrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordTransition records a committed state transition
func (m *SessionMetrics) RecordTransition(from, to string) {
	RecordStateTransition(from, to)
}

// RecordBargeIn records a user interruption
func (m *SessionMetrics) RecordBargeIn() {
	bargeIns.Inc()
}

// RecordTurn records a completed user or assistant turn
func (m *SessionMetrics) RecordTurn(role string) {
	turns.WithLabelValues(role).Inc()
}

// RecordSTTEvent records a consumed STT event
func (m *SessionMetrics) RecordSTTEvent(eventType string) {
	sttEvents.WithLabelValues(eventType).Inc()
}

// RecordTTSStart records the start of a synthesis stream
func (m *SessionMetrics) RecordTTSStart() {
	m.mu.Lock()
	m.ttsStartTime = time.Now()
	m.mu.Unlock()
}

// RecordTTSFirstChunk observes the latency to the first synthesized chunk
func (m *SessionMetrics) RecordTTSFirstChunk() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ttsStartTime.IsZero() {
		ttsFirstChunkLatency.Observe(time.Since(m.ttsStartTime).Seconds())
	}
}

// RecordTTSEnd records how a synthesis stream ended
func (m *SessionMetrics) RecordTTSEnd(status string) {
	ttsStreams.WithLabelValues(status).Inc()
}

// RecordLLMStart records the start of an LLM request
func (m *SessionMetrics) RecordLLMStart() {
	m.mu.Lock()
	m.llmStartTime = time.Now()
	m.mu.Unlock()
}

// RecordLLMEnd records the end of an LLM request
func (m *SessionMetrics) RecordLLMEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.llmStartTime.IsZero() {
		llmLatency.Observe(time.Since(m.llmStartTime).Seconds())
	}

	status := "success"
	if !success {
		status = "error"
	}
	llmRequests.WithLabelValues(status).Inc()
}

// RecordError records an error
func (m *SessionMetrics) RecordError(errorType, component string) {
	RecordError(errorType, component)
}

// RecordAudioBytes records audio bytes processed
func (m *SessionMetrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordStateTransition records a committed conversation state transition
func RecordStateTransition(from, to string) {
	stateTransitions.WithLabelValues(from, to).Inc()
}

// RecordError records an error outside of a session scope
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
