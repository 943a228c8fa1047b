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
		Name: "caption_gateway_active_sessions",
		Help: "Number of capture sessions currently capturing",
	})

	sessionStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caption_gateway_session_starts_total",
		Help: "Capture session start attempts by backend and outcome",
	}, []string{"backend", "outcome"})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "caption_gateway_session_duration_seconds",
		Help:    "Duration of capture sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 900, 1800, 3600},
	})

	// Recognition metrics
	transcripts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caption_gateway_transcripts_total",
		Help: "Transcript events delivered by backend and finality",
	}, []string{"backend", "finality"})

	warnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caption_gateway_warnings_total",
		Help: "Warnings surfaced to observers",
	}, []string{"component"})

	backendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "caption_gateway_backend_request_seconds",
		Help:    "Round trip latency of batch and local recognition requests",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	}, []string{"backend"})

	// Pipeline metrics
	droppedAudio = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caption_gateway_dropped_audio_total",
		Help: "Audio units dropped before reaching a backend",
	}, []string{"unit", "reason"}) // unit: chunk, segment, frame

	audioBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caption_gateway_audio_bytes_total",
		Help: "Audio bytes handed to backends",
	}, []string{"backend"})

	// Translation metrics
	translations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caption_gateway_translations_total",
		Help: "Translation calls by variant and status",
	}, []string{"variant", "status"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caption_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "caption_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caption_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// Metrics tracks metrics for a single capture session
type Metrics struct {
	sessionID string
	backend   string
	startTime time.Time
	started   bool
	mu        sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID, backend string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		backend:   backend,
		startTime: time.Now(),
	}
}

// RecordStartFailure records a start attempt that never reached capturing
func (m *Metrics) RecordStartFailure(reason string) {
	sessionStarts.WithLabelValues(m.backend, reason).Inc()
}

// RecordSessionStart records the transition into capturing
func (m *Metrics) RecordSessionStart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.startTime = time.Now()
	activeSessions.Inc()
	sessionStarts.WithLabelValues(m.backend, "ok").Inc()
}

// RecordSessionEnd records the end of a session that reached capturing
func (m *Metrics) RecordSessionEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.started = false
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordTranscript counts one transcript event
func (m *Metrics) RecordTranscript(isFinal bool) {
	finality := "interim"
	if isFinal {
		finality = "final"
	}
	transcripts.WithLabelValues(m.backend, finality).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordWarning counts a warning surfaced by a component
func RecordWarning(component string) {
	warnings.WithLabelValues(component).Inc()
}

// RecordDropped counts an audio unit dropped before submission
func RecordDropped(unit, reason string) {
	droppedAudio.WithLabelValues(unit, reason).Inc()
}

// RecordAudioBytes records audio bytes handed to a backend
func RecordAudioBytes(backend string, bytes int) {
	audioBytes.WithLabelValues(backend).Add(float64(bytes))
}

// ObserveBackendLatency records the duration of a request-response recognition call
func ObserveBackendLatency(backend string, d time.Duration) {
	backendLatency.WithLabelValues(backend).Observe(d.Seconds())
}

// RecordTranslation counts a translation call
func RecordTranslation(variant string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	translations.WithLabelValues(variant, status).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
