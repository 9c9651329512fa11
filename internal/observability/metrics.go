package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Call metrics
	activeCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "translate_gateway_active_calls",
		Help: "Number of active phone calls",
	})

	totalCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "translate_gateway_calls_total",
		Help: "Total number of calls processed",
	})

	callDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "translate_gateway_call_duration_seconds",
		Help:    "Duration of phone calls in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Translation backend metrics
	backendConnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "translate_gateway_backend_connects_total",
		Help: "Total number of translation backend connection attempts",
	}, []string{"status"})

	backendTurns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "translate_gateway_backend_turns_total",
		Help: "Total number of completed translation turns",
	})

	backendInterruptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "translate_gateway_backend_interruptions_total",
		Help: "Total number of caller barge-ins while the backend was speaking",
	})

	// TTS metrics
	ttsRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "translate_gateway_tts_requests_total",
		Help: "Total number of TTS synthesis requests",
	}, []string{"provider", "status"})

	ttsLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "translate_gateway_tts_latency_seconds",
		Help:    "TTS synthesis latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	}, []string{"provider"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "translate_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "translate_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "translate_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "translate_gateway_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "translate_gateway_frames_dropped_total",
		Help: "Total audio frames dropped before playback",
	}, []string{"reason"}) // reason: "interrupted", "stale", "overflow"

	resamplerFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "translate_gateway_resampler_fallbacks_total",
		Help: "Total calls that lost the external resampler mid-stream",
	})

	// Speech activity metrics
	speechSegments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "translate_gateway_speech_segments_total",
		Help: "Total caller speech segments observed by the VAD",
	})
)

// Metrics tracks metrics for a single call
type Metrics struct {
	callID       string
	startTime    time.Time
	ttsStartTime time.Time
	mu           sync.Mutex
}

// NewCallMetrics creates a new metrics tracker for a call
func NewCallMetrics(callID string) *Metrics {
	return &Metrics{
		callID:    callID,
		startTime: time.Now(),
	}
}

// RecordCallStart records the start of a call
func (m *Metrics) RecordCallStart() {
	activeCalls.Inc()
	totalCalls.Inc()
}

// RecordCallEnd records the end of a call
func (m *Metrics) RecordCallEnd() {
	activeCalls.Dec()
	duration := time.Since(m.startTime).Seconds()
	callDuration.Observe(duration)
}

// RecordBackendConnect records one backend connection attempt
func (m *Metrics) RecordBackendConnect(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	backendConnects.WithLabelValues(status).Inc()
}

// RecordTurn records a completed translation turn
func (m *Metrics) RecordTurn() {
	backendTurns.Inc()
}

// RecordInterruption records a caller barge-in
func (m *Metrics) RecordInterruption() {
	backendInterruptions.Inc()
}

// RecordTTSStart records the start of TTS synthesis
func (m *Metrics) RecordTTSStart() {
	m.mu.Lock()
	m.ttsStartTime = time.Now()
	m.mu.Unlock()
}

// RecordTTSEnd records the end of TTS synthesis
func (m *Metrics) RecordTTSEnd(provider string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ttsStartTime.IsZero() {
		latency := time.Since(m.ttsStartTime).Seconds()
		ttsLatency.WithLabelValues(provider).Observe(latency)
	}

	status := "success"
	if !success {
		status = "error"
	}
	ttsRequests.WithLabelValues(provider, status).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordFramesDropped records frames discarded before playback
func (m *Metrics) RecordFramesDropped(reason string, count int) {
	if count > 0 {
		framesDropped.WithLabelValues(reason).Add(float64(count))
	}
}

// RecordResamplerFallback records one call losing the external resampler
func (m *Metrics) RecordResamplerFallback() {
	resamplerFallbacks.Inc()
}

// RecordSpeechSegment records one caller speech segment
func (m *Metrics) RecordSpeechSegment() {
	speechSegments.Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
