package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Audio metrics
	audioChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caption_gateway_audio_chunks_total",
		Help: "Audio chunks handed to the recognizer path",
	}, []string{"pipeline"}) // pipeline: "source" or "output"

	audioBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caption_gateway_audio_bytes_total",
		Help: "Canonical audio bytes handed to the recognizer path",
	}, []string{"pipeline"})

	audioDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caption_gateway_audio_dropped_total",
		Help: "Audio chunks not accepted by the recognizer path",
	}, []string{"reason"})

	audioLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "caption_gateway_audio_level_rms",
		Help: "RMS level of the last canonical audio chunk",
	})

	speechActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "caption_gateway_speech_active",
		Help: "1 while the captured audio carries speech energy",
	})

	speechSegments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caption_gateway_speech_segments_total",
		Help: "Speech segments detected in the captured audio",
	})

	captureStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "caption_gateway_capture_status",
		Help: "Audio capture status (0=capturing, 1=muted, 2=not streamed)",
	})

	// Recognition stream metrics
	activeStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "caption_gateway_active_streams",
		Help: "Number of open recognition streams",
	})

	streamsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caption_gateway_streams_total",
		Help: "Total number of recognition streams started",
	})

	streamDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "caption_gateway_stream_duration_seconds",
		Help:    "Lifetime of recognition streams in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 240, 300, 600},
	})

	streamCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caption_gateway_stream_cycles_total",
		Help: "Stream handovers performed by the reconnect orchestrator",
	}, []string{"kind"}) // kind: "prepare", "promote" or "fresh"

	forcedFinals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caption_gateway_forced_finals_total",
		Help: "Final results synthesized because a stream was cycled mid-utterance",
	})

	recognizerResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caption_gateway_recognizer_results_total",
		Help: "Results received from the recognizer",
	}, []string{"final"})

	// Caption metrics
	formatFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caption_gateway_format_failures_total",
		Help: "Caption results that could not be formatted",
	})

	captionsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caption_gateway_captions_emitted_total",
		Help: "Captions dispatched to the outputs",
	}, []string{"kind"}) // kind: "final", "interim" or "clearance"

	sinkWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caption_gateway_sink_writes_total",
		Help: "Caption writer outcomes per destination",
	}, []string{"sink", "outcome"})

	sinkDelay = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "caption_gateway_sink_delay_seconds",
		Help:    "Time a caption waited to line up with a delayed output",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30},
	}, []string{"sink"})

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

// StreamMetrics tracks metrics for a single recognition stream
type StreamMetrics struct {
	streamID  string
	startTime time.Time
	ended     bool
	mu        sync.Mutex
}

// NewStreamMetrics creates a new metrics tracker for a recognition stream
func NewStreamMetrics(streamID string) *StreamMetrics {
	return &StreamMetrics{streamID: streamID}
}

// RecordStart records the start of a stream
func (m *StreamMetrics) RecordStart() {
	m.mu.Lock()
	m.startTime = time.Now()
	m.mu.Unlock()

	activeStreams.Inc()
	streamsTotal.Inc()
}

// RecordEnd records the end of a stream; only the first call counts
func (m *StreamMetrics) RecordEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ended || m.startTime.IsZero() {
		return
	}
	m.ended = true

	activeStreams.Dec()
	streamDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordResult records a recognizer result
func (m *StreamMetrics) RecordResult(final bool) {
	label := "false"
	if final {
		label = "true"
	}
	recognizerResults.WithLabelValues(label).Inc()
}

// RecordAudioChunk records a canonical audio chunk leaving a pipeline
func RecordAudioChunk(pipeline string, bytes int) {
	audioChunks.WithLabelValues(pipeline).Inc()
	audioBytes.WithLabelValues(pipeline).Add(float64(bytes))
}

// RecordAudioDropped records an audio chunk the recognizer path refused
func RecordAudioDropped(reason string) {
	audioDropped.WithLabelValues(reason).Inc()
}

// UpdateAudioLevel records the RMS level of the latest chunk
func UpdateAudioLevel(rms float64) {
	audioLevel.Set(rms)
}

// UpdateSpeechActive records a speech start or end
func UpdateSpeechActive(speaking bool) {
	if speaking {
		speechActive.Set(1)
		speechSegments.Inc()
		return
	}
	speechActive.Set(0)
}

// UpdateCaptureStatus records the current capture status
func UpdateCaptureStatus(status int) {
	captureStatus.Set(float64(status))
}

// RecordStreamCycle records an orchestrator handover
func RecordStreamCycle(kind string) {
	streamCycles.WithLabelValues(kind).Inc()
}

// RecordForcedFinal records a synthesized final result
func RecordForcedFinal() {
	forcedFinals.Inc()
}

// RecordFormatFailure records a caption that could not be formatted
func RecordFormatFailure() {
	formatFailures.Inc()
}

// RecordCaptionEmitted records a caption or clearance dispatched to the outputs
func RecordCaptionEmitted(kind string) {
	captionsEmitted.WithLabelValues(kind).Inc()
}

// RecordSinkWrite records a caption writer outcome for a destination
func RecordSinkWrite(sink, outcome string) {
	sinkWrites.WithLabelValues(sink, outcome).Inc()
}

// ObserveSinkDelay records how long a caption waited for a delayed output
func ObserveSinkDelay(sink string, waited time.Duration) {
	sinkDelay.WithLabelValues(sink).Observe(waited.Seconds())
}

// RecordError records an error
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
