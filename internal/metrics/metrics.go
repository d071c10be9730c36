// Package metrics provides Prometheus metrics collection for the RDMA
// transport.
//
// The CLI exposes them at /metrics when metrics are enabled:
//
// Data Path Metrics:
//   - nebulardma_work_requests_posted_total: Work requests posted by operation
//   - nebulardma_completions_total: Completions by opcode and status
//   - nebulardma_poll_batch_size: Completions returned per non-empty poll
//   - nebulardma_handler_events_total: Completion handler invocations
//
// Connection Metrics:
//   - nebulardma_handshakes_total: Out-of-band handshakes by result
//   - nebulardma_handshake_duration_seconds: Handshake latency histogram
//   - nebulardma_qp_state_transitions_total: Queue pair transitions by target state
//   - nebulardma_active_sessions: Running sessions by role
//
// Memory Metrics:
//   - nebulardma_registered_buffers: Buffers currently registered
//   - nebulardma_registered_buffer_bytes: Bytes currently registered
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WorkRequestsPosted counts work requests handed to the hardware
	WorkRequestsPosted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebulardma_work_requests_posted_total",
			Help: "Total number of work requests posted",
		},
		[]string{"op"},
	)

	// CompletionsTotal counts polled work completions
	CompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebulardma_completions_total",
			Help: "Total number of work completions polled",
		},
		[]string{"opcode", "status"},
	)

	// PollBatchSize tracks how many completions a non-empty poll returned
	PollBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nebulardma_poll_batch_size",
			Help:    "Number of completions returned by a non-empty poll",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8), // 1 to 128
		},
	)

	// HandlerEvents counts completion handler invocations
	HandlerEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebulardma_handler_events_total",
			Help: "Total number of completion handler invocations",
		},
		[]string{"handler"},
	)

	// HandshakesTotal counts out-of-band handshakes
	HandshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebulardma_handshakes_total",
			Help: "Total number of endpoint handshakes",
		},
		[]string{"result"},
	)

	// HandshakeDuration tracks handshake latency in seconds
	HandshakeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nebulardma_handshake_duration_seconds",
			Help:    "Endpoint handshake duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10), // 100us to ~26s
		},
	)

	// RegisteredBuffers tracks buffers currently registered with an adapter
	RegisteredBuffers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nebulardma_registered_buffers",
			Help: "Number of buffers currently registered",
		},
	)

	// RegisteredBufferBytes tracks registered memory in bytes
	RegisteredBufferBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nebulardma_registered_buffer_bytes",
			Help: "Bytes of memory currently registered",
		},
	)

	// QPStateTransitions counts queue pair state changes
	QPStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebulardma_qp_state_transitions_total",
			Help: "Total number of queue pair state transitions",
		},
		[]string{"state"},
	)

	// ActiveSessions tracks running sessions per role
	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nebulardma_active_sessions",
			Help: "Number of sessions in the running state",
		},
		[]string{"role"},
	)

	// BuildInfo exposes the running version
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nebulardma_build_info",
			Help: "Build information",
		},
		[]string{"version"},
	)
)

// Version is set at build time
var Version = "dev"

// Init publishes build information
func Init() {
	BuildInfo.WithLabelValues(Version).Set(1)
}

// RecordWorkRequest records one posted work request
func RecordWorkRequest(op string) {
	WorkRequestsPosted.WithLabelValues(op).Inc()
}

// RecordCompletion records one polled completion
func RecordCompletion(opcode, status string) {
	CompletionsTotal.WithLabelValues(opcode, status).Inc()
}

// RecordPoll records the size of a poll result. Empty polls are not observed
// so busy spinning does not drown the histogram.
func RecordPoll(n int) {
	if n > 0 {
		PollBatchSize.Observe(float64(n))
	}
}

// RecordHandler records one handler invocation
func RecordHandler(handler string) {
	HandlerEvents.WithLabelValues(handler).Inc()
}

// RecordHandshake records a finished handshake
func RecordHandshake(success bool, duration time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}

	HandshakesTotal.WithLabelValues(result).Inc()
	HandshakeDuration.Observe(duration.Seconds())
}

// AddRegisteredBuffer records a buffer registration (delta 1) or
// deregistration (delta -1) of size bytes
func AddRegisteredBuffer(delta int, size int) {
	RegisteredBuffers.Add(float64(delta))
	RegisteredBufferBytes.Add(float64(delta * size))
}

// RecordQPTransition records a queue pair moving to state
func RecordQPTransition(state string) {
	QPStateTransitions.WithLabelValues(state).Inc()
}

// IncrementActiveSessions marks a session of role as running
func IncrementActiveSessions(role string) {
	ActiveSessions.WithLabelValues(role).Inc()
}

// DecrementActiveSessions marks a session of role as stopped
func DecrementActiveSessions(role string) {
	ActiveSessions.WithLabelValues(role).Dec()
}
