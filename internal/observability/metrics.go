package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "teleopctl",
			Subsystem: "registry",
			Name:      "sessions_active",
			Help:      "Currently registered sessions.",
		},
	)
	handshakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teleopctl",
			Subsystem: "registry",
			Name:      "handshakes_total",
			Help:      "Handshake attempts by outcome.",
		},
		[]string{"outcome"},
	)
	inferenceLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "teleopctl",
			Subsystem: "dispatch",
			Name:      "inference_latency_seconds",
			Help:      "Policy inference latency in seconds.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)
	inferenceErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "teleopctl",
			Subsystem: "dispatch",
			Name:      "inference_errors_total",
			Help:      "Failed policy inference calls.",
		},
	)
	observationsSuperseded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "teleopctl",
			Subsystem: "dispatch",
			Name:      "observations_superseded_total",
			Help:      "Pending observations overwritten by a fresher one.",
		},
	)
	observationsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "teleopctl",
			Subsystem: "transport",
			Name:      "observations_dropped_total",
			Help:      "Outbound observations discarded by the buffer drop policy.",
		},
	)
	heartbeatTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "teleopctl",
			Subsystem: "transport",
			Name:      "heartbeat_timeouts_total",
			Help:      "Sessions closed after heartbeat starvation.",
		},
	)
	degradedTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "teleopctl",
			Subsystem: "driver",
			Name:      "degraded_ticks_total",
			Help:      "Control ticks spent in the degraded state.",
		},
	)
	loopOverruns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "teleopctl",
			Subsystem: "driver",
			Name:      "loop_overruns_total",
			Help:      "Ticks whose processing exceeded the tick period.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teleopctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "teleopctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			sessionsActive, handshakesTotal,
			inferenceLatency, inferenceErrors, observationsSuperseded,
			observationsDropped, heartbeatTimeouts,
			degradedTicks, loopOverruns,
			httpRequests, httpDuration,
		)
	})
}

func SessionOpened() {
	RegisterMetrics()
	sessionsActive.Inc()
}

func SessionClosed() {
	RegisterMetrics()
	sessionsActive.Dec()
}

func RecordHandshake(outcome string) {
	RegisterMetrics()
	handshakesTotal.WithLabelValues(outcome).Inc()
}

func ObserveInferenceLatency(d time.Duration) {
	RegisterMetrics()
	inferenceLatency.Observe(d.Seconds())
}

func RecordInferenceError() {
	RegisterMetrics()
	inferenceErrors.Inc()
}

func RecordSupersededObservation() {
	RegisterMetrics()
	observationsSuperseded.Inc()
}

func RecordDroppedObservation() {
	RegisterMetrics()
	observationsDropped.Inc()
}

func RecordHeartbeatTimeout() {
	RegisterMetrics()
	heartbeatTimeouts.Inc()
}

func RecordDegradedTick() {
	RegisterMetrics()
	degradedTicks.Inc()
}

func RecordLoopOverrun() {
	RegisterMetrics()
	loopOverruns.Inc()
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
