package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasub_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wasub_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	connectionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasub_connection_transitions_total",
			Help: "Connection state transitions by target state",
		},
		[]string{"to"},
	)

	authFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wasub_auth_failures_total",
			Help: "Channel credential rejections",
		},
	)

	dispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasub_dispatches_total",
			Help: "Total dispatch attempts by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	dispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wasub_dispatch_latency_seconds",
			Help:    "Channel round-trip time per dispatch",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"kind"},
	)

	reminderPasses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wasub_reminder_passes_total",
			Help: "Completed reminder scheduler passes",
		},
	)

	remindersSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wasub_reminders_sent_total",
			Help: "Reminders successfully dispatched",
		},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasub_errors_total",
			Help: "Errors by kind",
		},
		[]string{"kind"},
	)

	throttleRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wasub_throttle_rejections_total",
			Help: "Sends deferred by the outbound throughput limiter",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordConnectionTransition records a connection state change
func RecordConnectionTransition(to string) {
	connectionTransitions.WithLabelValues(to).Inc()
}

// RecordAuthFailure records a channel credential rejection
func RecordAuthFailure() {
	authFailures.Inc()
}

// RecordDispatch records a dispatch attempt outcome
func RecordDispatch(kind string, sent bool, latency time.Duration) {
	status := "sent"
	if !sent {
		status = "failed"
	}
	dispatchesTotal.WithLabelValues(kind, status).Inc()
	dispatchLatency.WithLabelValues(kind).Observe(latency.Seconds())
}

// RecordDispatchRejected records a dispatch that failed before reaching
// the channel. No latency observation: only real round trips feed the
// histogram.
func RecordDispatchRejected(kind string) {
	dispatchesTotal.WithLabelValues(kind, "failed").Inc()
}

// RecordReminderPass records one completed scheduler pass
func RecordReminderPass(sent int) {
	reminderPasses.Inc()
	remindersSent.Add(float64(sent))
}

// RecordError records an error occurrence by kind
func RecordError(kind string) {
	errorsTotal.WithLabelValues(kind).Inc()
}

// RecordThrottleRejection records a throughput-limiter deferral
func RecordThrottleRejection() {
	throttleRejections.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
