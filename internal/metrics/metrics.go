package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carbon_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "carbon_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	operationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carbon_operations_created_total",
			Help: "Operations persisted by channel and type",
		},
		[]string{"channel", "type"},
	)

	scorerFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "carbon_scorer_fallbacks_total",
			Help: "External scoring failures answered from the local factor table",
		},
	)

	notificationsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carbon_notifications_dispatched_total",
			Help: "Confirmation dispatch attempts by result",
		},
		[]string{"result"},
	)

	notificationsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carbon_notifications_processed_total",
			Help: "Confirmations processed by the worker by status",
		},
		[]string{"status"},
	)

	notificationLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "carbon_notification_latency_seconds",
			Help:    "Time from enqueue to delivery",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
	)

	jobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "carbon_worker_jobs_in_flight",
			Help: "Confirmation jobs currently being processed",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "carbon_idempotency_hits_total",
			Help: "Operation creates served from the idempotency cache",
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "carbon_circuit_breaker_state",
			Help: "Breaker state per protected dependency (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carbon_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"route"},
	)
)

// Dispatch results
const (
	DispatchEnqueued = "enqueued"
	DispatchInline   = "inline"
	DispatchFallback = "fallback"
	DispatchFailed   = "failed"
	DispatchSkipped  = "skipped"
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordOperationCreated counts a persisted operation.
func RecordOperationCreated(channel, opType string) {
	operationsCreated.WithLabelValues(channel, opType).Inc()
}

// RecordScorerFallback counts an external scoring failure.
func RecordScorerFallback() {
	scorerFallbacks.Inc()
}

// RecordNotificationDispatched records the outcome of a dispatch call.
func RecordNotificationDispatched(result string) {
	notificationsDispatched.WithLabelValues(result).Inc()
}

// RecordNotificationProcessed records notification processing result
func RecordNotificationProcessed(status string) {
	notificationsProcessed.WithLabelValues(status).Inc()
}

// RecordNotificationLatency records end-to-end notification delivery time
func RecordNotificationLatency(latency time.Duration) {
	notificationLatency.Observe(latency.Seconds())
}

// IncJobsInFlight and DecJobsInFlight track worker occupancy.
func IncJobsInFlight() { jobsInFlight.Inc() }

func DecJobsInFlight() { jobsInFlight.Dec() }

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// SetBreakerState publishes a breaker's current state.
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(route string) {
	rateLimitRejections.WithLabelValues(route).Inc()
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

// Middleware returns HTTP middleware that records request metrics.
// Requests are labelled by chi route pattern so operation ids do not
// explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
