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
			Name: "cannaai_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cannaai_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	notificationsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cannaai_notifications_dispatched_total",
			Help: "Notifications persisted by the dispatcher, by type and severity",
		},
		[]string{"type", "severity"},
	)

	notificationsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cannaai_notifications_suppressed_total",
			Help: "Notifications whose external fan-out was suppressed, by reason",
		},
		[]string{"reason"},
	)

	channelDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cannaai_channel_deliveries_total",
			Help: "Channel delivery attempts by channel and status",
		},
		[]string{"channel", "status"},
	)

	webhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cannaai_webhook_deliveries_total",
			Help: "Webhook delivery attempts by resulting status",
		},
		[]string{"status"},
	)

	webhookLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cannaai_webhook_delivery_seconds",
			Help:    "Round-trip time of webhook POSTs",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	dedupHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cannaai_dedup_hits_total",
			Help: "Notifications dropped as duplicates",
		},
	)

	groupedNotifications = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cannaai_grouped_notifications_total",
			Help: "Notifications collapsed into grouped sends",
		},
	)

	scheduledProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cannaai_scheduled_processed_total",
			Help: "Scheduled notifications processed by outcome",
		},
		[]string{"outcome"},
	)

	loopTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cannaai_loop_ticks_total",
			Help: "Background loop ticks by loop and outcome (ran, skipped, error)",
		},
		[]string{"loop", "outcome"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cannaai_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cannaai_rate_limit_rejections_total",
			Help: "API requests rejected by rate limiter",
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cannaai_circuit_breaker_state",
			Help: "Circuit breaker state per sender (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cannaai_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cannaai_redis_connections",
			Help: "Open Redis connections",
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

func RecordDispatched(notificationType, severity string) {
	notificationsDispatched.WithLabelValues(notificationType, severity).Inc()
}

func RecordSuppressed(reason string) {
	notificationsSuppressed.WithLabelValues(reason).Inc()
}

func RecordChannelDelivery(channel, status string) {
	channelDeliveries.WithLabelValues(channel, status).Inc()
}

// RecordWebhookDelivery records the status an attempt left the delivery in
// and how long the POST took.
func RecordWebhookDelivery(status string, latency time.Duration) {
	webhookDeliveries.WithLabelValues(status).Inc()
	webhookLatency.Observe(latency.Seconds())
}

func RecordDedupHit() {
	dedupHits.Inc()
}

func RecordGrouped(n int) {
	groupedNotifications.Add(float64(n))
}

func RecordScheduledProcessed(outcome string) {
	scheduledProcessed.WithLabelValues(outcome).Inc()
}

func RecordLoopTick(loop, outcome string) {
	loopTicks.WithLabelValues(loop, outcome).Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// SetBreakerState publishes a circuit breaker's state.
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets open Redis connection count
func SetRedisConnections(count int) {
	redisConnections.Set(float64(count))
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

// Middleware records request metrics labelled by the chi route pattern, so
// /v1/webhooks/{id} is one series rather than one per id.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
