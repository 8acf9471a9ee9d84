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
			Name: "notifications_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notifications_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	eventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_events_consumed_total",
			Help: "Domain events consumed from the bus by type",
		},
		[]string{"type"},
	)

	eventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_events_dropped_total",
			Help: "Domain events dropped without producing a notification",
		},
		[]string{"reason"},
	)

	notificationsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_written_total",
			Help: "Ledger writes by outcome (created or merged)",
		},
		[]string{"outcome", "type"},
	)

	pushStreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notifications_push_streams_active",
			Help: "Currently registered SSE streams",
		},
	)

	pushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_pushes_total",
			Help: "SSE push attempts by result (delivered or dropped)",
		},
		[]string{"result"},
	)

	telegramDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_telegram_deliveries_total",
			Help: "Telegram delivery attempts by final status",
		},
		[]string{"status"},
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

// RecordEventConsumed records one handled domain event
func RecordEventConsumed(eventType string) {
	eventsConsumed.WithLabelValues(eventType).Inc()
}

// RecordEventDropped records a dropped domain event with the drop reason
func RecordEventDropped(reason string) {
	eventsDropped.WithLabelValues(reason).Inc()
}

// RecordNotificationWritten records a ledger create or merge
func RecordNotificationWritten(outcome, notifType string) {
	notificationsWritten.WithLabelValues(outcome, notifType).Inc()
}

// SetPushStreamsActive sets the live SSE stream count
func SetPushStreamsActive(count int) {
	pushStreamsActive.Set(float64(count))
}

// RecordPush records one SSE push attempt
func RecordPush(delivered bool) {
	if delivered {
		pushesTotal.WithLabelValues("delivered").Inc()
	} else {
		pushesTotal.WithLabelValues("dropped").Inc()
	}
}

// RecordTelegramDelivery records the final status of a Telegram dispatch
func RecordTelegramDelivery(status string) {
	telegramDeliveries.WithLabelValues(status).Inc()
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

// Flush passes through to the underlying writer so streaming responses
// (SSE) keep working behind this middleware.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer for http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
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
