package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodia_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "custodia_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// LedgerCalls counts submit/evaluate round trips by function and
	// outcome. The delivery service records into this.
	LedgerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodia_ledger_calls_total",
			Help: "Total ledger submit/evaluate calls by function and outcome",
		},
		[]string{"call", "fn", "outcome"},
	)

	// EventConsumerUp is 1 while the chaincode event consumer is
	// connected. Readiness fails when it drops.
	EventConsumerUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "custodia_event_consumer_up",
			Help: "Whether the chaincode event consumer is connected",
		},
	)

	// WebSocketClients tracks currently connected event subscribers.
	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "custodia_websocket_clients",
			Help: "Number of connected WebSocket clients",
		},
	)
)

// Metrics returns a middleware that records Prometheus metrics for every
// request.
func Metrics() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrapResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			path := routePattern(r)
			httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// routePattern returns the chi route pattern to keep metric cardinality
// bounded, falling back to the raw path.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}
