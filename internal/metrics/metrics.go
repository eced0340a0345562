// Package metrics provides Prometheus instrumentation for the protect engine.
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
	// ExecutionsTotal counts execution events accepted by the ledger.
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "protect_executions_total",
		Help: "Execution events applied to the position ledger",
	}, []string{"side"})

	// ExecutionsDuplicate counts redelivered events dropped by dedup.
	ExecutionsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "protect_executions_duplicate_total",
		Help: "Execution events dropped as duplicates",
	})

	// ExecutionsInvalid counts events rejected at ingestion (parse or
	// integrity failures).
	ExecutionsInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "protect_executions_invalid_total",
		Help: "Execution events rejected as malformed or invalid",
	})

	// OrdersPlaced counts protective orders placed, by slot kind.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "protect_orders_placed_total",
		Help: "Protective orders placed at the broker",
	}, []string{"slot"})

	// OrdersCancelled counts protective orders cancelled.
	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "protect_orders_cancelled_total",
		Help: "Protective orders cancelled at the broker",
	})

	// OrderRetries counts retried broker operations.
	OrderRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "protect_order_retries_total",
		Help: "Broker place/cancel operations retried after transient failure",
	})

	// ReconcileDuration tracks one full reconcile pass per instrument.
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "protect_reconcile_duration_seconds",
		Help:    "Duration of one desired-vs-working reconcile pass",
		Buckets: prometheus.DefBuckets,
	})

	// StreamReconnects counts broker stream reconnect attempts.
	StreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "protect_stream_reconnects_total",
		Help: "Broker stream reconnect attempts",
	})

	// ActivePositions tracks open positions in the active session.
	ActivePositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "protect_active_positions",
		Help: "Number of currently open positions",
	})

	// ActiveWorkers tracks running per-instrument pipeline workers.
	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "protect_active_workers",
		Help: "Number of per-instrument pipeline workers",
	})

	// WebSocketClients tracks connected notification clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "protect_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "protect_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "protect_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
