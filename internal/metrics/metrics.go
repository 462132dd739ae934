// Package metrics provides Prometheus instrumentation for the match engine.
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
	// OrdersTotal counts submitted orders by side and outcome
	// (matched, partial, rested, rejected).
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opinix_orders_total",
		Help: "Total orders submitted",
	}, []string{"side", "outcome"})

	// TradesTotal counts matches created by the settlement coordinator.
	TradesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opinix_trades_total",
		Help: "Total trades matched",
	})

	// CancellationsTotal counts successful order cancellations.
	CancellationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opinix_cancellations_total",
		Help: "Total orders cancelled",
	})

	// SettlementRetries counts transaction re-runs caused by
	// serialization conflicts.
	SettlementRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opinix_settlement_retries_total",
		Help: "Settlement transactions retried after a conflict",
	})

	// ResolutionPayouts counts per-trade payouts by result (paid, skipped, failed).
	ResolutionPayouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opinix_resolution_payouts_total",
		Help: "Per-trade resolution payouts",
	}, []string{"result"})

	// ResolutionRefunds counts resting orders refunded at resolution.
	ResolutionRefunds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opinix_resolution_refunds_total",
		Help: "Resting orders refunded at resolution",
	})

	// SettleLatency tracks order settlement latency by side.
	SettleLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opinix_settle_latency_seconds",
		Help:    "Order settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "opinix_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opinix_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opinix_http_request_duration_seconds",
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

		// Use the raw path for the label; route cardinality is low.
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
