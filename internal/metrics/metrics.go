// Package metrics provides Prometheus instrumentation for the market engine.
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
	// TradesTotal counts executed trades, partitioned by action.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fsx_trades_total",
		Help: "Total number of trades executed",
	}, []string{"action"})

	// OptionsOpened counts option contracts purchased, by type.
	OptionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fsx_options_opened_total",
		Help: "Option contracts purchased",
	}, []string{"type"})

	// OptionsSettled counts settled contracts, by settlement action.
	OptionsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fsx_options_settled_total",
		Help: "Option contracts settled",
	}, []string{"action"})

	// OpenContracts tracks the currently open option contracts.
	OpenContracts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fsx_open_contracts",
		Help: "Number of currently open option contracts",
	})

	// RefreshCycles counts price-refresh cycles, by outcome.
	RefreshCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fsx_refresh_cycles_total",
		Help: "Price refresh cycles run",
	}, []string{"outcome"}) // "ok", "error", "skipped"

	// RefreshDuration tracks how long a full refresh cycle takes.
	RefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fsx_refresh_duration_seconds",
		Help:    "Price refresh cycle duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	// SnapshotsInserted counts price snapshots written by the refresh job.
	SnapshotsInserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fsx_snapshots_inserted_total",
		Help: "Price snapshots written",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fsx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fsx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fsx_http_request_duration_seconds",
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

		// Use the raw path for the label; the API surface is small
		// enough that cardinality stays bounded.
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
