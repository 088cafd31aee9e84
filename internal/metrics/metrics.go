// Package metrics provides Prometheus instrumentation for the challenge engine.
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
	// TradesExecuted counts trades written to the ledger, by type and direction.
	TradesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chal_trades_executed_total",
		Help: "Total number of ledger trades executed",
	}, []string{"type", "direction"})

	// TradeRejections counts rejected trade/close requests by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chal_trade_rejections_total",
		Help: "Trade and close requests rejected, by reason",
	}, []string{"reason"})

	// ChallengeTransitions counts lifecycle transitions by transition and cause.
	ChallengeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chal_challenge_transitions_total",
		Help: "Challenge state transitions",
	}, []string{"transition", "cause"})

	// PositionsSettled counts positions force-closed by the settlement scanner.
	PositionsSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chal_positions_settled_total",
		Help: "Positions settled at terminal prices",
	})

	// SettlementPassDuration tracks how long a full settlement pass takes.
	SettlementPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chal_settlement_pass_duration_seconds",
		Help:    "Settlement pass duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// SettlementErrors counts per-position settlement failures.
	SettlementErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chal_settlement_errors_total",
		Help: "Per-position settlement failures",
	})

	// DailyResets counts daily reset outcomes by kind (failed/reset/skipped).
	DailyResets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chal_daily_resets_total",
		Help: "Daily reset outcomes per challenge",
	}, []string{"outcome"})

	// LedgerIntegrityViolations counts audit mismatches. Never auto-healed.
	LedgerIntegrityViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chal_ledger_integrity_violations_total",
		Help: "Balance recomputations that did not match the stored balance",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chal_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chal_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chal_http_request_duration_seconds",
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

		// Use the raw path for the label; the API surface is small enough
		// that cardinality stays bounded.
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
