// Package metrics provides Prometheus instrumentation for the fund engine.
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
	// WagersTotal counts committed user wagers, partitioned by side.
	WagersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundengine_wagers_total",
		Help: "Total number of user wagers committed",
	}, []string{"side"})

	// WagerVolume tracks cumulative wagered cents per side.
	WagerVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundengine_wager_volume_cents_total",
		Help: "Cumulative wagered amount in cents",
	}, []string{"side"})

	// TxnConflicts counts optimistic-transaction conflicts by aggregate.
	TxnConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundengine_txn_conflicts_total",
		Help: "Optimistic transaction attempts lost to a concurrent writer",
	}, []string{"aggregate"})

	// TxnRetriesExhausted counts operations that gave up after the
	// maximum number of conflict retries.
	TxnRetriesExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundengine_txn_retries_exhausted_total",
		Help: "Operations abandoned after exhausting conflict retries",
	}, []string{"aggregate"})

	// Compensations counts saga rollbacks (fund credit failed after a
	// user debit, check canceled after a balance abort).
	Compensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundengine_compensations_total",
		Help: "Compensating actions taken after a failed second phase",
	}, []string{"op"})

	// SettlementsTotal counts bet settlements by outcome.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundengine_settlements_total",
		Help: "Total number of bet settlements",
	}, []string{"outcome"})

	// FundTransitions counts fund lifecycle transitions by target status.
	FundTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundengine_fund_transitions_total",
		Help: "Fund status transitions",
	}, []string{"to"})

	// PayoutsTotal counts per-user return payouts, partitioned by side.
	PayoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundengine_payouts_total",
		Help: "Per-user fund return payouts",
	}, []string{"side"})

	// PayoutVolume tracks cumulative paid-out cents per side.
	PayoutVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundengine_payout_volume_cents_total",
		Help: "Cumulative payout amount in cents",
	}, []string{"side"})

	// WebSocketClients tracks connected feed clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fundengine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// WatcherTimers tracks scheduled lifecycle timers.
	WatcherTimers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fundengine_watcher_timers",
		Help: "Number of pending lifecycle timers",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fundengine_http_request_duration_seconds",
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
