// Package metrics provides Prometheus instrumentation for the contract engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ContractsOpened counts contracts opened, partitioned by account and side.
	ContractsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contract_opened_total",
		Help: "Total number of contracts opened",
	}, []string{"account", "side"})

	// OpenRejections counts open requests refused by validation or risk checks.
	OpenRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contract_open_rejections_total",
		Help: "Contract open requests rejected",
	}, []string{"reason"})

	// SettlementsTotal counts contracts settled, partitioned by result.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contract_settlements_total",
		Help: "Total number of contracts settled",
	}, []string{"account", "result"})

	// SettlementLatency tracks claim-to-commit latency of one settlement.
	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "contract_settlement_latency_seconds",
		Help:    "Settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// SettlementLag tracks how long after expiry a contract was settled.
	SettlementLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "contract_settlement_lag_seconds",
		Help:    "Delay between contract expiry and settlement in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	})

	// DuplicateClaims counts settlement attempts absorbed because another
	// settler already claimed or settled the contract.
	DuplicateClaims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contract_duplicate_claims_total",
		Help: "Settlement attempts lost to a concurrent settler",
	})

	// LedgerFailures counts settlements rolled back by a ledger error.
	LedgerFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contract_ledger_failures_total",
		Help: "Settlements that failed to persist and were retried",
	})

	// ModeFetchFailures counts outcome mode reads served from the cached value.
	ModeFetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contract_mode_fetch_failures_total",
		Help: "Outcome mode fetches that fell back to the last known mode",
	})

	// OpenContracts tracks the number of open contracts seen by the last scan.
	OpenContracts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "contract_open_contracts",
		Help: "Number of currently open contracts",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "contract_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contract_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "contract_http_request_duration_seconds",
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
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
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

// Hijack lets the WebSocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
