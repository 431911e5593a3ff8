// Package telemetry provides application-level observability for the marketplace gateway.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served on the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<ICRM_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Registry (ICR) call counters and latency
//   - Installation access token cache lookups and issuance failures
//   - Installation state issue/consume outcomes
//   - Retirement certificate archive outcomes
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/v1/organizations/:id/inventory)
// rather than the raw request URL, so organization ids never become label values.
// Registry metrics are labelled by operation name for the same reason.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Registry call metrics, recorded by the ICR client for every outbound request.
//
// ICRRequestsTotal is a CounterVec with labels {operation, outcome}. outcome is one of
// "success", "forbidden", "error" (a non-2xx answer) or "transport" (no answer at all).
//
// Example PromQL queries:
//   - Registry failure ratio:  sum(rate(icr_requests_total{outcome!="success"}[5m])) / sum(rate(icr_requests_total[5m]))
//   - Slowest operations:      topk(3, histogram_quantile(0.95, sum by (operation, le) (rate(icr_request_duration_seconds_bucket[10m]))))
var (
	ICRRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icr_requests_total",
			Help: "Total number of requests sent to the carbon registry, by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	ICRRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "icr_request_duration_seconds",
			Help:    "Latency of requests sent to the carbon registry, by operation.",
			Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)
)

// Access token metrics.
//
// AccessTokenLookupsTotal is a CounterVec with label {source}: "memory" for the
// in-process cache, "store" for a hit in the database and "issued" when a fresh
// token had to be requested from the registry. A falling memory share after a
// deploy is expected; a rising issued share is not.
//
// TokenIssuanceFailuresTotal counts failed issuance attempts. Callers waiting on the
// same in-flight issuance share one failure.
var (
	AccessTokenLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_token_lookups_total",
			Help: "Total number of installation access token lookups, by the layer that answered.",
		},
		[]string{"source"},
	)

	TokenIssuanceFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "access_token_issuance_failures_total",
			Help: "Total number of failed installation access token issuance attempts.",
		},
	)
)

// PendingStatesTotal counts installation state values by result: "issued",
// "consumed" or "rejected" (unknown, reused or expired).
//
// Example PromQL queries:
//   - Rejected callbacks:  increase(pending_states_total{result="rejected"}[1h])
var PendingStatesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pending_states_total",
		Help: "Total number of installation state values, by result.",
	},
	[]string{"result"},
)

// ExpiredRecordsSweptTotal counts rows removed by the expiry sweeper, by kind:
// "pending_state" or "access_token".
var ExpiredRecordsSweptTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "expired_records_swept_total",
		Help: "Total number of expired rows deleted by the sweeper, by kind.",
	},
	[]string{"kind"},
)

// BackgroundPanicsTotal counts panics recovered in background goroutines, by task.
// Any increase is a bug.
var BackgroundPanicsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "background_panics_total",
		Help: "Total number of panics recovered in background goroutines, by task.",
	},
	[]string{"task"},
)

// CertificateArchiveTotal counts retirement certificate downloads by result:
// "archived", "cached" (served from storage) or "failed" (archive write failed,
// the certificate was still returned).
var CertificateArchiveTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "retirement_certificate_archive_total",
		Help: "Total number of retirement certificate downloads, by archive result.",
	},
	[]string{"result"},
)

// DBOpenConnections tracks the number of open connections held by the sql.DB pool.
// It is sampled every 30 seconds by StartDBStatsCollector.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits when the database becomes unreachable, which happens when the
// application shuts down and closes the pool.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}

// ObserveICRCall records one outbound registry call
func ObserveICRCall(operation, outcome string, elapsed time.Duration) {
	ICRRequestsTotal.WithLabelValues(operation, outcome).Inc()
	ICRRequestDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}
