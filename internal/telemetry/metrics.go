// Package telemetry provides logging setup and Prometheus metrics for the directory sync service.
//
// All metrics are registered against the default Prometheus registry and are served on the
// side-channel HTTP server started by cmd/dirsync:
//
//	GET http://<host>:<DIRSYNC_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// # Metric Groups
//
//   - Directory sync runs, durations and per-outcome record counters
//   - Remote fetch retries and fetched record counts
//   - Data-quality issues and failed deletion batches
//   - HTTP request counters and latency histograms for the status API
//   - Database connection pool gauge (polled every 30 s)
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template and status code.
// The path label holds the Gin route template, never the raw URL.
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

// Directory sync metrics, recorded by the sync orchestrator.
//
// DirectorySyncRunsTotal is a CounterVec with labels {mode, status}; status is one of
// "succeeded", "failed" or "skipped" and mode is "full", "incremental" or "none".
//
// Example PromQL queries:
//   - Failure rate:        rate(directory_sync_runs_total{status="failed"}[1h])
//   - Alert expression:    increase(directory_sync_runs_total{status="failed"}[6h]) > 2
//
// DirectorySyncRecordsTotal counts reconciled records by outcome
// ("new", "updated", "unchanged", "deleted", "rejected").
//
// DirectorySyncLastSuccess holds the unix time of the last successful run; alert on
// time() - directory_sync_last_success_timestamp_seconds > 6*3600*2.
var (
	DirectorySyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "directory_sync_runs_total",
			Help: "Total number of directory sync attempts, by mode and status.",
		},
		[]string{"mode", "status"},
	)

	DirectorySyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "directory_sync_duration_seconds",
			Help:    "Duration of a completed directory sync run, by mode.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"mode"},
	)

	DirectorySyncRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "directory_sync_records_total",
			Help: "Total number of reconciled directory records, by outcome.",
		},
		[]string{"outcome"},
	)

	DirectorySyncLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "directory_sync_last_success_timestamp_seconds",
			Help: "Unix time of the last successful directory sync.",
		},
	)

	DirectoryDeleteFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "directory_sync_delete_failures_total",
			Help: "Total number of orphan deletion batches that failed.",
		},
	)

	DirectoryDataIssuesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "directory_sync_data_issues_total",
			Help: "Total number of malformed remote record fields absorbed during reconciliation, by field.",
		},
		[]string{"field"},
	)
)

// Remote directory client metrics.
//
// DirectoryFetchRetriesTotal counts page fetch attempts that failed with a transient error
// and were retried. DirectoryFetchedRecords observes the size of each complete listing.
var (
	DirectoryFetchRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "directory_fetch_retries_total",
			Help: "Total number of retried remote directory page fetches.",
		},
	)

	DirectoryFetchedRecords = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "directory_fetched_records",
			Help:    "Number of records returned by one complete remote directory listing.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
	)
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool. It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits once the database becomes unreachable.
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
