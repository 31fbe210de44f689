// Package metrics exposes Prometheus collectors for the sync pipeline.
// Collectors register with the default registry and are served by
// promhttp.Handler on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// apiRequestsTotal counts remote API calls by HTTP status, "network" when no response arrived.
	apiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storesync_api_requests_total",
		Help: "Total number of remote store API requests by status",
	}, []string{"status"})

	// syncRunsTotal counts finished sync runs.
	syncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storesync_sync_runs_total",
		Help: "Total number of finished sync runs by status and trigger",
	}, []string{"status", "trigger"})

	syncRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storesync_sync_run_duration_seconds",
		Help:    "Sync run duration in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34m
	}, []string{"status"})

	// syncRecordsTotal counts rows upserted by successful phases.
	syncRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storesync_records_synced_total",
		Help: "Total number of records upserted by entity",
	}, []string{"entity"})

	// jobsProcessedTotal counts job attempts by outcome: completed, retrying or failed.
	jobsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storesync_jobs_processed_total",
		Help: "Total number of sync job attempts by outcome",
	}, []string{"outcome"})

	// queueJobs is the number of jobs per queue state, refreshed by the scheduler.
	queueJobs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "storesync_queue_jobs",
		Help: "Current number of queued sync jobs by state",
	}, []string{"state"})
)

// Job outcomes
const (
	OutcomeCompleted = "completed"
	OutcomeRetrying  = "retrying"
	OutcomeFailed    = "failed"
)

// RecordAPIRequest counts one remote call. A zero status means the request
// never got a response.
func RecordAPIRequest(status int) {
	label := "network"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	apiRequestsTotal.WithLabelValues(label).Inc()
}

// RecordSyncRun records a finished run
func RecordSyncRun(status, trigger string, duration time.Duration) {
	syncRunsTotal.WithLabelValues(status, trigger).Inc()
	syncRunDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordSyncedRecords adds count rows for entity
func RecordSyncedRecords(entity string, count int) {
	if count <= 0 {
		return
	}
	syncRecordsTotal.WithLabelValues(entity).Add(float64(count))
}

// RecordJobOutcome counts one job attempt
func RecordJobOutcome(outcome string) {
	jobsProcessedTotal.WithLabelValues(outcome).Inc()
}

// UpdateQueueDepth sets the gauge for one queue state
func UpdateQueueDepth(state string, count int64) {
	queueJobs.WithLabelValues(state).Set(float64(count))
}
