package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// Collectors are package globals, so assertions compare against the value
// before each call.

func TestRecordAPIRequest(t *testing.T) {
	ok := testutil.ToFloat64(apiRequestsTotal.WithLabelValues("200"))
	network := testutil.ToFloat64(apiRequestsTotal.WithLabelValues("network"))

	RecordAPIRequest(200)
	RecordAPIRequest(0)
	RecordAPIRequest(0)

	assert.Equal(t, ok+1, testutil.ToFloat64(apiRequestsTotal.WithLabelValues("200")))
	assert.Equal(t, network+2, testutil.ToFloat64(apiRequestsTotal.WithLabelValues("network")))
}

func TestRecordSyncRun(t *testing.T) {
	before := testutil.ToFloat64(syncRunsTotal.WithLabelValues("SUCCESS", "SCHEDULED"))

	RecordSyncRun("SUCCESS", "SCHEDULED", 3*time.Second)

	assert.Equal(t, before+1, testutil.ToFloat64(syncRunsTotal.WithLabelValues("SUCCESS", "SCHEDULED")))
	assert.GreaterOrEqual(t, testutil.CollectAndCount(syncRunDuration), 1)
}

func TestRecordSyncedRecords(t *testing.T) {
	before := testutil.ToFloat64(syncRecordsTotal.WithLabelValues("orders"))

	RecordSyncedRecords("orders", 6)
	RecordSyncedRecords("orders", 0)

	assert.Equal(t, before+6, testutil.ToFloat64(syncRecordsTotal.WithLabelValues("orders")))
}

func TestRecordJobOutcomeAndQueueDepth(t *testing.T) {
	before := testutil.ToFloat64(jobsProcessedTotal.WithLabelValues(OutcomeRetrying))

	RecordJobOutcome(OutcomeRetrying)
	UpdateQueueDepth("waiting", 4)
	UpdateQueueDepth("waiting", 2)

	assert.Equal(t, before+1, testutil.ToFloat64(jobsProcessedTotal.WithLabelValues(OutcomeRetrying)))
	assert.Equal(t, float64(2), testutil.ToFloat64(queueJobs.WithLabelValues("waiting")))
}
