package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_EnqueueRecurringReplaces(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()

	first, err := q.EnqueueRecurring(ctx, "store-a", "0 */4 * * *")
	require.NoError(t, err)
	assert.Equal(t, "sync-store-store-a-recurring", first.Key)
	assert.WithinDuration(t, clock.Now().Add(4*time.Hour), first.NextRunAt, 0)

	_, err = q.EnqueueRecurring(ctx, "store-a", "30 * * * *")
	require.NoError(t, err)

	entries, err := q.ListRecurring(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "30 * * * *", entries[0].Cron)
	assert.WithinDuration(t, clock.Now().Add(30*time.Minute), entries[0].NextRunAt, 0)

	require.NoError(t, q.RemoveRecurring(ctx, "store-a"))
	entries, err = q.ListRecurring(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestQueue_EnqueueRecurringRejectsBadCron(t *testing.T) {
	q, _, _ := newTestQueue(t)
	_, err := q.EnqueueRecurring(context.Background(), "store-a", "every four hours")
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestScheduler_Tick(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()
	s := NewScheduler(q, time.Minute, quietLogger())

	_, err := q.EnqueueRecurring(ctx, "store-a", "0 */4 * * *")
	require.NoError(t, err)

	n, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing due before 04:00")

	clock.Advance(4 * time.Hour)
	fireAt := clock.Now()

	n, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobID := OccurrenceJobID("sync-store-store-a-recurring", fireAt)
	job, err := q.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, TriggerScheduled, job.Trigger)
	assert.Equal(t, "store-a", job.StoreID)
	assert.Equal(t, "sync-store-store-a-recurring", job.RepeatKey)

	entries, err := q.ListRecurring(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.WithinDuration(t, fireAt.Add(4*time.Hour), entries[0].NextRunAt, 0)

	// A second replica firing the same occurrence is deduplicated
	err = q.Enqueue(ctx, &Job{ID: jobID, StoreID: "store-a"})
	assert.ErrorIs(t, err, ErrDuplicateJob)

	n, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestScheduler_MissedOccurrencesCollapse(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()
	s := NewScheduler(q, time.Minute, quietLogger())

	_, err := q.EnqueueRecurring(ctx, "store-a", "0 */4 * * *")
	require.NoError(t, err)

	clock.Advance(13 * time.Hour)
	n, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err := q.ListRecurring(ctx)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Date(2024, 1, 1, 16, 0, 0, 0, time.UTC), entries[0].NextRunAt, 0)
}

// failingHDel rejects single HDEL commands, leaving pipelines untouched
type failingHDel struct{}

func (failingHDel) DialHook(next redis.DialHook) redis.DialHook { return next }

func (failingHDel) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if cmd.Name() == "hdel" {
			err := errors.New("READONLY You can't write against a read only replica")
			cmd.SetErr(err)
			return err
		}
		return next(ctx, cmd)
	}
}

func (failingHDel) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestScheduler_DropsInvalidSchedule(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()
	logger, hook := logrustest.NewNullLogger()
	s := NewScheduler(q, time.Minute, logger)

	require.NoError(t, q.saveRepeat(ctx, &RepeatEntry{
		Key:       RecurringKey("store-a"),
		StoreID:   "store-a",
		Cron:      "every four hours",
		NextRunAt: clock.Now(),
	}))

	n, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the due occurrence still runs")

	entries, err := q.ListRecurring(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	var dropped bool
	for _, entry := range hook.AllEntries() {
		if entry.Message == "Dropping recurring registration with invalid schedule" {
			dropped = true
		}
	}
	assert.True(t, dropped)
}

func TestScheduler_WarnsWhenRemovalFails(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()
	logger, hook := logrustest.NewNullLogger()
	s := NewScheduler(q, time.Minute, logger)

	require.NoError(t, q.saveRepeat(ctx, &RepeatEntry{
		Key:       RecurringKey("store-a"),
		StoreID:   "store-a",
		Cron:      "every four hours",
		NextRunAt: clock.Now(),
	}))
	q.rdb.AddHook(failingHDel{})

	_, err := s.Tick(ctx)
	require.NoError(t, err)

	last := hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, logrus.WarnLevel, last.Level)
	assert.Equal(t, "Failed to remove recurring registration", last.Message)
	assert.Equal(t, "store-a", last.Data["store_id"])
	assert.Error(t, last.Data[logrus.ErrorKey].(error))
}

func TestScheduler_StartStop(t *testing.T) {
	q, _, _ := newTestQueue(t)
	s := NewScheduler(q, 10*time.Millisecond, quietLogger())

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	time.Sleep(30 * time.Millisecond)
	s.Stop()
	s.Stop()
}
