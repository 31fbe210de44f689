package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"store-sync-service/internal/retry"
)

var (
	// ErrDuplicateJob is returned when a job id was already submitted
	ErrDuplicateJob = errors.New("job already exists")
	// ErrJobNotFound is returned when a live job id is unknown
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidSchedule is returned for unparsable cron expressions
	ErrInvalidSchedule = errors.New("invalid cron expression")
)

// Options configures a Queue
type Options struct {
	Prefix        string
	MaxAttempts   int           // total attempts per job
	Backoff       retry.Policy  // delay before re-running a failed attempt
	KeepCompleted int64         // completed records retained
	KeepFailed    int64         // failed records retained
	DedupWindow   time.Duration // how long a job id stays reserved
	Now           func() time.Time
}

// DefaultOptions returns the queue defaults: 3 attempts, 1s then 2s between
// them, 100 completed and 200 failed records kept.
func DefaultOptions() Options {
	return Options{
		Prefix:      "storesync",
		MaxAttempts: 3,
		Backoff: retry.Policy{
			MaxRetries: 2,
			BaseDelay:  time.Second,
			Multiplier: 2,
		},
		KeepCompleted: 100,
		KeepFailed:    200,
		DedupWindow:   24 * time.Hour,
		Now:           time.Now,
	}
}

// Queue is a durable job queue on Redis.
//
// Layout under the prefix: "jobs" hash of live job records, "wait" list
// (LPUSH appends, RPOPLPUSH takes the oldest), "active" list, "delayed" sorted
// set scored by run time in unix millis, "completed" and "failed" capped lists
// of finished records, "repeat" hash of recurring registrations and
// "seen:<id>" markers reserving submitted ids. Every active job has a
// "lease:<id>" key owned by the worker running it; the worker refreshes it
// while the handler runs, so an expired lease marks an interrupted job.
type Queue struct {
	rdb  *redis.Client
	opts Options
	seq  atomic.Uint64
}

// NewQueue creates a queue over rdb
func NewQueue(rdb *redis.Client, opts Options) *Queue {
	defaults := DefaultOptions()
	if opts.Prefix == "" {
		opts.Prefix = defaults.Prefix
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaults.MaxAttempts
	}
	if opts.Backoff.BaseDelay <= 0 {
		opts.Backoff = defaults.Backoff
	}
	if opts.KeepCompleted <= 0 {
		opts.KeepCompleted = defaults.KeepCompleted
	}
	if opts.KeepFailed <= 0 {
		opts.KeepFailed = defaults.KeepFailed
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = defaults.DedupWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{rdb: rdb, opts: opts}
}

// Options returns the effective options
func (q *Queue) Options() Options {
	return q.opts
}

func (q *Queue) key(name string) string {
	return q.opts.Prefix + ":" + name
}

func (q *Queue) seenKey(id string) string {
	return q.opts.Prefix + ":seen:" + id
}

func (q *Queue) leaseKey(id string) string {
	return q.opts.Prefix + ":lease:" + id
}

// OnceJobID builds the id for a one-off run. The per-process sequence keeps
// two submissions in the same millisecond distinct.
func (q *Queue) OnceJobID(storeID string) string {
	return fmt.Sprintf("%s-%s-%d-%d", JobName, storeID, q.opts.Now().UnixMilli(), q.seq.Add(1))
}

// RecurringKey is the fixed registration key for a store's recurring sync
func RecurringKey(storeID string) string {
	return fmt.Sprintf("%s-%s-recurring", JobName, storeID)
}

// EnqueueOnce submits a manual one-off sync of storeID
func (q *Queue) EnqueueOnce(ctx context.Context, storeID string) (*Job, error) {
	job := &Job{
		ID:      q.OnceJobID(storeID),
		StoreID: storeID,
		Trigger: TriggerManual,
	}
	if err := q.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Enqueue submits job to the back of the wait list. Submitting an id seen
// within the dedup window returns ErrDuplicateJob.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job.ID == "" || job.StoreID == "" {
		return errors.New("job id and store id are required")
	}

	reserved, err := q.rdb.SetNX(ctx, q.seenKey(job.ID), q.opts.Now().UnixMilli(), q.opts.DedupWindow).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve job id: %w", err)
	}
	if !reserved {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}

	job.Name = JobName
	job.State = StateWaiting
	job.Attempts = 0
	job.MaxAttempts = q.opts.MaxAttempts
	job.CreatedAt = q.opts.Now()

	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.key("jobs"), job.ID, data)
		pipe.LPush(ctx, q.key("wait"), job.ID)
		return nil
	})
	if err != nil {
		// Free the id so a later submission is not mistaken for a duplicate
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, cleanupErr := q.rdb.TxPipelined(cleanupCtx, func(pipe redis.Pipeliner) error {
			pipe.HDel(cleanupCtx, q.key("jobs"), job.ID)
			pipe.Del(cleanupCtx, q.seenKey(job.ID))
			return nil
		}); cleanupErr != nil {
			return fmt.Errorf("failed to enqueue job: %w", errors.Join(err, cleanupErr))
		}
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// GetJob loads a live (waiting, active or delayed) job
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	data, err := q.rdb.HGet(ctx, q.key("jobs"), id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &job, nil
}

func (q *Queue) saveJob(ctx context.Context, pipe redis.Pipeliner, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	pipe.HSet(ctx, q.key("jobs"), job.ID, data)
	return nil
}

// ListJobs returns up to limit jobs in state, newest finished first for
// completed and failed, queue order otherwise.
func (q *Queue) ListJobs(ctx context.Context, state State, limit int64) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}

	switch state {
	case StateCompleted, StateFailed:
		raw, err := q.rdb.LRange(ctx, q.key(string(state)), 0, limit-1).Result()
		if err != nil {
			return nil, err
		}
		jobs := make([]Job, 0, len(raw))
		for _, r := range raw {
			var job Job
			if err := json.Unmarshal([]byte(r), &job); err != nil {
				return nil, err
			}
			jobs = append(jobs, job)
		}
		return jobs, nil

	case StateWaiting, StateActive:
		// Oldest entries sit at the right end of the list
		ids, err := q.rdb.LRange(ctx, q.key(string(state)), -limit, -1).Result()
		if err != nil {
			return nil, err
		}
		for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
			ids[i], ids[j] = ids[j], ids[i]
		}
		return q.loadJobs(ctx, ids)

	case StateDelayed:
		ids, err := q.rdb.ZRange(ctx, q.key("delayed"), 0, limit-1).Result()
		if err != nil {
			return nil, err
		}
		return q.loadJobs(ctx, ids)
	}

	return nil, fmt.Errorf("unknown job state %q", state)
}

func (q *Queue) loadJobs(ctx context.Context, ids []string) ([]Job, error) {
	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

// Counts returns the number of jobs per state
func (q *Queue) Counts(ctx context.Context) (map[State]int64, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.LLen(ctx, q.key("wait"))
	active := pipe.LLen(ctx, q.key("active"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	completed := pipe.LLen(ctx, q.key("completed"))
	failed := pipe.LLen(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	return map[State]int64{
		StateWaiting:   waiting.Val(),
		StateActive:    active.Val(),
		StateDelayed:   delayed.Val(),
		StateCompleted: completed.Val(),
		StateFailed:    failed.Val(),
	}, nil
}

// PromoteDue moves delayed jobs whose run time has passed to the back of the
// wait list. It returns the number promoted.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	now := q.opts.Now()
	ids, err := q.rdb.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, id := range ids {
		// ZREM decides which replica owns the promotion
		removed, err := q.rdb.ZRem(ctx, q.key("delayed"), id).Result()
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			continue
		}

		job, err := q.GetJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return promoted, err
		}
		job.State = StateWaiting
		job.RunAt = nil

		_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := q.saveJob(ctx, pipe, job); err != nil {
				return err
			}
			pipe.LPush(ctx, q.key("wait"), id)
			return nil
		})
		if err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// claimScript moves the oldest waiting id to the active list and leases it in
// one step, so no active job is ever observed without a lease.
var claimScript = redis.NewScript(`
local id = redis.call("RPOPLPUSH", KEYS[1], KEYS[2])
if not id then
	return false
end
redis.call("SET", ARGV[1] .. id, ARGV[2], "PX", ARGV[3])
return id
`)

// claim moves the oldest waiting job to the active list, leases it to owner
// for ttl and counts the attempt
func (q *Queue) claim(ctx context.Context, owner string, ttl time.Duration) (*Job, error) {
	id, err := claimScript.Run(ctx, q.rdb,
		[]string{q.key("wait"), q.key("active")},
		q.opts.Prefix+":lease:", owner, ttl.Milliseconds(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	job, err := q.GetJob(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		q.rdb.LRem(ctx, q.key("active"), 1, id)
		q.rdb.Del(ctx, q.leaseKey(id))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := q.opts.Now()
	job.State = StateActive
	job.Attempts++
	job.ProcessedAt = &now

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return q.saveJob(ctx, pipe, job)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// unclaim returns an active job to the back of the wait list without
// counting the attempt.
func (q *Queue) unclaim(ctx context.Context, job *Job) error {
	job.State = StateWaiting
	job.Attempts--
	if job.Attempts < 0 {
		job.Attempts = 0
	}
	job.ProcessedAt = nil

	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := q.saveJob(ctx, pipe, job); err != nil {
			return err
		}
		pipe.LRem(ctx, q.key("active"), 1, job.ID)
		pipe.Del(ctx, q.leaseKey(job.ID))
		pipe.LPush(ctx, q.key("wait"), job.ID)
		return nil
	})
	return err
}

// complete moves an active job to the completed list
func (q *Queue) complete(ctx context.Context, job *Job) error {
	now := q.opts.Now()
	job.State = StateCompleted
	job.FinishedAt = &now
	job.FailedReason = ""
	return q.finish(ctx, job, "completed", q.opts.KeepCompleted)
}

// fail records a failed attempt. The job is delayed for another attempt
// unless the error is permanent or attempts are exhausted. It reports
// whether the job will be retried.
func (q *Queue) fail(ctx context.Context, job *Job, cause error) (bool, time.Duration, error) {
	job.FailedReason = cause.Error()

	if IsPermanent(cause) || job.Attempts >= job.MaxAttempts {
		now := q.opts.Now()
		job.State = StateFailed
		job.FinishedAt = &now
		return false, 0, q.finish(ctx, job, "failed", q.opts.KeepFailed)
	}

	delay := q.opts.Backoff.Delay(job.Attempts)
	runAt := q.opts.Now().Add(delay)
	job.State = StateDelayed
	job.RunAt = &runAt

	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := q.saveJob(ctx, pipe, job); err != nil {
			return err
		}
		pipe.LRem(ctx, q.key("active"), 1, job.ID)
		pipe.Del(ctx, q.leaseKey(job.ID))
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(runAt.UnixMilli()), Member: job.ID})
		return nil
	})
	return true, delay, err
}

func (q *Queue) finish(ctx context.Context, job *Job, list string, keep int64) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.key("active"), 1, job.ID)
		pipe.Del(ctx, q.leaseKey(job.ID))
		pipe.HDel(ctx, q.key("jobs"), job.ID)
		pipe.LPush(ctx, q.key(list), data)
		pipe.LTrim(ctx, q.key(list), 0, keep-1)
		return nil
	})
	return err
}

// activeIDs lists the ids currently in the active list
func (q *Queue) activeIDs(ctx context.Context) ([]string, error) {
	return q.rdb.LRange(ctx, q.key("active"), 0, -1).Result()
}

// leased reports whether a live worker still holds the lease on id
func (q *Queue) leased(ctx context.Context, id string) (bool, error) {
	n, err := q.rdb.Exists(ctx, q.leaseKey(id)).Result()
	return n > 0, err
}

// requeueStale handles a job left active by a worker that died. The
// interrupted attempt counts; the job is retried if attempts remain.
func (q *Queue) requeueStale(ctx context.Context, job *Job) (bool, error) {
	if job.Attempts >= job.MaxAttempts {
		now := q.opts.Now()
		job.State = StateFailed
		job.FinishedAt = &now
		job.FailedReason = "job interrupted before completion"
		return false, q.finish(ctx, job, "failed", q.opts.KeepFailed)
	}

	job.State = StateWaiting
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := q.saveJob(ctx, pipe, job); err != nil {
			return err
		}
		pipe.LRem(ctx, q.key("active"), 1, job.ID)
		pipe.Del(ctx, q.leaseKey(job.ID))
		pipe.LPush(ctx, q.key("wait"), job.ID)
		return nil
	})
	return true, err
}

// RepeatEntry is one recurring registration
type RepeatEntry struct {
	Key       string    `json:"key"`
	StoreID   string    `json:"storeId"`
	Cron      string    `json:"cron"`
	NextRunAt time.Time `json:"nextRunAt"`
	CreatedAt time.Time `json:"createdAt"`
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a five-field cron expression
func ParseSchedule(expr string) (cron.Schedule, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, expr, err)
	}
	return schedule, nil
}

// EnqueueRecurring registers storeID for a recurring sync. The registration
// key is fixed per store, so calling it again replaces the previous schedule.
func (q *Queue) EnqueueRecurring(ctx context.Context, storeID, expr string) (*RepeatEntry, error) {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}

	now := q.opts.Now()
	entry := &RepeatEntry{
		Key:       RecurringKey(storeID),
		StoreID:   storeID,
		Cron:      expr,
		NextRunAt: schedule.Next(now),
		CreatedAt: now,
	}

	if err := q.saveRepeat(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// RemoveRecurring deletes a store's recurring registration
func (q *Queue) RemoveRecurring(ctx context.Context, storeID string) error {
	return q.rdb.HDel(ctx, q.key("repeat"), RecurringKey(storeID)).Err()
}

// ListRecurring returns every recurring registration
func (q *Queue) ListRecurring(ctx context.Context) ([]RepeatEntry, error) {
	raw, err := q.rdb.HGetAll(ctx, q.key("repeat")).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]RepeatEntry, 0, len(raw))
	for key, data := range raw {
		var entry RepeatEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			return nil, fmt.Errorf("failed to decode repeat entry %s: %w", key, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (q *Queue) saveRepeat(ctx context.Context, entry *RepeatEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return q.rdb.HSet(ctx, q.key("repeat"), entry.Key, data).Err()
}
