package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"store-sync-service/internal/metrics"
)

// WorkerOptions configures a Worker
type WorkerOptions struct {
	// Concurrency is the number of jobs processed at once by this worker.
	// At 1 every replica shares one Redis lock, so sync runs are serialized
	// globally. Above 1 the lock is taken per store instead.
	Concurrency  int
	PollInterval time.Duration
	JobTimeout   time.Duration
	// LeaseTTL bounds how long a crashed worker keeps its lock and job
	// lease. Both are refreshed every LeaseTTL/3 while a handler runs.
	LeaseTTL time.Duration
}

// DefaultWorkerOptions returns globally serialized processing
func DefaultWorkerOptions() WorkerOptions {
	return WorkerOptions{
		Concurrency:  1,
		PollInterval: time.Second,
		JobTimeout:   30 * time.Minute,
		LeaseTTL:     30 * time.Second,
	}
}

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var refreshLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Worker drains a Queue with a Handler
type Worker struct {
	queue   *Queue
	handler Handler
	opts    WorkerOptions
	logger  *logrus.Logger
	token   string

	mu        sync.Mutex
	isRunning bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewWorker creates a worker; call Start to begin processing
func NewWorker(queue *Queue, handler Handler, opts WorkerOptions, logger *logrus.Logger) *Worker {
	defaults := DefaultWorkerOptions()
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaults.Concurrency
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = defaults.JobTimeout
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaults.LeaseTTL
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Worker{
		queue:   queue,
		handler: handler,
		opts:    opts,
		logger:  logger,
		token:   uuid.NewString(),
	}
}

func (w *Worker) globalLock() bool {
	return w.opts.Concurrency <= 1
}

func (w *Worker) lockKey(storeID string) string {
	if w.globalLock() {
		return w.queue.key("lock")
	}
	return w.queue.key("lock:" + storeID)
}

func (w *Worker) lockTTL() time.Duration {
	return w.opts.LeaseTTL
}

func (w *Worker) acquireLock(ctx context.Context, key string) (string, bool, error) {
	value := w.token + ":" + uuid.NewString()
	ok, err := w.queue.rdb.SetNX(ctx, key, value, w.lockTTL()).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire worker lock: %w", err)
	}
	return value, ok, nil
}

func (w *Worker) releaseLock(key, value string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := releaseLockScript.Run(ctx, w.queue.rdb, []string{key}, value).Err(); err != nil {
		w.logger.WithError(err).WithField("lock", key).Warn("Failed to release worker lock")
	}
}

// Start recovers jobs left active by a dead worker and starts the worker loops
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.isRunning {
		w.mu.Unlock()
		return nil
	}
	w.isRunning = true
	w.mu.Unlock()

	if _, err := w.RecoverStale(ctx); err != nil {
		w.logger.WithError(err).Warn("Failed to recover stale jobs")
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	for i := 0; i < w.opts.Concurrency; i++ {
		w.wg.Add(1)
		go w.loop(ctx, i)
	}

	w.logger.WithFields(logrus.Fields{
		"concurrency": w.opts.Concurrency,
		"global_lock": w.globalLock(),
		"job_timeout": w.opts.JobTimeout.String(),
		"lease_ttl":   w.opts.LeaseTTL.String(),
	}).Info("Sync worker started")

	return nil
}

// Stop cancels the loops and waits for in-flight jobs until ctx is done
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return nil
	}
	w.isRunning = false
	w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Sync worker stopped gracefully")
		return nil
	case <-ctx.Done():
		w.logger.Warn("Sync worker stop timed out")
		return ctx.Err()
	}
}

func (w *Worker) loop(ctx context.Context, workerID int) {
	defer w.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		processed, err := w.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.WithError(err).WithField("worker_id", workerID).Error("Worker iteration failed")
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.opts.PollInterval):
		}
	}
}

// ProcessNext requeues jobs whose lease expired, promotes due retries, then
// runs the oldest waiting job if the lock allows. It reports whether a job
// was run.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	if _, err := w.RecoverStale(ctx); err != nil {
		return false, fmt.Errorf("failed to recover stale jobs: %w", err)
	}
	if _, err := w.queue.PromoteDue(ctx); err != nil {
		return false, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}

	if w.globalLock() {
		key := w.lockKey("")
		value, ok, err := w.acquireLock(ctx, key)
		if err != nil || !ok {
			return false, err
		}
		defer w.releaseLock(key, value)

		job, err := w.queue.claim(ctx, w.token, w.opts.LeaseTTL)
		if err != nil || job == nil {
			return false, err
		}
		return true, w.run(ctx, job, key, value)
	}

	job, err := w.queue.claim(ctx, w.token, w.opts.LeaseTTL)
	if err != nil || job == nil {
		return false, err
	}

	key := w.lockKey(job.StoreID)
	value, ok, err := w.acquireLock(ctx, key)
	if err != nil || !ok {
		if unclaimErr := w.queue.unclaim(ctx, job); unclaimErr != nil {
			return false, errors.Join(err, unclaimErr)
		}
		return false, err
	}
	defer w.releaseLock(key, value)

	return true, w.run(ctx, job, key, value)
}

// run executes the handler for a claimed job and records the outcome. The
// outcome is written with a background context so shutdown does not lose it.
func (w *Worker) run(ctx context.Context, job *Job, lockKey, lockValue string) error {
	log := w.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"store_id": job.StoreID,
		"attempt":  job.Attempts,
		"trigger":  job.Trigger,
	})
	log.Info("Processing sync job")

	jobCtx, cancel := context.WithTimeout(ctx, w.opts.JobTimeout)
	stopHeartbeat := w.heartbeat(job, lockKey, lockValue)
	err := w.invoke(jobCtx, job)
	stopHeartbeat()
	cancel()

	outcomeCtx, outcomeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer outcomeCancel()

	if err == nil {
		log.Info("Sync job completed")
		metrics.RecordJobOutcome(metrics.OutcomeCompleted)
		return w.queue.complete(outcomeCtx, job)
	}

	retrying, delay, failErr := w.queue.fail(outcomeCtx, job, err)
	if failErr != nil {
		return failErr
	}
	if retrying {
		metrics.RecordJobOutcome(metrics.OutcomeRetrying)
		log.WithError(err).WithField("retry_in", delay.String()).Warn("Sync job failed, retry scheduled")
	} else {
		metrics.RecordJobOutcome(metrics.OutcomeFailed)
		log.WithError(err).WithField("permanent", IsPermanent(err)).Error("Sync job failed")
	}
	return nil
}

// heartbeat keeps the job lease and the worker lock alive until the returned
// func is called
func (w *Worker) heartbeat(job *Job, lockKey, lockValue string) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ttl := w.opts.LeaseTTL.Milliseconds()

	go func() {
		defer close(done)
		ticker := time.NewTicker(w.opts.LeaseTTL / 3)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			kept, err := refreshLeaseScript.Run(ctx, w.queue.rdb, []string{w.queue.leaseKey(job.ID)}, w.token, ttl).Int()
			if err != nil {
				if ctx.Err() == nil {
					w.logger.WithError(err).WithField("job_id", job.ID).Warn("Failed to refresh job lease")
				}
				continue
			}
			if kept == 0 {
				w.logger.WithField("job_id", job.ID).Warn("Job lease lost")
			}
			if err := refreshLeaseScript.Run(ctx, w.queue.rdb, []string{lockKey}, lockValue, ttl).Err(); err != nil && ctx.Err() == nil {
				w.logger.WithError(err).WithField("lock", lockKey).Warn("Failed to refresh worker lock")
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (w *Worker) invoke(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return w.handler(ctx, job)
}

// RecoverStale requeues jobs left in the active list by a worker that died
// mid-run. An active job whose lease is still alive belongs to a live worker
// and is left alone. It returns the number of jobs recovered.
func (w *Worker) RecoverStale(ctx context.Context) (int, error) {
	ids, err := w.queue.activeIDs(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, id := range ids {
		job, err := w.queue.GetJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			w.queue.rdb.LRem(ctx, w.queue.key("active"), 1, id)
			continue
		}
		if err != nil {
			return recovered, err
		}

		held, err := w.queue.leased(ctx, id)
		if err != nil {
			return recovered, err
		}
		if held {
			continue
		}

		retrying, err := w.queue.requeueStale(ctx, job)
		if err != nil {
			return recovered, err
		}
		w.logger.WithFields(logrus.Fields{
			"job_id":   job.ID,
			"store_id": job.StoreID,
			"attempt":  job.Attempts,
			"retrying": retrying,
		}).Warn("Recovered interrupted sync job")
		recovered++
	}
	return recovered, nil
}
