package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"store-sync-service/internal/metrics"
)

// Scheduler turns recurring registrations into queued jobs
type Scheduler struct {
	queue    *Queue
	interval time.Duration
	logger   *logrus.Logger

	mu        sync.Mutex
	isRunning bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewScheduler creates a scheduler that evaluates registrations every interval
func NewScheduler(queue *Queue, interval time.Duration, logger *logrus.Logger) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Scheduler{queue: queue, interval: interval, logger: logger}
}

// OccurrenceJobID is the id of the run a registration fires at fireAt.
// Every replica derives the same id, so only one enqueue succeeds.
func OccurrenceJobID(repeatKey string, fireAt time.Time) string {
	return fmt.Sprintf("%s:%d", repeatKey, fireAt.UnixMilli())
}

// Tick enqueues a job for every registration that is due and advances its
// next run time. It returns the number of jobs enqueued by this call.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	entries, err := s.queue.ListRecurring(ctx)
	if err != nil {
		return 0, err
	}

	now := s.queue.opts.Now()
	enqueued := 0
	for i := range entries {
		entry := entries[i]
		if entry.NextRunAt.After(now) {
			continue
		}

		log := s.logger.WithFields(logrus.Fields{
			"store_id":   entry.StoreID,
			"repeat_key": entry.Key,
			"fire_at":    entry.NextRunAt,
		})

		job := &Job{
			ID:        OccurrenceJobID(entry.Key, entry.NextRunAt),
			StoreID:   entry.StoreID,
			Trigger:   TriggerScheduled,
			RepeatKey: entry.Key,
		}
		err := s.queue.Enqueue(ctx, job)
		switch {
		case err == nil:
			enqueued++
			log.WithField("job_id", job.ID).Info("Scheduled sync enqueued")
		case errors.Is(err, ErrDuplicateJob):
			log.Debug("Scheduled sync already enqueued by another scheduler")
		default:
			log.WithError(err).Error("Failed to enqueue scheduled sync")
			continue
		}

		schedule, err := ParseSchedule(entry.Cron)
		if err != nil {
			log.WithError(err).Error("Dropping recurring registration with invalid schedule")
			if err := s.queue.RemoveRecurring(ctx, entry.StoreID); err != nil {
				log.WithError(err).Warn("Failed to remove recurring registration")
			}
			continue
		}
		// Missed occurrences collapse into the single run enqueued above
		entry.NextRunAt = schedule.Next(now)
		if err := s.queue.saveRepeat(ctx, &entry); err != nil {
			return enqueued, err
		}
	}
	return enqueued, nil
}

// Start runs Tick on every interval until Stop
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(ctx)

	s.logger.WithField("interval", s.interval.String()).Info("Sync scheduler started")
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.WithError(err).Error("Scheduler tick failed")
		}
		s.reportDepth(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) reportDepth(ctx context.Context) {
	counts, err := s.queue.Counts(ctx)
	if err != nil {
		return
	}
	for state, n := range counts {
		metrics.UpdateQueueDepth(string(state), n)
	}
}

// Stop halts the scheduler loop
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("Sync scheduler stopped")
}
