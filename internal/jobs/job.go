package jobs

import (
	"context"
	"errors"
	"time"
)

// JobName is the only job type the queue carries
const JobName = "sync-store"

// State is where a job currently sits in the queue
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Trigger records who submitted a job
type Trigger string

const (
	TriggerManual    Trigger = "MANUAL"
	TriggerScheduled Trigger = "SCHEDULED"
)

// Job is one queued sync of one store
type Job struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	StoreID      string     `json:"storeId"`
	Trigger      Trigger    `json:"trigger"`
	RepeatKey    string     `json:"repeatKey,omitempty"`
	State        State      `json:"state"`
	Attempts     int        `json:"attempts"` // attempts started so far
	MaxAttempts  int        `json:"maxAttempts"`
	FailedReason string     `json:"failedReason,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	ProcessedAt  *time.Time `json:"processedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	RunAt        *time.Time `json:"runAt,omitempty"` // set while delayed
}

// Handler processes one job. A nil return completes the job.
type Handler func(ctx context.Context, job *Job) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent marks err as non-retriable: the job moves straight to the failed list
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
