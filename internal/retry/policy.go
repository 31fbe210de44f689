package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy describes exponential backoff as data. The n-th retry (1-based) waits
// BaseDelay * Multiplier^(n-1), capped at MaxDelay and spread by ±Jitter.
type Policy struct {
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration // delay before the first retry
	Multiplier float64       // growth factor between retries
	MaxDelay   time.Duration // zero means uncapped
	Jitter     float64       // random jitter factor (0-1)
}

// DefaultPolicy returns the rate-limit policy used by the remote API client:
// three retries at 1s, 2s and 4s.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		Multiplier: 2.0,
		MaxDelay:   60 * time.Second,
	}
}

// MaxAttempts is the total number of calls the policy allows
func (p Policy) MaxAttempts() int {
	return p.MaxRetries + 1
}

// Delay returns the wait before retry n (1-based)
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		return 0
	}
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}

	backoff := float64(p.BaseDelay) * math.Pow(multiplier, float64(n-1))

	if p.Jitter > 0 {
		backoff += backoff * p.Jitter * (rand.Float64()*2 - 1)
	}

	if p.MaxDelay > 0 && backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}
	if backoff < 0 {
		backoff = 0
	}

	return time.Duration(backoff)
}

// Schedule lists every delay the policy would wait, in order
func (p Policy) Schedule() []time.Duration {
	delays := make([]time.Duration, 0, p.MaxRetries)
	for n := 1; n <= p.MaxRetries; n++ {
		delays = append(delays, p.Delay(n))
	}
	return delays
}

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retrier executes an operation under a Policy
type Retrier struct {
	policy Policy
	sleep  SleepFunc
}

// NewRetrier creates a retrier; a nil sleep uses Sleep
func NewRetrier(policy Policy, sleep SleepFunc) *Retrier {
	if sleep == nil {
		sleep = Sleep
	}
	return &Retrier{policy: policy, sleep: sleep}
}

// Policy returns the retrier's policy
func (r *Retrier) Policy() Policy {
	return r.policy
}

// Do calls fn until it succeeds, returns an error retryable rejects, or the
// policy is exhausted. The last error from fn is returned unchanged.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error, retryable func(error) bool) error {
	var err error
	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if retryable == nil || !retryable(err) || attempt >= r.policy.MaxRetries {
			return err
		}

		if sleepErr := r.sleep(ctx, r.policy.Delay(attempt+1)); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}
