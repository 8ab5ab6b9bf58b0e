package wait

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrCancelled is returned by Retry when the task was cancelled between attempts.
var ErrCancelled = errors.New("wait: cancelled")

// RetryPolicy bounds a retry loop. Every failed attempt consumes budget; the
// delay between attempts grows by Multiplier up to MaxDelay.
type RetryPolicy struct {
	Attempts   int
	Delay      time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// Fixed returns a policy with a constant delay between attempts.
func Fixed(attempts int, delay time.Duration) RetryPolicy {
	return RetryPolicy{Attempts: attempts, Delay: delay}
}

// Backoff returns a doubling policy capped at maxDelay.
func Backoff(attempts int, delay, maxDelay time.Duration) RetryPolicy {
	return RetryPolicy{Attempts: attempts, Delay: delay, MaxDelay: maxDelay, Multiplier: 2}
}

func (p RetryPolicy) next(delay time.Duration) time.Duration {
	if p.Multiplier <= 1 {
		return delay
	}
	delay = time.Duration(float64(delay) * p.Multiplier)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Retry runs fn until it succeeds, the attempt budget is exhausted, or ctx is
// cancelled. attempt is 1-based. On exhaustion the last error is returned
// wrapped; on cancellation ErrCancelled.
func (w *Waiter) Retry(ctx context.Context, policy RetryPolicy, fn func(attempt int) error) error {
	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := policy.Delay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		if w.Sleep(ctx, delay) == Cancelled {
			return ErrCancelled
		}
		delay = policy.next(delay)
	}
	return errors.Wrapf(lastErr, "exhausted %d attempts", attempts)
}
