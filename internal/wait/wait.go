package wait

import (
	"context"
	"time"
)

// Outcome 描述一次协作式等待的结果。
type Outcome int

const (
	// Met means the duration elapsed or the polled condition became true.
	Met Outcome = iota
	// TimedOut means the hard ceiling was reached before the condition held.
	TimedOut
	// Cancelled means the task's cancellation flag was observed.
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Met:
		return "met"
	case TimedOut:
		return "timed-out"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

const (
	// DefaultPollInterval is how often cancellation and pause are re-checked.
	DefaultPollInterval = 100 * time.Millisecond
	// MaxPollInterval bounds the cancellation latency of every wait.
	MaxPollInterval = 100 * time.Millisecond
)

// Waiter is the cancellable, pausable timed wait shared by every routine.
// Cancellation is read from the context; pause from the shared Switch.
type Waiter struct {
	pause    *Switch
	interval time.Duration
	now      func() time.Time
}

// NewWaiter builds a Waiter observing pause. interval is clamped to
// (0, MaxPollInterval].
func NewWaiter(pause *Switch, interval time.Duration) *Waiter {
	if interval <= 0 || interval > MaxPollInterval {
		interval = DefaultPollInterval
	}
	return &Waiter{pause: pause, interval: interval, now: time.Now}
}

// PollInterval returns the cancellation poll interval.
func (w *Waiter) PollInterval() time.Duration {
	return w.interval
}

// Pause returns the switch observed by this waiter.
func (w *Waiter) Pause() *Switch {
	return w.pause
}

// Sleep waits d of un-paused time. A zero duration still checks cancellation once.
func (w *Waiter) Sleep(ctx context.Context, d time.Duration) Outcome {
	outcome, _ := w.sleep(ctx, d)
	return outcome
}

// sleep returns the outcome together with the amount of paused time it observed,
// so callers measuring a ceiling can exclude it.
func (w *Waiter) sleep(ctx context.Context, d time.Duration) (Outcome, time.Duration) {
	if ctx.Err() != nil {
		return Cancelled, 0
	}
	if d <= 0 {
		return Met, 0
	}
	remaining := d
	var paused time.Duration
	for remaining > 0 {
		step := w.interval
		if !w.pause.IsSet() && remaining < step {
			step = remaining
		}
		start := w.now()
		timer := time.NewTimer(step)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Cancelled, paused
		case <-timer.C:
		}
		elapsed := w.now().Sub(start)
		if w.pause.IsSet() {
			paused += elapsed
			continue
		}
		remaining -= elapsed
	}
	if ctx.Err() != nil {
		return Cancelled, paused
	}
	return Met, paused
}

// Until polls cond every interval until it holds, the ceiling of active
// (un-paused) time is reached, or ctx is cancelled. cond is always evaluated
// once more when the ceiling is reached, so TimedOut is never reported early.
func (w *Waiter) Until(ctx context.Context, cond func() bool, interval, ceiling time.Duration) Outcome {
	if interval <= 0 {
		interval = w.interval
	}
	start := w.now()
	var paused time.Duration
	for {
		if ctx.Err() != nil {
			return Cancelled
		}
		if cond() {
			return Met
		}
		active := w.now().Sub(start) - paused
		if active >= ceiling {
			return TimedOut
		}
		next := interval
		if rest := ceiling - active; rest < next {
			next = rest
		}
		outcome, p := w.sleep(ctx, next)
		paused += p
		if outcome == Cancelled {
			return Cancelled
		}
	}
}
