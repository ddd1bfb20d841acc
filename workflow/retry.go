package workflow

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// BackoffMode selects how RetryPolicy.NextDelay computes the delay
// before a task's next attempt.
type BackoffMode string

const (
	BackoffFixed       BackoffMode = "fixed"
	BackoffExponential BackoffMode = "exponential"
)

// RetryPolicy is the per-task retry configuration: max_attempts, a
// backoff mode, bounds, and an optional predicate over the error
// deciding whether a given failure is retryable at all.
type RetryPolicy struct {
	MaxAttempts int
	Mode        BackoffMode

	// Fixed mode.
	FixedDelay time.Duration

	// Exponential mode: delay(attempt) = base * factor^(attempt-1),
	// jittered by +/- Jitter fraction, clamped to [Min, Max].
	Base   time.Duration
	Factor float64
	Jitter float64
	Min    time.Duration
	Max    time.Duration

	// Retryable classifies an error as retryable. Nil means every
	// failure is retryable.
	Retryable func(err error) bool
}

// DefaultRetryPolicy returns the engine-wide fallback used when a task
// declares no policy of its own.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Mode:        BackoffExponential,
		Base:        200 * time.Millisecond,
		Factor:      2.0,
		Jitter:      0.2,
		Min:         100 * time.Millisecond,
		Max:         30 * time.Second,
	}
}

// IsRetryable reports whether err should be retried under this policy.
func (p RetryPolicy) IsRetryable(err error) bool {
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// NextDelay computes the delay before the given attempt number
// (1-indexed: the delay before the *next* attempt after a failed
// attempt numbered `attempt`). Exponential mode delegates the jittered
// backoff math to cenkalti/backoff/v5's ExponentialBackOff, seeded fresh
// per call so the base/factor/bounds from the policy — not the library's
// own defaults — govern the curve.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	switch p.Mode {
	case BackoffFixed:
		return clamp(p.FixedDelay, p.Min, p.Max)
	case BackoffExponential:
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.Base
		eb.Multiplier = p.Factor
		eb.RandomizationFactor = p.Jitter
		eb.MaxInterval = p.Max

		var delay time.Duration
		for i := 0; i < attempt; i++ {
			d := eb.NextBackOff()
			if d == backoff.Stop {
				delay = p.Max
				break
			}
			delay = d
		}
		return clamp(delay, p.Min, p.Max)
	default:
		return clamp(p.Base, p.Min, p.Max)
	}
}

func clamp(d, min, max time.Duration) time.Duration {
	if min > 0 && d < min {
		d = min
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}
