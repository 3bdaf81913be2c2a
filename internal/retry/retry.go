// Package retry wraps cenkalti/backoff for calls to the payment provider
// and for database units that hit serialization failures, and computes the
// deterministic schedule the payout outbox persists.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Permanent wraps err so Do returns it at once instead of retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs fn up to maxAttempts times. Waits start at baseDelay and double
// with 25% randomization. A Permanent error is returned unwrapped; a
// cancelled ctx ends the wait with ctx's error.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.RandomizationFactor = 0.25
	b.Multiplier = 2
	b.MaxInterval = 32 * baseDelay

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	return err
}

// Backoff returns baseDelay * 2^attempt, capped at maxDelay when maxDelay > 0.
// It has no randomization: the payout dispatcher stores the result as the
// next attempt time, so the schedule must be reproducible.
func Backoff(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	d := baseDelay
	for range attempt {
		if maxDelay > 0 && d >= maxDelay {
			break
		}
		d *= 2
	}
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}
