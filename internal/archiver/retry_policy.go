package archiver

import (
	"context"
	"fmt"
	"time"
)

// DefaultRetryDelay is the wait between stream reconnect attempts.
const DefaultRetryDelay = 4 * time.Second

// RetryPolicy decides whether and when a failed operation runs again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// FixedRetryPolicy waits the same delay before every attempt.
// MaxAttempts of zero retries forever.
type FixedRetryPolicy struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewFixedRetryPolicy returns the unbounded constant-delay policy used by stream consumers.
func NewFixedRetryPolicy() FixedRetryPolicy {
	return FixedRetryPolicy{Delay: DefaultRetryDelay}
}

// ShouldRetry reports whether attempt (1-based count of failures so far) may be retried.
func (p FixedRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	return p.MaxAttempts <= 0 || attempt < p.MaxAttempts
}

// Backoff returns the constant delay regardless of attempt.
func (p FixedRetryPolicy) Backoff(int) time.Duration {
	return p.Delay
}

// RetryNotify is called after each failed attempt, before sleeping.
type RetryNotify func(err error, attempt int, wait time.Duration)

// Retry runs op until it succeeds, the policy gives up, or ctx ends.
// Only cancellation of ctx itself stops an unbounded policy.
func Retry(ctx context.Context, policy RetryPolicy, op func(context.Context) error, notify RetryNotify) error {
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !policy.ShouldRetry(err, attempt) {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		wait := policy.Backoff(attempt)
		if notify != nil {
			notify(err, attempt, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
