package engine

import (
	"context"
	"time"
)

// Retry defaults matching the provider failure profile: transient 5xx
// and rate-limit errors usually clear within a few seconds.
const (
	DefaultBaseDelay = 1 * time.Second
	MaxRetryDelay    = 10 * time.Second
)

// RetryConfig controls the exponential-backoff retry loop.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt, so
	// the total attempt count is MaxRetries+1.
	MaxRetries int
	// BaseDelay is the delay after the first failed attempt; each
	// subsequent delay doubles, capped at MaxRetryDelay.
	BaseDelay time.Duration
}

// backoffDelay is the sleep after failed attempt n (1-based):
// BaseDelay * 2^(n-1), capped at MaxRetryDelay.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base * (1 << (attempt - 1))
	if delay > MaxRetryDelay {
		delay = MaxRetryDelay
	}
	return delay
}

// AttemptFunc is one fallible attempt. Any returned error counts as a
// failed attempt.
type AttemptFunc[T any] func(ctx context.Context, attempt int) (T, error)

// RetryNotify observes each failed attempt before the backoff sleep.
// attempt is 1-based; remaining is the number of retries still
// available after this failure.
type RetryNotify func(attempt, remaining int, err error)

// RetryWithBackoff runs fn with exponential backoff until it succeeds,
// retries exhaust, or the context is canceled.
//
// Attempts are numbered 1..MaxRetries+1. The delay after failed
// attempt n is BaseDelay * 2^(n-1) capped at MaxRetryDelay, so the
// first sleep is BaseDelay itself; the sleep is cancelable. Returns
// the successful value, the number of retries
// consumed (attempts minus one), and the last error when all attempts
// failed.
func RetryWithBackoff[T any](ctx context.Context, cfg RetryConfig, fn AttemptFunc[T], notify RetryNotify) (T, int, error) {
	var zero T
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}

	maxAttempts := cfg.MaxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, attempt - 1, err
		}

		result, err := fn(ctx, attempt)
		if err == nil {
			return result, attempt - 1, nil
		}
		lastErr = err

		remaining := maxAttempts - attempt
		if notify != nil {
			notify(attempt, remaining, err)
		}
		if remaining == 0 {
			break
		}

		timer := time.NewTimer(backoffDelay(cfg.BaseDelay, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, attempt, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, cfg.MaxRetries, lastErr
}
