package retry

import (
	"context"
	"errors"
	"time"
)

// Policy describes how a call is retried: how many attempts, which
// errors are worth retrying, and how long to wait between attempts.
// Attempt numbers passed to Backoff start at 1 (the failed attempt).
type Policy struct {
	MaxAttempts int
	RetryIf     func(error) bool
	Backoff     func(attempt int) time.Duration
	OnRetry     func(attempt int, err error, wait time.Duration)
}

func defaultRetryIf(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Do runs fn under the policy and returns the last result. The value
// from the final attempt is returned alongside its error so callers
// that synthesize fallbacks still see what the last attempt produced.
func Do[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.RetryIf == nil {
		p.RetryIf = defaultRetryIf
	}

	var last T
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		default:
		}

		last, lastErr = fn()
		if lastErr == nil {
			return last, nil
		}
		if !p.RetryIf(lastErr) || attempt == p.MaxAttempts {
			break
		}

		var wait time.Duration
		if p.Backoff != nil {
			wait = p.Backoff(attempt)
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, ctx.Err()
		case <-timer.C:
		}
	}

	return last, lastErr
}
