// Package retry repeats a call with backoff while it reports a transient
// failure.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRetry marks an error as transient. Wrap it to have Blocking try again.
var ErrRetry = errors.New("retry")

// ErrExhausted is returned once a Limit'ed backoff has run out of attempts.
var ErrExhausted = errors.New("retries exhausted")

// Backoff blocks until the next attempt may start.
//
// It returns nil to retry, or non-nil to give up (ctx.Err() when ctx is done).
type Backoff func(context.Context) error

// StaticBackoff waits a fixed interval between attempts.
func StaticBackoff(interval time.Duration) Backoff {
	return ExponentialBackoff(interval, 1, 0)
}

// ExponentialBackoff waits initial * r^N before the N-th retry, capped at
// maxInterval when maxInterval > 0.
func ExponentialBackoff(initial time.Duration, r float64, maxInterval time.Duration) Backoff {
	interval := initial
	return func(ctx context.Context) error {
		timer := time.NewTimer(interval)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			next := time.Duration(float64(interval) * r)
			if maxInterval > 0 && next > maxInterval {
				next = maxInterval
			}
			interval = next
			return nil
		}
	}
}

// Limit allows at most n retries of b.
func Limit(n int, b Backoff) Backoff {
	count := 0
	return func(ctx context.Context) error {
		if count >= n {
			return ErrExhausted
		}
		count++
		return b(ctx)
	}
}

// Blocking calls f until it returns nil or an error that is not ErrRetry.
// Between attempts it waits on b; when b gives up, the last error of f is
// returned joined with the reason.
func Blocking[T any](ctx context.Context, b Backoff, f func() (T, error)) (T, error) {
	for {
		last, err := f()
		if err == nil {
			return last, nil
		}
		if !errors.Is(err, ErrRetry) {
			return last, err
		}
		if berr := b(ctx); berr != nil {
			return last, fmt.Errorf("%w (%w)", err, berr)
		}
	}
}
