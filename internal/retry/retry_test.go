package retry_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Brownie44l1/scanfood-api/internal/retry"
)

func TestBlocking(t *testing.T) {
	type When struct {
		failures int
		limit    int
		fatal    error
	}
	type Then struct {
		calls     int
		err       error
		retryable bool
	}

	fatal := errors.New("fatal")

	theory := func(when When, then Then) func(*testing.T) {
		return func(t *testing.T) {
			calls := 0
			got, err := retry.Blocking(
				context.Background(),
				retry.Limit(when.limit, retry.StaticBackoff(time.Millisecond)),
				func() (int, error) {
					calls++
					if when.fatal != nil {
						return calls, when.fatal
					}
					if calls <= when.failures {
						return calls, fmt.Errorf("attempt %d: %w", calls, retry.ErrRetry)
					}
					return calls, nil
				},
			)

			if calls != then.calls {
				t.Errorf("calls = %d, want %d", calls, then.calls)
			}
			if got != then.calls {
				t.Errorf("value = %d, want last value %d", got, then.calls)
			}
			if then.err == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, then.err) {
				t.Errorf("err = %v, want %v", err, then.err)
			}
			if errors.Is(err, retry.ErrRetry) != then.retryable {
				t.Errorf("errors.Is(err, ErrRetry) = %t, want %t", !then.retryable, then.retryable)
			}
		}
	}

	t.Run("succeeds first time", theory(
		When{failures: 0, limit: 3},
		Then{calls: 1},
	))
	t.Run("succeeds after transient failures", theory(
		When{failures: 2, limit: 3},
		Then{calls: 3},
	))
	t.Run("gives up when retries run out", theory(
		When{failures: 10, limit: 2},
		Then{calls: 3, err: retry.ErrExhausted, retryable: true},
	))
	t.Run("does not retry a fatal error", theory(
		When{fatal: fatal, limit: 3},
		Then{calls: 1, err: fatal},
	))
}

func TestBlocking_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := retry.Blocking(ctx, retry.StaticBackoff(time.Hour), func() (struct{}, error) {
		return struct{}{}, retry.ErrRetry
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
