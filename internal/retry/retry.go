// Package retry runs an operation under a bounded retry policy. Business code
// returns errors; the policy decides whether an error is transient and what to
// do between attempts.
package retry

import (
	"context"
	"time"
)

type Policy struct {
	// MaxRetries is the number of additional attempts after the first one.
	MaxRetries int
	Delay      time.Duration
	// Retryable reports whether err is transient. A nil Retryable retries
	// nothing.
	Retryable func(err error) bool
	// Recover runs before each retry, e.g. to reopen a database connection.
	// A failing Recover ends the loop with its error.
	Recover func(ctx context.Context, err error) error
	// OnRetry is called for observability before each retry.
	OnRetry func(attempt int, err error)
}

// Once returns the policy used around store operations: one reconnect and one
// retry on connectivity errors.
func Once(retryable func(error) bool, reopen func(context.Context, error) error) Policy {
	return Policy{
		MaxRetries: 1,
		Delay:      100 * time.Millisecond,
		Retryable:  retryable,
		Recover:    reopen,
	}
}

func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= p.MaxRetries || p.Retryable == nil || !p.Retryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err)
		}
		if p.Delay > 0 {
			select {
			case <-time.After(p.Delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if p.Recover != nil {
			if rerr := p.Recover(ctx, err); rerr != nil {
				return rerr
			}
		}
	}
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
