// Package retry provides the bounded retry policies applied to bus, HTTP and
// storage operations.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffFunc returns the delay to wait after the given failed attempt (1-based).
type BackoffFunc func(attempt int) time.Duration

// Classifier reports whether an error may be retried.
type Classifier func(err error) bool

// Notify is called after a failed attempt that will be retried.
type Notify func(attempt int, err error, wait time.Duration)

// Policy bounds how an operation is retried.
type Policy struct {
	MaxAttempts int
	Backoff     BackoffFunc

	// Retryable classifies errors; a nil Retryable treats every error as transient.
	Retryable Classifier
}

// Linear waits step*attempt between attempts.
func Linear(step time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		return step * time.Duration(attempt)
	}
}

// Constant waits the same delay between attempts.
func Constant(d time.Duration) BackoffFunc {
	return func(int) time.Duration {
		return d
	}
}

// Exponential doubles the delay on every attempt, capped at max.
func Exponential(initial, max time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		d := initial
		for i := 1; i < attempt; i++ {
			d *= 2
			if max > 0 && d >= max {
				return max
			}
		}
		if max > 0 && d > max {
			return max
		}
		return d
	}
}

// Do runs op until it succeeds, the classifier rejects the error, attempts are
// exhausted or ctx is done. The last error is returned unwrapped.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error, notify Notify) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, notify)
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error), notify Notify) (T, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var (
		result  T
		attempt int
	)
	operation := func() error {
		attempt++
		v, err := op(ctx)
		if err == nil {
			result = v
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var b backoff.BackOff = &schedule{next: p.Backoff}
	b = backoff.WithMaxRetries(b, uint64(maxAttempts-1))
	b = backoff.WithContext(b, ctx)

	err := backoff.RetryNotify(operation, b, func(err error, wait time.Duration) {
		if notify != nil {
			notify(attempt, err, wait)
		}
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// schedule adapts a BackoffFunc to backoff.BackOff.
type schedule struct {
	next    BackoffFunc
	attempt int
}

func (s *schedule) NextBackOff() time.Duration {
	s.attempt++
	if s.next == nil {
		return 0
	}
	return s.next(s.attempt)
}

func (s *schedule) Reset() {
	s.attempt = 0
}
