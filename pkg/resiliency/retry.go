// Package resiliency contains retry, timeout, and panic-recovery helpers
// used around adapter process and protocol plumbing.
package resiliency

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Permanent marks err as non-retryable for RetryGet.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// RetryGet calls factory with exponential back-off until it succeeds, returns
// a permanent error, or ctx is done.
func RetryGet[T any](ctx context.Context, factory func() (T, error)) (T, error) {
	var lastAttemptErr error

	retval, err := backoff.RetryNotifyWithData(
		factory,
		backoff.WithContext(backoff.NewExponentialBackOff(), ctx),
		func(err error, d time.Duration) {
			lastAttemptErr = err
		},
	)

	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		// Inform the caller about the timeout AND the last attempt error.
		return *new(T), errors.Join(lastAttemptErr, err)
	case err != nil:
		return *new(T), err
	default:
		return retval, nil
	}
}
