/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package retry provides backoff policies and a helper that runs an operation
// with retries according to one of them.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy constructs a backoff strategy for one run of a retryable operation.
// NewBackOff must return a fresh instance every time: backoff state mutates
// as attempts are made and must not be shared between runs.
type Policy interface {
	NewBackOff() backoff.BackOff
}

// PolicyFunc adapts an ordinary function to the Policy interface.
type PolicyFunc func() backoff.BackOff

// NewBackOff returns the backoff built by the adapted function.
func (f PolicyFunc) NewBackOff() backoff.BackOff {
	return f()
}

// withMaxAttempts bounds the backoff by the max attempts number if it is positive
// and resets the result so it is ready for the first attempt.
func withMaxAttempts(b backoff.BackOff, maxAttempts int) backoff.BackOff {
	if maxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(maxAttempts))
	}
	b.Reset()
	return b
}

// ExponentialBackoffPolicy repeats an operation with exponentially growing delays.
type ExponentialBackoffPolicy struct {
	initialInterval time.Duration
	maxAttempts     int
	multiplier      float64
}

// ExponentialBackoffOpts represents options for ExponentialBackoffPolicy.
type ExponentialBackoffOpts struct {
	// Multiplier is the factor by which the delay grows after each attempt.
	// The backoff library default (1.5) is used when it is not positive.
	Multiplier float64
}

// NewExponentialBackoffPolicy returns an exponential backoff policy with the given
// initial interval and max number of retry attempts (0 or negative means no bound).
func NewExponentialBackoffPolicy(initialInterval time.Duration, maxRetryAttempts int) ExponentialBackoffPolicy {
	return NewExponentialBackoffPolicyWithOpts(initialInterval, maxRetryAttempts, ExponentialBackoffOpts{})
}

// NewExponentialBackoffPolicyWithOpts is a more configurable version of NewExponentialBackoffPolicy.
func NewExponentialBackoffPolicyWithOpts(
	initialInterval time.Duration, maxRetryAttempts int, opts ExponentialBackoffOpts,
) ExponentialBackoffPolicy {
	return ExponentialBackoffPolicy{
		initialInterval: initialInterval,
		maxAttempts:     maxRetryAttempts,
		multiplier:      opts.Multiplier,
	}
}

// NewBackOff builds a fresh exponential backoff.
func (p ExponentialBackoffPolicy) NewBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.initialInterval
	if p.multiplier > 0 {
		exp.Multiplier = p.multiplier
	}
	return withMaxAttempts(exp, p.maxAttempts)
}

// ConstantBackoffPolicy repeats an operation with constant delays.
type ConstantBackoffPolicy struct {
	interval    time.Duration
	maxAttempts int
}

// NewConstantBackoffPolicy returns a constant backoff policy with the given
// interval and max number of retry attempts (0 or negative means no bound).
func NewConstantBackoffPolicy(interval time.Duration, maxRetryAttempts int) ConstantBackoffPolicy {
	return ConstantBackoffPolicy{interval: interval, maxAttempts: maxRetryAttempts}
}

// NewBackOff builds a fresh constant backoff.
func (p ConstantBackoffPolicy) NewBackOff() backoff.BackOff {
	return withMaxAttempts(backoff.NewConstantBackOff(p.interval), p.maxAttempts)
}

// IsRetryable reports whether an error is worth another attempt
// as opposed to a persistent one.
type IsRetryable func(error) bool

// RetryableFunc is an operation that can be retried.
type RetryableFunc func(ctx context.Context) error

// DoWithRetry runs fn and retries it according to policy p until it succeeds,
// the backoff gives up, or ctx is done. isRetryable tells which errors lead to
// a new attempt (nil means any error does). notify is called before every delay
// with the error and the delay duration (may be nil).
func DoWithRetry(ctx context.Context, p Policy, isRetryable IsRetryable, notify backoff.Notify, fn RetryableFunc) error {
	b := backoff.WithContext(p.NewBackOff(), ctx)
	attempt := func() error {
		err := fn(b.Context())
		if err == nil || isRetryable == nil || isRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.RetryNotify(attempt, b, notify)
}
