/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hicaroostreb/saas-boilerplate-sub004/log"
	"github.com/hicaroostreb/saas-boilerplate-sub004/retry"
)

// Defaults applied in place of zero RetryableRoundTripper options.
const (
	DefaultMaxRetryAttempts                  = 10
	DefaultExponentialBackoffInitialInterval = time.Second
	DefaultExponentialBackoffMultiplier      = 2
)

// UnlimitedRetryAttempts may be passed as MaxRetryAttempts
// when only the backoff policy should decide when to stop retrying.
const UnlimitedRetryAttempts = -1

// RetryAttemptNumberHeader is the name of the HTTP header carrying the serial number of the retry attempt.
// The header is absent on the first request.
const RetryAttemptNumberHeader = "X-Retry-Attempt"

// CheckRetryFunc decides right after each round trip whether one more retry attempt should be done.
// doneRetryAttempts is 0 when the first request has just finished.
type CheckRetryFunc func(ctx context.Context, resp *http.Response, roundTripErr error, doneRetryAttempts int) (bool, error)

// RetryableRoundTripper retries failed HTTP requests on top of a delegated http.RoundTripper.
// Which failures are worth a retry and how long to wait between attempts is configurable.
type RetryableRoundTripper struct {
	// Delegate performs the actual round trips.
	Delegate http.RoundTripper

	// Logger is used for logging.
	// LoggerProvider takes precedence when both are set.
	Logger log.FieldLogger

	// LoggerProvider extracts a logger from the request context.
	// Set it when logs should carry request-specific fields (e.g., request ID).
	LoggerProvider func(ctx context.Context) log.FieldLogger

	// MaxRetryAttempts limits the number of retries, so up to MaxRetryAttempts+1 requests may be sent in total.
	// UnlimitedRetryAttempts leaves stopping to the backoff policy alone.
	// DefaultMaxRetryAttempts is used when the value is 0.
	MaxRetryAttempts int

	// CheckRetry decides after each round trip whether to retry.
	// DefaultCheckRetry is used when nil.
	CheckRetry CheckRetryFunc

	// IgnoreRetryAfter disables parsing the Retry-After response header.
	// Normally the header, when present, overrides the backoff policy for computing the delay.
	IgnoreRetryAfter bool

	// BackoffPolicy computes the delay before the next attempt
	// when the response carries no Retry-After header or IgnoreRetryAfter is set.
	// DefaultBackoffPolicy is used when nil.
	BackoffPolicy retry.Policy
}

// RetryableRoundTripperOpts configures RetryableRoundTripper.
// See the RetryableRoundTripper field docs for the semantics of each option.
type RetryableRoundTripperOpts struct {
	Logger         log.FieldLogger
	LoggerProvider func(ctx context.Context) log.FieldLogger

	MaxRetryAttempts int

	CheckRetryFunc CheckRetryFunc

	IgnoreRetryAfter bool

	BackoffPolicy retry.Policy
}

// NewRetryableRoundTripper returns a new RetryableRoundTripper with default options.
func NewRetryableRoundTripper(delegate http.RoundTripper) (*RetryableRoundTripper, error) {
	return NewRetryableRoundTripperWithOpts(delegate, RetryableRoundTripperOpts{})
}

// NewRetryableRoundTripperWithOpts returns a new RetryableRoundTripper with the passed options.
// Defaults are applied in place of zero option values.
func NewRetryableRoundTripperWithOpts(
	delegate http.RoundTripper, opts RetryableRoundTripperOpts,
) (*RetryableRoundTripper, error) {
	if opts.MaxRetryAttempts < 0 && opts.MaxRetryAttempts != UnlimitedRetryAttempts {
		return nil, fmt.Errorf("incorrect max retry attempts")
	}
	if opts.MaxRetryAttempts == 0 {
		opts.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	if opts.CheckRetryFunc == nil {
		opts.CheckRetryFunc = DefaultCheckRetry
	}
	if opts.BackoffPolicy == nil {
		opts.BackoffPolicy = DefaultBackoffPolicy
	}
	return &RetryableRoundTripper{
		Delegate:         delegate,
		Logger:           opts.Logger,
		LoggerProvider:   opts.LoggerProvider,
		MaxRetryAttempts: opts.MaxRetryAttempts,
		CheckRetry:       opts.CheckRetryFunc,
		BackoffPolicy:    opts.BackoffPolicy,
		IgnoreRetryAfter: opts.IgnoreRetryAfter,
	}, nil
}

// RoundTrip sends the request and retries it until CheckRetry says to stop,
// the attempt limit is reached, the backoff policy gives up, or the request context is done.
// The result of the last attempt is returned in any case.
func (rt *RetryableRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rewindBody := func(*http.Request) error { return nil }
	if req.Body != nil {
		origBody := req.Body
		defer func() {
			_ = origBody.Close() // Per RoundTripper contract.
		}()
		var err error
		if rewindBody, err = makeRequestBodyRewindable(req); err != nil {
			return nil, &RetryableRoundTripperError{Inner: err}
		}
	}

	ctx := req.Context()
	nextDelay := rt.newDelayFunc()
	cloned := false

	var resp *http.Response
	var respErr error
	for retriesDone := 0; ; retriesDone++ {
		if rewindErr := rewindBody(req); rewindErr != nil {
			if retriesDone == 0 {
				return nil, &RetryableRoundTripperError{Inner: rewindErr}
			}
			rt.logger(ctx).Error(fmt.Sprintf(
				"failed to rewind request body between retry attempts, %d request(s) done", retriesDone+1),
				log.Error(rewindErr))
			return resp, respErr
		}

		// The previous response body has to be read to the end and closed to reuse the connection.
		if resp != nil && respErr == nil {
			drainResponseBody(resp, rt.logger(ctx))
		}

		if retriesDone > 0 {
			if !cloned {
				req, cloned = req.Clone(req.Context()), true // Per RoundTripper contract.
			}
			req.Header.Set(RetryAttemptNumberHeader, strconv.Itoa(retriesDone))
		}

		resp, respErr = rt.Delegate.RoundTrip(req)

		needRetry, checkErr := rt.CheckRetry(ctx, resp, respErr, retriesDone)
		if checkErr != nil {
			rt.logger(ctx).Error(fmt.Sprintf(
				"failed to check if retry is needed, %d request(s) done", retriesDone+1),
				log.Error(checkErr))
			return resp, respErr
		}
		if !needRetry || !rt.delayBeforeRetry(ctx, resp, retriesDone, nextDelay) {
			return resp, respErr
		}
	}
}

// delayBeforeRetry decides whether one more attempt may be done and, if so,
// sleeps for the delay computed from the response and the backoff policy.
// false means retrying has to stop and the last result should be returned as is.
func (rt *RetryableRoundTripper) delayBeforeRetry(
	ctx context.Context, resp *http.Response, retriesDone int, nextDelay delayFunc,
) bool {
	if rt.MaxRetryAttempts > 0 && retriesDone >= rt.MaxRetryAttempts {
		rt.logger(ctx).Warnf("max retry attempts exceeded (%d), %d request(s) done",
			rt.MaxRetryAttempts, retriesDone+1)
		return false
	}
	delay, stop := nextDelay(resp)
	if stop {
		return false
	}
	select {
	case <-ctx.Done():
		rt.logger(ctx).Warnf("context canceled (%v) while waiting for the next retry attempt, %d request(s) done",
			ctx.Err(), retriesDone+1)
		return false
	case <-time.After(delay):
		return true
	}
}

type delayFunc func(resp *http.Response) (delay time.Duration, stop bool)

// newDelayFunc returns a function computing the delay before the next retry attempt.
// The Retry-After response header takes precedence over the backoff policy unless IgnoreRetryAfter is set.
func (rt *RetryableRoundTripper) newDelayFunc() delayFunc {
	bf := rt.BackoffPolicy.NewBackOff()
	return func(resp *http.Response) (time.Duration, bool) {
		if resp != nil && !rt.IgnoreRetryAfter {
			if retryAfter, ok := parseRetryAfterFromResponse(resp); ok {
				return retryAfter, false
			}
		}
		delay := bf.NextBackOff()
		return delay, delay == backoff.Stop
	}
}

func (rt *RetryableRoundTripper) logger(ctx context.Context) log.FieldLogger {
	if rt.LoggerProvider != nil {
		return rt.LoggerProvider(ctx)
	}
	return rt.Logger
}

// DefaultCheckRetry retries any temporary network error
// and any response with a 429 or 5xx status code.
func DefaultCheckRetry(
	ctx context.Context, resp *http.Response, roundTripErr error, doneRetryAttempts int,
) (needRetry bool, err error) {
	if roundTripErr != nil {
		return CheckErrorIsTemporary(roundTripErr), nil
	}
	if resp == nil {
		return false, fmt.Errorf("both response and round trip error are nil")
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError, nil
}

// DefaultBackoffPolicy is an exponential backoff policy starting at 1s with a multiplier of 2.
var DefaultBackoffPolicy retry.Policy = retry.NewExponentialBackoffPolicyWithOpts(
	DefaultExponentialBackoffInitialInterval, 0,
	retry.ExponentialBackoffOpts{Multiplier: DefaultExponentialBackoffMultiplier},
)

// CheckErrorIsTemporary reports whether the passed error looks transient:
// io.EOF or anything that says Temporary() about itself.
func CheckErrorIsTemporary(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	var terr interface{ Temporary() bool }
	ok := errors.As(err, &terr)
	return ok && terr.Temporary()
}

// RetryableRoundTripperError is returned by RoundTrip
// when the request cannot even be attempted with retries (e.g., its body cannot be made rewindable).
type RetryableRoundTripperError struct {
	Inner error
}

func (e *RetryableRoundTripperError) Error() string {
	return fmt.Sprintf("retryable round trip: %s", e.Inner.Error())
}

// Unwrap exposes the wrapped error for errors.Is and errors.As.
func (e *RetryableRoundTripperError) Unwrap() error {
	return e.Inner
}
