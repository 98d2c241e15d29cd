/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Defaults applied in place of zero RateLimitingRoundTripper options.
const (
	DefaultRateLimitingBurst       = 1
	DefaultRateLimitingWaitTimeout = 15 * time.Second
)

// RateLimitingMode determines what RateLimitingRoundTripper does with a request
// when the limiter has no free slot for it.
type RateLimitingMode string

// Supported rate limiting modes.
const (
	// RateLimitingModeWait blocks the request until the limiter allows it or WaitTimeout elapses.
	RateLimitingModeWait RateLimitingMode = "wait"

	// RateLimitingModeAllow fails the request immediately without waiting.
	RateLimitingModeAllow RateLimitingMode = "allow"
)

// IsValid checks if the rate limiting mode has a supported value.
func (m RateLimitingMode) IsValid() bool {
	switch m {
	case RateLimitingModeWait, RateLimitingModeAllow:
		return true
	}
	return false
}

// RateLimitingRoundTripperAdaptation describes how the round tripper adjusts
// its limit to values the server reports in responses.
type RateLimitingRoundTripperAdaptation struct {
	// ResponseHeaderName is a name of the response HTTP header that carries the new rate limit value.
	ResponseHeaderName string

	// SlackPercent reduces the rate limit received in the response header by the specified percent.
	SlackPercent int

	// RespectRetryAfter makes the round tripper hold subsequent requests until the moment
	// specified in the Retry-After HTTP header when the server responds with
	// 429 (Too Many Requests) or 503 (Service Unavailable) status code.
	RespectRetryAfter bool
}

// RateLimitingRoundTripperOpts configures RateLimitingRoundTripper.
type RateLimitingRoundTripperOpts struct {
	// Burst is the maximum number of requests that can pass the limiter at the same moment.
	// By default, DefaultRateLimitingBurst is used.
	Burst int

	// Mode determines what to do with a request when the limiter has no free slot for it:
	// wait for the slot (RateLimitingModeWait, default) or fail immediately (RateLimitingModeAllow).
	Mode RateLimitingMode

	// WaitTimeout is the maximum time to wait for a free slot in the RateLimitingModeWait mode.
	// By default, DefaultRateLimitingWaitTimeout is used.
	WaitTimeout time.Duration

	// Adaptation describes how to adjust the limit to values the server reports in responses.
	Adaptation RateLimitingRoundTripperAdaptation
}

// RateLimitingRoundTripper is an http.RoundTripper limiting the rate of outgoing requests.
// It can adapt the limit to the value the server reports in a response header
// and hold requests while a received Retry-After deadline is in effect.
type RateLimitingRoundTripper struct {
	Delegate http.RoundTripper

	rateLimiter *rate.Limiter

	retryAfterMu    sync.RWMutex
	retryAfterUntil time.Time

	RateLimit   int
	Burst       int
	Mode        RateLimitingMode
	WaitTimeout time.Duration
	Adaptation  RateLimitingRoundTripperAdaptation
}

// NewRateLimitingRoundTripper wraps delegate with client side rate limiting
// of rateLimit requests per second.
func NewRateLimitingRoundTripper(delegate http.RoundTripper, rateLimit int) (*RateLimitingRoundTripper, error) {
	return NewRateLimitingRoundTripperWithOpts(delegate, rateLimit, RateLimitingRoundTripperOpts{})
}

// NewRateLimitingRoundTripperWithOpts is a version of NewRateLimitingRoundTripper
// with options. Zero option values fall back to defaults.
func NewRateLimitingRoundTripperWithOpts(
	delegate http.RoundTripper, rateLimit int, opts RateLimitingRoundTripperOpts,
) (*RateLimitingRoundTripper, error) {
	if rateLimit <= 0 {
		return nil, fmt.Errorf("rate limit must be positive")
	}
	if opts.Burst < 0 {
		return nil, fmt.Errorf("burst must be positive")
	}
	if opts.Adaptation.SlackPercent < 0 || opts.Adaptation.SlackPercent > 100 {
		return nil, fmt.Errorf("slack percent must be in range [0..100]")
	}

	burst := opts.Burst
	if burst == 0 {
		burst = DefaultRateLimitingBurst
	}
	mode := opts.Mode
	if mode == "" {
		mode = RateLimitingModeWait
	}
	if !mode.IsValid() {
		return nil, fmt.Errorf("unknown rate limiting mode %q", mode)
	}
	waitTimeout := opts.WaitTimeout
	if waitTimeout == 0 {
		waitTimeout = DefaultRateLimitingWaitTimeout
	}

	return &RateLimitingRoundTripper{
		Delegate:    delegate,
		rateLimiter: rate.NewLimiter(rate.Limit(rateLimit), burst),
		RateLimit:   rateLimit,
		Burst:       burst,
		Mode:        mode,
		WaitTimeout: waitTimeout,
		Adaptation:  opts.Adaptation,
	}, nil
}

var errLimitExhausted = errors.New("rate limit is exhausted")

// RoundTrip performs the request once the limiter lets it through.
// Implements the http.RoundTripper interface.
func (rt *RateLimitingRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	if r.Body != nil {
		defer func() {
			_ = r.Body.Close() // Per RoundTripper contract.
		}()
	}

	if err := rt.acquireSlot(r.Context()); err != nil {
		return nil, &RateLimitingRoundTripperError{Inner: err, Method: r.Method, URL: r.URL.Redacted()}
	}

	resp, err := rt.Delegate.RoundTrip(r)
	if err != nil {
		return resp, err
	}

	if rt.Adaptation.ResponseHeaderName != "" {
		rt.applyLimit(rt.limitFromResponse(resp))
	}
	if rt.Adaptation.RespectRetryAfter {
		rt.holdOnRetryAfter(resp)
	}

	return resp, nil
}

// acquireSlot obtains a free slot from the limiter according to the configured mode.
// A nil result means the request may be sent.
func (rt *RateLimitingRoundTripper) acquireSlot(reqCtx context.Context) error {
	if rt.Mode == RateLimitingModeAllow {
		if rt.retryAfterWaitTime(time.Now()) > 0 || !rt.rateLimiter.Allow() {
			return errLimitExhausted
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(reqCtx, rt.WaitTimeout)
	defer cancel()

	// A canceled request context is deliberately let through,
	// the delegate will fail it with a more informative error.
	if err := rt.waitRetryAfter(ctx); err != nil && !errors.Is(ctx.Err(), context.Canceled) {
		return err
	}
	if err := rt.rateLimiter.Wait(ctx); err != nil && !errors.Is(ctx.Err(), context.Canceled) {
		return err
	}
	return nil
}

// waitRetryAfter blocks until the moment received earlier in the Retry-After response header
// or until the passed context is done.
func (rt *RateLimitingRoundTripper) waitRetryAfter(ctx context.Context) error {
	waitTime := rt.retryAfterWaitTime(time.Now())
	if waitTime <= 0 {
		return nil
	}
	timer := time.NewTimer(waitTime)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (rt *RateLimitingRoundTripper) retryAfterWaitTime(now time.Time) time.Duration {
	rt.retryAfterMu.RLock()
	until := rt.retryAfterUntil
	rt.retryAfterMu.RUnlock()
	return until.Sub(now)
}

func (rt *RateLimitingRoundTripper) holdOnRetryAfter(resp *http.Response) {
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
		return
	}
	retryAfter, ok := parseRetryAfterFromResponse(resp)
	if !ok || retryAfter <= 0 {
		return
	}
	until := time.Now().Add(retryAfter)
	rt.retryAfterMu.Lock()
	if until.After(rt.retryAfterUntil) {
		rt.retryAfterUntil = until
	}
	rt.retryAfterMu.Unlock()
}

// limitFromResponse extracts the new rate limit from the configured response header.
// Zero means the header is absent or unusable.
func (rt *RateLimitingRoundTripper) limitFromResponse(resp *http.Response) int {
	raw := resp.Header.Get(rt.Adaptation.ResponseHeaderName)
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0
	}
	limit = limit * (100 - rt.Adaptation.SlackPercent) / 100
	if limit == 0 {
		// Keep a trickle of one request per second instead of stopping completely.
		return 1
	}
	return limit
}

// applyLimit tunes the limiter to the value extracted from the last response.
// Zero (no usable header) and values above the configured maximum restore
// the configured rate limit.
func (rt *RateLimitingRoundTripper) applyLimit(newLimit int) {
	if newLimit == 0 || newLimit > rt.RateLimit {
		newLimit = rt.RateLimit
	}
	if limit := rate.Limit(newLimit); rt.rateLimiter.Limit() != limit {
		rt.rateLimiter.SetLimit(limit)
	}
}

// RateLimitingRoundTripperError reports a request that could not pass
// the client side rate limiting.
type RateLimitingRoundTripperError struct {
	Inner  error
	Method string
	URL    string
}

func (e *RateLimitingRoundTripperError) Error() string {
	return fmt.Sprintf("client side rate limiting of %s %s: %s", e.Method, e.URL, e.Inner.Error())
}

// Unwrap exposes the wrapped error for errors.Is and errors.As.
func (e *RateLimitingRoundTripperError) Unwrap() error {
	return e.Inner
}
