/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package middleware adapts the rate limiting service to request pipelines.
// The admission flow is framework-neutral: Process drives any transport that
// implements the Handler interface, and the net/http binding in this package
// is one such implementation.
package middleware

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/hicaroostreb/saas-boilerplate-sub004/ratelimit"
)

// Standard rate limiting response headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRateLimitUsed      = "X-RateLimit-Used"
	HeaderRetryAfter         = "Retry-After"
)

// Legacy header names mirrored when Options.LegacyHeaders is enabled.
const (
	HeaderLegacyRateLimitLimit     = "X-Rate-Limit-Limit"
	HeaderLegacyRateLimitRemaining = "X-Rate-Limit-Remaining"
	HeaderLegacyRateLimitReset     = "X-Rate-Limit-Reset"
	HeaderLegacyRateLimitUsed      = "X-Rate-Limit-Used"
)

// ErrorPolicy determines how the middleware reacts when the admission check
// itself fails, typically because the storage backend is unreachable.
type ErrorPolicy string

// Supported error policies.
const (
	// ErrorPolicyFailOpen serves the request and logs the error. An outage of
	// the rate limiter's backing store does not become an outage of the
	// protected service.
	ErrorPolicyFailOpen ErrorPolicy = "fail-open"

	// ErrorPolicyFailClosed rejects the request when the admission check fails.
	ErrorPolicyFailClosed ErrorPolicy = "fail-closed"
)

// IsValid reports whether the error policy is one of the supported variants.
func (p ErrorPolicy) IsValid() bool {
	switch p {
	case ErrorPolicyFailOpen, ErrorPolicyFailClosed:
		return true
	}
	return false
}

// String returns a string representation of the error policy.
// Implements fmt.Stringer interface.
func (p ErrorPolicy) String() string {
	return string(p)
}

// UnmarshalText implements the encoding.TextUnmarshaler interface
// which is used by mapstructure.TextUnmarshallerHookFunc.
func (p *ErrorPolicy) UnmarshalText(text []byte) error {
	policy := ErrorPolicy(text)
	if !policy.IsValid() {
		return fmt.Errorf("unknown error policy %q", string(text))
	}
	*p = policy
	return nil
}

// Handler abstracts the common operations over a single in-flight request,
// so the admission flow can be shared between transports.
type Handler interface {
	// Context returns the request context.
	Context() context.Context

	// Identifier extracts the rate limiting identifier from the request.
	// Returns the identifier, whether to bypass rate limiting, and an error.
	Identifier() (identifier string, bypass bool, err error)

	// SetHeader sets a response header.
	SetHeader(name, value string)

	// Execute processes the actual request.
	Execute() error

	// OnReject handles the rejection when the rate limit is exceeded.
	OnReject(res ratelimit.Result) error

	// OnError handles errors that occur during the admission check.
	OnError(err error) error
}

// Options configures the transport-neutral part of the admission flow.
type Options struct {
	// DisableHeaders suppresses the X-RateLimit response headers.
	DisableHeaders bool

	// LegacyHeaders additionally mirrors the X-Rate-Limit-* header variants.
	LegacyHeaders bool
}

// Process runs one admission flow: it extracts the identifier, checks the
// limit, reflects the outcome in the response headers, and dispatches to
// Execute, OnReject, or OnError. The returned error is whatever the invoked
// Handler callback returned.
func Process(h Handler, svc *ratelimit.Service, opts Options) error {
	identifier, bypass, err := h.Identifier()
	if err != nil {
		return h.OnError(fmt.Errorf("get identifier for rate limit: %w", err))
	}
	if bypass { // Rate limiting is bypassed for this request.
		return h.Execute()
	}

	res, err := svc.CheckLimit(h.Context(), identifier)
	if err != nil {
		return h.OnError(fmt.Errorf("rate limit: %w", err))
	}

	if !opts.DisableHeaders {
		writeResultHeaders(h, res, opts.LegacyHeaders)
	}
	if res.Allowed {
		return h.Execute()
	}
	return h.OnReject(res)
}

func writeResultHeaders(h Handler, res ratelimit.Result, legacy bool) {
	limit := strconv.Itoa(res.Limit)
	remaining := strconv.Itoa(res.Remaining)
	reset := strconv.FormatInt(res.ResetTime.Unix(), 10)
	used := strconv.Itoa(res.TotalHits)

	h.SetHeader(HeaderRateLimitLimit, limit)
	h.SetHeader(HeaderRateLimitRemaining, remaining)
	h.SetHeader(HeaderRateLimitReset, reset)
	h.SetHeader(HeaderRateLimitUsed, used)
	if legacy {
		h.SetHeader(HeaderLegacyRateLimitLimit, limit)
		h.SetHeader(HeaderLegacyRateLimitRemaining, remaining)
		h.SetHeader(HeaderLegacyRateLimitReset, reset)
		h.SetHeader(HeaderLegacyRateLimitUsed, used)
	}
}

// FormatRetryAfter renders a duration as a Retry-After header value:
// whole seconds rounded up, never less than one.
func FormatRetryAfter(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}
