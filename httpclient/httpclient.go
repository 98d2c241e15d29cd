/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package httpclient provides round trippers for outgoing HTTP requests:
// client side rate limiting (with adaptation to the limits the server reports)
// and retries with backoff that respect the Retry-After response header.
package httpclient

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hicaroostreb/saas-boilerplate-sub004/log"
)

// New builds an HTTP client whose transport rate limits and retries requests according to cfg.
func New(cfg *Config) (*http.Client, error) {
	return NewWithOpts(cfg, Opts{})
}

// Must is a version of New that panics on error.
func Must(cfg *Config) *http.Client {
	return MustWithOpts(cfg, Opts{})
}

// Opts provides options for NewWithOpts and MustWithOpts functions.
type Opts struct {
	// Delegate is the transport the chain hands requests to.
	// A clone of http.DefaultTransport is used when nil.
	Delegate http.RoundTripper

	// LoggerProvider returns the logger used to report retry attempts,
	// usually bound to the request context.
	LoggerProvider func(ctx context.Context) log.FieldLogger
}

// NewWithOpts is a version of New with options.
func NewWithOpts(cfg *Config, opts Opts) (*http.Client, error) {
	transport, err := newTransport(cfg, opts)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: transport, Timeout: cfg.Timeout}, nil
}

// newTransport builds the round tripper chain. Retrying wraps rate limiting,
// so each retry attempt passes rate limiting again.
func newTransport(cfg *Config, opts Opts) (http.RoundTripper, error) {
	transport := opts.Delegate
	if transport == nil {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}

	if cfg.RateLimits.Enabled {
		rateLimitingTransport, err := NewRateLimitingRoundTripperWithOpts(
			transport, cfg.RateLimits.Limit, cfg.RateLimits.TransportOpts())
		if err != nil {
			return nil, fmt.Errorf("create rate limiting round tripper: %w", err)
		}
		transport = rateLimitingTransport
	}

	if !cfg.Retries.Enabled {
		return transport, nil
	}
	retryOpts := cfg.Retries.TransportOpts()
	retryOpts.BackoffPolicy = cfg.Retries.GetPolicy()
	retryOpts.LoggerProvider = opts.LoggerProvider
	retryableTransport, err := NewRetryableRoundTripperWithOpts(transport, retryOpts)
	if err != nil {
		return nil, fmt.Errorf("create retryable round tripper: %w", err)
	}
	return retryableTransport, nil
}

// MustWithOpts is a version of NewWithOpts that panics on error.
func MustWithOpts(cfg *Config, opts Opts) *http.Client {
	client, err := NewWithOpts(cfg, opts)
	if err != nil {
		panic(err)
	}
	return client
}
