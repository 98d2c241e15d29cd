/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import "fmt"

// Algorithm identifies the admission algorithm used to account attempts
// against a quota.
type Algorithm string

// Supported rate-limiting algorithms.
const (
	// AlgorithmFixedWindow counts attempts in aligned windows of fixed length.
	// A request at the exact window boundary belongs to the new window, so a
	// burst of up to twice the quota is possible around every boundary. This
	// hard reset is a known characteristic of fixed windows.
	AlgorithmFixedWindow Algorithm = "fixed-window"

	// AlgorithmSlidingWindow keeps a log of admission timestamps and counts
	// the ones that fall into the window ending now. Rejected attempts leave
	// no trace in the log.
	AlgorithmSlidingWindow Algorithm = "sliding-window"

	// AlgorithmTokenBucket refills a bucket of tokens at a steady rate and
	// consumes one token per admitted attempt. It is the only algorithm with
	// a controlled burst: the capacity may exceed the refill rate.
	AlgorithmTokenBucket Algorithm = "token-bucket"

	// AlgorithmLeakyBucket admits requests at a steady emission rate with a
	// bounded burst (GCRA). Supported for the memory store only.
	AlgorithmLeakyBucket Algorithm = "leaky-bucket"
)

// IsValid reports whether the algorithm is one of the supported variants.
func (a Algorithm) IsValid() bool {
	switch a {
	case AlgorithmFixedWindow, AlgorithmSlidingWindow, AlgorithmTokenBucket, AlgorithmLeakyBucket:
		return true
	}
	return false
}

// String returns a string representation of the algorithm.
// Implements fmt.Stringer interface.
func (a Algorithm) String() string {
	return string(a)
}

// UnmarshalText implements the encoding.TextUnmarshaler interface
// which is used by mapstructure.TextUnmarshallerHookFunc.
func (a *Algorithm) UnmarshalText(text []byte) error {
	alg := Algorithm(text)
	if !alg.IsValid() {
		return fmt.Errorf("unknown rate limit algorithm %q", string(text))
	}
	*a = alg
	return nil
}
