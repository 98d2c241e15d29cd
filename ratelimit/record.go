/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import "time"

// Record is the persisted admission state of a single key. Which fields are
// meaningful depends on the algorithm tag: fixed window uses Count, sliding
// window uses Timestamps, token bucket uses Count, Tokens, and LastRefill.
type Record struct {
	// Key is the storage key the record is kept under.
	Key string

	// Algorithm tags the record with the algorithm that produced it.
	// Check operations fail with a DomainError when the tag does not match.
	Algorithm Algorithm

	// Count is the number of attempts seen in the current window.
	Count int

	// Tokens is the token-bucket fill level, including the fractional part
	// accumulated between whole refill intervals.
	Tokens float64

	// LastRefill is the moment of the latest applied token-bucket refill.
	// It advances only by whole intervals, never to the observation time.
	LastRefill time.Time

	// Timestamps holds the admission times of the sliding-window log,
	// oldest first.
	Timestamps []time.Time

	// ResetTime is the moment the record becomes indistinguishable from an
	// absent one: the fixed window ends, the last sliding-window timestamp
	// leaves the window, or the token bucket refills to capacity. Storage
	// gateways expire records at this moment.
	ResetTime time.Time

	// CreatedAt is the moment the record was first created.
	CreatedAt time.Time
}

// ExpiredAt reports whether the record is indistinguishable from an absent
// one at the given moment. Storage gateways must treat expired records as
// not found regardless of when they are physically removed.
func (r *Record) ExpiredAt(now time.Time) bool {
	return !r.ResetTime.After(now)
}

// TTL returns the remaining lifetime of the record at the given moment.
func (r *Record) TTL(now time.Time) time.Duration {
	return r.ResetTime.Sub(now)
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	cp := *r
	if r.Timestamps != nil {
		cp.Timestamps = make([]time.Time, len(r.Timestamps))
		copy(cp.Timestamps, r.Timestamps)
	}
	return &cp
}

// Result is the outcome of a single admission check. It is always derived
// from the post-update record and the configuration, never persisted.
type Result struct {
	// Allowed reports whether the attempt was admitted.
	Allowed bool

	// Limit is the configured quota ceiling.
	Limit int

	// Remaining is the number of attempts still admittable without waiting.
	// Never negative.
	Remaining int

	// TotalHits is the number of attempts accounted in the current window.
	// Fixed window and token bucket count rejected attempts too; the sliding
	// window counts only admitted ones.
	TotalHits int

	// ResetTime is the moment the quota replenishes: the next fixed window
	// starts, the oldest sliding-window entry leaves the window and frees a
	// slot, or the token bucket is full again.
	ResetTime time.Time

	// RetryAfter is how long the caller should wait before the next attempt
	// can be admitted. Zero when the attempt was allowed.
	RetryAfter time.Duration
}
