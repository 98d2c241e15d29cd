/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// StoreKind identifies a storage backend flavor.
type StoreKind string

// Supported storage backends.
const (
	StoreKindMemory StoreKind = "memory"
	StoreKindRedis  StoreKind = "redis"
)

// IsValid reports whether the store kind is one of the supported variants.
func (k StoreKind) IsValid() bool {
	switch k {
	case StoreKindMemory, StoreKindRedis:
		return true
	}
	return false
}

// String returns a string representation of the store kind.
// Implements fmt.Stringer interface.
func (k StoreKind) String() string {
	return string(k)
}

// UnmarshalText implements the encoding.TextUnmarshaler interface
// which is used by mapstructure.TextUnmarshallerHookFunc.
func (k *StoreKind) UnmarshalText(text []byte) error {
	kind := StoreKind(text)
	if !kind.IsValid() {
		return fmt.Errorf("unknown store kind %q", string(text))
	}
	*k = kind
	return nil
}

// HealthResult describes the outcome of a storage health probe.
type HealthResult struct {
	// OK reports whether the backend answered the probe.
	OK bool

	// Latency is the round-trip time of the probe.
	Latency time.Duration

	// Details is an optional human-readable note from the backend.
	Details string
}

// Store is the storage gateway for rate-limiting state.
//
// The three Check operations run a full read-modify-write admission
// transition atomically with respect to other operations on the same key:
// the in-memory gateway serializes them under a lock, the Redis gateway runs
// server-side scripts. N concurrent checks against one key therefore admit
// exactly min(N, quota) attempts, never more.
//
// Records whose ResetTime has passed are treated as absent by every read
// operation, whether or not the backend has physically removed them yet.
type Store interface {
	// CheckFixedWindow runs one fixed-window admission transition for the key.
	CheckFixedWindow(ctx context.Context, key string, p WindowParams) (Result, error)

	// CheckSlidingWindow runs one sliding-window admission transition for the key.
	CheckSlidingWindow(ctx context.Context, key string, p SlidingParams) (Result, error)

	// CheckTokenBucket runs one token-bucket admission transition for the key.
	CheckTokenBucket(ctx context.Context, key string, p BucketParams) (Result, error)

	// FindByKey returns a copy of the record stored for the key, or nil when
	// the key is unknown or its record has expired.
	FindByKey(ctx context.Context, key string) (*Record, error)

	// Save persists the record under rec.Key with the given time to live.
	// A non-positive TTL removes the record.
	Save(ctx context.Context, rec *Record, ttl time.Duration) error

	// Delete removes the record for the key. Deleting an absent key is not
	// an error.
	Delete(ctx context.Context, key string) error

	// DeleteMultiple removes the records for all passed keys and returns the
	// number of records that actually existed.
	DeleteMultiple(ctx context.Context, keys []string) (int, error)

	// Exists reports whether a live record is stored for the key.
	Exists(ctx context.Context, key string) (bool, error)

	// Cleanup removes expired records and returns the number of removed
	// ones. Backends that expire records on the server side may implement it
	// as a no-op.
	Cleanup(ctx context.Context) (int, error)

	// HealthCheck probes the storage backend.
	HealthCheck(ctx context.Context) (HealthResult, error)

	// Kind returns the backend flavor of the gateway.
	Kind() StoreKind
}
