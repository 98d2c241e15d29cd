/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package memstore keeps rate-limiting records in process memory. It is the
// storage gateway of choice for single-instance deployments: admission
// transitions are serialized under one lock, so they stay race-free without
// any network round trip.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hicaroostreb/saas-boilerplate-sub004/lrucache"
	"github.com/hicaroostreb/saas-boilerplate-sub004/ratelimit"
)

// DefaultMaxKeys bounds the number of tracked keys when Opts.MaxKeys is zero.
const DefaultMaxKeys = 10000

// Opts represents an options for Store.
type Opts struct {
	// MaxKeys bounds the number of tracked keys. When the bound is reached
	// the least recently used key is evicted. DefaultMaxKeys is used when zero.
	MaxKeys int

	// TimeNow is used to obtain the current time. time.Now is used when nil.
	TimeNow func() time.Time

	// CacheMetrics collects metrics of the underlying LRU cache. Disabled when nil.
	CacheMetrics lrucache.MetricsCollector
}

// Store is an in-memory storage gateway for rate-limiting state.
//
// A single mutex serializes the read-modify-write admission transitions, so
// two concurrent checks on one key can never observe the same pre-transition
// state. Records expire lazily: every read treats a record whose ResetTime
// has passed as absent, and Cleanup (or the RunCleanup loop) physically
// removes what the LRU has not evicted yet.
type Store struct {
	mu      sync.Mutex
	cache   *lrucache.LRUCache[string, *ratelimit.Record]
	timeNow func() time.Time
}

var _ ratelimit.Store = (*Store)(nil)

// New creates a new Store with default options.
func New() *Store {
	s, err := NewWithOpts(Opts{})
	if err != nil {
		panic(err) // Unreachable, default options are always valid.
	}
	return s
}

// NewWithOpts creates a new Store with the provided options.
func NewWithOpts(opts Opts) (*Store, error) {
	if opts.MaxKeys < 0 {
		return nil, fmt.Errorf("max keys should not be negative, got %d", opts.MaxKeys)
	}
	maxKeys := opts.MaxKeys
	if maxKeys == 0 {
		maxKeys = DefaultMaxKeys
	}
	cache, err := lrucache.New[string, *ratelimit.Record](maxKeys, opts.CacheMetrics)
	if err != nil {
		return nil, fmt.Errorf("new LRU cache: %w", err)
	}
	timeNow := opts.TimeNow
	if timeNow == nil {
		timeNow = time.Now
	}
	return &Store{cache: cache, timeNow: timeNow}, nil
}

// CheckFixedWindow runs one fixed-window admission transition for the key.
// Implements ratelimit.Store interface.
func (s *Store) CheckFixedWindow(ctx context.Context, key string, p ratelimit.WindowParams) (ratelimit.Result, error) {
	if err := checkCtx(ctx, "check", key); err != nil {
		return ratelimit.Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.liveRecordLocked(key, ratelimit.AlgorithmFixedWindow, p.Now)
	if err != nil {
		return ratelimit.Result{}, err
	}
	newRec, res := ratelimit.ApplyFixedWindow(rec, p)
	s.saveLocked(key, &newRec, p.Now)
	return res, nil
}

// CheckSlidingWindow runs one sliding-window admission transition for the key.
// Implements ratelimit.Store interface.
func (s *Store) CheckSlidingWindow(ctx context.Context, key string, p ratelimit.SlidingParams) (ratelimit.Result, error) {
	if err := checkCtx(ctx, "check", key); err != nil {
		return ratelimit.Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.liveRecordLocked(key, ratelimit.AlgorithmSlidingWindow, p.Now)
	if err != nil {
		return ratelimit.Result{}, err
	}
	newRec, res := ratelimit.ApplySlidingWindow(rec, p)
	s.saveLocked(key, &newRec, p.Now)
	return res, nil
}

// CheckTokenBucket runs one token-bucket admission transition for the key.
// Implements ratelimit.Store interface.
func (s *Store) CheckTokenBucket(ctx context.Context, key string, p ratelimit.BucketParams) (ratelimit.Result, error) {
	if err := checkCtx(ctx, "check", key); err != nil {
		return ratelimit.Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.liveRecordLocked(key, ratelimit.AlgorithmTokenBucket, p.Now)
	if err != nil {
		return ratelimit.Result{}, err
	}
	newRec, res := ratelimit.ApplyTokenBucket(rec, p)
	s.saveLocked(key, &newRec, p.Now)
	return res, nil
}

// FindByKey returns a copy of the record stored for the key, or nil when the
// key is unknown or its record has expired.
// Implements ratelimit.Store interface.
func (s *Store) FindByKey(ctx context.Context, key string) (*ratelimit.Record, error) {
	if err := checkCtx(ctx, "find", key); err != nil {
		return nil, err
	}
	rec, ok := s.cache.Get(key)
	if !ok || rec.ExpiredAt(s.timeNow()) {
		return nil, nil
	}
	return rec.Clone(), nil
}

// Save persists a copy of the record under rec.Key with the given time to
// live. A non-positive TTL removes the record instead.
// Implements ratelimit.Store interface.
func (s *Store) Save(ctx context.Context, rec *ratelimit.Record, ttl time.Duration) error {
	if rec == nil {
		return ratelimit.NewValidationError("record is required")
	}
	if err := checkCtx(ctx, "save", rec.Key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ttl <= 0 {
		s.cache.Remove(rec.Key)
		return nil
	}
	s.cache.AddWithTTL(rec.Key, rec.Clone(), ttl)
	return nil
}

// Delete removes the record for the key.
// Implements ratelimit.Store interface.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := checkCtx(ctx, "delete", key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(key)
	return nil
}

// DeleteMultiple removes the records for all passed keys and returns the
// number of records that were present.
// Implements ratelimit.Store interface.
func (s *Store) DeleteMultiple(ctx context.Context, keys []string) (int, error) {
	if err := checkCtx(ctx, "delete", ""); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, key := range keys {
		if s.cache.Remove(key) {
			removed++
		}
	}
	return removed, nil
}

// Exists reports whether a live record is stored for the key. The lookup
// does not refresh the key's LRU position.
// Implements ratelimit.Store interface.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := checkCtx(ctx, "exists", key); err != nil {
		return false, err
	}
	rec, ok := s.cache.Peek(key)
	if !ok || rec.ExpiredAt(s.timeNow()) {
		return false, nil
	}
	return true, nil
}

// Cleanup physically removes records whose TTL has run out and returns the
// number of removed ones.
// Implements ratelimit.Store interface.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	if err := checkCtx(ctx, "cleanup", ""); err != nil {
		return 0, err
	}
	return s.cache.RemoveExpired(), nil
}

// HealthCheck reports the gateway health. The in-memory gateway is healthy
// as long as the process lives.
// Implements ratelimit.Store interface.
func (s *Store) HealthCheck(ctx context.Context) (ratelimit.HealthResult, error) {
	if err := checkCtx(ctx, "health", ""); err != nil {
		return ratelimit.HealthResult{}, err
	}
	start := time.Now()
	keys := s.cache.Len()
	return ratelimit.HealthResult{
		OK:      true,
		Latency: time.Since(start),
		Details: fmt.Sprintf("%d keys tracked", keys),
	}, nil
}

// Kind returns the backend flavor of the gateway.
// Implements ratelimit.Store interface.
func (s *Store) Kind() ratelimit.StoreKind {
	return ratelimit.StoreKindMemory
}

// RunCleanup blocks and periodically removes expired records until the
// context is canceled. Callers run it in a dedicated goroutine.
func (s *Store) RunCleanup(ctx context.Context, interval time.Duration) {
	s.cache.RunPeriodicCleanup(ctx, interval)
}

// liveRecordLocked returns the live record of the key, nil when absent or
// expired, and a DomainError when the stored record was produced by a
// different algorithm.
func (s *Store) liveRecordLocked(key string, alg ratelimit.Algorithm, now time.Time) (*ratelimit.Record, error) {
	rec, ok := s.cache.Get(key)
	if !ok || rec.ExpiredAt(now) {
		return nil, nil
	}
	if rec.Algorithm != alg {
		return nil, ratelimit.NewDomainError(
			"record for key %q has algorithm %q, want %q", key, rec.Algorithm, alg)
	}
	return rec, nil
}

// saveLocked stores the transition output. Records are replaced wholesale,
// never mutated in place, so pointers handed out earlier stay valid.
func (s *Store) saveLocked(key string, rec *ratelimit.Record, now time.Time) {
	rec.Key = key
	ttl := rec.TTL(now)
	if ttl <= 0 {
		s.cache.Remove(key)
		return
	}
	s.cache.AddWithTTL(key, rec, ttl)
}

func checkCtx(ctx context.Context, op, key string) error {
	if err := ctx.Err(); err != nil {
		return ratelimit.NewStorageError(op, key, err)
	}
	return nil
}
