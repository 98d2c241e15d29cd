/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/throttled/throttled/v2"
	"go.uber.org/atomic"

	"github.com/hicaroostreb/saas-boilerplate-sub004/lrucache"
)

// DefaultLeakyBucketMaxKeys bounds the key cardinality of the in-process
// leaky-bucket state when ServiceOpts.LeakyBucketMaxKeys is zero.
const DefaultLeakyBucketMaxKeys = 10000

// leakyBucketLimiter implements GCRA (Generic Cell Rate Algorithm), a leaky
// bucket variant: requests are admitted at a steady emission rate of
// window/maxRequests with a burst of maxRequests-1. A good explanation of the
// algorithm is provided here: https://brandur.org/rate-limiting#gcra.
type leakyBucketLimiter struct {
	limiter *throttled.GCRARateLimiterCtx
	store   *gcraStore
	limit   int
}

func newLeakyBucketLimiter(window time.Duration, maxRequests, maxKeys int) (*leakyBucketLimiter, error) {
	store, err := newGCRAStore(maxKeys)
	if err != nil {
		return nil, fmt.Errorf("new GCRA store: %w", err)
	}
	quota := throttled.RateQuota{
		MaxRate:  throttled.PerDuration(maxRequests, window),
		MaxBurst: maxRequests - 1,
	}
	limiter, err := throttled.NewGCRARateLimiterCtx(store, quota)
	if err != nil {
		return nil, fmt.Errorf("new GCRA rate limiter: %w", err)
	}
	return &leakyBucketLimiter{limiter: limiter, store: store, limit: maxRequests}, nil
}

// check admits or rejects one attempt for the key.
func (l *leakyBucketLimiter) check(ctx context.Context, key string, now time.Time) (Result, error) {
	limited, gcraRes, err := l.limiter.RateLimitCtx(ctx, key, 1)
	if err != nil {
		return Result{}, NewStorageError("check", key, err)
	}
	res := Result{
		Allowed:   !limited,
		Limit:     l.limit,
		Remaining: gcraRes.Remaining,
		TotalHits: l.limit - gcraRes.Remaining,
		ResetTime: now.Add(gcraRes.ResetAfter),
	}
	if limited && gcraRes.RetryAfter > 0 {
		res.RetryAfter = gcraRes.RetryAfter
	}
	return res, nil
}

// forget drops the accumulated state of the key.
func (l *leakyBucketLimiter) forget(key string) {
	l.store.remove(key)
}

// gcraStore adapts lrucache.LRUCache to the store contract of throttled's
// GCRA limiter. Each entry holds the GCRA theoretical arrival time as unix
// nanoseconds behind an atomic so that the compare-and-swap step needs no
// extra locking.
type gcraStore struct {
	cache *lrucache.LRUCache[string, *atomic.Int64]
}

func newGCRAStore(maxKeys int) (*gcraStore, error) {
	cache, err := lrucache.New[string, *atomic.Int64](maxKeys, nil)
	if err != nil {
		return nil, err
	}
	return &gcraStore{cache: cache}, nil
}

// GetWithTime returns the stored value for the key, or -1 when the key is
// absent, along with the current time.
// Implements throttled.GCRAStoreCtx interface.
func (s *gcraStore) GetWithTime(_ context.Context, key string) (int64, time.Time, error) {
	now := time.Now()
	v, ok := s.cache.Get(key)
	if !ok {
		return -1, now, nil
	}
	return v.Load(), now, nil
}

// SetIfNotExistsWithTTL stores the value unless the key already exists and
// reports whether the value was set.
// Implements throttled.GCRAStoreCtx interface.
func (s *gcraStore) SetIfNotExistsWithTTL(_ context.Context, key string, value int64, ttl time.Duration) (bool, error) {
	_, existed := s.cache.GetOrAddWithTTL(key, func() *atomic.Int64 { return atomic.NewInt64(value) }, ttl)
	return !existed, nil
}

// CompareAndSwapWithTTL replaces the stored value when it still equals old
// and reports whether the swap happened. Swapping an absent key fails.
// Implements throttled.GCRAStoreCtx interface.
func (s *gcraStore) CompareAndSwapWithTTL(_ context.Context, key string, old, new int64, ttl time.Duration) (bool, error) {
	v, ok := s.cache.Get(key)
	if !ok {
		return false, nil
	}
	if !v.CompareAndSwap(old, new) {
		return false, nil
	}
	s.cache.AddWithTTL(key, v, ttl)
	return true, nil
}

func (s *gcraStore) remove(key string) {
	s.cache.Remove(key)
}
