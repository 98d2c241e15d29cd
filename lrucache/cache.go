/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package lrucache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// expired tells whether the entry TTL elapsed at the given moment.
// Entries with a zero deadline never expire.
func (e *entry[K, V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && e.expiresAt.Before(now)
}

// LRUCache is a fixed-capacity cache with LRU eviction, optional per-entry TTL,
// and Prometheus metrics.
type LRUCache[K comparable, V any] struct {
	capacity   int
	defaultTTL time.Duration

	mu    sync.RWMutex
	order *list.List          // most recently used entries are at the front
	index map[K]*list.Element // element values are *entry[K, V]

	metrics MetricsCollector
}

// Options holds optional parameters for the cache.
type Options struct {
	// DefaultTTL is applied to entries added with Add and GetOrAdd.
	// Expired entries are removed lazily, on access or during
	// a periodic cleanup cycle (see RunPeriodicCleanup), not at the moment of expiration.
	DefaultTTL time.Duration
}

// New creates an LRUCache holding at most maxEntries entries.
func New[K comparable, V any](maxEntries int, metricsCollector MetricsCollector) (*LRUCache[K, V], error) {
	return NewWithOpts[K, V](maxEntries, metricsCollector, Options{})
}

// NewWithOpts creates an LRUCache holding at most maxEntries entries.
// The collector receives cache usage statistics and may be nil to disable metrics.
func NewWithOpts[K comparable, V any](maxEntries int, metricsCollector MetricsCollector, opts Options) (*LRUCache[K, V], error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("maxEntries must be greater than 0")
	}
	if opts.DefaultTTL < 0 {
		return nil, fmt.Errorf("defaultTTL must be greater or equal to 0 (no expiration)")
	}
	if metricsCollector == nil {
		metricsCollector = noopMetrics{}
	}

	return &LRUCache[K, V]{
		capacity:   maxEntries,
		defaultTTL: opts.DefaultTTL,
		order:      list.New(),
		index:      make(map[K]*list.Element),
		metrics:    metricsCollector,
	}, nil
}

// Get returns the value stored under key and marks the entry as the most recently used one.
func (c *LRUCache[K, V]) Get(key K) (value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getEntry(key)
}

// Peek returns the value stored under key without promoting the entry
// and without counting the lookup as a hit or a miss.
// An expired entry is reported as absent but is left in place.
func (c *LRUCache[K, V]) Peek(key K) (value V, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	elem, found := c.index[key]
	if !found {
		return value, false
	}
	ent := elem.Value.(*entry[K, V])
	if ent.expired(time.Now()) {
		return value, false
	}
	return ent.value, true
}

// Add stores the value under key using the default TTL.
// When the cache is at capacity, the least recently used entry is evicted.
func (c *LRUCache[K, V]) Add(key K, value V) {
	c.AddWithTTL(key, value, c.defaultTTL)
}

// AddWithTTL stores the value under key with the given TTL.
// When the cache is at capacity, the least recently used entry is evicted.
// Expired entries are removed lazily, on access or during a periodic cleanup cycle
// (see RunPeriodicCleanup).
func (c *LRUCache[K, V]) AddWithTTL(key K, value V, ttl time.Duration) {
	expiresAt := makeDeadline(ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, found := c.index[key]; found {
		c.order.MoveToFront(elem)
		elem.Value = &entry[K, V]{key: key, value: value, expiresAt: expiresAt}
		return
	}
	c.insert(key, value, expiresAt)
}

// GetOrAdd returns the value stored under key.
// When the key is absent, the value built by valueProvider is stored and returned.
func (c *LRUCache[K, V]) GetOrAdd(key K, valueProvider func() V) (value V, exists bool) {
	return c.GetOrAddWithTTL(key, valueProvider, c.defaultTTL)
}

// GetOrAddWithTTL returns the value stored under key.
// When the key is absent, the value built by valueProvider is stored with the given TTL
// and returned. Expired entries are removed lazily, on access or during a periodic
// cleanup cycle (see RunPeriodicCleanup).
func (c *LRUCache[K, V]) GetOrAddWithTTL(key K, valueProvider func() V, ttl time.Duration) (value V, exists bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if value, exists = c.getEntry(key); exists {
		return value, true
	}
	value = valueProvider()
	c.insert(key, value, makeDeadline(ttl))
	return value, false
}

// Remove deletes the entry stored under key and reports whether it was present.
func (c *LRUCache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, found := c.index[key]
	if !found {
		return false
	}
	c.deleteEntry(key, elem)
	c.metrics.SetAmount(len(c.index))
	return true
}

// Purge drops all entries at once.
// The capacity stays the same, and no Prometheus metrics except the total
// number of entries are reset. Dropped entries are not counted as evictions.
func (c *LRUCache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics.SetAmount(0)
	c.index = make(map[K]*list.Element)
	c.order.Init()
}

// Len returns the current number of entries, expired ones included.
func (c *LRUCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.index)
}

// RemoveExpired deletes every entry whose TTL elapsed and returns how many were deleted.
// Entries without a TTL are kept.
func (c *LRUCache[K, V]) RemoveExpired() (removed int) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, elem := range c.index {
		if elem.Value.(*entry[K, V]).expired(now) {
			c.deleteEntry(key, elem)
			removed++
		}
	}
	if removed != 0 {
		c.metrics.SetAmount(len(c.index))
	}
	return removed
}

// RunPeriodicCleanup removes expired entries every cleanupInterval until ctx is canceled.
// Entries without a TTL are kept. The method blocks and is supposed to be run
// in a separate goroutine.
func (c *LRUCache[K, V]) RunPeriodicCleanup(ctx context.Context, cleanupInterval time.Duration) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RemoveExpired()
		}
	}
}

func (c *LRUCache[K, V]) getEntry(key K) (value V, ok bool) {
	elem, found := c.index[key]
	if !found {
		c.metrics.IncMisses()
		return value, false
	}
	ent := elem.Value.(*entry[K, V])
	if ent.expired(time.Now()) {
		c.deleteEntry(key, elem)
		c.metrics.SetAmount(len(c.index))
		c.metrics.IncMisses()
		return value, false
	}
	c.order.MoveToFront(elem)
	c.metrics.IncHits()
	return ent.value, true
}

func (c *LRUCache[K, V]) insert(key K, value V, expiresAt time.Time) {
	c.index[key] = c.order.PushFront(&entry[K, V]{key: key, value: value, expiresAt: expiresAt})
	if len(c.index) <= c.capacity {
		c.metrics.SetAmount(len(c.index))
		return
	}
	if c.evictOldest() {
		c.metrics.AddEvictions(1)
	}
}

func (c *LRUCache[K, V]) evictOldest() bool {
	oldest := c.order.Back()
	if oldest == nil {
		return false
	}
	c.order.Remove(oldest)
	delete(c.index, oldest.Value.(*entry[K, V]).key)
	return true
}

func (c *LRUCache[K, V]) deleteEntry(key K, elem *list.Element) {
	c.order.Remove(elem)
	delete(c.index, key)
}

func makeDeadline(ttl time.Duration) time.Time {
	if ttl > 0 {
		return time.Now().Add(ttl)
	}
	return time.Time{}
}
