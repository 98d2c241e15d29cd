/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package redisstore

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"
	"github.com/stretchr/testify/require"
	atomicpkg "go.uber.org/atomic"

	"github.com/hicaroostreb/saas-boilerplate-sub004/ratelimit"
	"github.com/hicaroostreb/saas-boilerplate-sub004/testutil"
)

// The tests below need a running Redis and are skipped when none is
// reachable. Set REDIS_ADDR to point them at a non-default instance.

var testBaseTime = time.Unix(1700000000, 0)

func redisAddr() string {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

func newTestClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: redisAddr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis is not available at %s: %v", redisAddr(), err)
	}
	return client
}

func newTestStore(t *testing.T, now *time.Time) (*Store, redis.UniversalClient) {
	t.Helper()
	client := newTestClient(t)
	return NewWithOpts(client, Opts{TimeNow: func() time.Time { return *now }}), client
}

// testKey returns a unique key and schedules its removal.
func testKey(t *testing.T, client redis.UniversalClient, name string) string {
	t.Helper()
	key := "ratelimit-test:" + xid.New().String() + ":" + name
	t.Cleanup(func() { _ = client.Del(context.Background(), key, key+slidingMetaSuffix).Err() })
	return key
}

func TestStoreCheckFixedWindow(t *testing.T) {
	now := testBaseTime
	store, client := newTestStore(t, &now)
	ctx := context.Background()
	key := testKey(t, client, "fixed")

	params := ratelimit.WindowParams{Now: testBaseTime, Window: time.Second, MaxRequests: 2}
	for i := 0; i < 2; i++ {
		res, err := store.CheckFixedWindow(ctx, key, params)
		require.NoError(t, err)
		require.True(t, res.Allowed)
		require.Equal(t, 1-i, res.Remaining)
		require.Equal(t, testBaseTime.Add(time.Second), res.ResetTime)
	}

	res, err := store.CheckFixedWindow(ctx, key, params)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, 3, res.TotalHits)
	require.Equal(t, time.Second, res.RetryAfter)

	// The record carries a server-side TTL, nothing lingers after the window.
	ttl, err := client.PTTL(ctx, key).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))
	require.LessOrEqual(t, ttl, time.Second)

	params.Now = testBaseTime.Add(time.Second)
	res, err = store.CheckFixedWindow(ctx, key, params)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, 1, res.TotalHits)
}

func TestStoreCheckSlidingWindow(t *testing.T) {
	now := testBaseTime
	store, client := newTestStore(t, &now)
	ctx := context.Background()
	key := testKey(t, client, "sliding")

	res, err := store.CheckSlidingWindow(ctx, key, ratelimit.SlidingParams{
		Now: testBaseTime, Window: time.Second, MaxRequests: 1,
	})
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, 1, res.TotalHits)

	res, err = store.CheckSlidingWindow(ctx, key, ratelimit.SlidingParams{
		Now: testBaseTime.Add(400 * time.Millisecond), Window: time.Second, MaxRequests: 1,
	})
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, 600*time.Millisecond, res.RetryAfter)
	require.Equal(t, testBaseTime.Add(time.Second), res.ResetTime)

	// The admitted timestamp leaves the window one second after it entered.
	res, err = store.CheckSlidingWindow(ctx, key, ratelimit.SlidingParams{
		Now: testBaseTime.Add(time.Second), Window: time.Second, MaxRequests: 1,
	})
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, 1, res.TotalHits)
}

func TestStoreCheckTokenBucket(t *testing.T) {
	now := testBaseTime
	store, client := newTestStore(t, &now)
	ctx := context.Background()
	key := testKey(t, client, "token")

	params := ratelimit.BucketParams{Now: testBaseTime, Interval: time.Second, Capacity: 2, RefillRate: 1}
	for i := 0; i < 2; i++ {
		res, err := store.CheckTokenBucket(ctx, key, params)
		require.NoError(t, err)
		require.True(t, res.Allowed)
		require.Equal(t, 1-i, res.Remaining)
	}

	res, err := store.CheckTokenBucket(ctx, key, params)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, 3, res.TotalHits)
	require.Equal(t, time.Second, res.RetryAfter)
	require.Equal(t, testBaseTime.Add(2*time.Second), res.ResetTime)

	// One refill interval later a single token is back.
	params.Now = testBaseTime.Add(time.Second)
	res, err = store.CheckTokenBucket(ctx, key, params)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, 0, res.Remaining)
}

func TestStoreCheckTokenBucketFractionalRate(t *testing.T) {
	now := testBaseTime
	store, client := newTestStore(t, &now)
	ctx := context.Background()
	key := testKey(t, client, "token-frac")

	// Capacity 2 with half a token per second: draining the bucket means the
	// next token needs two whole intervals.
	params := ratelimit.BucketParams{Now: testBaseTime, Interval: time.Second, Capacity: 2, RefillRate: 0.5}
	for i := 0; i < 2; i++ {
		res, err := store.CheckTokenBucket(ctx, key, params)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := store.CheckTokenBucket(ctx, key, params)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, 2*time.Second, res.RetryAfter)

	// After one interval only half a token accumulated.
	params.Now = testBaseTime.Add(time.Second)
	res, err = store.CheckTokenBucket(ctx, key, params)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, time.Second, res.RetryAfter)

	params.Now = testBaseTime.Add(2 * time.Second)
	res, err = store.CheckTokenBucket(ctx, key, params)
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestStoreAlgorithmMismatch(t *testing.T) {
	now := testBaseTime
	store, client := newTestStore(t, &now)
	ctx := context.Background()
	key := testKey(t, client, "mismatch")

	_, err := store.CheckFixedWindow(ctx, key, ratelimit.WindowParams{
		Now: testBaseTime, Window: time.Minute, MaxRequests: 5,
	})
	require.NoError(t, err)

	_, err = store.CheckTokenBucket(ctx, key, ratelimit.BucketParams{
		Now: testBaseTime, Interval: time.Minute, Capacity: 5, RefillRate: 1,
	})
	require.Error(t, err)
	require.True(t, ratelimit.IsDomainError(err))
	require.Contains(t, err.Error(), `has algorithm "fixed-window", want "token-bucket"`)
}

func TestStoreFindByKeyFixedWindow(t *testing.T) {
	now := testBaseTime
	store, client := newTestStore(t, &now)
	ctx := context.Background()
	key := testKey(t, client, "find-fixed")

	rec, err := store.FindByKey(ctx, key)
	require.NoError(t, err)
	require.Nil(t, rec)

	_, err = store.CheckFixedWindow(ctx, key, ratelimit.WindowParams{
		Now: testBaseTime, Window: time.Second, MaxRequests: 5,
	})
	require.NoError(t, err)

	rec, err = store.FindByKey(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, key, rec.Key)
	require.Equal(t, ratelimit.AlgorithmFixedWindow, rec.Algorithm)
	require.Equal(t, 1, rec.Count)
	require.Equal(t, testBaseTime.Add(time.Second).UnixMilli(), rec.ResetTime.UnixMilli())
	require.Equal(t, testBaseTime.UnixMilli(), rec.CreatedAt.UnixMilli())

	// Expired records read as absent even before the server TTL fires.
	now = testBaseTime.Add(time.Second)
	rec, err = store.FindByKey(ctx, key)
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestStoreFindByKeySlidingWindow(t *testing.T) {
	now := testBaseTime
	store, client := newTestStore(t, &now)
	ctx := context.Background()
	key := testKey(t, client, "find-sliding")

	for _, at := range []time.Time{testBaseTime, testBaseTime.Add(100 * time.Millisecond)} {
		_, err := store.CheckSlidingWindow(ctx, key, ratelimit.SlidingParams{
			Now: at, Window: time.Second, MaxRequests: 5,
		})
		require.NoError(t, err)
	}

	rec, err := store.FindByKey(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, ratelimit.AlgorithmSlidingWindow, rec.Algorithm)
	require.Equal(t, 2, rec.Count)
	require.Len(t, rec.Timestamps, 2)
	require.Equal(t, testBaseTime.UnixMilli(), rec.Timestamps[0].UnixMilli())
	require.Equal(t, testBaseTime.Add(100*time.Millisecond).UnixMilli(), rec.Timestamps[1].UnixMilli())
	require.Equal(t, testBaseTime.Add(1100*time.Millisecond).UnixMilli(), rec.ResetTime.UnixMilli())
}

func TestStoreFindByKeyTokenBucket(t *testing.T) {
	now := testBaseTime
	store, client := newTestStore(t, &now)
	ctx := context.Background()
	key := testKey(t, client, "find-token")

	_, err := store.CheckTokenBucket(ctx, key, ratelimit.BucketParams{
		Now: testBaseTime, Interval: time.Second, Capacity: 2, RefillRate: 1,
	})
	require.NoError(t, err)

	rec, err := store.FindByKey(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, ratelimit.AlgorithmTokenBucket, rec.Algorithm)
	require.Equal(t, 1, rec.Count)
	require.Equal(t, 1.0, rec.Tokens)
	require.Equal(t, testBaseTime.UnixMilli(), rec.LastRefill.UnixMilli())
	require.Equal(t, testBaseTime.Add(time.Second).UnixMilli(), rec.ResetTime.UnixMilli())
}

func TestStoreSave(t *testing.T) {
	now := testBaseTime
	store, client := newTestStore(t, &now)
	ctx := context.Background()
	key := testKey(t, client, "save")

	rec := &ratelimit.Record{
		Key:       key,
		Algorithm: ratelimit.AlgorithmFixedWindow,
		Count:     3,
		ResetTime: testBaseTime.Add(time.Minute),
		CreatedAt: testBaseTime,
	}
	require.NoError(t, store.Save(ctx, rec, time.Minute))

	got, err := store.FindByKey(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 3, got.Count)

	// A non-positive TTL removes the record.
	require.NoError(t, store.Save(ctx, rec, 0))
	got, err = store.FindByKey(ctx, key)
	require.NoError(t, err)
	require.Nil(t, got)

	require.Error(t, store.Save(ctx, nil, time.Minute))
}

func TestStoreSaveSlidingRoundtrip(t *testing.T) {
	now := testBaseTime
	store, client := newTestStore(t, &now)
	ctx := context.Background()
	key := testKey(t, client, "save-sliding")

	rec := &ratelimit.Record{
		Key:       key,
		Algorithm: ratelimit.AlgorithmSlidingWindow,
		Count:     2,
		Timestamps: []time.Time{
			testBaseTime,
			testBaseTime.Add(250 * time.Millisecond),
		},
		ResetTime: testBaseTime.Add(1250 * time.Millisecond),
		CreatedAt: testBaseTime,
	}
	require.NoError(t, store.Save(ctx, rec, time.Minute))

	got, err := store.FindByKey(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 2, got.Count)
	require.Len(t, got.Timestamps, 2)
	require.Equal(t, rec.Timestamps[0].UnixMilli(), got.Timestamps[0].UnixMilli())
	require.Equal(t, rec.Timestamps[1].UnixMilli(), got.Timestamps[1].UnixMilli())
	require.Equal(t, rec.ResetTime.UnixMilli(), got.ResetTime.UnixMilli())
}

func TestStoreDelete(t *testing.T) {
	now := testBaseTime
	store, client := newTestStore(t, &now)
	ctx := context.Background()
	key := testKey(t, client, "delete")

	_, err := store.CheckSlidingWindow(ctx, key, ratelimit.SlidingParams{
		Now: testBaseTime, Window: time.Minute, MaxRequests: 5,
	})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, key))
	exists, err := store.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, exists)

	// The sliding metadata key is removed along with the record.
	n, err := client.Exists(ctx, key+slidingMetaSuffix).Result()
	require.NoError(t, err)
	require.Zero(t, n)

	// Deleting an absent key is not an error.
	require.NoError(t, store.Delete(ctx, key))
}

func TestStoreDeleteMultiple(t *testing.T) {
	now := testBaseTime
	store, client := newTestStore(t, &now)
	ctx := context.Background()

	keys := []string{
		testKey(t, client, "multi1"),
		testKey(t, client, "multi2"),
		testKey(t, client, "multi3"),
	}
	for _, key := range keys {
		_, err := store.CheckFixedWindow(ctx, key, ratelimit.WindowParams{
			Now: testBaseTime, Window: time.Minute, MaxRequests: 5,
		})
		require.NoError(t, err)
	}

	removed, err := store.DeleteMultiple(ctx, []string{keys[0], keys[2], "ratelimit-test:unknown"})
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	exists, err := store.Exists(ctx, keys[1])
	require.NoError(t, err)
	require.True(t, exists)

	removed, err = store.DeleteMultiple(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 0, removed)
}

func TestStoreExists(t *testing.T) {
	now := testBaseTime
	store, client := newTestStore(t, &now)
	ctx := context.Background()
	key := testKey(t, client, "exists")

	exists, err := store.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, exists)

	_, err = store.CheckFixedWindow(ctx, key, ratelimit.WindowParams{
		Now: testBaseTime, Window: time.Second, MaxRequests: 1,
	})
	require.NoError(t, err)

	exists, err = store.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, exists)

	now = testBaseTime.Add(time.Second)
	exists, err = store.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestStoreCleanup(t *testing.T) {
	now := testBaseTime
	store, _ := newTestStore(t, &now)

	removed, err := store.Cleanup(context.Background())
	require.NoError(t, err)
	require.Zero(t, removed)
}

func TestStoreHealthCheck(t *testing.T) {
	now := testBaseTime
	store, _ := newTestStore(t, &now)

	health, err := store.HealthCheck(context.Background())
	require.NoError(t, err)
	require.True(t, health.OK)
	require.Equal(t, "PONG", health.Details)
	require.Greater(t, health.Latency, time.Duration(0))
}

func TestStoreSubMillisecondResolution(t *testing.T) {
	now := testBaseTime
	store, _ := newTestStore(t, &now)

	_, err := store.CheckFixedWindow(context.Background(), "ratelimit-test:res", ratelimit.WindowParams{
		Now: testBaseTime, Window: 500 * time.Microsecond, MaxRequests: 1,
	})
	require.Error(t, err)
	require.True(t, ratelimit.IsValidationError(err))
	require.Contains(t, err.Error(), "at least one millisecond")
}

func TestStoreConcurrentChecksAdmitExactlyQuota(t *testing.T) {
	now := testBaseTime
	store, client := newTestStore(t, &now)
	ctx := context.Background()
	key := testKey(t, client, "concurrent")

	const maxRequests = 20
	const attempts = maxRequests * 2
	params := ratelimit.WindowParams{Now: testBaseTime, Window: time.Minute, MaxRequests: maxRequests}

	allowed := atomicpkg.NewInt64(0)
	errCh := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, checkErr := store.CheckFixedWindow(ctx, key, params)
			if checkErr != nil {
				errCh <- checkErr
				return
			}
			if res.Allowed {
				allowed.Inc()
			}
		}()
	}
	wg.Wait()
	close(errCh)

	testutil.RequireNoErrorInChannel(t, errCh)
	require.Equal(t, int64(maxRequests), allowed.Load())

	rec, err := store.FindByKey(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, attempts, rec.Count)
}

func TestConnect(t *testing.T) {
	client := newTestClient(t)
	require.NoError(t, Connect(context.Background(), client, nil))
}
