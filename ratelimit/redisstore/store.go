/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package redisstore keeps rate-limiting records in Redis, which makes the
// admission state shared across server instances. Every check op runs as a
// single server-side Lua script, so the read-transition-write cycle is atomic
// without distributed locks, and records expire through server-side TTLs.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"

	"github.com/hicaroostreb/saas-boilerplate-sub004/log"
	"github.com/hicaroostreb/saas-boilerplate-sub004/ratelimit"
	"github.com/hicaroostreb/saas-boilerplate-sub004/retry"
)

// Record hash fields and key suffixes. The Lua scripts in scripts.go name the
// same fields literally.
const (
	fieldAlg        = "alg"
	fieldCount      = "count"
	fieldTokens     = "tokens"
	fieldLastRefill = "lastRefill"
	fieldResetTime  = "resetTime"
	fieldCreatedAt  = "createdAt"

	slidingMetaSuffix = ":meta"
)

const (
	connectRetryInterval = 100 * time.Millisecond
	connectRetryAttempts = 5
)

// Opts represents an options for Store.
type Opts struct {
	// TimeNow is used for lazy expiry checks on reads. time.Now is used when nil.
	TimeNow func() time.Time
}

// Store is a Redis storage gateway for rate-limiting state. It works with any
// redis.UniversalClient flavor (single node, sentinel, cluster).
type Store struct {
	client  redis.UniversalClient
	timeNow func() time.Time
}

var _ ratelimit.Store = (*Store)(nil)

// New creates a new Store on top of the passed client.
func New(client redis.UniversalClient) *Store {
	return NewWithOpts(client, Opts{})
}

// NewWithOpts creates a new Store with the provided options.
func NewWithOpts(client redis.UniversalClient, opts Opts) *Store {
	timeNow := opts.TimeNow
	if timeNow == nil {
		timeNow = time.Now
	}
	return &Store{client: client, timeNow: timeNow}
}

// Connect verifies that the Redis server behind the client is reachable,
// retrying transient failures with exponential backoff. Call it once at
// startup before serving traffic.
func Connect(ctx context.Context, client redis.UniversalClient, logger log.FieldLogger) error {
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	policy := retry.NewExponentialBackoffPolicy(connectRetryInterval, connectRetryAttempts)
	notify := func(err error, delay time.Duration) {
		logger.Warn("redis ping failed, retrying", log.Error(err), log.Duration("delay", delay))
	}
	ping := func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
	if err := retry.DoWithRetry(ctx, policy, nil, notify, ping); err != nil {
		return ratelimit.NewStorageError("connect", "", err)
	}
	return nil
}

// CheckFixedWindow runs one fixed-window admission transition for the key.
// Implements ratelimit.Store interface.
func (s *Store) CheckFixedWindow(ctx context.Context, key string, p ratelimit.WindowParams) (ratelimit.Result, error) {
	if err := checkResolution("window", p.Window); err != nil {
		return ratelimit.Result{}, err
	}
	reply, err := fixedWindowScript.Run(ctx, s.client, []string{key},
		p.Now.UnixMilli(), p.Window.Milliseconds(), p.MaxRequests).Result()
	if err != nil {
		return ratelimit.Result{}, ratelimit.NewStorageError("check", key, err)
	}
	vals, err := scriptReply(reply, 3, key, ratelimit.AlgorithmFixedWindow)
	if err != nil {
		return ratelimit.Result{}, err
	}

	allowed, count, windowEndMs := vals[0], vals[1], vals[2]
	windowEnd := time.UnixMilli(windowEndMs)
	res := ratelimit.Result{
		Allowed:   allowed == 1,
		Limit:     p.MaxRequests,
		Remaining: p.MaxRequests - int(count),
		TotalHits: int(count),
		ResetTime: windowEnd,
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if !res.Allowed {
		res.RetryAfter = windowEnd.Sub(p.Now)
	}
	return res, nil
}

// CheckSlidingWindow runs one sliding-window admission transition for the key.
// Implements ratelimit.Store interface.
func (s *Store) CheckSlidingWindow(ctx context.Context, key string, p ratelimit.SlidingParams) (ratelimit.Result, error) {
	if err := checkResolution("window", p.Window); err != nil {
		return ratelimit.Result{}, err
	}
	reply, err := slidingWindowScript.Run(ctx, s.client, []string{key, key + slidingMetaSuffix},
		p.Now.UnixMilli(), p.Window.Milliseconds(), p.MaxRequests, xid.New().String()).Result()
	if err != nil {
		return ratelimit.Result{}, ratelimit.NewStorageError("check", key, err)
	}
	vals, err := scriptReply(reply, 3, key, ratelimit.AlgorithmSlidingWindow)
	if err != nil {
		return ratelimit.Result{}, err
	}

	allowed, count, oldestMs := vals[0], vals[1], vals[2]
	res := ratelimit.Result{
		Allowed:   allowed == 1,
		Limit:     p.MaxRequests,
		Remaining: p.MaxRequests - int(count),
		TotalHits: int(count),
		ResetTime: p.Now.Add(p.Window),
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if count > 0 && int(count) >= p.MaxRequests {
		res.ResetTime = time.UnixMilli(oldestMs).Add(p.Window)
	}
	if !res.Allowed {
		res.RetryAfter = res.ResetTime.Sub(p.Now)
	}
	return res, nil
}

// CheckTokenBucket runs one token-bucket admission transition for the key.
// Implements ratelimit.Store interface.
func (s *Store) CheckTokenBucket(ctx context.Context, key string, p ratelimit.BucketParams) (ratelimit.Result, error) {
	if err := checkResolution("refill interval", p.Interval); err != nil {
		return ratelimit.Result{}, err
	}
	rate := strconv.FormatFloat(p.RefillRate, 'f', -1, 64)
	reply, err := tokenBucketScript.Run(ctx, s.client, []string{key},
		p.Now.UnixMilli(), p.Interval.Milliseconds(), p.Capacity, rate).Result()
	if err != nil {
		return ratelimit.Result{}, ratelimit.NewStorageError("check", key, err)
	}
	vals, ok := reply.([]interface{})
	if !ok || len(vals) < 2 {
		return ratelimit.Result{}, ratelimit.NewStorageError("check", key,
			fmt.Errorf("unexpected script reply %v", reply))
	}
	if mismatchErr := algorithmMismatch(vals, key, ratelimit.AlgorithmTokenBucket); mismatchErr != nil {
		return ratelimit.Result{}, mismatchErr
	}
	if len(vals) != 5 {
		return ratelimit.Result{}, ratelimit.NewStorageError("check", key,
			fmt.Errorf("unexpected script reply %v", reply))
	}
	allowed, aOK := vals[0].(int64)
	count, cOK := vals[1].(int64)
	tokensStr, tOK := vals[2].(string)
	resetMs, rOK := vals[3].(int64)
	retryMs, raOK := vals[4].(int64)
	if !aOK || !cOK || !tOK || !rOK || !raOK {
		return ratelimit.Result{}, ratelimit.NewStorageError("check", key,
			fmt.Errorf("unexpected script reply %v", reply))
	}
	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		return ratelimit.Result{}, ratelimit.NewStorageError("check", key,
			fmt.Errorf("parse tokens %q: %w", tokensStr, err))
	}

	res := ratelimit.Result{
		Allowed:   allowed == 1,
		Limit:     p.Capacity,
		Remaining: int(tokens),
		TotalHits: int(count),
		ResetTime: time.UnixMilli(resetMs),
	}
	if !res.Allowed {
		res.RetryAfter = time.Duration(retryMs) * time.Millisecond
	}
	return res, nil
}

// FindByKey returns the record stored for the key, or nil when the key is
// unknown or its record has expired.
// Implements ratelimit.Store interface.
func (s *Store) FindByKey(ctx context.Context, key string) (*ratelimit.Record, error) {
	return s.findByKey(ctx, "find", key)
}

// Save persists the record under rec.Key with the given time to live,
// replacing any previous state wholesale. A non-positive TTL removes the
// record instead.
// Implements ratelimit.Store interface.
func (s *Store) Save(ctx context.Context, rec *ratelimit.Record, ttl time.Duration) error {
	if rec == nil {
		return ratelimit.NewValidationError("record is required")
	}
	if ttl <= 0 {
		return s.Delete(ctx, rec.Key)
	}

	metaKey := rec.Key + slidingMetaSuffix
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, rec.Key, metaKey)
	switch rec.Algorithm {
	case ratelimit.AlgorithmFixedWindow:
		pipe.HSet(ctx, rec.Key,
			fieldAlg, string(rec.Algorithm),
			fieldCount, rec.Count,
			fieldResetTime, rec.ResetTime.UnixMilli(),
			fieldCreatedAt, rec.CreatedAt.UnixMilli())
		pipe.PExpire(ctx, rec.Key, ttl)
	case ratelimit.AlgorithmTokenBucket:
		pipe.HSet(ctx, rec.Key,
			fieldAlg, string(rec.Algorithm),
			fieldTokens, strconv.FormatFloat(rec.Tokens, 'f', -1, 64),
			fieldLastRefill, rec.LastRefill.UnixMilli(),
			fieldCount, rec.Count,
			fieldResetTime, rec.ResetTime.UnixMilli(),
			fieldCreatedAt, rec.CreatedAt.UnixMilli())
		pipe.PExpire(ctx, rec.Key, ttl)
	case ratelimit.AlgorithmSlidingWindow:
		if len(rec.Timestamps) > 0 {
			members := make([]redis.Z, 0, len(rec.Timestamps))
			for _, ts := range rec.Timestamps {
				members = append(members, redis.Z{Score: float64(ts.UnixMilli()), Member: xid.New().String()})
			}
			pipe.ZAdd(ctx, rec.Key, members...)
			pipe.PExpire(ctx, rec.Key, ttl)
		}
		pipe.HSet(ctx, metaKey,
			fieldAlg, string(rec.Algorithm),
			fieldResetTime, rec.ResetTime.UnixMilli(),
			fieldCreatedAt, rec.CreatedAt.UnixMilli())
		pipe.PExpire(ctx, metaKey, ttl)
	default:
		return ratelimit.NewValidationError("algorithm %q records cannot be persisted", string(rec.Algorithm))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return ratelimit.NewStorageError("save", rec.Key, err)
	}
	return nil
}

// Delete removes the record for the key.
// Implements ratelimit.Store interface.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key, key+slidingMetaSuffix).Err(); err != nil {
		return ratelimit.NewStorageError("delete", key, err)
	}
	return nil
}

// DeleteMultiple removes the records for all passed keys and returns the
// number of records that were present.
// Implements ratelimit.Store interface.
func (s *Store) DeleteMultiple(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(keys))
	for _, key := range keys {
		cmds = append(cmds, pipe.Del(ctx, key, key+slidingMetaSuffix))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, ratelimit.NewStorageError("delete", "", err)
	}
	removed := 0
	for _, cmd := range cmds {
		if cmd.Val() > 0 {
			removed++
		}
	}
	return removed, nil
}

// Exists reports whether a live record is stored for the key.
// Implements ratelimit.Store interface.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	rec, err := s.findByKey(ctx, "exists", key)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// Cleanup is a no-op for the Redis gateway since the server expires records
// through TTLs on its own. It exists to satisfy the Store contract.
// Implements ratelimit.Store interface.
func (s *Store) Cleanup(_ context.Context) (int, error) {
	return 0, nil
}

// HealthCheck pings the server and reports the round-trip latency.
// Implements ratelimit.Store interface.
func (s *Store) HealthCheck(ctx context.Context) (ratelimit.HealthResult, error) {
	start := time.Now()
	pong, err := s.client.Ping(ctx).Result()
	latency := time.Since(start)
	if err != nil {
		return ratelimit.HealthResult{OK: false, Latency: latency, Details: err.Error()},
			ratelimit.NewStorageError("health", "", err)
	}
	return ratelimit.HealthResult{OK: true, Latency: latency, Details: pong}, nil
}

// Kind returns the backend flavor of the gateway.
// Implements ratelimit.Store interface.
func (s *Store) Kind() ratelimit.StoreKind {
	return ratelimit.StoreKindRedis
}

func (s *Store) findByKey(ctx context.Context, op, key string) (*ratelimit.Record, error) {
	typ, err := s.client.Type(ctx, key).Result()
	if err != nil {
		return nil, ratelimit.NewStorageError(op, key, err)
	}

	var rec *ratelimit.Record
	switch typ {
	case "none":
		return nil, nil
	case "hash":
		fields, herr := s.client.HGetAll(ctx, key).Result()
		if herr != nil {
			return nil, ratelimit.NewStorageError(op, key, herr)
		}
		if len(fields) == 0 {
			return nil, nil
		}
		rec, err = recordFromHash(key, fields)
	case "zset":
		entries, zerr := s.client.ZRangeWithScores(ctx, key, 0, -1).Result()
		if zerr != nil {
			return nil, ratelimit.NewStorageError(op, key, zerr)
		}
		meta, merr := s.client.HGetAll(ctx, key+slidingMetaSuffix).Result()
		if merr != nil {
			return nil, ratelimit.NewStorageError(op, key, merr)
		}
		rec, err = recordFromSortedSet(key, entries, meta)
	default:
		return nil, ratelimit.NewStorageError(op, key, fmt.Errorf("unexpected redis type %q", typ))
	}
	if err != nil {
		return nil, ratelimit.NewStorageError(op, key, err)
	}
	if rec == nil || rec.ExpiredAt(s.timeNow()) {
		return nil, nil
	}
	return rec, nil
}

func recordFromHash(key string, fields map[string]string) (*ratelimit.Record, error) {
	alg := ratelimit.Algorithm(fields[fieldAlg])
	switch alg {
	case ratelimit.AlgorithmFixedWindow:
		count, err := hashInt(fields, fieldCount)
		if err != nil {
			return nil, err
		}
		resetTime, err := hashTime(fields, fieldResetTime)
		if err != nil {
			return nil, err
		}
		createdAt, err := hashTime(fields, fieldCreatedAt)
		if err != nil {
			return nil, err
		}
		return &ratelimit.Record{
			Key:       key,
			Algorithm: alg,
			Count:     int(count),
			ResetTime: resetTime,
			CreatedAt: createdAt,
		}, nil
	case ratelimit.AlgorithmTokenBucket:
		count, err := hashInt(fields, fieldCount)
		if err != nil {
			return nil, err
		}
		tokens, err := hashFloat(fields, fieldTokens)
		if err != nil {
			return nil, err
		}
		lastRefill, err := hashTime(fields, fieldLastRefill)
		if err != nil {
			return nil, err
		}
		resetTime, err := hashTime(fields, fieldResetTime)
		if err != nil {
			return nil, err
		}
		createdAt, err := hashTime(fields, fieldCreatedAt)
		if err != nil {
			return nil, err
		}
		return &ratelimit.Record{
			Key:        key,
			Algorithm:  alg,
			Count:      int(count),
			Tokens:     tokens,
			LastRefill: lastRefill,
			ResetTime:  resetTime,
			CreatedAt:  createdAt,
		}, nil
	default:
		return nil, fmt.Errorf("unexpected algorithm %q in hash record", string(alg))
	}
}

func recordFromSortedSet(key string, entries []redis.Z, meta map[string]string) (*ratelimit.Record, error) {
	// A ZSET without metadata is a torn leftover, read it as absent.
	if len(meta) == 0 {
		return nil, nil
	}
	if alg := meta[fieldAlg]; alg != string(ratelimit.AlgorithmSlidingWindow) {
		return nil, fmt.Errorf("unexpected algorithm %q in sorted set record", alg)
	}
	resetTime, err := hashTime(meta, fieldResetTime)
	if err != nil {
		return nil, err
	}
	createdAt, err := hashTime(meta, fieldCreatedAt)
	if err != nil {
		return nil, err
	}
	timestamps := make([]time.Time, 0, len(entries))
	for _, entry := range entries {
		timestamps = append(timestamps, time.UnixMilli(int64(entry.Score)))
	}
	return &ratelimit.Record{
		Key:        key,
		Algorithm:  ratelimit.AlgorithmSlidingWindow,
		Count:      len(timestamps),
		Timestamps: timestamps,
		ResetTime:  resetTime,
		CreatedAt:  createdAt,
	}, nil
}

func hashInt(fields map[string]string, name string) (int64, error) {
	v, ok := fields[name]
	if !ok {
		return 0, fmt.Errorf("missing record field %q", name)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse record field %q: %w", name, err)
	}
	return n, nil
}

func hashFloat(fields map[string]string, name string) (float64, error) {
	v, ok := fields[name]
	if !ok {
		return 0, fmt.Errorf("missing record field %q", name)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parse record field %q: %w", name, err)
	}
	return f, nil
}

func hashTime(fields map[string]string, name string) (time.Time, error) {
	ms, err := hashInt(fields, name)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

// scriptReply validates a {allowed, ...} integer reply of exactly want
// elements, surfacing algorithm mismatches as domain errors.
func scriptReply(reply interface{}, want int, key string, alg ratelimit.Algorithm) ([]int64, error) {
	vals, ok := reply.([]interface{})
	if !ok || len(vals) < 2 {
		return nil, ratelimit.NewStorageError("check", key, fmt.Errorf("unexpected script reply %v", reply))
	}
	if err := algorithmMismatch(vals, key, alg); err != nil {
		return nil, err
	}
	if len(vals) != want {
		return nil, ratelimit.NewStorageError("check", key, fmt.Errorf("unexpected script reply %v", reply))
	}
	ints := make([]int64, len(vals))
	for i, v := range vals {
		n, isInt := v.(int64)
		if !isInt {
			return nil, ratelimit.NewStorageError("check", key, fmt.Errorf("unexpected script reply %v", reply))
		}
		ints[i] = n
	}
	return ints, nil
}

// algorithmMismatch maps the {-1, <stored alg>} script reply to the same
// domain error the memory gateway produces.
func algorithmMismatch(vals []interface{}, key string, want ratelimit.Algorithm) error {
	first, ok := vals[0].(int64)
	if !ok || first != -1 {
		return nil
	}
	stored, _ := vals[1].(string)
	return ratelimit.NewDomainError("record for key %q has algorithm %q, want %q", key, stored, string(want))
}

func checkResolution(name string, d time.Duration) error {
	if d < time.Millisecond {
		return ratelimit.NewValidationError("%s must be at least one millisecond for the redis store, got %s", name, d)
	}
	return nil
}
