/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package redisstore

import "github.com/redis/go-redis/v9"

// The admission transitions run entirely inside Redis as Lua scripts, so the
// read-transition-write cycle is atomic without any client-side locking. The
// scripts mirror the pure Apply functions of the ratelimit package exactly,
// at millisecond resolution (Lua numbers lose integer precision beyond 2^53,
// which rules out nanoseconds).
//
// Conventions shared by all three scripts:
//   - timestamps and durations cross the boundary as unix milliseconds;
//   - a record produced by a different algorithm yields {-1, <stored alg>};
//   - record state carries an 'alg' tag field plus a 'resetTime' after which
//     the record is equivalent to an absent one, enforced by PEXPIRE and
//     double-checked in the scripts for the gap before expiry fires.

// fixedWindowScript implements the fixed-window transition over a HASH.
//
// KEYS[1] record key
// ARGV[1] now (unix ms), ARGV[2] window (ms), ARGV[3] max requests
//
// Reply: {allowed 0|1, count, window end (unix ms)}.
var fixedWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

local window_start = now - now % window
local window_end = window_start + window

local count = 1
local created_at = now
local state = redis.call('HMGET', KEYS[1], 'alg', 'count', 'resetTime', 'createdAt')
if state[1] then
  local stored_reset = tonumber(state[3])
  if not stored_reset or stored_reset <= now then
    redis.call('DEL', KEYS[1])
  elseif state[1] ~= 'fixed-window' then
    return {-1, state[1]}
  elseif stored_reset == window_end then
    count = tonumber(state[2]) + 1
    created_at = tonumber(state[4])
  end
end

redis.call('HSET', KEYS[1], 'alg', 'fixed-window', 'count', count,
  'resetTime', window_end, 'createdAt', created_at)
redis.call('PEXPIRE', KEYS[1], window_end - now)

local allowed = 0
if count <= max then
  allowed = 1
end
return {allowed, count, window_end}
`)

// slidingWindowScript implements the sliding-window transition over a ZSET of
// admitted timestamps plus a companion HASH holding the algorithm tag and
// record metadata. Only admitted attempts enter the ZSET, so rejections never
// extend the blackout.
//
// KEYS[1] record key (ZSET), KEYS[2] metadata key (HASH)
// ARGV[1] now (unix ms), ARGV[2] window (ms), ARGV[3] max requests,
// ARGV[4] unique member for the admitted timestamp
//
// Reply: {allowed 0|1, count, oldest surviving timestamp (unix ms)}.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local member = ARGV[4]

local stored_reset = tonumber(redis.call('HGET', KEYS[2], 'resetTime'))
if stored_reset and stored_reset <= now then
  redis.call('DEL', KEYS[1], KEYS[2])
end

local alg = redis.call('HGET', KEYS[2], 'alg')
if alg and alg ~= 'sliding-window' then
  return {-1, alg}
end

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)

local count = redis.call('ZCARD', KEYS[1])
local allowed = 0
if count < max then
  allowed = 1
  redis.call('ZADD', KEYS[1], now, member)
  count = count + 1
end

local oldest = now
local first = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if first[2] then
  oldest = tonumber(first[2])
end

if count > 0 then
  local newest = now
  local last = redis.call('ZRANGE', KEYS[1], -1, -1, 'WITHSCORES')
  if last[2] then
    newest = tonumber(last[2])
  end
  local created_at = redis.call('HGET', KEYS[2], 'createdAt')
  if not created_at then
    created_at = now
  end
  local reset = newest + window
  redis.call('HSET', KEYS[2], 'alg', 'sliding-window', 'createdAt', created_at,
    'resetTime', reset)
  redis.call('PEXPIRE', KEYS[1], reset - now)
  redis.call('PEXPIRE', KEYS[2], reset - now)
else
  redis.call('DEL', KEYS[1], KEYS[2])
end

return {allowed, count, oldest}
`)

// tokenBucketScript implements the token-bucket transition over a HASH. The
// token count is a float and crosses the boundary as a string, since Redis
// truncates Lua numbers in replies to integers. Refills apply only for whole
// elapsed intervals and advance lastRefill by exactly those intervals, never
// to now, so fractional progress toward the next token is preserved.
//
// KEYS[1] record key
// ARGV[1] now (unix ms), ARGV[2] refill interval (ms), ARGV[3] capacity,
// ARGV[4] tokens added per interval (float as string)
//
// Reply: {allowed 0|1, count, tokens (float as string),
// bucket full time (unix ms), retry after (ms, 0 when allowed)}.
var tokenBucketScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local rate = tonumber(ARGV[4])

local tokens = capacity
local last_refill = now
local count = 0
local created_at = now

local state = redis.call('HMGET', KEYS[1], 'alg', 'tokens', 'lastRefill', 'count', 'createdAt', 'resetTime')
if state[1] then
  local stored_reset = tonumber(state[6])
  if not stored_reset or stored_reset <= now then
    redis.call('DEL', KEYS[1])
  elseif state[1] ~= 'token-bucket' then
    return {-1, state[1]}
  else
    tokens = tonumber(state[2])
    last_refill = tonumber(state[3])
    count = tonumber(state[4])
    created_at = tonumber(state[5])
    local elapsed = now - last_refill
    if elapsed > 0 then
      local intervals = math.floor(elapsed / interval)
      if intervals > 0 then
        tokens = math.min(capacity, tokens + intervals * rate)
        last_refill = last_refill + intervals * interval
      end
    end
  end
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end
count = count + 1

local reset = last_refill
local missing = capacity - tokens
if missing > 0 then
  reset = last_refill + math.ceil(missing / rate) * interval
end

local ttl = reset - now
if ttl > 0 then
  redis.call('HSET', KEYS[1], 'alg', 'token-bucket', 'tokens', tostring(tokens),
    'lastRefill', last_refill, 'count', count, 'createdAt', created_at,
    'resetTime', reset)
  redis.call('PEXPIRE', KEYS[1], ttl)
else
  redis.call('DEL', KEYS[1])
end

local retry_after = 0
if allowed == 0 then
  local next_token = last_refill + math.ceil((1 - tokens) / rate) * interval
  retry_after = next_token - now
  if retry_after < 0 then
    retry_after = 0
  end
end

return {allowed, count, tostring(tokens), reset, retry_after}
`)
