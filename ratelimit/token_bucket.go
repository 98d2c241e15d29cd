/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"math"
	"time"
)

// BucketParams carries the inputs of a token-bucket admission check.
type BucketParams struct {
	// Now is the moment the check is evaluated at.
	Now time.Time

	// Interval is the refill period.
	Interval time.Duration

	// Capacity is the maximum number of tokens the bucket holds.
	Capacity int

	// RefillRate is the number of tokens added per interval.
	RefillRate float64
}

// ApplyTokenBucket advances token-bucket state by one attempt. Refills apply
// only for whole elapsed intervals and move LastRefill forward by exactly
// those intervals, so the fractional remainder of the elapsed time keeps
// accumulating toward the next refill. An attempt consumes one token when at
// least one is available. A nil or expired record starts as a full bucket.
// The attempt counter grows on rejections too.
func ApplyTokenBucket(rec *Record, p BucketParams) (Record, Result) {
	tokens := float64(p.Capacity)
	lastRefill := p.Now
	count := 0
	createdAt := p.Now
	if rec != nil {
		count = rec.Count
		createdAt = rec.CreatedAt
		intervals := int64(p.Now.Sub(rec.LastRefill) / p.Interval)
		if intervals < 0 {
			intervals = 0
		}
		tokens = rec.Tokens + float64(intervals)*p.RefillRate
		if tokens > float64(p.Capacity) {
			tokens = float64(p.Capacity)
		}
		lastRefill = rec.LastRefill.Add(time.Duration(intervals) * p.Interval)
	}

	allowed := tokens >= 1
	if allowed {
		tokens--
	}
	count++

	newRec := Record{
		Algorithm:  AlgorithmTokenBucket,
		Count:      count,
		Tokens:     tokens,
		LastRefill: lastRefill,
		CreatedAt:  createdAt,
		ResetTime:  bucketFullTime(tokens, lastRefill, p),
	}

	res := Result{
		Allowed:   allowed,
		Limit:     p.Capacity,
		Remaining: int(tokens),
		TotalHits: count,
		ResetTime: newRec.ResetTime,
	}
	if !allowed {
		res.RetryAfter = nextTokenTime(tokens, lastRefill, p).Sub(p.Now)
		if res.RetryAfter < 0 {
			res.RetryAfter = 0
		}
	}
	return newRec, res
}

// PredictTokenAvailability returns the earliest moment a token-bucket check
// for the record could be admitted. The projection never mutates state and
// consumes no quota. A nil or expired record admits immediately.
func PredictTokenAvailability(rec *Record, p BucketParams) time.Time {
	if rec == nil || rec.ExpiredAt(p.Now) {
		return p.Now
	}
	intervals := int64(p.Now.Sub(rec.LastRefill) / p.Interval)
	if intervals < 0 {
		intervals = 0
	}
	tokens := rec.Tokens + float64(intervals)*p.RefillRate
	if tokens > float64(p.Capacity) {
		tokens = float64(p.Capacity)
	}
	if tokens >= 1 {
		return p.Now
	}
	lastRefill := rec.LastRefill.Add(time.Duration(intervals) * p.Interval)
	return nextTokenTime(tokens, lastRefill, p)
}

// bucketFullTime returns the moment the bucket refills to capacity, which is
// also the moment its record expires.
func bucketFullTime(tokens float64, lastRefill time.Time, p BucketParams) time.Time {
	missing := float64(p.Capacity) - tokens
	if missing <= 0 {
		return lastRefill
	}
	intervals := math.Ceil(missing / p.RefillRate)
	return lastRefill.Add(time.Duration(intervals) * p.Interval)
}

// nextTokenTime returns the earliest moment at least one whole token is
// available given the fill level at lastRefill.
func nextTokenTime(tokens float64, lastRefill time.Time, p BucketParams) time.Time {
	if tokens >= 1 {
		return lastRefill
	}
	intervals := math.Ceil((1 - tokens) / p.RefillRate)
	return lastRefill.Add(time.Duration(intervals) * p.Interval)
}
