/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import "time"

// SlidingParams carries the inputs of a sliding-window admission check.
type SlidingParams struct {
	// Now is the moment the check is evaluated at.
	Now time.Time

	// Window is the length of the sliding window.
	Window time.Duration

	// MaxRequests is the quota ceiling within the window.
	MaxRequests int
}

// ApplySlidingWindow advances sliding-window state by one attempt. The window
// is the half-open interval (Now-Window, Now]: a timestamp recorded exactly
// one window ago is already evicted and frees its slot. Only admitted
// attempts are recorded, so a stream of rejections cannot extend the
// blackout. The stored record expires when its newest timestamp leaves the
// window, at which point an empty log and an absent record are the same
// thing.
func ApplySlidingWindow(rec *Record, p SlidingParams) (Record, Result) {
	cutoff := p.Now.Add(-p.Window)

	var kept []time.Time
	createdAt := p.Now
	if rec != nil {
		createdAt = rec.CreatedAt
		kept = make([]time.Time, 0, len(rec.Timestamps)+1)
		for _, ts := range rec.Timestamps {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
	}

	allowed := len(kept) < p.MaxRequests
	if allowed {
		kept = append(kept, p.Now)
	}

	newRec := Record{
		Algorithm:  AlgorithmSlidingWindow,
		Count:      len(kept),
		Timestamps: kept,
		CreatedAt:  createdAt,
		ResetTime:  p.Now,
	}
	if len(kept) > 0 {
		newRec.ResetTime = kept[len(kept)-1].Add(p.Window)
	}

	res := Result{
		Allowed:   allowed,
		Limit:     p.MaxRequests,
		Remaining: p.MaxRequests - len(kept),
		TotalHits: len(kept),
		ResetTime: p.Now.Add(p.Window),
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if len(kept) > 0 && len(kept) >= p.MaxRequests {
		res.ResetTime = kept[0].Add(p.Window)
	}
	if !allowed {
		res.RetryAfter = res.ResetTime.Sub(p.Now)
	}
	return newRec, res
}
