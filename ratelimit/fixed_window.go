/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import "time"

// WindowParams carries the inputs of a fixed-window admission check.
type WindowParams struct {
	// Now is the moment the check is evaluated at.
	Now time.Time

	// Window is the length of the accounting window.
	Window time.Duration

	// MaxRequests is the quota ceiling within one window.
	MaxRequests int
}

// ApplyFixedWindow advances fixed-window state by one attempt and reports the
// admission outcome. Windows are aligned to multiples of the window length
// since the Unix epoch and are half-open: an attempt at the exact boundary
// falls into the new window. A nil record, or one left over from an earlier
// window, starts a fresh count. The counter grows on rejected attempts too,
// so Result.TotalHits reflects every attempt seen in the window.
func ApplyFixedWindow(rec *Record, p WindowParams) (Record, Result) {
	nanos := p.Now.UnixNano()
	startNanos := nanos - nanos%int64(p.Window)
	windowEnd := time.Unix(0, startNanos+int64(p.Window))

	count := 1
	createdAt := p.Now
	if rec != nil && rec.ResetTime.Equal(windowEnd) {
		count = rec.Count + 1
		createdAt = rec.CreatedAt
	}

	newRec := Record{
		Algorithm: AlgorithmFixedWindow,
		Count:     count,
		ResetTime: windowEnd,
		CreatedAt: createdAt,
	}

	res := Result{
		Allowed:   count <= p.MaxRequests,
		Limit:     p.MaxRequests,
		Remaining: p.MaxRequests - count,
		TotalHits: count,
		ResetTime: windowEnd,
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if !res.Allowed {
		res.RetryAfter = windowEnd.Sub(p.Now)
	}
	return newRec, res
}
