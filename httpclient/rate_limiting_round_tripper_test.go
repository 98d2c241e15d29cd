/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type timedResponse struct {
	resp  *http.Response
	err   error
	start time.Time
	end   time.Time
}

func timedGet(c *http.Client, url string) timedResponse {
	start := time.Now()
	resp, err := c.Get(url)
	end := time.Now()
	if err == nil {
		_ = resp.Body.Close()
	}
	return timedResponse{resp, err, start, end}
}

// newRateLimitTestServer makes a server driven by query parameters:
// limit is echoed back in the adaptive rate limit header (when one is configured),
// retryAfter is echoed back in the Retry-After header, and status sets the response code.
func newRateLimitTestServer(adaptHeader string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if adaptHeader != "" {
			if lim := q.Get("limit"); lim != "" {
				rw.Header().Set(adaptHeader, lim)
			}
		}
		if retryAfter := q.Get("retryAfter"); retryAfter != "" {
			rw.Header().Set("Retry-After", retryAfter)
		}
		if status := q.Get("status"); status != "" {
			if code, err := strconv.Atoi(status); err == nil {
				rw.WriteHeader(code)
				return
			}
		}
		_, _ = rw.Write([]byte("ok"))
	}))
}

func TestNewRateLimitingRoundTripper(t *testing.T) {
	tests := []struct {
		Name      string
		RateLimit int
		Opts      RateLimitingRoundTripperOpts
		WantErr   string
	}{
		{
			Name:      "negative rate limit",
			RateLimit: -1,
			WantErr:   "rate limit must be positive",
		},
		{
			Name:      "zero rate limit",
			RateLimit: 0,
			WantErr:   "rate limit must be positive",
		},
		{
			Name:      "negative burst",
			RateLimit: 1,
			Opts:      RateLimitingRoundTripperOpts{Burst: -1},
			WantErr:   "burst must be positive",
		},
		{
			Name:      "unsupported mode",
			RateLimit: 1,
			Opts:      RateLimitingRoundTripperOpts{Mode: "drop"},
			WantErr:   `unknown rate limiting mode "drop"`,
		},
		{
			Name:      "slack percent below the range",
			RateLimit: 1,
			Opts:      RateLimitingRoundTripperOpts{Adaptation: RateLimitingRoundTripperAdaptation{SlackPercent: -1}},
			WantErr:   "slack percent must be in range [0..100]",
		},
		{
			Name:      "slack percent above the range",
			RateLimit: 1,
			Opts:      RateLimitingRoundTripperOpts{Adaptation: RateLimitingRoundTripperAdaptation{SlackPercent: 101}},
			WantErr:   "slack percent must be in range [0..100]",
		},
	}
	for i := range tests {
		tt := tests[i]
		t.Run(tt.Name, func(t *testing.T) {
			_, err := NewRateLimitingRoundTripperWithOpts(http.DefaultTransport, tt.RateLimit, tt.Opts)
			require.EqualError(t, err, tt.WantErr)
		})
	}
}

func TestRateLimitingRoundTripper_RoundTrip(t *testing.T) {
	const timeDelta = time.Millisecond * 100

	server := newRateLimitTestServer("")
	defer server.Close()

	newClient := func(rateLimit int, waitTimeout time.Duration) *http.Client {
		tr, err := NewRateLimitingRoundTripperWithOpts(
			http.DefaultTransport, rateLimit, RateLimitingRoundTripperOpts{WaitTimeout: waitTimeout})
		require.NoError(t, err)
		return &http.Client{Transport: tr}
	}

	t.Run("2nd request does not fit into the wait timeout", func(t *testing.T) {
		client := newClient(1, time.Millisecond*500)

		got := timedGet(client, server.URL)
		require.NoError(t, got.err)
		require.Equal(t, http.StatusOK, got.resp.StatusCode)
		require.WithinDuration(t, got.start, got.end, timeDelta, "the 1st request should pass immediately")

		// With 1 rps the next slot comes in a second, which is more than the wait timeout allows.
		got = timedGet(client, server.URL)
		var rlErr *RateLimitingRoundTripperError
		require.ErrorAs(t, got.err, &rlErr)
		require.Equal(t, http.MethodGet, rlErr.Method)
		require.Equal(t, server.URL, rlErr.URL)
		require.WithinDuration(t, got.start, got.end, timeDelta,
			"the error should be returned right away, not after the wait timeout")
	})

	t.Run("one of N+1 concurrent requests does not fit into the wait timeout", func(t *testing.T) {
		const rateLimit = 4
		const totalReqs = rateLimit + 1

		// The wait timeout is picked so that exactly rateLimit requests fit into it.
		client := newClient(rateLimit, time.Second-time.Second/rateLimit+timeDelta)

		errCh := make(chan error, totalReqs)
		start := time.Now()
		var wg sync.WaitGroup
		wg.Add(totalReqs)
		for i := 0; i < totalReqs; i++ {
			go func() {
				defer wg.Done()
				errCh <- timedGet(client, server.URL).err
			}()
		}
		wg.Wait()
		finish := time.Now()
		close(errCh)

		require.WithinDuration(t, start.Add(time.Second-time.Second/rateLimit), finish, timeDelta)

		passed := 0
		var failed []error
		for err := range errCh {
			if err != nil {
				failed = append(failed, err)
				continue
			}
			passed++
		}
		require.Equal(t, rateLimit, passed)
		require.Len(t, failed, 1)
		var rlErr *RateLimitingRoundTripperError
		require.ErrorAs(t, failed[0], &rlErr)
	})

	t.Run("2nd request waits for the next slot", func(t *testing.T) {
		client := newClient(1, time.Second*2)

		got := timedGet(client, server.URL)
		require.NoError(t, got.err)
		require.Equal(t, http.StatusOK, got.resp.StatusCode)
		require.WithinDuration(t, got.start, got.end, timeDelta)

		got = timedGet(client, server.URL)
		require.NoError(t, got.err)
		require.Equal(t, http.StatusOK, got.resp.StatusCode)
		require.WithinDuration(t, got.start.Add(time.Second), got.end, timeDelta,
			"the 2nd request should wait about a second for the next slot")
	})

	t.Run("concurrent requests are spread over the second", func(t *testing.T) {
		const rateLimit = 4

		client := newClient(rateLimit, time.Second*2)
		results := make(chan timedResponse, rateLimit)

		start := time.Now()
		var wg sync.WaitGroup
		wg.Add(rateLimit)
		for i := 0; i < rateLimit; i++ {
			go func() {
				defer wg.Done()
				results <- timedGet(client, server.URL)
			}()
		}
		wg.Wait()
		finish := time.Now()
		close(results)

		require.WithinDuration(t, start.Add(time.Second-time.Second/rateLimit), finish, timeDelta)

		i := 0
		for got := range results {
			require.NoError(t, got.err)
			require.WithinDuration(t, got.start.Add(time.Second/rateLimit*time.Duration(i)), got.end, timeDelta)
			i++
		}
	})
}

func TestRateLimitingRoundTripper_RoundTrip_AllowMode(t *testing.T) {
	const timeDelta = time.Millisecond * 100

	server := newRateLimitTestServer("")
	defer server.Close()

	tr, err := NewRateLimitingRoundTripperWithOpts(http.DefaultTransport, 1, RateLimitingRoundTripperOpts{
		Mode: RateLimitingModeAllow,
	})
	require.NoError(t, err)
	client := &http.Client{Transport: tr}

	// The first request fits into the burst and should be completed immediately.
	got := timedGet(client, server.URL)
	require.NoError(t, got.err)
	require.Equal(t, http.StatusOK, got.resp.StatusCode)

	// The second request should fail immediately, no waiting is done in this mode.
	got = timedGet(client, server.URL)
	var rlErr *RateLimitingRoundTripperError
	require.ErrorAs(t, got.err, &rlErr)
	require.Equal(t, http.MethodGet, rlErr.Method)
	require.Equal(t, server.URL, rlErr.URL)
	require.ErrorContains(t, got.err, "rate limit is exhausted")
	require.WithinDuration(t, got.start, got.end, timeDelta)

	// A new slot becomes available after the limiter refills.
	time.Sleep(time.Millisecond * 1100)
	got = timedGet(client, server.URL)
	require.NoError(t, got.err)
	require.Equal(t, http.StatusOK, got.resp.StatusCode)
}

func TestRateLimitingRoundTripper_RoundTrip_RetryAfter(t *testing.T) {
	const timeDelta = time.Millisecond * 100

	server := newRateLimitTestServer("")
	defer server.Close()

	newClient := func(t *testing.T, opts RateLimitingRoundTripperOpts) *http.Client {
		tr, err := NewRateLimitingRoundTripperWithOpts(http.DefaultTransport, 100, opts)
		require.NoError(t, err)
		return &http.Client{Transport: tr}
	}

	t.Run("requests are held after 429 with Retry-After", func(t *testing.T) {
		client := newClient(t, RateLimitingRoundTripperOpts{
			Mode:       RateLimitingModeAllow,
			Burst:      10,
			Adaptation: RateLimitingRoundTripperAdaptation{RespectRetryAfter: true},
		})

		// The server response is returned as is.
		got := timedGet(client, server.URL+"?status=429&retryAfter=60")
		require.NoError(t, got.err)
		require.Equal(t, http.StatusTooManyRequests, got.resp.StatusCode)

		// All subsequent requests should fail immediately until the received moment comes.
		got = timedGet(client, server.URL)
		var rlErr *RateLimitingRoundTripperError
		require.ErrorAs(t, got.err, &rlErr)
		require.WithinDuration(t, got.start, got.end, timeDelta)
	})

	t.Run("waiting for the received moment is limited by WaitTimeout", func(t *testing.T) {
		client := newClient(t, RateLimitingRoundTripperOpts{
			Burst:       10,
			WaitTimeout: time.Millisecond * 500,
			Adaptation:  RateLimitingRoundTripperAdaptation{RespectRetryAfter: true},
		})

		got := timedGet(client, server.URL+"?status=503&retryAfter=60")
		require.NoError(t, got.err)
		require.Equal(t, http.StatusServiceUnavailable, got.resp.StatusCode)

		got = timedGet(client, server.URL)
		var rlErr *RateLimitingRoundTripperError
		require.ErrorAs(t, got.err, &rlErr)
		require.WithinDuration(t, got.start.Add(time.Millisecond*500), got.end, timeDelta)
	})

	t.Run("Retry-After is ignored when adaptation is not enabled", func(t *testing.T) {
		client := newClient(t, RateLimitingRoundTripperOpts{Mode: RateLimitingModeAllow, Burst: 2})

		got := timedGet(client, server.URL+"?status=429&retryAfter=60")
		require.NoError(t, got.err)
		require.Equal(t, http.StatusTooManyRequests, got.resp.StatusCode)

		got = timedGet(client, server.URL)
		require.NoError(t, got.err)
		require.Equal(t, http.StatusOK, got.resp.StatusCode)
	})

	t.Run("Retry-After on successful response does not hold requests", func(t *testing.T) {
		client := newClient(t, RateLimitingRoundTripperOpts{
			Mode:       RateLimitingModeAllow,
			Burst:      2,
			Adaptation: RateLimitingRoundTripperAdaptation{RespectRetryAfter: true},
		})

		got := timedGet(client, server.URL+"?retryAfter=60")
		require.NoError(t, got.err)
		require.Equal(t, http.StatusOK, got.resp.StatusCode)

		got = timedGet(client, server.URL)
		require.NoError(t, got.err)
		require.Equal(t, http.StatusOK, got.resp.StatusCode)
	})
}

func TestRateLimitingRoundTripper_RoundTrip_Adaptation(t *testing.T) {
	const timeDelta = time.Millisecond * 100
	const limitHeader = "X-Rate-Limit"

	server := newRateLimitTestServer(limitHeader)
	defer server.Close()

	newAdaptiveClient := func(rateLimit, slackPercent int) (*http.Client, *RateLimitingRoundTripper) {
		tr, err := NewRateLimitingRoundTripperWithOpts(http.DefaultTransport, rateLimit, RateLimitingRoundTripperOpts{
			Adaptation: RateLimitingRoundTripperAdaptation{
				ResponseHeaderName: limitHeader,
				SlackPercent:       slackPercent,
			},
		})
		require.NoError(t, err)
		return &http.Client{Transport: tr}, tr
	}

	t.Run("limit from the response header throttles subsequent requests", func(t *testing.T) {
		client, transport := newAdaptiveClient(5, 0)

		for i := 0; i < 5; i++ {
			url := server.URL
			if i == 4 {
				url += "?limit=1"
			}
			got := timedGet(client, url)
			require.NoError(t, got.err)
			require.Equal(t, http.StatusOK, got.resp.StatusCode)
			if i == 0 {
				require.WithinDuration(t, got.start, got.end, timeDelta)
			} else {
				require.WithinDuration(t, got.start.Add(time.Second/5), got.end, timeDelta)
			}
		}
		require.Equal(t, rate.Limit(1), transport.rateLimiter.Limit())
		require.Equal(t, 5, transport.RateLimit)

		// From now on the lowered limit is in effect.
		got := timedGet(client, server.URL)
		require.NoError(t, got.err)
		require.Equal(t, http.StatusOK, got.resp.StatusCode)
		require.WithinDuration(t, got.start.Add(time.Second), got.end, timeDelta)
	})

	t.Run("limit from the header is capped by the initial value", func(t *testing.T) {
		client, transport := newAdaptiveClient(10, 0)
		got := timedGet(client, server.URL+"?limit=20")
		require.NoError(t, got.err)
		require.Equal(t, http.StatusOK, got.resp.StatusCode)
		require.WithinDuration(t, got.start, got.end, timeDelta)
		require.Equal(t, rate.Limit(10), transport.rateLimiter.Limit())
		require.Equal(t, 10, transport.RateLimit)
	})

	t.Run("slack percent shrinks the applied limit", func(t *testing.T) {
		client, transport := newAdaptiveClient(10, 20)
		got := timedGet(client, server.URL+"?limit=10")
		require.NoError(t, got.err)
		require.Equal(t, http.StatusOK, got.resp.StatusCode)
		require.WithinDuration(t, got.start, got.end, timeDelta)
		require.Equal(t, rate.Limit(8), transport.rateLimiter.Limit())
		require.Equal(t, 10, transport.RateLimit)
	})

	t.Run("unparsable limit values are ignored", func(t *testing.T) {
		client, transport := newAdaptiveClient(100, 0)

		for _, limitParam := range []string{"foobar", "-1", "1.1"} {
			got := timedGet(client, server.URL+"?limit="+limitParam)
			require.NoError(t, got.err)
			require.Equal(t, http.StatusOK, got.resp.StatusCode)
			require.WithinDuration(t, got.start, got.end, timeDelta)
			require.Equal(t, rate.Limit(100), transport.rateLimiter.Limit())
			require.Equal(t, 100, transport.RateLimit)
		}
	})

	t.Run("zero limit from the header does not stop requests", func(t *testing.T) {
		client, transport := newAdaptiveClient(10, 0)
		got := timedGet(client, server.URL+"?limit=0")
		require.NoError(t, got.err)
		require.Equal(t, http.StatusOK, got.resp.StatusCode)
		require.WithinDuration(t, got.start, got.end, timeDelta)
		require.Equal(t, rate.Limit(1), transport.rateLimiter.Limit())
		require.Equal(t, 10, transport.RateLimit)
	})

	t.Run("limit is raised back when the header allows it", func(t *testing.T) {
		client, transport := newAdaptiveClient(10, 0)

		got := timedGet(client, server.URL+"?limit=5")
		require.NoError(t, got.err)
		require.Equal(t, http.StatusOK, got.resp.StatusCode)
		require.WithinDuration(t, got.start, got.end, timeDelta)
		require.Equal(t, rate.Limit(5), transport.rateLimiter.Limit())
		require.Equal(t, 10, transport.RateLimit)

		got = timedGet(client, server.URL+"?limit=100")
		require.NoError(t, got.err)
		require.Equal(t, http.StatusOK, got.resp.StatusCode)
		require.WithinDuration(t, got.start.Add(time.Second/5), got.end, timeDelta)
		require.Equal(t, rate.Limit(10), transport.rateLimiter.Limit())
		require.Equal(t, 10, transport.RateLimit)
	})
}
