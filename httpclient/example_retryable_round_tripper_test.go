/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"strconv"
	"time"

	"github.com/hicaroostreb/saas-boilerplate-sub004/retry"
)

// ExampleNewRetryableRoundTripperWithOpts demonstrates how RetryableRoundTripper retries
// requests rejected with 429 and paces the attempts by the Retry-After response header,
// which takes precedence over the configured backoff policy.
func ExampleNewRetryableRoundTripperWithOpts() {
	// Error handling is skipped here to keep the example short.

	const succeedOnAttempt = 3

	// The server rejects requests with 429 until it sees the third retry attempt.
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		attempt, err := strconv.Atoi(r.Header.Get(RetryAttemptNumberHeader))
		if err != nil || attempt < succeedOnAttempt {
			rw.Header().Set("Retry-After", "1")
			rw.WriteHeader(http.StatusTooManyRequests)
			return
		}
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	transport, _ := NewRetryableRoundTripperWithOpts(http.DefaultTransport, RetryableRoundTripperOpts{
		MaxRetryAttempts: 5,
		BackoffPolicy:    retry.NewConstantBackoffPolicy(100*time.Millisecond, 0),
	})
	client := http.Client{Transport: transport}

	resp, err := client.Get(srv.URL)
	if err != nil {
		log.Fatal(err)
	}
	_ = resp.Body.Close()

	attempts, _ := strconv.Atoi(resp.Request.Header.Get(RetryAttemptNumberHeader))
	fmt.Printf("got %d after %d retry attempts", resp.StatusCode, attempts)

	// Output: got 200 after 3 retry attempts
}
