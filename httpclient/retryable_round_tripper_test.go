/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"github.com/hicaroostreb/saas-boilerplate-sub004/log"
	"github.com/hicaroostreb/saas-boilerplate-sub004/log/logtest"
	"github.com/hicaroostreb/saas-boilerplate-sub004/retry"
)

type servedRequest struct {
	method        string
	body          []byte
	attemptHeader string
}

// retryTestServer serves a queue of prepared status codes, one per request,
// and records everything it receives.
type retryTestServer struct {
	*httptest.Server
	mu           sync.RWMutex
	served       []servedRequest
	pendingCodes []int
	retryAfter   string
}

func newRetryTestServer() *retryTestServer {
	srv := &retryTestServer{}
	srv.Server = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var reqBody []byte
		if r.Method != http.MethodGet {
			reqBody, _ = io.ReadAll(r.Body)
		}

		srv.mu.Lock()
		srv.served = append(srv.served, servedRequest{
			method:        r.Method,
			body:          reqBody,
			attemptHeader: r.Header.Get(RetryAttemptNumberHeader),
		})
		code := http.StatusOK
		if len(srv.pendingCodes) > 0 {
			code = srv.pendingCodes[0]
			srv.pendingCodes = srv.pendingCodes[1:]
		}
		retryAfter := srv.retryAfter
		srv.mu.Unlock()

		if retryAfter != "" && code != http.StatusOK {
			rw.Header().Set("Retry-After", retryAfter)
		}
		rw.WriteHeader(code)
		_, _ = rw.Write([]byte("ok"))
	}))
	return srv
}

func (s *retryTestServer) Served() []servedRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]servedRequest, len(s.served))
	copy(res, s.served)
	return res
}

func (s *retryTestServer) Reset(codes []int) {
	s.ResetWithRetryAfter(codes, "")
}

func (s *retryTestServer) ResetWithRetryAfter(codes []int, retryAfter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.served = nil
	s.pendingCodes = codes
	s.retryAfter = retryAfter
}

type countingTransport struct {
	next  http.RoundTripper
	calls int
}

func (t *countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	t.calls++
	return t.next.RoundTrip(r)
}

type seekRecord struct {
	offset int64
	whence int
}

// seekCountingBody wraps an io.ReadSeeker and counts every Seek call grouped by its arguments.
type seekCountingBody struct {
	io.ReadSeeker
	seeks map[seekRecord]int
}

func newSeekCountingBody(rs io.ReadSeeker) *seekCountingBody {
	return &seekCountingBody{rs, make(map[seekRecord]int)}
}

func (b *seekCountingBody) Seek(offset int64, whence int) (int64, error) {
	b.seeks[seekRecord{offset, whence}]++
	return b.ReadSeeker.Seek(offset, whence)
}

func (b *seekCountingBody) Close() error {
	if closer, ok := b.ReadSeeker.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func TestNewRetryableRoundTripper(t *testing.T) {
	_, err := NewRetryableRoundTripperWithOpts(http.DefaultTransport, RetryableRoundTripperOpts{MaxRetryAttempts: -2})
	require.EqualError(t, err, "incorrect max retry attempts")
}

func TestRetryableRoundTripper_RoundTrip(t *testing.T) {
	testSrv := newRetryTestServer()
	defer testSrv.Close()

	payload := []byte(`{"client":"tenant-42","limit":100}`)

	repeatCode := func(code, n int) []int {
		codes := make([]int, n)
		for i := range codes {
			codes[i] = code
		}
		return codes
	}

	wantServed := func(method string, body []byte, n int) []servedRequest {
		served := make([]servedRequest, n)
		for i := range served {
			served[i] = servedRequest{method: method, body: body}
			if i > 0 {
				served[i].attemptHeader = strconv.Itoa(i)
			}
		}
		return served
	}

	tests := []struct {
		Name             string
		Opts             RetryableRoundTripperOpts
		Method           string
		URL              string
		MakeBody         func(t *testing.T) io.Reader
		ServeCodes       []int
		WantErr          string
		WantCalls        int
		WantFinalCode    int
		WantServed       []servedRequest
		WantSeeks        map[seekRecord]int
		WantBodyCloseErr string
	}{
		{
			Name: "bodiless GET is repeated until the server recovers",
			Opts: RetryableRoundTripperOpts{
				MaxRetryAttempts: 5,
				BackoffPolicy:    retry.NewConstantBackoffPolicy(time.Millisecond*10, 0),
			},
			Method:        http.MethodGet,
			URL:           testSrv.URL,
			MakeBody:      func(t *testing.T) io.Reader { return nil },
			ServeCodes:    repeatCode(http.StatusServiceUnavailable, 5),
			WantCalls:     6,
			WantServed:    wantServed(http.MethodGet, nil, 6),
			WantFinalCode: http.StatusOK,
		},
		{
			Name: "unlimited attempts are still bounded by the backoff policy max retries, PUT with body",
			Opts: RetryableRoundTripperOpts{
				MaxRetryAttempts: UnlimitedRetryAttempts,
				BackoffPolicy:    retry.NewExponentialBackoffPolicy(time.Millisecond*10, 3),
			},
			Method:        http.MethodPut,
			URL:           testSrv.URL,
			MakeBody:      func(t *testing.T) io.Reader { return bytes.NewReader(payload) },
			ServeCodes:    repeatCode(http.StatusTooManyRequests, 3),
			WantCalls:     4,
			WantServed:    wantServed(http.MethodPut, payload, 4),
			WantFinalCode: http.StatusOK,
		},
		{
			Name: "attempts stop at the limit and the last response is returned",
			Opts: RetryableRoundTripperOpts{
				MaxRetryAttempts: 3,
				BackoffPolicy:    retry.NewConstantBackoffPolicy(time.Millisecond*10, 0),
			},
			Method:        http.MethodPost,
			URL:           testSrv.URL,
			MakeBody:      func(t *testing.T) io.Reader { return bytes.NewReader(payload) },
			ServeCodes:    repeatCode(http.StatusTooManyRequests, 4),
			WantCalls:     4,
			WantServed:    wantServed(http.MethodPost, payload, 4),
			WantFinalCode: http.StatusTooManyRequests,
		},
		{
			Name: "seekable body is rewound with Seek before every attempt",
			Opts: RetryableRoundTripperOpts{
				MaxRetryAttempts: 3,
				BackoffPolicy:    retry.NewConstantBackoffPolicy(time.Millisecond*10, 0),
			},
			Method:        http.MethodPost,
			URL:           testSrv.URL,
			MakeBody:      func(t *testing.T) io.Reader { return newSeekCountingBody(bytes.NewReader(payload)) },
			ServeCodes:    repeatCode(http.StatusTooManyRequests, 3),
			WantCalls:     4,
			WantServed:    wantServed(http.MethodPost, payload, 4),
			WantFinalCode: http.StatusOK,
			WantSeeks:     map[seekRecord]int{{0, io.SeekCurrent}: 1, {0, io.SeekStart}: 4},
		},
		{
			Name: "seekable body is rewound to its initial non-zero offset",
			Opts: RetryableRoundTripperOpts{
				BackoffPolicy: retry.PolicyFunc(func() backoff.BackOff {
					bf := backoff.NewExponentialBackOff()
					bf.InitialInterval = time.Millisecond * 10
					bf.Multiplier = 1
					return backoff.WithMaxRetries(bf, 3)
				}),
			},
			Method: http.MethodPost,
			URL:    testSrv.URL,
			MakeBody: func(t *testing.T) io.Reader {
				r := bytes.NewReader(payload)
				_, _ = r.Seek(10, io.SeekStart)
				return newSeekCountingBody(r)
			},
			ServeCodes:    repeatCode(http.StatusTooManyRequests, 3),
			WantCalls:     4,
			WantServed:    wantServed(http.MethodPost, payload[10:], 4),
			WantFinalCode: http.StatusOK,
			WantSeeks:     map[seekRecord]int{{10, io.SeekStart}: 4, {0, io.SeekCurrent}: 1},
		},
		{
			Name: "file body is rewound and closed exactly once",
			Opts: RetryableRoundTripperOpts{
				MaxRetryAttempts: 3,
				BackoffPolicy:    retry.NewConstantBackoffPolicy(time.Millisecond*10, 0),
			},
			Method: http.MethodPost,
			URL:    testSrv.URL,
			MakeBody: func(t *testing.T) io.Reader {
				fpath := filepath.Join(t.TempDir(), "payload.json")
				require.NoError(t, os.WriteFile(fpath, payload, 0644))
				f, err := os.Open(fpath)
				require.NoError(t, err)
				return newSeekCountingBody(f)
			},
			ServeCodes:       repeatCode(http.StatusTooManyRequests, 3),
			WantCalls:        4,
			WantServed:       wantServed(http.MethodPost, payload, 4),
			WantFinalCode:    http.StatusOK,
			WantSeeks:        map[seekRecord]int{{0, io.SeekCurrent}: 1, {0, io.SeekStart}: 4},
			WantBodyCloseErr: "file already closed",
		},
		{
			Name:       "transport error without a response is returned as is",
			Opts:       RetryableRoundTripperOpts{},
			Method:     http.MethodGet,
			URL:        "foobar",
			MakeBody:   func(t *testing.T) io.Reader { return nil },
			WantCalls:  1,
			WantServed: wantServed(http.MethodGet, nil, 0),
			WantErr:    "unsupported protocol scheme",
		},
	}
	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			testSrv.Reset(tt.ServeCodes)

			transport := &countingTransport{next: http.DefaultTransport}
			retryableRT, err := NewRetryableRoundTripperWithOpts(transport, tt.Opts)
			require.NoError(t, err)
			client := &http.Client{Transport: retryableRT, Timeout: 60 * time.Second}

			body := tt.MakeBody(t)

			req, err := http.NewRequest(tt.Method, tt.URL, body)
			require.NoError(t, err)

			resp, respErr := client.Do(req)
			if tt.WantErr == "" {
				require.NoError(t, respErr)
				require.Equal(t, tt.WantFinalCode, resp.StatusCode)
				require.NoError(t, resp.Body.Close())
			} else {
				require.Error(t, respErr)
				require.Contains(t, respErr.Error(), tt.WantErr)
			}
			require.Equal(t, tt.WantCalls, transport.calls)
			require.Equal(t, tt.WantServed, testSrv.Served())

			if len(tt.WantSeeks) > 0 {
				countingBody, ok := body.(*seekCountingBody)
				require.True(t, ok)
				require.Equal(t, tt.WantSeeks, countingBody.seeks)
			}

			// The round tripper must have closed the original body already.
			if closer, ok := body.(io.Closer); ok {
				closeErr := closer.Close()
				if tt.WantBodyCloseErr == "" {
					require.NoError(t, closeErr)
				} else {
					require.Error(t, closeErr)
					require.Contains(t, closeErr.Error(), tt.WantBodyCloseErr)
				}
			}
		})
	}
}

func TestRetryableRoundTripper_RoundTrip_RetryAfter(t *testing.T) {
	testSrv := newRetryTestServer()
	defer testSrv.Close()

	t.Run("Retry-After response header drives the wait time", func(t *testing.T) {
		testSrv.ResetWithRetryAfter([]int{http.StatusTooManyRequests, http.StatusTooManyRequests}, "0")

		retryableRT, err := NewRetryableRoundTripperWithOpts(http.DefaultTransport, RetryableRoundTripperOpts{
			MaxRetryAttempts: 2,
			BackoffPolicy:    retry.NewConstantBackoffPolicy(time.Second*10, 0),
		})
		require.NoError(t, err)
		client := &http.Client{Transport: retryableRT}

		startedAt := time.Now()
		resp, err := client.Get(testSrv.URL)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Less(t, time.Since(startedAt), time.Second*3,
			"waiting between attempts should be driven by the Retry-After header, not by the backoff policy")
		require.Len(t, testSrv.Served(), 3)
	})

	t.Run("Retry-After response header is ignored if IgnoreRetryAfter is true", func(t *testing.T) {
		testSrv.ResetWithRetryAfter([]int{http.StatusTooManyRequests, http.StatusTooManyRequests}, "0")

		retryableRT, err := NewRetryableRoundTripperWithOpts(http.DefaultTransport, RetryableRoundTripperOpts{
			MaxRetryAttempts: 2,
			IgnoreRetryAfter: true,
			BackoffPolicy:    retry.NewConstantBackoffPolicy(time.Millisecond*50, 0),
		})
		require.NoError(t, err)
		client := &http.Client{Transport: retryableRT}

		startedAt := time.Now()
		resp, err := client.Get(testSrv.URL)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.GreaterOrEqual(t, time.Since(startedAt), time.Millisecond*100,
			"two waits of the backoff policy should be done")
		require.Len(t, testSrv.Served(), 3)
	})
}

func TestParseRetryAfterFromResponse(t *testing.T) {
	tests := []struct {
		Name   string
		Header string
		Want   time.Duration
		WantOK bool
		Check  func(t *testing.T, header string, parsed time.Duration)
	}{
		{
			Name:   "absent header",
			Header: "",
			WantOK: false,
		},
		{
			Name:   "delay in seconds",
			Header: "600",
			Want:   600 * time.Second,
			WantOK: true,
		},
		{
			Name:   "zero seconds",
			Header: "0",
			Want:   0,
			WantOK: true,
		},
		{
			Name:   "negative number of seconds is rejected",
			Header: "-1",
			WantOK: false,
		},
		{
			Name:   "malformed HTTP date is rejected",
			Header: "Fri, 17 Some Malformed Date GMT",
			WantOK: false,
		},
		{
			Name:   "HTTP date in the future",
			Header: "Fri, 17 May 2030 23:00:00 GMT",
			WantOK: true,
			Check: func(t *testing.T, header string, parsed time.Duration) {
				headerTime, _ := time.Parse(time.RFC1123, header)
				require.InDelta(t, time.Until(headerTime), parsed, float64(time.Millisecond))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			resp := &http.Response{StatusCode: http.StatusOK, Header: make(http.Header)}
			resp.Header.Set("Retry-After", tt.Header)
			parsed, ok := parseRetryAfterFromResponse(resp)
			require.Equal(t, tt.WantOK, ok)
			if tt.Check != nil {
				tt.Check(t, tt.Header, parsed)
			} else {
				require.Equal(t, tt.Want, parsed)
			}
		})
	}
}

func TestCheckErrorIsTemporary(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			srv.CloseClientConnections()
			return
		}
		time.Sleep(time.Second)
		_, _ = rw.Write([]byte("ok"))
	}))
	defer srv.Close()

	tests := []struct {
		Name          string
		Method        string
		URL           string
		Timeout       time.Duration
		WantTemporary bool
		WantErr       string
	}{
		{
			Name:          "unsupported scheme is a permanent error",
			Method:        http.MethodGet,
			URL:           "invalid url",
			Timeout:       time.Second * 3,
			WantTemporary: false,
			WantErr:       "unsupported protocol scheme",
		},
		{
			Name:          "client timeout is a temporary error",
			Method:        http.MethodGet,
			URL:           srv.URL,
			Timeout:       time.Millisecond * 100,
			WantTemporary: true,
			WantErr:       "Client.Timeout exceeded",
		},
		{
			Name:          "connection closed by the server is a temporary error",
			Method:        http.MethodPost,
			URL:           srv.URL,
			Timeout:       time.Second * 2,
			WantTemporary: true,
			WantErr:       "EOF",
		},
	}
	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			req, err := http.NewRequest(tt.Method, tt.URL, nil)
			require.NoError(t, err)
			_, err = (&http.Client{Timeout: tt.Timeout}).Do(req) //nolint:bodyclose
			require.ErrorContains(t, err, tt.WantErr)
			require.Equal(t, tt.WantTemporary, CheckErrorIsTemporary(err))
		})
	}
}

func TestRetryableRoundTripper_RoundTrip_Logging(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	type loggerCtxKey struct{}

	checkFailure := errors.New("internal error")

	assertCheckFailureLogged := func(t *testing.T, client *http.Client, req *http.Request, recorder *logtest.Recorder) {
		resp, err := client.Do(req)
		require.NoError(t, err)
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		require.NoError(t, resp.Body.Close())

		require.Len(t, recorder.Entries(), 1)
		require.Equal(t, "failed to check if retry is needed, 1 request(s) done", recorder.Entries()[0].Text)
		logField, found := recorder.Entries()[0].FindField("error")
		require.True(t, found)
		require.Equal(t, checkFailure, logField.Any)
	}

	failingCheckRetry := func(ctx context.Context, resp *http.Response, roundTripErr error, doneRetryAttempts int) (bool, error) {
		return false, checkFailure
	}

	t.Run("logger", func(t *testing.T) {
		recorder := logtest.NewRecorder()

		rt, err := NewRetryableRoundTripperWithOpts(http.DefaultTransport.(*http.Transport).Clone(), RetryableRoundTripperOpts{
			Logger:         recorder,
			CheckRetryFunc: failingCheckRetry,
		})
		require.NoError(t, err)

		req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
		require.NoError(t, err)

		assertCheckFailureLogged(t, &http.Client{Transport: rt}, req, recorder)
	})

	t.Run("logger from context", func(t *testing.T) {
		recorder := logtest.NewRecorder()

		rt, err := NewRetryableRoundTripperWithOpts(http.DefaultTransport.(*http.Transport).Clone(), RetryableRoundTripperOpts{
			LoggerProvider: func(ctx context.Context) log.FieldLogger {
				return ctx.Value(loggerCtxKey{}).(log.FieldLogger)
			},
			CheckRetryFunc: failingCheckRetry,
		})
		require.NoError(t, err)

		req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
		require.NoError(t, err)
		req = req.WithContext(context.WithValue(req.Context(), loggerCtxKey{}, recorder))

		assertCheckFailureLogged(t, &http.Client{Transport: rt}, req, recorder)
	})
}
