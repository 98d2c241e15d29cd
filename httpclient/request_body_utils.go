/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/hicaroostreb/saas-boilerplate-sub004/log"
)

// makeRequestBodyRewindable prepares the request body for retries and returns
// a function that rewinds it to its initial state.
// http.Request.GetBody is preferred when available, a seekable body is rewound
// in place, and any other body is buffered in memory as a last resort.
// Buffering reads the entire body, so for sizeable payloads callers should
// provide req.GetBody or an io.ReadSeeker body.
func makeRequestBodyRewindable(req *http.Request) (func(*http.Request) error, error) {
	if req.GetBody != nil {
		return rewindableBodyViaGetBody(req)
	}
	if seeker, ok := req.Body.(io.ReadSeeker); ok {
		return rewindableBodyViaSeek(req, seeker)
	}
	return rewindableBodyViaBuffer(req)
}

func rewindableBodyViaGetBody(req *http.Request) (func(*http.Request) error, error) {
	// Reset the initial body too so that the first attempt reads from a fresh reader.
	initialBody, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("get body before doing first request: %w", err)
	}
	req.Body = initialBody
	return func(r *http.Request) error {
		newBody, newBodyErr := r.GetBody()
		if newBodyErr != nil {
			return fmt.Errorf("get body for retry: %w", newBodyErr)
		}
		r.Body = newBody
		return nil
	}, nil
}

func rewindableBodyViaSeek(req *http.Request, seeker io.ReadSeeker) (func(*http.Request) error, error) {
	offset, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("seek request body before doing first request: %w", err)
	}
	req.Body = io.NopCloser(req.Body)
	return func(*http.Request) error {
		if _, seekErr := seeker.Seek(offset, io.SeekStart); seekErr != nil {
			return fmt.Errorf(
				"seek request body (offset=%d, whence=%d) for retry: %w", offset, io.SeekStart, seekErr)
		}
		return nil
	}, nil
}

func rewindableBodyViaBuffer(req *http.Request) (func(*http.Request) error, error) {
	buf, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("buffer request body before doing first request: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(buf))
	return func(r *http.Request) error {
		r.Body = io.NopCloser(bytes.NewReader(buf))
		return nil
	}, nil
}

// drainResponseBody reads the response body to the end and closes it
// so that the underlying connection can be reused.
func drainResponseBody(resp *http.Response, logger log.FieldLogger) {
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		logger.Error("failed to drain response body between retry attempts", log.Error(err))
	}
	if err := resp.Body.Close(); err != nil {
		logger.Error("failed to close response body between retry attempts", log.Error(err))
	}
}
