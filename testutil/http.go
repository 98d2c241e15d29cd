/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"encoding/json"
	"net/http/httptest"

	"github.com/stretchr/testify/require"
)

const jsonContentType = "application/json"

type apiErrorData struct {
	Domain string `json:"domain"`
	Code   string `json:"code"`
}

type wrappedAPIErrorData struct {
	Error apiErrorData `json:"error"`
}

var wrapErrorInResponse = true

// EnableWrappingErrorInResponse makes RequireErrorInRecorder expect the error object
// to be wrapped in the response body ({"error": {"domain": ..., "code": ...}}).
// This is the initial mode.
func EnableWrappingErrorInResponse() {
	wrapErrorInResponse = true
}

// DisableWrappingErrorInResponse makes RequireErrorInRecorder expect a bare error object
// in the response body ({"domain": ..., "code": ...}).
func DisableWrappingErrorInResponse() {
	wrapErrorInResponse = false
}

// RequireErrorInRecorder asserts that the recorded response carries the error with the wanted
// HTTP status code, domain, and code. Whether the error object is expected to be wrapped is
// switched by EnableWrappingErrorInResponse and DisableWrappingErrorInResponse.
func RequireErrorInRecorder(t require.TestingT, resp *httptest.ResponseRecorder, wantHTTPCode int, wantErrDomain, wantErrCode string) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	requireErrorPayload(t, resp, wrapErrorInResponse, wantHTTPCode, wantErrDomain, wantErrCode)
}

// RequireWrappedErrorInRecorder asserts that the recorded response carries the wrapped error.
func RequireWrappedErrorInRecorder(
	t require.TestingT, resp *httptest.ResponseRecorder, wantHTTPCode int, wantErrDomain, wantErrCode string,
) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	requireErrorPayload(t, resp, true, wantHTTPCode, wantErrDomain, wantErrCode)
}

// RequireNoWrappedErrorInRecorder asserts that the recorded response carries the bare,
// not wrapped, error.
func RequireNoWrappedErrorInRecorder(
	t require.TestingT, resp *httptest.ResponseRecorder, wantHTTPCode int, wantErrDomain, wantErrCode string,
) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	requireErrorPayload(t, resp, false, wantHTTPCode, wantErrDomain, wantErrCode)
}

func requireErrorPayload(
	t require.TestingT, resp *httptest.ResponseRecorder, wrapped bool, wantHTTPCode int, wantErrDomain, wantErrCode string,
) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	require.Equal(t, wantHTTPCode, resp.Code)
	require.Equal(t, jsonContentType, resp.Header().Get("Content-Type"))
	var errData apiErrorData
	if wrapped {
		var wrappedData wrappedAPIErrorData
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&wrappedData))
		errData = wrappedData.Error
	} else {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&errData))
	}
	require.Equal(t, wantErrDomain, errData.Domain)
	require.Equal(t, wantErrCode, errData.Code)
}

// RequireEmptyBodyInRecorder asserts that the recorded response has an empty body.
func RequireEmptyBodyInRecorder(t require.TestingT, resp *httptest.ResponseRecorder) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	require.Equal(t, 0, resp.Body.Len())
}

// RequireJSONInRecorder asserts that the recorded response body is the JSON representation
// of want. The body is decoded into dest, which must be a pointer to the same type as want.
func RequireJSONInRecorder(t require.TestingT, resp *httptest.ResponseRecorder, want, dest interface{}) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	require.Equal(t, jsonContentType, resp.Header().Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dest))
	require.Equal(t, want, dest)
}
