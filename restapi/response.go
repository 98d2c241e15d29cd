/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package restapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hicaroostreb/saas-boilerplate-sub004/log"
)

// ContentTypeAppJSON is the MIME type of JSON request and response bodies.
const ContentTypeAppJSON = "application/json"

// RespondJSON marshals the passed data and sends it with the 200 status code.
func RespondJSON(rw http.ResponseWriter, respData interface{}, logger log.FieldLogger) {
	RespondCodeAndJSON(rw, http.StatusOK, respData, logger)
}

// RespondCodeAndJSON marshals the passed data and sends it with the passed status code.
// The "Content-Type" header is set to "application/json" unless it was set before.
// Nil data produces an empty body, and a failed marshaling turns the response into 500.
func RespondCodeAndJSON(rw http.ResponseWriter, statusCode int, respData interface{}, logger log.FieldLogger) {
	if respData == nil {
		rw.WriteHeader(statusCode)
		return
	}

	if rw.Header().Get("Content-Type") == "" {
		rw.Header().Set("Content-Type", ContentTypeAppJSON)
	}

	respJSON, err := marshalJSONNoEscape(respData)
	if err != nil {
		if logger != nil {
			logger.Error("failed to marshal response body to JSON", log.Error(err))
		}
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}

	rw.WriteHeader(statusCode)
	if _, err = rw.Write(respJSON); err != nil {
		if logger != nil {
			logger.Error("failed to write response body", log.Error(err))
		}
	}
}

// ErrorResponseData is the body of an error response.
type ErrorResponseData struct {
	Err *Error `json:"error"`
}

func (e *ErrorResponseData) Error() string {
	return fmt.Sprintf("error response: %v", e.Err)
}

var respondError = RespondWrappedError

// DisableWrappingErrorInResponse makes all error-responding helpers write the error object
// to the body as is, {"error": {"domain": "{domain}", ...}} becomes {"domain": "{domain}", ...}.
func DisableWrappingErrorInResponse() {
	respondError = RespondNoWrappedError
}

// RespondError writes the error to the body in JSON with the passed status code.
// The error code and message are logged, and the error is counted in Prometheus metrics.
func RespondError(rw http.ResponseWriter, httpStatusCode int, err *Error, logger log.FieldLogger) {
	respondError(rw, httpStatusCode, err, logger)
}

// RespondWrappedError writes the error wrapped into the {"error": {...}} object. See RespondError.
func RespondWrappedError(rw http.ResponseWriter, httpStatusCode int, err *Error, logger log.FieldLogger) {
	reportResponseError(err, logger)
	RespondCodeAndJSON(rw, httpStatusCode, ErrorResponseData{err}, logger)
}

// RespondNoWrappedError writes the error object to the body as is. See RespondError.
func RespondNoWrappedError(rw http.ResponseWriter, httpStatusCode int, err *Error, logger log.FieldLogger) {
	reportResponseError(err, logger)
	RespondCodeAndJSON(rw, httpStatusCode, err, logger)
}

// RespondInternalError responds with the 500 status code and the internal error in the body.
func RespondInternalError(rw http.ResponseWriter, domain string, logger log.FieldLogger) {
	RespondError(rw, http.StatusInternalServerError, NewInternalError(domain), logger)
}

// RespondTooManyRequestsError responds with the 429 status code and the corresponding error in the body.
// Retry-After and rate limiting headers are up to the caller and should be set before the call.
func RespondTooManyRequestsError(rw http.ResponseWriter, domain string, logger log.FieldLogger) {
	RespondError(rw, http.StatusTooManyRequests, NewTooManyRequestsError(domain), logger)
}

func reportResponseError(err *Error, logger log.FieldLogger) {
	if logger != nil {
		fields := []log.Field{log.String("error_code", err.Code), log.String("error_message", err.Message)}
		if err.Context != nil {
			ctxLines := make([]string, 0, len(err.Context))
			for k, v := range err.Context {
				ctxLines = append(ctxLines, fmt.Sprintf("%s: %v", k, v))
			}
			fields = append(fields, log.Strings("error_context", ctxLines))
		}
		logger.Error("error in response", fields...)
	}
	if metricsResponseErrors != nil {
		metricsResponseErrors.With(prometheus.Labels{
			metricsLabelResponseErrorDomain: err.Domain,
			metricsLabelResponseErrorCode:   err.Code,
		}).Inc()
	}
}

// marshalJSONNoEscape works as json.Marshal with HTML escaping turned off.
func marshalJSONNoEscape(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	b := buf.Bytes()
	return b[:len(b)-1], nil // Encode terminates the value with a newline.
}
