/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package restapi

// Error carries the details of an API error as they appear in the response body.
type Error struct {
	Domain  string                 `json:"domain"`
	Code    string                 `json:"code"`
	Message string                 `json:"message,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
	Debug   map[string]interface{} `json:"debug,omitempty"`
}

// Error codes. Declared as variables so a service can swap them for its own set.
var (
	ErrCodeInternal           = "internalError"
	ErrCodeTooManyRequests    = "tooManyRequests"
	ErrCodeServiceUnavailable = "serviceUnavailable"
)

// Error messages. Declared as variables so a service can swap them for its own set.
var (
	ErrMessageInternal           = "Internal error."
	ErrMessageTooManyRequests    = "Too many requests."
	ErrMessageServiceUnavailable = "Service temporarily unavailable."
)

// NewError constructs an Error from the domain, code, and message.
func NewError(domain, code, message string) *Error {
	return &Error{Domain: domain, Code: code, Message: message}
}

// NewInternalError constructs the generic internal error within the given domain.
func NewInternalError(domain string) *Error {
	return NewError(domain, ErrCodeInternal, ErrMessageInternal)
}

// NewTooManyRequestsError constructs the error within the given domain
// for responding on requests rejected by rate limiting.
func NewTooManyRequestsError(domain string) *Error {
	return NewError(domain, ErrCodeTooManyRequests, ErrMessageTooManyRequests)
}

func setErrorField(m map[string]interface{}, field string, value interface{}) map[string]interface{} {
	if m == nil {
		m = make(map[string]interface{})
	}
	m[field] = value
	return m
}

// AddContext attaches a field to the error context and returns the error for chaining.
func (e *Error) AddContext(field string, value interface{}) *Error {
	e.Context = setErrorField(e.Context, field, value)
	return e
}

// AddDebug attaches a field to the error debug info and returns the error for chaining.
func (e *Error) AddDebug(field string, value interface{}) *Error {
	e.Debug = setErrorField(e.Debug, field, value)
	return e
}
