/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"errors"
	"fmt"
)

// ValidationError is returned when a configuration value or a caller-supplied
// argument cannot be accepted. It always surfaces before any storage I/O.
type ValidationError struct {
	Msg string
}

// Error returns a string representation of the error.
// Implements error interface.
func (e *ValidationError) Error() string {
	return e.Msg
}

// NewValidationError creates a new ValidationError with a formatted message.
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// StorageError is returned when a storage gateway operation fails.
// It carries the failed operation name and, when known, the affected key.
type StorageError struct {
	Op  string
	Key string
	Err error
}

// Error returns a string representation of the error.
// Implements error interface.
func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s for key %q: %s", e.Op, e.Key, e.Err)
}

// Unwrap returns the underlying cause of the storage failure.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError for the given operation and key.
func NewStorageError(op, key string, err error) *StorageError {
	return &StorageError{Op: op, Key: key, Err: err}
}

// DomainError is returned when an internal invariant is broken, for example
// when a stored record carries a different algorithm tag than the requested
// operation expects.
type DomainError struct {
	Msg string
}

// Error returns a string representation of the error.
// Implements error interface.
func (e *DomainError) Error() string {
	return e.Msg
}

// NewDomainError creates a new DomainError with a formatted message.
func NewDomainError(format string, args ...interface{}) *DomainError {
	return &DomainError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether any error in err's chain is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsStorageError reports whether any error in err's chain is a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// IsDomainError reports whether any error in err's chain is a DomainError.
func IsDomainError(err error) bool {
	var de *DomainError
	return errors.As(err, &de)
}
