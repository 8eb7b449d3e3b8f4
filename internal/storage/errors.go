package storage

import (
	"errors"
	"fmt"
)

// ErrUnresolved is returned by reference-mode lookups when a reference
// points at a backing entity that is absent or empty.
var ErrUnresolved = errors.New("unresolved reference")

// StoreError represents a failure of an Active Store to persist or serve.
//
// Store errors include:
//   - Version race: the push lost to another writer after the retry bound
//   - Driver failure: the driver returned an I/O error
//   - Disposed: the store was closed
type StoreError struct {
	// Code identifies the error category.
	Code StoreErrorCode

	// Message is a human-readable description.
	Message string

	// Key is the affected storage key.
	Key string

	// Err is the underlying driver error, if any.
	Err error
}

// StoreErrorCode categorizes store errors.
type StoreErrorCode string

const (
	// ErrCodeVersionRace indicates the push kept losing the fencing race.
	ErrCodeVersionRace StoreErrorCode = "VERSION_RACE"

	// ErrCodeDriverFailure indicates the driver failed to send or fetch.
	ErrCodeDriverFailure StoreErrorCode = "DRIVER_FAILURE"

	// ErrCodeDisposed indicates the store was closed.
	ErrCodeDisposed StoreErrorCode = "DISPOSED"
)

// Error implements the error interface.
func (e *StoreError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Key != "" {
		msg += fmt.Sprintf(" (key=%s)", e.Key)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying driver error.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsVersionRaceError returns true if the error is a version race.
// Uses errors.As to handle wrapped errors.
func IsVersionRaceError(err error) bool {
	return hasCode(err, ErrCodeVersionRace)
}

// IsDriverFailure returns true if the error is a driver failure.
func IsDriverFailure(err error) bool {
	return hasCode(err, ErrCodeDriverFailure)
}

// IsDisposedError returns true if the store was closed.
func IsDisposedError(err error) bool {
	return hasCode(err, ErrCodeDisposed)
}

func hasCode(err error, code StoreErrorCode) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}
