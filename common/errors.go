// Package common provides shared constants, types, and utilities
// used across the tunnel daemon.
package common

import "errors"

// Sentinel errors for tunnel operations.
// These can be checked with errors.Is() for proper error handling.
var (
	// Lifecycle errors.
	ErrInvalidConfig       = errors.New("invalid config")
	ErrOperationInProgress = errors.New("operation in progress")
	ErrCancelled           = errors.New("operation cancelled")
	ErrClosed              = errors.New("controller closed")

	// Permission errors.
	ErrPermissionDenied          = errors.New("permission denied")
	ErrNoInteractiveSurface      = errors.New("no interactive surface available")
	ErrPermissionRequestInFlight = errors.New("permission request already in flight")
	ErrUnknownPermissionRequest  = errors.New("unknown permission request")

	// Credential errors.
	ErrCredentialStorage = errors.New("failed to store credentials")

	// Configuration errors.
	ErrConfigLoad = errors.New("failed to load configuration")
	ErrConfigSave = errors.New("failed to save configuration")
)

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{
		msg: message,
		err: err,
	}
}

type wrappedError struct {
	msg string
	err error
}

func (e *wrappedError) Error() string {
	return e.msg + ": " + e.err.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.err
}
