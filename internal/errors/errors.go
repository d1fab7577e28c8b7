// Package errors provides the error codes shared by the queue, the engine and
// the remote adapters.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorCode represents a stable error code that can be surfaced to the UI layer.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Storage errors
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrQueueInUse ErrorCode = "QUEUE_IN_USE"

	// Payload errors
	ErrSerialization ErrorCode = "SERIALIZATION_ERROR"

	// Sync errors
	ErrSyncTransport   ErrorCode = "SYNC_TRANSPORT"
	ErrSyncTimeout     ErrorCode = "SYNC_TIMEOUT"
	ErrSyncServer      ErrorCode = "SYNC_SERVER_ERROR"
	ErrSyncClient      ErrorCode = "SYNC_CLIENT_ERROR"
	ErrSyncConflict    ErrorCode = "SYNC_CONFLICT"
	ErrSyncFailed      ErrorCode = "SYNC_FAILED"
	ErrSyncNoApplier   ErrorCode = "SYNC_NO_APPLIER"
	ErrSyncNotEditable ErrorCode = "SYNC_NOT_EDITABLE"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code       ErrorCode
	Message    string
	StatusCode int // HTTP status of the remote response, 0 when not applicable
	Err        error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Transport wraps a network-level failure (dial, reset, timeout).
func Transport(message string, err error) *AppError {
	return Wrap(ErrSyncTransport, message, err)
}

// Serialization wraps a payload that cannot be decoded for replay.
func Serialization(message string, err error) *AppError {
	return Wrap(ErrSerialization, message, err)
}

// FromStatus builds an error for a non-2xx HTTP response.
// 5xx responses map to ErrSyncServer, everything else to ErrSyncClient
// (422 maps to ErrValidation).
func FromStatus(status int, body string) *AppError {
	code := ErrSyncClient
	switch {
	case status >= http.StatusInternalServerError:
		code = ErrSyncServer
	case status == http.StatusUnprocessableEntity:
		code = ErrValidation
	}
	return &AppError{
		Code:       code,
		Message:    fmt.Sprintf("remote returned status %d: %s", status, body),
		StatusCode: status,
	}
}

// Is checks if an error (or anything it wraps) carries a specific code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the code of the outermost AppError in the chain, or
// ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Retryable reports whether a failed remote apply should be retried with backoff.
//
// Transport failures, timeouts and server errors (>= 500) are retryable.
// Client errors, validation failures and serialization errors are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var appErr *AppError
	if stderrors.As(err, &appErr) {
		switch appErr.Code {
		case ErrSyncTransport, ErrSyncTimeout, ErrSyncServer:
			return true
		case ErrSyncClient, ErrValidation, ErrSerialization, ErrInvalid, ErrSyncNoApplier:
			return false
		}
		if appErr.StatusCode >= http.StatusInternalServerError {
			return true
		}
	}

	var netErr net.Error
	return stderrors.As(err, &netErr)
}
