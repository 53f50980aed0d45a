package forum

import (
	"errors"
	"fmt"
)

// ErrorCode represents the type of error that occurred.
type ErrorCode int

const (
	// ErrNotFound indicates the requested thread or message does not exist.
	ErrNotFound ErrorCode = iota + 1

	// ErrAlreadyExists indicates the thread or attachment already exists.
	ErrAlreadyExists

	// ErrPermissionDenied indicates the caller does not own the record.
	ErrPermissionDenied

	// ErrInvalidArgument indicates an invalid title, number, or body.
	ErrInvalidArgument

	// ErrIOError indicates an underlying storage failure.
	ErrIOError
)

// String returns a human-readable name for the error code.
func (e ErrorCode) String() string {
	switch e {
	case ErrNotFound:
		return "NotFound"
	case ErrAlreadyExists:
		return "AlreadyExists"
	case ErrPermissionDenied:
		return "PermissionDenied"
	case ErrInvalidArgument:
		return "InvalidArgument"
	case ErrIOError:
		return "IOError"
	default:
		return fmt.Sprintf("Unknown(%d)", e)
	}
}

// StoreError represents a thread store error with an error code.
// The Title field carries the thread title the operation targeted, if any.
type StoreError struct {
	Code    ErrorCode
	Message string
	Title   string
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Title != "" {
		return fmt.Sprintf("%s: %s (thread: %s)", e.Code, e.Message, e.Title)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewNotFoundError creates a NotFound error for a thread.
func NewNotFoundError(title string) *StoreError {
	return &StoreError{Code: ErrNotFound, Message: "thread not found", Title: title}
}

// NewAlreadyExistsError creates an AlreadyExists error for a thread.
func NewAlreadyExistsError(title string) *StoreError {
	return &StoreError{Code: ErrAlreadyExists, Message: "thread already exists", Title: title}
}

// NewPermissionDeniedError creates a PermissionDenied error.
func NewPermissionDeniedError(title, message string) *StoreError {
	return &StoreError{Code: ErrPermissionDenied, Message: message, Title: title}
}

// NewInvalidArgumentError creates an InvalidArgument error.
func NewInvalidArgumentError(title, message string) *StoreError {
	return &StoreError{Code: ErrInvalidArgument, Message: message, Title: title}
}

// CodeOf extracts the ErrorCode from an error, or 0 if the error is not a
// StoreError.
func CodeOf(err error) ErrorCode {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}
