// Package errors provides error code definitions for the sync core.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies an error for retry policy and user surfacing.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrParse      ErrorCode = "PARSE_ERROR"

	// Remote errors
	ErrNetwork ErrorCode = "NETWORK_ERROR"
	ErrServer  ErrorCode = "SERVER_ERROR"
	ErrClient  ErrorCode = "CLIENT_ERROR"
	ErrAuth    ErrorCode = "AUTH_ERROR"

	// Storage errors
	ErrStorageQuota ErrorCode = "STORAGE_QUOTA_EXCEEDED"
	ErrStorage      ErrorCode = "STORAGE_ERROR"

	// Sync errors
	ErrSyncInProgress ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncFailed     ErrorCode = "SYNC_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
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

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
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

// Code returns the error code of err, unwrapping as needed.
// Errors without a code report ErrInternal.
func Code(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Is checks if an error carries a specific code.
func Is(err error, code ErrorCode) bool {
	return Code(err) == code
}

// Retryable reports whether a sync attempt failing with err should follow
// the backoff path. Network failures and remote 5xx responses are
// retryable; everything else transitions the operation to failed.
func Retryable(err error) bool {
	switch Code(err) {
	case ErrNetwork, ErrServer:
		return true
	default:
		return false
	}
}
