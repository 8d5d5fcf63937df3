package types

import "fmt"

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Request validation and access errors
const (
	ErrInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrAuthentication ErrorCode = "AUTHENTICATION"
	ErrUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrForbidden      ErrorCode = "FORBIDDEN"
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"
)

// Experiment engine error codes
const (
	// ErrConflict marks a lost first-assignment race. It is resolved
	// internally by re-reading the winning row and must never reach a caller.
	ErrConflict        ErrorCode = "CONFLICT"
	ErrTestNotActive   ErrorCode = "TEST_NOT_ACTIVE"
	ErrBadTaxonomy     ErrorCode = "BAD_CONVERSION_TYPE"
	ErrMissingIdentity ErrorCode = "MISSING_IDENTITY"
)

// Infrastructure error codes
const (
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrStorageFailure     ErrorCode = "STORAGE_FAILURE"
	ErrTimeout            ErrorCode = "TIMEOUT"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// NewNotFoundError 构造 404 类错误
func NewNotFoundError(what string) *Error {
	return NewError(ErrNotFound, what+" not found").WithHTTPStatus(404)
}

// NewInvalidInputError 构造 400 类错误
func NewInvalidInputError(message string) *Error {
	return NewError(ErrInvalidInput, message).WithHTTPStatus(400)
}

// NewForbiddenError 构造 403 类错误
func NewForbiddenError(message string) *Error {
	return NewError(ErrForbidden, message).WithHTTPStatus(403)
}

// NewStorageError 包装存储层错误，调用方可带退避重试
func NewStorageError(op string, cause error) *Error {
	return NewError(ErrStorageFailure, "storage operation failed: "+op).
		WithCause(cause).
		WithHTTPStatus(503).
		WithRetryable(true)
}
