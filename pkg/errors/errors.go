// Package errors defines the error taxonomy surfaced to callers of the
// knowledge retrieval service. Every error that crosses a component
// boundary is an *AppError carrying a structured code, a retry hint, and
// suggested recovery actions.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies the category of an error for programmatic handling.
type Code string

const (
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeNotFound           Code = "NOT_FOUND"
	CodeAuthFailed         Code = "AUTH_FAILED"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeRequestTimeout     Code = "REQUEST_TIMEOUT"
	CodeCircuitOpen        Code = "CIRCUIT_OPEN"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeOverloaded         Code = "OVERLOADED"
	CodePartialResult      Code = "PARTIAL_RESULT"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// AppError is the error type used throughout the service.
type AppError struct {
	Code            Code
	Message         string
	RecoveryActions []string
	Retryable       bool
	Err             error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap allows errors.Is and errors.As to reach the underlying cause.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error code onto the HTTP ingress status table.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAuthFailed:
		return http.StatusBadGateway
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeRequestTimeout:
		return http.StatusGatewayTimeout
	case CodeCircuitOpen, CodeServiceUnavailable, CodeOverloaded:
		return http.StatusServiceUnavailable
	case CodePartialResult:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

func newError(code Code, retryable bool, message string, actions ...string) *AppError {
	return &AppError{
		Code:            code,
		Message:         message,
		Retryable:       retryable,
		RecoveryActions: actions,
	}
}

// NewValidation creates a validation error. Validation failures are never
// retryable; the request itself is malformed.
func NewValidation(message string) *AppError {
	return newError(CodeValidation, false, message, "fix the request payload and resubmit")
}

// NewNotFound creates a not found error.
func NewNotFound(message string) *AppError {
	return newError(CodeNotFound, false, message, "verify the identifier exists in a configured source")
}

// NewAuthFailed creates an authentication error for a source adapter.
func NewAuthFailed(source string, err error) *AppError {
	e := newError(CodeAuthFailed, false,
		fmt.Sprintf("source %q could not authenticate", source),
		"check the credential environment variables for this source")
	e.Err = err
	return e
}

// NewRateLimited creates a rate limit error.
func NewRateLimited(source string) *AppError {
	return newError(CodeRateLimited, true,
		fmt.Sprintf("source %q exceeded its rate limit", source),
		"retry after backoff")
}

// NewRequestTimeout creates a deadline exceeded error.
func NewRequestTimeout(message string) *AppError {
	return newError(CodeRequestTimeout, true, message, "retry with a longer deadline")
}

// NewCircuitOpen creates a short-circuit error for an open breaker.
func NewCircuitOpen(key string) *AppError {
	return newError(CodeCircuitOpen, true,
		fmt.Sprintf("circuit breaker %q is open", key),
		"retry after the breaker cool-off period")
}

// NewServiceUnavailable indicates every adapter in the required set failed.
func NewServiceUnavailable(message string) *AppError {
	return newError(CodeServiceUnavailable, true, message, "retry once at least one source recovers")
}

// NewOverloaded indicates the concurrency ceiling rejected the request.
func NewOverloaded(message string) *AppError {
	return newError(CodeOverloaded, true, message, "retry with reduced concurrency")
}

// NewInternal wraps an unclassified failure.
func NewInternal(message string, err error) *AppError {
	e := newError(CodeInternal, false, message)
	e.Err = err
	return e
}

// Wrap attaches context to an error while preserving its code. Wrapping a
// plain error produces an internal error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:            appErr.Code,
			Message:         fmt.Sprintf("%s: %s", message, appErr.Message),
			RecoveryActions: appErr.RecoveryActions,
			Retryable:       appErr.Retryable,
			Err:             appErr.Err,
		}
	}
	return NewInternal(message, err)
}

// CodeOf extracts the code from an error chain, defaulting to INTERNAL_ERROR.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// IsRetryable reports whether the error carries a retry hint.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// Predicate helpers for the common branches.

func IsValidation(err error) bool  { return CodeOf(err) == CodeValidation }
func IsNotFound(err error) bool    { return CodeOf(err) == CodeNotFound }
func IsAuthFailed(err error) bool  { return CodeOf(err) == CodeAuthFailed }
func IsRateLimited(err error) bool { return CodeOf(err) == CodeRateLimited }
func IsTimeout(err error) bool     { return CodeOf(err) == CodeRequestTimeout }
func IsCircuitOpen(err error) bool { return CodeOf(err) == CodeCircuitOpen }
func IsOverloaded(err error) bool  { return CodeOf(err) == CodeOverloaded }
