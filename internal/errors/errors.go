// Package errors provides the service error taxonomy shared by handlers and integrations.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a class of failure in API responses.
type ErrorCode string

const (
	CodeValidation   ErrorCode = "VALIDATION_ERROR"
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
	CodeInvalidToken ErrorCode = "INVALID_TOKEN"
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeConflict     ErrorCode = "CONFLICT"
	CodeRateLimited  ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeUpstream     ErrorCode = "UPSTREAM_ERROR"
	CodeInternal     ErrorCode = "INTERNAL_ERROR"
)

// ServiceError is an error that knows how it should be rendered over HTTP.
type ServiceError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Is matches on error code so sentinel comparisons work across wrapping.
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetails returns a copy of the error carrying an extra detail entry.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	clone := *e
	clone.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		clone.Details[k] = v
	}
	clone.Details[key] = value
	return &clone
}

// New creates a ServiceError.
func New(code ErrorCode, message string, status int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// Sentinels for errors.Is checks.
var (
	ErrValidation   = &ServiceError{Code: CodeValidation}
	ErrUnauthorized = &ServiceError{Code: CodeUnauthorized}
	ErrNotFound     = &ServiceError{Code: CodeNotFound}
	ErrConflict     = &ServiceError{Code: CodeConflict}
	ErrUpstream     = &ServiceError{Code: CodeUpstream}
)

func Validation(message string) *ServiceError {
	return New(CodeValidation, message, http.StatusBadRequest, nil)
}

func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "Unauthorized"
	}
	return New(CodeUnauthorized, message, http.StatusUnauthorized, nil)
}

func InvalidToken(err error) *ServiceError {
	return New(CodeInvalidToken, "Invalid or expired token", http.StatusUnauthorized, err)
}

func NotFound(resource, id string) *ServiceError {
	msg := resource + " not found"
	if id != "" {
		msg = fmt.Sprintf("%s %q not found", resource, id)
	}
	return New(CodeNotFound, msg, http.StatusNotFound, nil)
}

func Conflict(message string) *ServiceError {
	return New(CodeConflict, message, http.StatusConflict, nil)
}

func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(CodeRateLimited, "Rate limit exceeded", http.StatusTooManyRequests, nil).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// Upstream wraps a failure reported by an external service. The message is
// passed through to the client.
func Upstream(message string, err error) *ServiceError {
	if message == "" && err != nil {
		message = err.Error()
	}
	return New(CodeUpstream, message, http.StatusInternalServerError, err)
}

func Internal(message string, err error) *ServiceError {
	return New(CodeInternal, message, http.StatusInternalServerError, err)
}

// FromStatus maps an upstream HTTP status to the matching ServiceError.
// An upstream 400 means this server sent a bad request, so it is reported
// as an upstream failure rather than a validation error.
func FromStatus(status int, message string, err error) *ServiceError {
	var se *ServiceError
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		se = Unauthorized(message)
	case http.StatusNotFound:
		se = New(CodeNotFound, message, http.StatusNotFound, nil)
	case http.StatusConflict, http.StatusUnprocessableEntity:
		se = Conflict(message)
	default:
		return Upstream(message, err)
	}
	se.Err = err
	return se
}

// GetServiceError extracts a ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// Is reports whether err carries the same code as target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As is errors.As re-exported so callers need only one errors import.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}
