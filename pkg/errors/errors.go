package errors

import (
	"errors"
	"fmt"
	"net/http"

	"mprisctl/internal/core/domain"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeNotAllowed         ErrorCode = "NOT_ALLOWED"
	ErrCodeInvalidArgument    ErrorCode = "INVALID_ARGUMENT"
	ErrCodeNoActivePeer       ErrorCode = "NO_ACTIVE_PEER"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnsupported        ErrorCode = "UNSUPPORTED"
	ErrCodeInvalidValue       ErrorCode = "INVALID_VALUE"
	ErrCodeRemote             ErrorCode = "REMOTE_ERROR"
	ErrCodeValidation         ErrorCode = "VALIDATION_ERROR"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

func NewValidationError(message string) *AppError {
	return NewAppError(ErrCodeValidation, message, http.StatusBadRequest)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

var domainErrors = []struct {
	target error
	code   ErrorCode
	status int
}{
	{domain.ErrNoActivePeer, ErrCodeNoActivePeer, http.StatusConflict},
	{domain.ErrNotAllowed, ErrCodeNotAllowed, http.StatusForbidden},
	{domain.ErrInvalidArgument, ErrCodeInvalidArgument, http.StatusBadRequest},
	{domain.ErrInvalidValue, ErrCodeInvalidValue, http.StatusBadRequest},
	{domain.ErrUnknownProperty, ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrPeerNotFound, ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrUnknownCommand, ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrUnsupported, ErrCodeUnsupported, http.StatusMethodNotAllowed},
	{domain.ErrNotReady, ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
	{domain.ErrRemote, ErrCodeRemote, http.StatusBadGateway},
}

// FromDomain maps a controller error onto an AppError. Errors that are
// already AppErrors pass through; anything unknown becomes INTERNAL_ERROR.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}
	for _, m := range domainErrors {
		if errors.Is(err, m.target) {
			return WrapError(err, m.code, err.Error(), m.status)
		}
	}
	return WrapError(err, ErrCodeInternal, "internal error", http.StatusInternalServerError)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}
