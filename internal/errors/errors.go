package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrorTypeNotFound     ErrorType = "NOT_FOUND"
	ErrorTypeValidation   ErrorType = "VALIDATION"
	ErrorTypeInternal     ErrorType = "INTERNAL"
	ErrorTypeUnauthorized ErrorType = "UNAUTHORIZED"
	ErrorTypeConflict     ErrorType = "CONFLICT"
)

// Error is the JSON error document served by the gateway.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    int       `json:"code"`
	Details any       `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

func NotFound(message string) *Error {
	return &Error{
		Type:    ErrorTypeNotFound,
		Message: message,
		Code:    http.StatusNotFound,
	}
}

func ValidationError(message string, details any) *Error {
	return &Error{
		Type:    ErrorTypeValidation,
		Message: message,
		Code:    http.StatusUnprocessableEntity,
		Details: details,
	}
}

func Unauthorized(message string) *Error {
	return &Error{
		Type:    ErrorTypeUnauthorized,
		Message: message,
		Code:    http.StatusUnauthorized,
	}
}

func Conflict(message string) *Error {
	return &Error{
		Type:    ErrorTypeConflict,
		Message: message,
		Code:    http.StatusConflict,
	}
}

func Internal(err error) *Error {
	return &Error{
		Type:    ErrorTypeInternal,
		Message: err.Error(),
		Code:    http.StatusInternalServerError,
	}
}

// APIError is returned by the request layer for non-2xx responses and
// transport failures. Status is 0 when no response was received.
type APIError struct {
	Message string
	Status  int
	Backend string
	Body    any
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s API error: %s", e.Backend, e.Message)
	}
	return fmt.Sprintf("%s API error (%d): %s", e.Backend, e.Status, e.Message)
}

// AuthError aborts authentication: a failed token refresh or a user
// without write access to the repository.
type AuthError struct {
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

var (
	ErrUnsupportedOperation = stderrors.New("operation not supported by backend")
	ErrStaleRef             = stderrors.New("ref moved since it was read")
	ErrConfig               = stderrors.New("invalid configuration")
)

// IsNotFound reports whether err is an APIError carrying a 404.
func IsNotFound(err error) bool {
	return StatusOf(err) == http.StatusNotFound
}

// StatusOf returns the HTTP status of the APIError in err's chain, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

func IsAuthError(err error) bool {
	var authErr *AuthError
	return stderrors.As(err, &authErr)
}
