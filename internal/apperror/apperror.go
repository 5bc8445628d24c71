// Package apperror defines the error kinds surfaced to API clients and how
// they map onto HTTP status codes.
package apperror

import (
	"errors"
	"net/http"
)

type Kind string

const (
	KindValidation       Kind = "ValidationFailed"
	KindUnauthenticated  Kind = "Unauthenticated"
	KindForbidden        Kind = "Forbidden"
	KindNotFound         Kind = "NotFound"
	KindQuotaExceeded    Kind = "QuotaExceeded"
	KindConflict         Kind = "Conflict"
	KindTooLarge         Kind = "TooLarge"
	KindRateLimited      Kind = "RateLimited"
	KindMethodNotAllowed Kind = "MethodNotAllowed"
	KindInternal         Kind = "InternalError"
)

// Status returns the HTTP status code for a kind.
func (k Kind) Status() int {
	switch k {
	case KindValidation, KindQuotaExceeded, KindConflict:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}

// FieldError is one field-level validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is a client-facing failure. Message is safe to show to callers.
type Error struct {
	Kind    Kind
	Message string
	Fields  []FieldError
	Cause   error // Optional sentinel or underlying error, reachable via errors.Is
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func NotFound(message string) *Error        { return New(KindNotFound, message) }
func Forbidden(message string) *Error       { return New(KindForbidden, message) }
func Conflict(message string) *Error        { return New(KindConflict, message) }
func Unauthenticated(message string) *Error { return New(KindUnauthenticated, message) }

// Validation builds a ValidationFailed error carrying per-field details.
func Validation(fields ...FieldError) *Error {
	return &Error{Kind: KindValidation, Message: "validation failed", Fields: fields}
}

// KindOf extracts the kind of err, defaulting to KindInternal for anything
// that is not an *Error.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}
