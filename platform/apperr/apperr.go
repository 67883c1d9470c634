// Package apperr provides standardized domain error types for the application.
// Domain services return these typed errors, and the HTTP layer middleware
// automatically maps them to appropriate HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind represents the category of error.
type Kind int

const (
	// KindUnknown is the default error kind when none is specified.
	KindUnknown Kind = iota
	// KindNotFound indicates a run, campaign, or identity was not found.
	KindNotFound
	// KindValidation indicates invalid input data (bad phone, date, or name).
	KindValidation
	// KindConflict indicates a conflict with existing state (e.g., duplicate initialization).
	KindConflict
	// KindPreconditionFailed indicates the resource is not in a state that allows the action.
	KindPreconditionFailed
	// KindMissingCorrelation indicates an event that cannot be tied to a run it requires.
	KindMissingCorrelation
	// KindCapacityExceeded signals that the concurrency ceiling is reached; callers should wait and retry.
	KindCapacityExceeded
	// KindProviderFailure indicates the call provider rejected or failed a dispatch.
	KindProviderFailure
	// KindPersistenceFailure indicates the durable store could not be written.
	KindPersistenceFailure
	// KindForbidden indicates the action is not allowed for the caller.
	KindForbidden
	// KindUnauthorized indicates authentication is required or failed.
	KindUnauthorized
	// KindBadRequest indicates a malformed or invalid request.
	KindBadRequest
	// KindInternal indicates an unexpected internal error.
	KindInternal
)

// String returns the machine-readable code clients receive for the kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NOT_FOUND"
	case KindValidation:
		return "VALIDATION"
	case KindConflict:
		return "CONFLICT"
	case KindPreconditionFailed:
		return "PRECONDITION_FAILED"
	case KindMissingCorrelation:
		return "MISSING_CORRELATION"
	case KindCapacityExceeded:
		return "CAPACITY_EXCEEDED"
	case KindProviderFailure:
		return "PROVIDER_FAILURE"
	case KindPersistenceFailure:
		return "PERSISTENCE_FAILURE"
	case KindForbidden:
		return "FORBIDDEN"
	case KindUnauthorized:
		return "UNAUTHORIZED"
	case KindBadRequest:
		return "BAD_REQUEST"
	case KindInternal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// Error is a domain error with a typed Kind for HTTP mapping.
type Error struct {
	Kind    Kind
	Message string
	Op      string      // Operation that failed (optional)
	Err     error       // Underlying error (optional)
	Details interface{} // Additional details for response (optional)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the appropriate HTTP status code for this error kind.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation, KindBadRequest:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindPreconditionFailed:
		return http.StatusPreconditionFailed
	case KindMissingCorrelation:
		return http.StatusUnprocessableEntity
	case KindCapacityExceeded:
		return http.StatusTooManyRequests
	case KindProviderFailure:
		return http.StatusBadGateway
	case KindPersistenceFailure:
		return http.StatusServiceUnavailable
	case KindForbidden:
		return http.StatusForbidden
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// New creates a new domain error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a new domain error wrapping an existing error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithOp returns a copy of the error with the operation set.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details interface{}) *Error {
	e.Details = details
	return e
}

// Convenience constructors for common error types.

// NotFound creates a not found error.
func NotFound(message string) *Error {
	return New(KindNotFound, message)
}

// Validation creates a validation error.
func Validation(message string) *Error {
	return New(KindValidation, message)
}

// Conflict creates a conflict error (e.g., duplicate resource).
func Conflict(message string) *Error {
	return New(KindConflict, message)
}

// PreconditionFailed creates an error for an action the current state does not allow.
func PreconditionFailed(message string) *Error {
	return New(KindPreconditionFailed, message)
}

// MissingCorrelation creates an error for an event lacking a required run reference.
func MissingCorrelation(message string) *Error {
	return New(KindMissingCorrelation, message)
}

// CapacityExceeded creates a backoff signal for a saturated concurrency ceiling.
func CapacityExceeded(message string) *Error {
	return New(KindCapacityExceeded, message)
}

// ProviderFailure creates an error for a rejected call dispatch.
func ProviderFailure(message string, err error) *Error {
	return Wrap(KindProviderFailure, message, err)
}

// PersistenceFailure creates an error for a failed durable write.
func PersistenceFailure(message string, err error) *Error {
	return Wrap(KindPersistenceFailure, message, err)
}

// Forbidden creates a forbidden error.
func Forbidden(message string) *Error {
	return New(KindForbidden, message)
}

// Unauthorized creates an unauthorized error.
func Unauthorized(message string) *Error {
	return New(KindUnauthorized, message)
}

// BadRequest creates a bad request error.
func BadRequest(message string) *Error {
	return New(KindBadRequest, message)
}

// Internal creates an internal server error.
func Internal(message string) *Error {
	return New(KindInternal, message)
}

// GetKind extracts the error kind from an error chain.
// Returns KindUnknown if no *Error is found.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is checks if err is (or wraps) an *Error with the given kind.
func Is(err error, kind Kind) bool {
	return GetKind(err) == kind
}
