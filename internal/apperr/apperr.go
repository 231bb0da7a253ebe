// Package apperr defines the error taxonomy shared by the transaction engine
// and the HTTP boundary.
//
// Every typed error matches exactly one sentinel through errors.Is, so callers
// can branch on the category without caring which package produced it:
//
//	ValidationError        -> ErrValidation          400
//	NotFoundError          -> ErrNotFound            404
//	InvalidTransitionError -> ErrInvalidStateTransition 409
//	PaymentFailedError     -> ErrPaymentFailed       400
//	AuthError              -> ErrAuth                401
//	RateLimitedError       -> ErrRateLimited         429
//	ErrIdempotencyConflict                           409
package apperr

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-faster/errors"
)

var (
	ErrValidation             = errors.New("validation error")
	ErrNotFound               = errors.New("not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrPaymentFailed          = errors.New("payment failed")
	ErrAuth                   = errors.New("authentication failed")
	ErrRateLimited            = errors.New("rate limited")
	ErrIdempotencyConflict    = errors.New("idempotency key reused with a different payload")
)

// ValidationError reports malformed or semantically invalid input.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

// Validation builds a ValidationError with a formatted reason.
func Validation(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
func (e *ValidationError) Unwrap() error        { return e.Err }

// Invalid wraps a domain sentinel as a ValidationError so both stay matchable.
func Invalid(field string, err error) *ValidationError {
	return &ValidationError{Field: field, Reason: err.Error(), Err: err}
}

// NotFoundError reports a missing resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func NotFound(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// InvalidTransitionError reports an illegal state machine edge.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func InvalidTransition(entity string, from, to fmt.Stringer) *InvalidTransitionError {
	return &InvalidTransitionError{Entity: entity, From: from.String(), To: to.String()}
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: invalid transition %s -> %s", e.Entity, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

// PaymentFailedError carries the provider's verdict. The engine never retries
// it; the caller may retry with a different payment method.
type PaymentFailedError struct {
	IntentID    string
	DeclineCode string
	Message     string
	Err         error
}

func (e *PaymentFailedError) Error() string {
	msg := "payment failed"
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.DeclineCode != "" {
		msg += " (" + e.DeclineCode + ")"
	}
	return msg
}

func (e *PaymentFailedError) Is(target error) bool { return target == ErrPaymentFailed }
func (e *PaymentFailedError) Unwrap() error        { return e.Err }

// AuthError reports a bad request signature or stale timestamp.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string        { return "unauthorized: " + e.Reason }
func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// RateLimitedError advertises when the client may retry.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// HTTPStatus maps err to a response status code and taxonomy name.
// Unknown errors map to 500.
func HTTPStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrInvalidStateTransition):
		return http.StatusConflict, "invalid_state_transition"
	case errors.Is(err, ErrPaymentFailed):
		return http.StatusBadRequest, "payment_failed"
	case errors.Is(err, ErrAuth):
		return http.StatusUnauthorized, "auth_error"
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, ErrIdempotencyConflict):
		return http.StatusConflict, "idempotency_conflict"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// Retryable reports whether repeating the same request may succeed.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrRateLimited):
		return true
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidStateTransition),
		errors.Is(err, ErrPaymentFailed),
		errors.Is(err, ErrAuth),
		errors.Is(err, ErrIdempotencyConflict):
		return false
	default:
		return true
	}
}
