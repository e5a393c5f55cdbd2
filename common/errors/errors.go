// Package errors defines the stable error kinds returned by wallet operations
// and their RFC 7807 rendering.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Kind is the stable, client-visible classification of an error.
type Kind string

const (
	KindValidation            Kind = "ValidationError"
	KindMissingIdempotencyKey Kind = "MissingIdempotencyKey"
	KindKeyConflict           Kind = "KeyConflict"
	KindInProgress            Kind = "RequestInProgress"
	KindInsufficientFunds     Kind = "InsufficientFunds"
	KindGatewayDeclined       Kind = "GatewayDeclined"
	KindGatewayTimeout        Kind = "GatewayTimeout"
	KindGatewayUnavailable    Kind = "GatewayUnavailable"
	KindConflict              Kind = "Conflict"
	KindNotFound              Kind = "NotFound"
	KindInternal              Kind = "Internal"
)

// Sentinels for errors.Is comparisons; matching is by kind only.
var (
	ErrValidation            = &Error{Kind: KindValidation}
	ErrMissingIdempotencyKey = &Error{Kind: KindMissingIdempotencyKey}
	ErrKeyConflict           = &Error{Kind: KindKeyConflict}
	ErrInProgress            = &Error{Kind: KindInProgress}
	ErrInsufficientFunds     = &Error{Kind: KindInsufficientFunds}
	ErrGatewayDeclined       = &Error{Kind: KindGatewayDeclined}
	ErrGatewayTimeout        = &Error{Kind: KindGatewayTimeout}
	ErrGatewayUnavailable    = &Error{Kind: KindGatewayUnavailable}
	ErrConflict              = &Error{Kind: KindConflict}
	ErrNotFound              = &Error{Kind: KindNotFound}
)

// FieldError represents a validation error for a specific field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error carries a kind, a message and, when known, the wallet balance at the
// time of failure so clients can render state without re-querying.
type Error struct {
	Kind    Kind
	Message string
	Balance *int64
	Fields  []FieldError
	cause   error
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Error implements error
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s]", e.Kind)
	if e.Message != "" {
		str += " " + e.Message
	}
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	return str
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is reports kind equality so callers can match against the sentinels.
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if other, ok := target.(*Error); ok {
		return other.Kind == e.Kind
	}
	return false
}

// Wrap returns a copy of the error with the cause set
func (e *Error) Wrap(cause error) *Error {
	err := *e
	err.cause = cause
	return &err
}

// Explain returns a copy of the error with the given message
func (e *Error) Explain(message string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(message, args...)
	return &err
}

// WithBalance returns a copy of the error carrying the current balance
func (e *Error) WithBalance(balance int64) *Error {
	err := *e
	err.Balance = &balance
	return &err
}

// WithField returns a copy of the error with one more field error.
func (e *Error) WithField(field, message string) *Error {
	err := *e
	err.Fields = append(append([]FieldError(nil), e.Fields...), FieldError{Field: field, Message: message})
	return &err
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// BalanceOf returns the balance attached to err, if any.
func BalanceOf(err error) (int64, bool) {
	var e *Error
	if As(err, &e) && e.Balance != nil {
		return *e.Balance, true
	}
	return 0, false
}

// HTTPStatus maps a kind to its response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindMissingIdempotencyKey:
		return http.StatusBadRequest
	case KindKeyConflict:
		return http.StatusUnprocessableEntity
	case KindInProgress, KindConflict:
		return http.StatusConflict
	case KindInsufficientFunds, KindGatewayDeclined:
		return http.StatusPaymentRequired
	case KindGatewayTimeout:
		return http.StatusGatewayTimeout
	case KindGatewayUnavailable:
		return http.StatusServiceUnavailable
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
