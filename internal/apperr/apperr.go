// Package apperr is the error taxonomy shared by the payout subsystem.
// Every error that crosses a component boundary is either an *Error or
// wraps one, so handlers can map it to an HTTP status and a public message
// and the payout queue can decide whether a failure is worth retrying.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	AuthInvalid        Code = "AUTH_INVALID"
	Forbidden          Code = "FORBIDDEN"
	Validation         Code = "VALIDATION"
	PaymentFailed      Code = "PAYMENT_FAILED"
	PayoutFailed       Code = "PAYOUT_FAILED"
	InsufficientFunds  Code = "INSUFFICIENT_FUNDS"
	InvalidAccount     Code = "INVALID_ACCOUNT"
	NotFound           Code = "NOT_FOUND"
	RateLimited        Code = "RATE_LIMITED"
	Internal           Code = "INTERNAL_ERROR"
	Configuration      Code = "CONFIGURATION_ERROR"
	ServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	Conflict           Code = "CONFLICT"
)

var statusByCode = map[Code]int{
	AuthInvalid:        http.StatusUnauthorized,
	Forbidden:          http.StatusForbidden,
	Validation:         http.StatusBadRequest,
	PaymentFailed:      http.StatusPaymentRequired,
	PayoutFailed:       http.StatusBadGateway,
	InsufficientFunds:  http.StatusBadGateway,
	InvalidAccount:     http.StatusUnprocessableEntity,
	NotFound:           http.StatusNotFound,
	RateLimited:        http.StatusTooManyRequests,
	Internal:           http.StatusInternalServerError,
	Configuration:      http.StatusInternalServerError,
	ServiceUnavailable: http.StatusServiceUnavailable,
	Conflict:           http.StatusConflict,
}

var publicByCode = map[Code]string{
	AuthInvalid:        "Authentication failed",
	Forbidden:          "Not allowed",
	Validation:         "Invalid request",
	PaymentFailed:      "Payment could not be processed",
	PayoutFailed:       "Payout could not be processed",
	InsufficientFunds:  "Payout could not be processed",
	InvalidAccount:     "Payout account details are invalid",
	NotFound:           "Resource not found",
	RateLimited:        "Too many requests",
	Internal:           "Internal server error",
	Configuration:      "Service is not configured correctly",
	ServiceUnavailable: "Service temporarily unavailable",
	Conflict:           "Request conflicts with current state",
}

// Error carries a taxonomy code plus a message for logs and one for clients.
type Error struct {
	Code          Code
	StatusCode    int    // HTTP status code
	PublicError   string // Safe to expose to clients
	InternalError string // Detailed error for logs only
	OriginalErr   error  // Underlying error

	// UnknownOutcome marks a provider call whose result could not be
	// observed, so the remote side may or may not have acted on it.
	UnknownOutcome bool
}

func (e *Error) Error() string {
	if e.OriginalErr != nil && e.InternalError == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.OriginalErr)
	}
	if e.InternalError != "" {
		return e.InternalError
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.OriginalErr }

func New(code Code, internal string) *Error {
	return &Error{
		Code:          code,
		StatusCode:    HTTPStatus(code),
		PublicError:   publicByCode[code],
		InternalError: internal,
	}
}

func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

func Wrap(code Code, err error, internal string) *Error {
	e := New(code, internal)
	e.OriginalErr = err
	if err != nil && internal != "" {
		e.InternalError = fmt.Sprintf("%s: %v", internal, err)
	}
	return e
}

// WithPublic overrides the client-facing message.
func (e *Error) WithPublic(msg string) *Error {
	e.PublicError = msg
	return e
}

// Unknown returns a SERVICE_UNAVAILABLE error flagged as unknown outcome.
func Unknown(err error, internal string) *Error {
	e := Wrap(ServiceUnavailable, err, internal)
	e.UnknownOutcome = true
	return e
}

func HTTPStatus(code Code) int {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func PublicMessage(code Code) string {
	if m, ok := publicByCode[code]; ok {
		return m
	}
	return publicByCode[Internal]
}

// CodeOf returns the taxonomy code of err, INTERNAL_ERROR when it has none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ServiceUnavailable
	}
	return Internal
}

func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Retryable reports whether a payout failure should be scheduled again.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case PayoutFailed, InsufficientFunds, ServiceUnavailable, Internal, RateLimited:
		return true
	default:
		return false
	}
}

func IsUnknownOutcome(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.UnknownOutcome
	}
	return errors.Is(err, context.DeadlineExceeded)
}
