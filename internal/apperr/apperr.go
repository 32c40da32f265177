// Package apperr defines the error categories surfaced to API clients.
// Every component reports failures as one of these kinds so callers can
// decide between retrying, editing and resubmitting, or giving up.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindInvalidTransition  Kind = "INVALID_TRANSITION"
	KindPrerequisite       Kind = "PREREQUISITE_MISSING"
	KindPaymentDeclined    Kind = "PAYMENT_DECLINED"
	KindPaymentUnavailable Kind = "PAYMENT_GATEWAY_UNAVAILABLE"
	KindPaymentConfig      Kind = "PAYMENT_CONFIGURATION"
	KindRouteUnavailable   Kind = "ROUTE_PROVIDER_UNAVAILABLE"
	KindRouteRejected      Kind = "ROUTE_PROVIDER_REJECTED"
	KindSlotUnavailable    Kind = "SLOT_UNAVAILABLE"
	KindNotFound           Kind = "NOT_FOUND"
	KindUnauthorized       Kind = "UNAUTHORIZED"
	KindInvalidInput       Kind = "INVALID_INPUT"
	KindInternal           Kind = "INTERNAL"
)

// Error is the concrete categorized error. Msg is safe to show to clients.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorKind lets KindOf classify the error.
func (e *Error) ErrorKind() Kind { return e.Kind }

func New(kind Kind, msg string) error { return &Error{Kind: kind, Msg: msg} }

func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, msg string, err error) error { return &Error{Kind: kind, Msg: msg, Err: err} }

type kinded interface {
	ErrorKind() Kind
}

// KindOf reports the category of err, or KindInternal if err carries none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return KindInternal
}

func Is(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

// Message returns the client-facing message for err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	if KindOf(err) == KindInternal {
		return "internal error"
	}
	return err.Error()
}

// Retryable reports whether the client may retry the same operation, possibly
// with a different payment method.
func Retryable(kind Kind) bool {
	switch kind {
	case KindPaymentDeclined, KindPaymentUnavailable, KindRouteUnavailable:
		return true
	}
	return false
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidTransition, KindSlotUnavailable:
		return http.StatusConflict
	case KindPrerequisite:
		return http.StatusPreconditionFailed
	case KindPaymentDeclined:
		return http.StatusPaymentRequired
	case KindPaymentUnavailable, KindRouteUnavailable:
		return http.StatusServiceUnavailable
	case KindRouteRejected:
		return http.StatusBadGateway
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusForbidden
	case KindInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
