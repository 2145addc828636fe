// Package apperr classifies pipeline errors so transports can map them to
// status codes and sanitized messages without inspecting upstream bodies.
package apperr

import (
	"context"
	"errors"
	"net/http"
)

type Kind string

const (
	KindValidation        Kind = "validation"
	KindAuthentication    Kind = "authentication"
	KindPaymentDeclined   Kind = "payment_declined"
	KindStockInsufficient Kind = "stock_insufficient"
	KindERPSync           Kind = "erp_sync"
	KindTimeout           Kind = "timeout"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindUnavailable       Kind = "unavailable"
	KindInternal          Kind = "internal"
)

// Error is a classified failure. Msg is safe to show to a customer;
// Err carries the internal cause and is only ever logged.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors by kind, so errors.Is(err, ErrPaymentDeclined)
// holds for every declined payment regardless of op or message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrAuthentication    = &Error{Kind: KindAuthentication}
	ErrPaymentDeclined   = &Error{Kind: KindPaymentDeclined}
	ErrStockInsufficient = &Error{Kind: KindStockInsufficient}
	ErrERPSync           = &Error{Kind: KindERPSync}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrUnavailable       = &Error{Kind: KindUnavailable}
)

func New(kind Kind, op, msg string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: cause}
}

func Validation(op, msg string) error { return New(KindValidation, op, msg, nil) }

func Authentication(op string, cause error) error {
	return New(KindAuthentication, op, "payment service authentication failed, please try again", cause)
}

func Declined(op, msg string, cause error) error { return New(KindPaymentDeclined, op, msg, cause) }

func Timeout(op string, cause error) error {
	return New(KindTimeout, op, "the upstream service did not respond in time", cause)
}

func NotFound(op, msg string) error { return New(KindNotFound, op, msg, nil) }

func Conflict(op, msg string) error { return New(KindConflict, op, msg, nil) }

func Unavailable(op string, cause error) error {
	return New(KindUnavailable, op, "the service is temporarily unavailable", cause)
}

func ERPSync(op string, cause error) error {
	return New(KindERPSync, op, "order mirroring to the ERP failed and was flagged for retry", cause)
}

// KindOf returns the classification of err. Context errors map to timeout
// and cancellation; anything unclassified is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return KindInternal
	}
}

var kindToStatus = map[Kind]int{
	KindValidation:        http.StatusBadRequest,
	KindAuthentication:    http.StatusBadGateway,
	KindPaymentDeclined:   http.StatusPaymentRequired,
	KindStockInsufficient: http.StatusConflict,
	KindERPSync:           http.StatusAccepted,
	KindTimeout:           http.StatusGatewayTimeout,
	KindNotFound:          http.StatusNotFound,
	KindConflict:          http.StatusConflict,
	KindUnavailable:       http.StatusBadGateway,
	"canceled":            http.StatusRequestTimeout,
}

func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if s, ok := kindToStatus[KindOf(err)]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Message returns the sanitized, customer-safe text for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	switch KindOf(err) {
	case KindTimeout:
		return "the upstream service did not respond in time"
	case "canceled":
		return "request canceled"
	default:
		return "internal error"
	}
}
