// Package apierr defines the gateway's error taxonomy and its mapping onto
// HTTP status codes and JSON bodies.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a gateway error.
type Kind string

const (
	KindAuthentication   Kind = "authentication_error"
	KindValidation       Kind = "validation_error"
	KindPaymentRequired  Kind = "payment_required"
	KindUnknownModel     Kind = "unknown_model"
	KindProvider         Kind = "provider_error"
	KindDatabase         Kind = "database_error"
	KindFacilitatorProxy Kind = "facilitator_unavailable"
	KindStream           Kind = "stream_error"
	KindRateLimit        Kind = "rate_limit_error"
	KindInternal         Kind = "internal_error"
)

// Error is the single error type surfaced at the gateway boundary.
type Error struct {
	Kind    Kind
	Message string
	// Status overrides the default status for Kind when non-zero.
	Status int
	// Provider and Body are set for upstream errors so the original
	// response can be passed through verbatim.
	Provider string
	Body     []byte
	// Err is the underlying cause; logged, never sent to clients.
	Err error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Message
	if e.Provider != "" {
		msg = "[" + e.Provider + "] " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can test errors.Is(err, apierr.PaymentRequired).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

// HTTPStatus returns the status code for the error.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Kind {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindValidation, KindUnknownModel:
		return http.StatusBadRequest
	case KindPaymentRequired:
		return http.StatusPaymentRequired
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindProvider:
		return http.StatusBadGateway
	case KindFacilitatorProxy:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// JSON returns the body sent to clients, in the {error, message} shape.
func (e *Error) JSON() map[string]any {
	return map[string]any{
		"error":   string(e.Kind),
		"message": e.Message,
	}
}

// Sentinels for errors.Is checks against a Kind.
var (
	Authentication   = &Error{Kind: KindAuthentication}
	Validation       = &Error{Kind: KindValidation}
	PaymentRequired  = &Error{Kind: KindPaymentRequired}
	UnknownModel     = &Error{Kind: KindUnknownModel}
	Provider         = &Error{Kind: KindProvider}
	Database         = &Error{Kind: KindDatabase}
	FacilitatorProxy = &Error{Kind: KindFacilitatorProxy}
	Stream           = &Error{Kind: KindStream}
	RateLimit        = &Error{Kind: KindRateLimit}
)

func NewAuthentication(message string) *Error {
	return &Error{Kind: KindAuthentication, Message: message}
}

func NewValidation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NewPaymentRequired(message string) *Error {
	return &Error{Kind: KindPaymentRequired, Message: message}
}

func NewUnknownModel(model string) *Error {
	return &Error{Kind: KindUnknownModel, Message: fmt.Sprintf("model %q is not supported", model)}
}

// NewProvider wraps a non-2xx upstream response. status and body are the
// upstream's own and are passed through to the client unchanged.
func NewProvider(provider string, status int, body []byte) *Error {
	return &Error{
		Kind:     KindProvider,
		Message:  fmt.Sprintf("upstream returned %d", status),
		Status:   status,
		Provider: provider,
		Body:     body,
	}
}

// NewProviderUnavailable is used when the upstream could not be reached at all.
func NewProviderUnavailable(provider string, err error) *Error {
	return &Error{
		Kind:     KindProvider,
		Message:  "upstream provider unavailable",
		Status:   http.StatusServiceUnavailable,
		Provider: provider,
		Err:      err,
	}
}

func NewDatabase(op string, err error) *Error {
	return &Error{Kind: KindDatabase, Message: op + " failed", Err: err}
}

// NewFacilitatorUnavailable hides the upstream detail behind a generic message.
func NewFacilitatorUnavailable(err error) *Error {
	return &Error{Kind: KindFacilitatorProxy, Message: "payment facilitator unavailable", Err: err}
}

func NewStream(message string, err error) *Error {
	return &Error{Kind: KindStream, Message: message, Err: err}
}

func NewRateLimit(message string) *Error {
	return &Error{Kind: KindRateLimit, Message: message}
}

// From extracts an *Error from err, wrapping unknown errors as internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Message: "an unexpected error occurred", Err: err}
}
