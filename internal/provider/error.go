package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the typed error taxonomy every provider adapter maps its
// backend-specific failures onto; the router never rewrites an error, it
// only forwards whatever the provider returned.
type ErrorKind string

const (
	KindNetworkError          ErrorKind = "network_error"
	KindAuthError             ErrorKind = "auth_error"
	KindRateLimit             ErrorKind = "rate_limit"
	KindModelOverloaded       ErrorKind = "model_overloaded"
	KindContextLengthExceeded ErrorKind = "context_length_exceeded"
	KindContentFiltered       ErrorKind = "content_filtered"
	KindInvalidRequest        ErrorKind = "invalid_request"
	KindSystemError           ErrorKind = "system_error"
	KindTimeout               ErrorKind = "timeout"
	KindConnectionClosed      ErrorKind = "connection_closed"
	KindSerializationError    ErrorKind = "serialization_error"
	KindUnknown               ErrorKind = "unknown"
)

// Error is the concrete type carried across the provider boundary. It
// wraps an underlying cause so callers can still errors.Is/As through it.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a provider Error of the given kind.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// ErrConnectionClosed is a ready-made Error of KindConnectionClosed. A
// pending cloud request whose connection drops fails with a separate Error
// of the same kind (the "connection_closed" wire code), so callers test
// for it with KindOf rather than by identity.
var ErrConnectionClosed = NewError(KindConnectionClosed, "connection closed", nil)

// KindOf extracts the ErrorKind from err if it (or something it wraps) is
// a *Error, else KindUnknown.
func KindOf(err error) ErrorKind {
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr.Kind
	}
	return KindUnknown
}

// Retriable reports whether callers may reasonably retry.
func Retriable(kind ErrorKind) bool {
	switch kind {
	case KindNetworkError, KindRateLimit, KindModelOverloaded, KindSystemError, KindTimeout:
		return true
	default:
		return false
	}
}

// errorCode is the wire-protocol error code vocabulary.
type errorCode string

const (
	codeInvalidRequest      errorCode = "invalid_request"
	codeAuthenticationFail  errorCode = "authentication_failed"
	codeAuthorizationFail   errorCode = "authorization_failed"
	codeRateLimitExceeded   errorCode = "rate_limit_exceeded"
	codeModelOverloaded     errorCode = "model_overloaded"
	codeContextLength       errorCode = "context_length_exceeded"
	codeContentFiltered     errorCode = "content_filtered"
	codeInvalidParameters   errorCode = "invalid_parameters"
	codeServerError         errorCode = "server_error"
	codeUnknown             errorCode = "unknown"
)

// KindFromWireCode maps a wire error code onto the taxonomy.
func KindFromWireCode(code string) ErrorKind {
	switch errorCode(code) {
	case codeInvalidRequest, codeInvalidParameters:
		return KindInvalidRequest
	case codeAuthenticationFail, codeAuthorizationFail:
		return KindAuthError
	case codeRateLimitExceeded:
		return KindRateLimit
	case codeModelOverloaded:
		return KindModelOverloaded
	case codeContextLength:
		return KindContextLengthExceeded
	case codeContentFiltered:
		return KindContentFiltered
	case codeServerError:
		return KindSystemError
	case "connection_closed":
		return KindConnectionClosed
	default:
		return KindUnknown
	}
}

// KindFromHTTPStatus maps an HTTP status class onto the taxonomy, per
//-break table.
func KindFromHTTPStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthError
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status >= 500:
		return KindSystemError
	case status >= 400:
		return KindInvalidRequest
	default:
		return KindUnknown
	}
}
