// Package apierr classifies provider failures into retryable and fatal kinds.
package apierr

import (
	"errors"
	"fmt"
	"time"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindRateLimit
	KindServer
	KindClient
	KindAuth
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindRateLimit:
		return "rate_limit"
	case KindServer:
		return "server"
	case KindClient:
		return "client"
	case KindAuth:
		return "auth"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// Retryable reports whether another attempt of the same call can succeed.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransport, KindRateLimit, KindServer:
		return true
	default:
		return false
	}
}

// Error is the single error type returned by provider gateways.
type Error struct {
	Kind       Kind
	Status     int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var msg string
	switch {
	case e.Message != "" && e.Status != 0:
		msg = fmt.Sprintf("%s error (status %d): %s", e.Kind, e.Status, e.Message)
	case e.Message != "":
		msg = fmt.Sprintf("%s error: %s", e.Kind, e.Message)
	case e.Status != 0:
		msg = fmt.Sprintf("%s error (status %d)", e.Kind, e.Status)
	default:
		msg = e.Kind.String() + " error"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func Transport(err error) *Error {
	return &Error{Kind: KindTransport, Err: err}
}

// RateLimited builds a throttling error; retryAfter <= 0 means no hint.
func RateLimited(retryAfter time.Duration, message string) *Error {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &Error{Kind: KindRateLimit, Status: 429, RetryAfter: retryAfter, Message: message}
}

func Server(status int, message string) *Error {
	return &Error{Kind: KindServer, Status: status, Message: message}
}

func Client(status int, message string) *Error {
	return &Error{Kind: KindClient, Status: status, Message: message}
}

func Auth(message string) *Error {
	return &Error{Kind: KindAuth, Status: 403, Message: message}
}

func Decode(err error) *Error {
	return &Error{Kind: KindDecode, Err: err}
}

// KindOf extracts the classification from anywhere in err's chain.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable is the classifier used by the retry executor. Unclassified errors,
// including context cancellation, are fatal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Retryable()
}

// RetryAfter returns the provider's wait hint, if it sent one.
func RetryAfter(err error) (time.Duration, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Kind == KindRateLimit && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter, true
	}
	return 0, false
}
