// Package upstream defines the shared error taxonomy for external service
// adapters. The catalog and rates clients classify every failure into one
// of a small set of kinds so the reasoning loop can decide whether to
// degrade the cycle or report the failure back to the model.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies an adapter failure.
type Kind int

const (
	// Unavailable means the upstream service could not be reached or
	// answered with a server error after the retry budget was spent.
	Unavailable Kind = iota

	// InvalidArgument means the request was rejected as malformed or the
	// caller supplied arguments the upstream cannot accept. Never retried.
	InvalidArgument

	// RateLimited means the upstream answered 429.
	RateLimited

	// Timeout means the call exceeded its deadline.
	Timeout

	// UnsupportedCurrency means a conversion target is absent from the
	// fetched rate table. This is a reported error, not a fallback.
	UnsupportedCurrency
)

// String returns the kind's wire-stable name.
func (k Kind) String() string {
	switch k {
	case Unavailable:
		return "unavailable"
	case InvalidArgument:
		return "invalid_argument"
	case RateLimited:
		return "rate_limited"
	case Timeout:
		return "timeout"
	case UnsupportedCurrency:
		return "unsupported_currency"
	default:
		return "unknown"
	}
}

// Error is a classified adapter failure.
type Error struct {
	Kind Kind
	Op   string // e.g. "catalog.fetch", "rates.convert"
	Err  error
}

// Errorf builds an *Error with a formatted underlying error.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from err, or Unavailable if err carries no
// classification.
func KindOf(err error) Kind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return Unavailable
}

// Classify wraps a transport-level error from an HTTP round trip.
// Context deadline and timeout errors become Timeout; everything else
// (dial failures, resets, DNS) becomes Unavailable.
func Classify(op string, err error) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: Timeout, Op: op, Err: err}
	case isNetTimeout(err):
		return &Error{Kind: Timeout, Op: op, Err: err}
	default:
		return &Error{Kind: Unavailable, Op: op, Err: err}
	}
}

// ClassifyStatus maps a non-2xx HTTP status to an adapter error.
// 429 is RateLimited, other 4xx are InvalidArgument (permanent, not
// retried), and 5xx are Unavailable.
func ClassifyStatus(op string, status int, body string) *Error {
	kind := Unavailable
	switch {
	case status == http.StatusTooManyRequests:
		kind = RateLimited
	case status >= 400 && status < 500:
		kind = InvalidArgument
	}
	return Errorf(kind, op, "HTTP %d: %s", status, body)
}

func isNetTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
