package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/creatorops/quotient/internal/upstream"
)

// ErrUnknownTool is returned when the model requests a tool that is not
// registered.
var ErrUnknownTool = errors.New("unknown tool")

// ErrorKind classifies tool failures for the reasoning loop. The loop
// aborts the cycle on UpstreamUnavailable; every other kind is reported
// back to the model so it can recover within the same cycle.
type ErrorKind int

const (
	UpstreamUnavailable ErrorKind = iota
	InvalidArgument
	RateLimited
	Timeout
)

func (k ErrorKind) String() string {
	switch k {
	case UpstreamUnavailable:
		return "upstream_unavailable"
	case InvalidArgument:
		return "invalid_argument"
	case RateLimited:
		return "rate_limited"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is a classified tool failure.
type Error struct {
	Tool string
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the error kind, defaulting to UpstreamUnavailable for
// unclassified failures.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return UpstreamUnavailable
}

// invalidf builds an InvalidArgument error for bad model-supplied args.
func invalidf(tool, format string, args ...any) error {
	return &Error{Tool: tool, Kind: InvalidArgument, Err: fmt.Errorf(format, args...)}
}

// classify wraps an adapter or transport error with a tool error kind.
// Adapter classifications carry over directly; UnsupportedCurrency is an
// argument problem from the tool's point of view.
func classify(tool string, err error) error {
	if err == nil {
		return nil
	}

	var ue *upstream.Error
	if errors.As(err, &ue) {
		kind := UpstreamUnavailable
		switch ue.Kind {
		case upstream.InvalidArgument, upstream.UnsupportedCurrency:
			kind = InvalidArgument
		case upstream.RateLimited:
			kind = RateLimited
		case upstream.Timeout:
			kind = Timeout
		}
		return &Error{Tool: tool, Kind: kind, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Tool: tool, Kind: Timeout, Err: err}
	}
	return &Error{Tool: tool, Kind: UpstreamUnavailable, Err: err}
}
