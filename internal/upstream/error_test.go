package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := Errorf(RateLimited, "rates.fetch", "HTTP 429")
	if KindOf(err) != RateLimited {
		t.Errorf("KindOf = %v, want RateLimited", KindOf(err))
	}

	wrapped := fmt.Errorf("convert: %w", err)
	if KindOf(wrapped) != RateLimited {
		t.Errorf("KindOf through wrap = %v, want RateLimited", KindOf(wrapped))
	}

	if KindOf(errors.New("plain")) != Unavailable {
		t.Error("unclassified errors should default to Unavailable")
	}
}

func TestClassify(t *testing.T) {
	if got := Classify("op", context.DeadlineExceeded); got.Kind != Timeout {
		t.Errorf("deadline kind = %v, want Timeout", got.Kind)
	}
	if got := Classify("op", errors.New("connection refused")); got.Kind != Unavailable {
		t.Errorf("dial failure kind = %v, want Unavailable", got.Kind)
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{http.StatusTooManyRequests, RateLimited},
		{http.StatusBadRequest, InvalidArgument},
		{http.StatusForbidden, InvalidArgument},
		{http.StatusNotFound, InvalidArgument},
		{http.StatusInternalServerError, Unavailable},
		{http.StatusBadGateway, Unavailable},
	}

	for _, tt := range tests {
		got := ClassifyStatus("op", tt.status, "body")
		if got.Kind != tt.want {
			t.Errorf("status %d: kind = %v, want %v", tt.status, got.Kind, tt.want)
		}
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &Error{Kind: Timeout, Op: "catalog.fetch", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("Error should unwrap to its cause")
	}
	msg := err.Error()
	if msg != "catalog.fetch: timeout: boom" {
		t.Errorf("Error() = %q", msg)
	}
}
