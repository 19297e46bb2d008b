package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapPreservesCodeAndCause(t *testing.T) {
	cause := stdErrors.New("dial tcp: connection refused")
	err := Wrap(CodeUnavailable, cause, "ledger down", WithMetadata("chain", "local"))

	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable through errors.Is")
	}
	if CodeOf(err) != CodeUnavailable {
		t.Fatalf("unexpected code %s", CodeOf(err))
	}
	if !RetryableError(err) {
		t.Fatalf("unavailable errors should be retryable by default")
	}
	if got := err.Metadata()["chain"]; got != "local" {
		t.Fatalf("unexpected metadata %q", got)
	}
}

func TestIsCodeWalksChain(t *testing.T) {
	inner := New(CodeTimeout, "read timed out")
	outer := Wrap(CodeUnavailable, fmt.Errorf("poll: %w", inner), "ledger read failed")

	if !IsCode(outer, CodeUnavailable) {
		t.Fatalf("expected outer code to match")
	}
	if !IsCode(outer, CodeTimeout) {
		t.Fatalf("expected inner code to match")
	}
	if IsCode(outer, CodeRejected) {
		t.Fatalf("unexpected match for unrelated code")
	}
}

func TestWithRetryableOverridesDefault(t *testing.T) {
	err := New(CodeTimeout, "", WithRetryable(false))
	if err.Retryable() {
		t.Fatalf("explicit retryable=false must win over code default")
	}
	if err.Message() != "operation timed out" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
}

func TestFromContext(t *testing.T) {
	if CodeOf(FromContext(context.Canceled, "stop")) != CodeCancelled {
		t.Fatalf("context.Canceled should map to CANCELLED")
	}
	if CodeOf(FromContext(context.DeadlineExceeded, "slow")) != CodeTimeout {
		t.Fatalf("context.DeadlineExceeded should map to TIMEOUT")
	}
	plain := stdErrors.New("boom")
	if FromContext(plain, "x") != plain {
		t.Fatalf("unrelated errors should pass through")
	}
}

func TestRegisterAndHTTPStatus(t *testing.T) {
	const code Code = "TEST_REGISTERED"
	Register(code, Attributes{Message: "registered", Severity: SeverityInfo, HTTPStatus: http.StatusTeapot})

	if got := HTTPStatusOf(New(code, "")); got != http.StatusTeapot {
		t.Fatalf("unexpected status %d", got)
	}
	if got := HTTPStatusOf(stdErrors.New("plain")); got != http.StatusInternalServerError {
		t.Fatalf("unregistered errors should map to 500, got %d", got)
	}
}
