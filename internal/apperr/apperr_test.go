package apperr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewSetsDefaultRetryability(t *testing.T) {
	e := New(KindTransientNetwork, "dial failed")
	if !e.Retryable {
		t.Fatalf("expected transient_network to default retryable")
	}
	e2 := New(KindPolicyBlocked, "blocked")
	if e2.Retryable {
		t.Fatalf("expected policy_blocked to default non-retryable")
	}
}

func TestWrapPreservesCauseAndUnwraps(t *testing.T) {
	cause := errors.New("boom")
	e := Wrap(cause, KindInternal, "wrapped")
	if !errors.Is(e, cause) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
	if e.Unwrap() != cause {
		t.Fatalf("expected Unwrap to return the cause")
	}
}

func TestIsKindWalksWrappedErrors(t *testing.T) {
	inner := New(KindQuotaExceeded, "over quota")
	outer := fmt.Errorf("request failed: %w", inner)
	if !IsKind(outer, KindQuotaExceeded) {
		t.Fatalf("expected IsKind to find the kind through fmt.Errorf wrapping")
	}
	if IsKind(outer, KindInternal) {
		t.Fatalf("expected IsKind to reject the wrong kind")
	}
}

func TestIsKindFalseForPlainError(t *testing.T) {
	if IsKind(errors.New("plain"), KindInternal) {
		t.Fatalf("expected a non-AppError to never match")
	}
}

func TestWithDetailsChains(t *testing.T) {
	e := New(KindPathCollision, "collision").
		WithDetails("path", "a.go").
		WithDetails("producer_a", "t1")
	if e.Details["path"] != "a.go" || e.Details["producer_a"] != "t1" {
		t.Fatalf("expected chained details to be preserved, got %+v", e.Details)
	}
}

func TestQuotaExceededDetails(t *testing.T) {
	e := QuotaExceeded("tokens", 950, 1000, "2026-08-01T00:00:00Z")
	if e.Kind != KindQuotaExceeded {
		t.Fatalf("expected quota_exceeded kind")
	}
	if e.Details["limit"] != 1000.0 {
		t.Fatalf("expected limit detail to be preserved, got %+v", e.Details["limit"])
	}
}

func TestPolicyBlockedDetails(t *testing.T) {
	e := PolicyBlocked("user_request", "high", []string{"hate"})
	if e.Kind != KindPolicyBlocked {
		t.Fatalf("expected policy_blocked kind")
	}
	cats, ok := e.Details["categories"].([]string)
	if !ok || len(cats) != 1 || cats[0] != "hate" {
		t.Fatalf("expected categories detail to round-trip, got %+v", e.Details["categories"])
	}
}

func TestErrorStringIncludesCause(t *testing.T) {
	e := Wrap(errors.New("dial tcp: timeout"), KindTransientNetwork, "agent call failed")
	msg := e.Error()
	if !strings.Contains(msg, "dial tcp: timeout") {
		t.Fatalf("expected error string to include the cause, got %q", msg)
	}
}
