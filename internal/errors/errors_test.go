package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestErrorIsComparesCodes(t *testing.T) {
	t.Parallel()

	sentinel := New(CodeNotFound, "plugin missing")
	wrapped := fmt.Errorf("lookup: %w", Wrap(CodeNotFound, stdErrors.New("boom"), "other message"))

	if !stdErrors.Is(wrapped, sentinel) {
		t.Fatalf("expected wrapped error to match sentinel by code")
	}
	if stdErrors.Is(wrapped, New(CodeConflict, "")) {
		t.Fatalf("did not expect match on a different code")
	}
	if CodeOf(wrapped) != CodeNotFound {
		t.Fatalf("unexpected code: %s", CodeOf(wrapped))
	}
}

func TestAttributesDefaultsAndOverrides(t *testing.T) {
	t.Parallel()

	const code Code = "TEST_CUSTOM_CODE"
	Register(code, Attributes{Message: "custom", Severity: SeverityWarning, Retryable: true})

	err := New(code, "")
	if err.Message() != "custom" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if !err.Retryable() || err.Severity() != SeverityWarning {
		t.Fatalf("unexpected attributes: retryable=%v severity=%s", err.Retryable(), err.Severity())
	}

	overridden := New(code, "x", WithRetryable(false), WithSeverity(SeverityCritical), WithMetadata("plugin", "p"))
	if overridden.Retryable() {
		t.Fatalf("expected retryable override")
	}
	if SeverityOf(overridden) != SeverityCritical {
		t.Fatalf("expected severity override")
	}
	if overridden.Metadata()["plugin"] != "p" {
		t.Fatalf("expected metadata to be kept: %v", overridden.Metadata())
	}
}

func TestUnknownCodeFallsBack(t *testing.T) {
	t.Parallel()

	if AttributesOf("NEVER_REGISTERED").Severity != SeverityCritical {
		t.Fatalf("expected fallback to UNKNOWN attributes")
	}
	if RetryableError(stdErrors.New("plain")) {
		t.Fatalf("plain errors are never retryable")
	}
}
