package core

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorCodes(t *testing.T) {
	base := errors.New("boom")
	cases := []struct {
		err       error
		code      string
		retryable bool
	}{
		{Transient(base), CodeTransient, true},
		{RateLimited(time.Second, base), CodeRateLimited, true},
		{AuthExpired(base), CodeAuthExpired, false},
		{Permanent(base), CodePermanent, false},
		{SchemaDrift(base), CodeSchemaDrift, false},
		{Conflict(base), CodeConflict, true},
	}
	for _, tc := range cases {
		if got := CodeOf(tc.err); got != tc.code {
			t.Errorf("CodeOf(%v) = %s, want %s", tc.err, got, tc.code)
		}
		if got := IsRetryable(tc.err); got != tc.retryable {
			t.Errorf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.retryable)
		}
	}
}

func TestErrorUnwrap(t *testing.T) {
	base := errors.New("root cause")
	wrapped := fmt.Errorf("fetch page: %w", Transient(base))
	if !errors.Is(wrapped, base) {
		t.Fatal("wrapped cause not reachable through the taxonomy error")
	}
	if CodeOf(wrapped) != CodeTransient {
		t.Fatal("code lost through fmt wrapping")
	}
}

func TestUnclassifiedErrorsAssumedTransient(t *testing.T) {
	err := errors.New("connection reset")
	if CodeOf(err) != CodeTransient {
		t.Errorf("CodeOf unclassified = %s", CodeOf(err))
	}
	if !IsRetryable(err) {
		t.Error("unclassified error should be retryable")
	}
}

func TestRetryAfterHint(t *testing.T) {
	err := RateLimited(42*time.Second, errors.New("429"))
	if got := RetryAfterHint(err); got != 42*time.Second {
		t.Fatalf("RetryAfterHint = %v", got)
	}
	if got := RetryAfterHint(errors.New("plain")); got != 0 {
		t.Fatalf("hint on plain error = %v", got)
	}
}

func TestIsPermanent(t *testing.T) {
	if !IsPermanent(SchemaDrift(errors.New("bad record"))) {
		t.Error("drift should be permanent")
	}
	if !IsPermanent(AuthExpired(errors.New("401"))) {
		t.Error("exhausted auth should be permanent")
	}
	if IsPermanent(Transient(errors.New("503"))) {
		t.Error("transient is not permanent")
	}
}
