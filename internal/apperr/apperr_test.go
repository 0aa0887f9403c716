package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesKind(t *testing.T) {
	err := E(NotFound, "tabs.close", "tab %s", "abc")
	if !errors.Is(err, ErrNotFound) {
		t.Fatal("expected errors.Is(err, ErrNotFound)")
	}
	if errors.Is(err, ErrConflict) {
		t.Fatal("not-found must not match conflict")
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if !errors.Is(wrapped, ErrNotFound) {
		t.Fatal("wrapped error lost its kind")
	}
	if KindOf(wrapped) != NotFound {
		t.Errorf("KindOf = %v, want not_found", KindOf(wrapped))
	}
}

func TestCodeMatching(t *testing.T) {
	err := &Error{Kind: Invalid, Op: "codes.use", Code: "usage_exhausted"}
	if !errors.Is(err, &Error{Kind: Invalid, Code: "usage_exhausted"}) {
		t.Fatal("expected code match")
	}
	if errors.Is(err, &Error{Kind: Invalid, Code: "expired"}) {
		t.Fatal("different code must not match")
	}
	if CodeOf(err) != "usage_exhausted" {
		t.Errorf("CodeOf = %q", CodeOf(err))
	}
}

func TestErrorString(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{&Error{Kind: Timeout}, "timeout"},
		{&Error{Kind: Timeout, Op: "peer.connect"}, "peer.connect: timeout"},
		{&Error{Kind: Invalid, Op: "codes.use", Msg: "rejected", Code: "expired"}, "codes.use: rejected (expired)"},
		{&Error{Kind: Unreachable, Op: "get", Err: errors.New("dial tcp")}, "get: dial tcp"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(Wrap(Unreachable, "x", errors.New("boom"))) {
		t.Error("unreachable should be retryable")
	}
	if Retryable(ErrForbidden) {
		t.Error("forbidden should not be retryable")
	}
	if Wrap(Invalid, "x", nil) != nil {
		t.Error("Wrap(nil) should be nil")
	}
}

func TestParseKindRoundTrip(t *testing.T) {
	for k := Unknown; k <= PlatformUnavailable; k++ {
		if got := ParseKind(k.String()); got != k {
			t.Errorf("ParseKind(%q) = %v", k.String(), got)
		}
	}
	if ParseKind("bogus") != Unknown {
		t.Error("unrecognized name should parse as unknown")
	}
}
