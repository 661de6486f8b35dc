package service

import (
	"errors"
	"testing"
)

func TestDispatchErrorMessageWithoutCause(t *testing.T) {
	err := &DispatchError{Kind: ErrKindBadRequest, Message: "missing name"}
	if got, want := err.Error(), "BadRequest: missing name"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestDispatchErrorMessageWithCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := &DispatchError{Kind: ErrKindUpstreamUnavailable, Message: "upstream down", Err: cause}
	if got, want := err.Error(), "UpstreamUnavailable: upstream down: dial tcp: refused"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestDispatchErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &DispatchError{Kind: ErrKindInternal, Message: "wrapped", Err: cause}
	if !errors.Is(err, cause) {
		t.Fatal("errors.Is should see through DispatchError to its wrapped cause")
	}
}

func TestDispatchErrorUnwrapNilCause(t *testing.T) {
	err := &DispatchError{Kind: ErrKindInternal, Message: "no cause"}
	if err.Unwrap() != nil {
		t.Fatal("Unwrap() should return nil when no cause was set")
	}
}
