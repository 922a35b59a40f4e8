package vehiclesync

import (
	"errors"
	"io"
	"testing"
)

func TestRegistryErrorMatching(t *testing.T) {
	err := error(&RegistryError{Op: "create", Code: 5000, Message: "backend down"})
	if !errors.Is(err, ErrRegistrySyncFailed) {
		t.Fatalf("expected ErrRegistrySyncFailed")
	}
	if errors.Is(err, ErrRegistryAuthFailed) {
		t.Fatalf("did not expect ErrRegistryAuthFailed")
	}

	wrapped := error(&RegistryError{Op: "delete", Err: io.ErrUnexpectedEOF})
	if !errors.Is(wrapped, io.ErrUnexpectedEOF) || !errors.Is(wrapped, ErrRegistrySyncFailed) {
		t.Fatalf("expected both sentinel and cause, got %v", wrapped)
	}
	var target *RegistryError
	if !errors.As(wrapped, &target) || target.Op != "delete" {
		t.Fatalf("expected RegistryError, got %v", wrapped)
	}
}

func TestRegistryErrorRetryable(t *testing.T) {
	fatal := &RegistryError{Op: "create", Code: 4001, Message: "invalid model"}
	if fatal.Retryable() || errors.Is(fatal, ErrRegistryUnavailable) {
		t.Fatalf("result code errors must not be retryable")
	}
	transient := &RegistryError{Op: "create", Transient: true, Err: io.ErrUnexpectedEOF}
	if !transient.Retryable() {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(transient, ErrRegistryUnavailable) || !errors.Is(transient, ErrRegistrySyncFailed) {
		t.Fatalf("expected unavailable and sync failed, got %v", transient)
	}
}
