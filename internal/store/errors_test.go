package store

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelErrors_Identity(t *testing.T) {
	sentinels := []struct {
		name string
		err  error
	}{
		{"ErrStorage", ErrStorage},
		{"ErrNotFound", ErrNotFound},
	}

	for _, s := range sentinels {
		t.Run(s.name, func(t *testing.T) {
			if s.err == nil {
				t.Fatal("Sentinel error should not be nil")
			}
			if s.err.Error() == "" {
				t.Fatal("Sentinel error should have a message")
			}
			wrapped := fmt.Errorf("operation failed: %w", s.err)
			if !errors.Is(wrapped, s.err) {
				t.Errorf("errors.Is should return true for wrapped %s", s.name)
			}
		})
	}
}

func TestStorageErr_KeepsCause(t *testing.T) {
	cause := errors.New("disk I/O error")

	err := storageErr("upsert draft", cause)

	if !errors.Is(err, ErrStorage) {
		t.Error("expected ErrStorage in chain")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause in chain")
	}
	if err.Error() != "upsert draft: local storage error: disk I/O error" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
