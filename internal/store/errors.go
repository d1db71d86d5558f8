package store

import (
	"errors"
	"fmt"
)

var (
	// ErrStorage wraps every local I/O failure. It is fatal to the calling
	// operation and must be surfaced, never swallowed.
	ErrStorage = errors.New("local storage error")

	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("record not found")
)

// storageErr tags err as a storage failure of op.
func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}
