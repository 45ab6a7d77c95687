package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput marks malformed caller input. Never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound marks a lookup that matched nothing.
	ErrNotFound = errors.New("record not found")
)

// PersistenceError wraps a gateway failure. Callers may retry the
// operation; calculation is idempotent.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistence reports whether err carries a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
