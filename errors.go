package memgo

import (
	"errors"
	"fmt"

	"github.com/hupe1980/memgo/backup"
	"github.com/hupe1980/memgo/engine"
)

var (
	// ErrNotFound is returned when a memory or relationship id does not
	// resolve to a live record.
	ErrNotFound = errors.New("not found")

	// ErrStorageUnavailable is returned when the database has been closed
	// or its backing storage is no longer usable.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// ValidationError indicates rejected input, such as a relationship whose
// endpoint does not reference a stored memory.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ValidationError struct {
	Field string
	Value string
	cause error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %q", e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.cause }

// IntegrityError indicates a backup whose checksum does not match its
// payload. It is an alias for backup.IntegrityError so callers can use
// errors.As without importing the backup package.
type IntegrityError = backup.IntegrityError

func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Not found unification.
	if errors.Is(err, engine.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	if errors.Is(err, engine.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	// Endpoint normalization.
	var ep *engine.EndpointError
	if errors.As(err, &ep) {
		return &ValidationError{Field: "endpoint", Value: ep.ID, cause: err}
	}

	return err
}
