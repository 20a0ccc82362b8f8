package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an operation references a nonexistent id.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned when the engine has been closed (or was never
	// opened). The facade surfaces this as the storage-unavailable error.
	ErrClosed = errors.New("engine closed")
)

// EndpointError indicates a relationship endpoint that does not resolve to a
// live record. No relationship is created when it is returned.
type EndpointError struct {
	ID string
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("relationship endpoint %q does not exist", e.ID)
}
