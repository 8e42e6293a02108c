package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when an operation needs an established connection.
	ErrNotConnected = errors.New("connection is not established")

	// ErrEmptyMessage rejects a send with neither text nor attachment.
	ErrEmptyMessage = &ValidationError{Field: "body", Reason: "message is empty"}

	// ErrNoActiveRoom rejects a send when no room is resolved.
	ErrNoActiveRoom = &ValidationError{Field: "room", Reason: "no active room"}
)

// ConnectionError reports a transport that failed to open, dropped, or was
// used while not connected.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ValidationError is raised before any side effect takes place.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// FetchError wraps a failed call to one of the REST collaborators.
type FetchError struct {
	Op     string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s failed with status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
