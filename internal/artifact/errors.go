package artifact

import (
	"errors"
	"fmt"
)

// ErrSessionExists is returned when a session id already holds artifacts.
var ErrSessionExists = errors.New("session already has artifacts")

// ErrInvalidSessionID is returned for ids that cannot be used in a file name.
var ErrInvalidSessionID = errors.New("invalid session id")

// AllocationError indicates the working area could not provide paths.
type AllocationError struct {
	Dir       string
	SessionID string
	Err       error
}

// Error is an implementation of the error interface.
func (e *AllocationError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("artifact area %q unusable: %v", e.Dir, e.Err)
	}
	return fmt.Sprintf("allocate artifacts for session %s in %q: %v", e.SessionID, e.Dir, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// WriteError indicates source text could not be persisted.
type WriteError struct {
	Path string
	Err  error
}

// Error is an implementation of the error interface.
func (e *WriteError) Error() string {
	return fmt.Sprintf("write artifact %q: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
