package process

import (
	"errors"
	"fmt"
)

// ErrNotExecutable is wrapped by LaunchError when the binary lacks exec permission.
var ErrNotExecutable = errors.New("binary is not executable")

// ErrEmptyCommand is wrapped by ToolchainError for toolchains without a command.
var ErrEmptyCommand = errors.New("toolchain has no compile command")

// ToolchainError indicates the compiler itself could not be run.
type ToolchainError struct {
	Toolchain string
	Err       error
}

// Error is an implementation of the error interface.
func (e *ToolchainError) Error() string {
	return fmt.Sprintf("toolchain %s unavailable: %v", e.Toolchain, e.Err)
}

func (e *ToolchainError) Unwrap() error { return e.Err }

// LaunchError indicates a compiled binary could not be started.
type LaunchError struct {
	Path string
	Err  error
}

// Error is an implementation of the error interface.
func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %q: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// BusyArtifactError indicates a binary path is still held by a live program.
type BusyArtifactError struct {
	Path string
	Err  error
}

// Error is an implementation of the error interface.
func (e *BusyArtifactError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("binary %q is busy: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("binary %q is still running", e.Path)
}

func (e *BusyArtifactError) Unwrap() error { return e.Err }
