package sandbox

import "errors"

var (
	// ErrInvalidIsolation is returned for an unknown isolation mode
	ErrInvalidIsolation = errors.New("invalid sandbox isolation")

	// ErrInvalidFilesystem is returned for an unknown filesystem visibility
	ErrInvalidFilesystem = errors.New("invalid sandbox filesystem")

	// ErrInvalidNetwork is returned for an unknown network policy
	ErrInvalidNetwork = errors.New("invalid sandbox network")

	// ErrInvalidTimeout is returned when the timeout is not positive
	ErrInvalidTimeout = errors.New("invalid timeout (must be > 0)")

	// ErrImageRequired is returned when container isolation has no image
	ErrImageRequired = errors.New("container image is required")

	// ErrEmptyCommand is returned for a blank command
	ErrEmptyCommand = errors.New("command is required")

	// ErrContainerUnavailable is returned when container isolation is requested without an engine
	ErrContainerUnavailable = errors.New("container engine unavailable")

	// ErrExecutionTimeout is returned when execution times out
	ErrExecutionTimeout = errors.New("execution timed out")
)
