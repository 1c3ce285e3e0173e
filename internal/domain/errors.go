package domain

import "errors"

var (
	// ErrValidation marks malformed input to register/enqueue. Nothing is persisted.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks an unknown agent, task or record id.
	ErrNotFound = errors.New("not found")

	// ErrCapacityExceeded marks an attempt to start work on an agent already at
	// max_concurrent_tasks. A correct scheduler never triggers it.
	ErrCapacityExceeded = errors.New("agent capacity exceeded")

	// ErrInvalidArgument marks a bad strategy name or unknown check type.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConflict marks a report from an agent that does not own the task.
	ErrConflict = errors.New("conflict")
)
