package operation

import "errors"

var (
	// ErrNotFound is returned when no operation exists for the given id.
	ErrNotFound = errors.New("operation not found")

	// ErrAlreadyRunning is returned by Start when a non-terminal operation
	// already exists for the same (target, kind) pair. The existing
	// operation is returned alongside so callers can surface it instead of
	// starting a second run.
	ErrAlreadyRunning = errors.New("operation already running for target")

	// ErrTerminal is returned when mutating an operation that has already
	// reached completed or failed.
	ErrTerminal = errors.New("operation already terminal")
)
