package remotecmd

import (
	"errors"
	"fmt"
)

var (
	// ErrNoAuthMethod is returned when a dialer is configured with neither
	// a password nor a private key.
	ErrNoAuthMethod = errors.New("remotecmd: no authentication method configured")
)

// TransportError wraps failures of the channel itself (dial, start, read).
// These are hard failures, unlike a deadline on a running command.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("remotecmd: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ExitError wraps a non-zero exit status of the remote command.
type ExitError struct {
	Err error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("remotecmd: command failed: %v", e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }
