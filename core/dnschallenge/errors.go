package dnschallenge

import "errors"

var (
	// ErrPropagationTimeout indicates a challenge record never became
	// visible to the configured resolvers within the verification window.
	ErrPropagationTimeout = errors.New("dnschallenge: propagation timed out")

	// ErrProviderNotRegistered is returned by the registry for unknown
	// provider names.
	ErrProviderNotRegistered = errors.New("dnschallenge: provider not registered")
)
