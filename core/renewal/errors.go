package renewal

import "errors"

var (
	// ErrTargetStoreRequired and friends guard engine construction.
	ErrTargetStoreRequired = errors.New("renewal: target store is required")
	ErrDeviceRequired      = errors.New("renewal: device client is required")
	ErrDNSProviderRequired = errors.New("renewal: DNS provider is required")
	ErrCertStoreRequired   = errors.New("renewal: certificate store is required")
	ErrEmailRequired       = errors.New("renewal: ACME email is required")

	// ErrCancelled marks an operation stopped at a step boundary after a
	// cancel request.
	ErrCancelled = errors.New("renewal: operation cancelled")
)
