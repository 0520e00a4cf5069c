package device

import "errors"

var (
	// ErrTargetNotFound is returned by target stores for unknown ids.
	ErrTargetNotFound = errors.New("device: target not found")

	// ErrEmptyCSR indicates the appliance returned no CSR content.
	ErrEmptyCSR = errors.New("device: appliance returned empty CSR")

	// ErrUploadRejected indicates the appliance refused the certificate.
	ErrUploadRejected = errors.New("device: certificate upload rejected")
)
