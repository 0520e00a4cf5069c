package acmeclient

import "errors"

var (
	// ErrEmailRequired is returned when the account contact email is missing.
	ErrEmailRequired = errors.New("acmeclient: email is required")

	// ErrAccountKeyRequired is returned when no account key is configured.
	ErrAccountKeyRequired = errors.New("acmeclient: account key is required")

	// ErrAccountNotFound indicates the CA has no account for the configured
	// key; the caller should register one.
	ErrAccountNotFound = errors.New("acmeclient: account not found")

	// ErrNoDNSChallenge indicates an authorization offered no DNS-01
	// challenge, which makes the domain unvalidatable for this workflow.
	ErrNoDNSChallenge = errors.New("acmeclient: no DNS-01 challenge offered")

	// ErrOrderInvalid indicates the CA rejected the order.
	ErrOrderInvalid = errors.New("acmeclient: order is invalid")

	// ErrOrderTimeout indicates the order did not settle within the
	// polling window.
	ErrOrderTimeout = errors.New("acmeclient: order polling timed out")

	// ErrInvalidCSR indicates the certificate request could not be parsed
	// or its signature does not verify.
	ErrInvalidCSR = errors.New("acmeclient: invalid certificate request")
)
