// Package certops automates TLS certificate issuance and deployment for
// network appliances that cannot run an ACME client themselves.
//
// The appliance keeps its private key and produces a CSR; certops drives the
// rest: ACME account and order management against Let's Encrypt, DNS-01
// validation through a pluggable DNS provider with resolver-confirmed
// propagation, certificate download and persistence, upload back to the
// appliance, and an optional streamed service restart over SSH. Every run is
// tracked as an operation with monotonic progress and an append-only log,
// admitted at most once per target and kind.
//
// Entry point is core/renewal.Engine; the packages under core/ and pkg/ are
// usable on their own.
package certops
