// Package device defines the managed appliance boundary: how targets are
// looked up and how certificates move to and from them. The appliances
// cannot run an ACME client themselves, so certificate material crosses this
// boundary instead.
package device

import (
	"context"
	"strings"
	"sync"
)

// Target is one managed appliance and the credentials to reach it.
type Target struct {
	// ID is the stable identifier operations are keyed on.
	ID string
	// Host is the management address (IP or hostname).
	Host string
	// FQDN is the primary certificate domain.
	FQDN string
	// Port is the management API port; 0 means 443.
	Port int
	// Username and Password authenticate against the platform API and the
	// CLI over SSH.
	Username string
	Password string
	// AltNames are additional SAN entries to include on the certificate.
	AltNames []string
	// SkipTLSVerify disables certificate verification towards the
	// appliance. Required while the appliance still serves the expiring or
	// self-signed certificate this tool is about to replace.
	SkipTLSVerify bool
}

// Domains returns the certificate domain set: the FQDN first, then alt
// names, deduplicated.
func (t *Target) Domains() []string {
	seen := make(map[string]struct{}, len(t.AltNames)+1)
	domains := make([]string, 0, len(t.AltNames)+1)

	for _, domain := range append([]string{t.FQDN}, t.AltNames...) {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if _, ok := seen[domain]; ok {
			continue
		}
		seen[domain] = struct{}{}
		domains = append(domains, domain)
	}
	return domains
}

// TargetStore is the interface to the system of record for targets.
// Implementations should be thread-safe.
type TargetStore interface {
	// GetTarget retrieves a target by id. Returns ErrTargetNotFound for
	// unknown ids.
	GetTarget(ctx context.Context, id string) (*Target, error)
}

// Device is the certificate-management capability of an appliance.
type Device interface {
	// FetchCSR asks the appliance to produce a certificate signing request
	// for its configured service. The private key never leaves the device.
	FetchCSR(ctx context.Context, target *Target) ([]byte, error)

	// UploadCertificate installs the issued certificate chain on the
	// appliance.
	UploadCertificate(ctx context.Context, target *Target, certPEM []byte) error
}

// StaticTargetStore is an in-memory TargetStore for embedding and tests.
type StaticTargetStore struct {
	mu      sync.RWMutex
	targets map[string]*Target
}

// NewStaticTargetStore creates a store pre-populated with the given targets.
func NewStaticTargetStore(targets ...*Target) *StaticTargetStore {
	s := &StaticTargetStore{targets: make(map[string]*Target, len(targets))}
	for _, t := range targets {
		s.targets[t.ID] = t
	}
	return s
}

// Add registers or replaces a target.
func (s *StaticTargetStore) Add(t *Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[t.ID] = t
}

// GetTarget implements TargetStore.
func (s *StaticTargetStore) GetTarget(_ context.Context, id string) (*Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.targets[id]
	if !ok {
		return nil, ErrTargetNotFound
	}
	clone := *t
	clone.AltNames = append([]string(nil), t.AltNames...)
	return &clone, nil
}
