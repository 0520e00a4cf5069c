// Package dnschallenge drives DNS-01 domain validation records through
// creation, independent propagation verification, and cleanup. A Coordinator
// owns the records of exactly one renewal attempt: all records are created
// first, then each is verified against live DNS state, because a provider's
// create acknowledgment says nothing about resolver visibility.
package dnschallenge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/dmitrymomot/certops/core/logger"
)

// Record is the handle to one TXT record created at the provider.
type Record struct {
	// ID is the provider-assigned record identifier used for deletion.
	ID string
	// Domain is the validated domain (without the challenge prefix).
	Domain string
	// FQDN is the full challenge record name.
	FQDN string
	// Value is the expected TXT content.
	Value string
}

// DNSProvider is the capability the coordinator drives. Implementations wrap
// one cloud DNS API; VerifyTXTRecord must query DNS state, not the
// provider's own database.
type DNSProvider interface {
	CreateTXTRecord(ctx context.Context, fqdn, value string) (Record, error)
	VerifyTXTRecord(ctx context.Context, fqdn, value string) (bool, error)
	DeleteTXTRecord(ctx context.Context, rec Record) error
}

// ChallengeFQDN returns the DNS-01 record name for a domain.
func ChallengeFQDN(domain string) string {
	return "_acme-challenge." + strings.TrimSuffix(strings.TrimSpace(domain), ".")
}

// Coordinator validates a set of domains for one renewal attempt.
type Coordinator struct {
	provider     DNSProvider
	log          *slog.Logger
	pollInterval time.Duration
	timeout      time.Duration
	records      []Record
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithPollInterval sets the fixed delay between verification lookups.
func WithPollInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.pollInterval = d }
}

// WithTimeout sets the overall per-domain verification deadline.
func WithTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.timeout = d }
}

// WithCoordinatorLogger sets the coordinator's logger.
func WithCoordinatorLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.log = l }
}

// NewCoordinator creates a coordinator for a single validation run.
func NewCoordinator(provider DNSProvider, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		provider:     provider,
		log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		pollInterval: 5 * time.Second,
		timeout:      2 * time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Validate creates one TXT record per domain and then verifies each against
// DNS. Record creation for every domain happens before any verification so a
// later domain's create cannot race an earlier domain's propagation window.
// The first domain that fails to verify within the timeout aborts the set.
func (c *Coordinator) Validate(ctx context.Context, domains []string, valueFor func(domain string) (string, error)) error {
	if err := c.CreateRecords(ctx, domains, valueFor); err != nil {
		return err
	}
	return c.WaitForPropagation(ctx)
}

// CreateRecords creates one TXT record per domain without verifying any of
// them yet.
func (c *Coordinator) CreateRecords(ctx context.Context, domains []string, valueFor func(domain string) (string, error)) error {
	if len(domains) == 0 {
		return fmt.Errorf("dnschallenge: no domains to validate")
	}

	for _, domain := range domains {
		value, err := valueFor(domain)
		if err != nil {
			return fmt.Errorf("dnschallenge: key authorization for %s: %w", domain, err)
		}

		fqdn := ChallengeFQDN(domain)
		rec, err := c.provider.CreateTXTRecord(ctx, fqdn, value)
		if err != nil {
			return fmt.Errorf("dnschallenge: create TXT record for %s: %w", domain, err)
		}
		rec.Domain = domain
		rec.FQDN = fqdn
		rec.Value = value
		c.records = append(c.records, rec)

		c.log.Info("created challenge record",
			logger.Component("dnschallenge"),
			logger.Domain(domain),
			slog.String("record_id", rec.ID))
	}
	return nil
}

// WaitForPropagation verifies every created record against live DNS, in
// creation order. The first record that misses its deadline aborts the set.
func (c *Coordinator) WaitForPropagation(ctx context.Context) error {
	for _, rec := range c.records {
		if err := c.waitForRecord(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// waitForRecord polls DNS at a fixed interval until the record is visible or
// the per-domain deadline elapses.
func (c *Coordinator) waitForRecord(ctx context.Context, rec Record) error {
	deadline := time.Now().Add(c.timeout)

	for {
		ok, err := c.provider.VerifyTXTRecord(ctx, rec.FQDN, rec.Value)
		if err != nil {
			c.log.Debug("verification lookup failed",
				logger.Component("dnschallenge"),
				logger.Domain(rec.Domain),
				logger.Error(err))
		}
		if ok {
			c.log.Info("challenge record verified",
				logger.Component("dnschallenge"),
				logger.Domain(rec.Domain))
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrPropagationTimeout, rec.Domain)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// Cleanup deletes every record created by this coordinator. Failures are
// logged, not returned: a stray TXT record does not invalidate an issued
// certificate.
func (c *Coordinator) Cleanup(ctx context.Context) {
	for _, rec := range c.records {
		if err := c.provider.DeleteTXTRecord(ctx, rec); err != nil {
			c.log.Warn("failed to delete challenge record",
				logger.Component("dnschallenge"),
				logger.Domain(rec.Domain),
				slog.String("record_id", rec.ID),
				logger.Error(err))
		}
	}
	c.records = nil
}

// Records returns the handles created so far, mainly for observability.
func (c *Coordinator) Records() []Record {
	out := make([]Record, len(c.records))
	copy(out, c.records)
	return out
}
