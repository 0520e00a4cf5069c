// Package acmeclient wraps the ACME protocol with explicit step-level
// control: order creation, challenge retrieval, challenge completion, order
// polling, and finalization are separate calls. The renewal engine needs
// that granularity to report progress and to hand DNS record management to
// its own coordinator instead of an in-protocol solver.
package acmeclient

import (
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/acme/api"
	"github.com/go-acme/lego/v4/lego"

	"github.com/dmitrymomot/certops/core/logger"
)

const userAgent = "certops"

// Order is the client's view of an ACME order across its lifecycle.
type Order struct {
	// Location is the order URL used for polling.
	Location string
	// Status is the last observed ACME order status.
	Status string
	// FinalizeURL accepts the CSR once all authorizations are valid.
	FinalizeURL string
	// CertificateURL is set once the order reaches the valid state.
	CertificateURL string
	// AuthzURLs are the order's authorization resources, one per domain.
	AuthzURLs []string
}

// Challenge is a single pending DNS-01 challenge.
type Challenge struct {
	// Domain is the identifier the challenge validates.
	Domain string
	// Token is the ACME challenge token.
	Token string
	// URL is posted to in order to trigger server-side validation.
	URL string
}

// Config describes the CA endpoint and account identity.
type Config struct {
	// DirectoryURL selects the CA; defaults to Let's Encrypt production.
	DirectoryURL string
	// Email is the account contact address.
	Email string
	// AccountKey signs all requests for this account.
	AccountKey crypto.PrivateKey
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client drives one ACME account against one directory.
type Client struct {
	core  *api.Core
	email string
	log   *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// New creates a client bound to the directory and account key in cfg. The
// account itself is attached later via LoadAccount or CreateAccount.
func New(cfg Config, opts ...ClientOption) (*Client, error) {
	if cfg.Email == "" {
		return nil, ErrEmailRequired
	}
	if cfg.AccountKey == nil {
		return nil, ErrAccountKeyRequired
	}
	if cfg.DirectoryURL == "" {
		cfg.DirectoryURL = lego.LEDirectoryProduction
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	core, err := api.New(httpClient, userAgent, cfg.DirectoryURL, "", cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("acmeclient: initialize directory %s: %w", cfg.DirectoryURL, err)
	}

	c := &Client{
		core:  core,
		email: cfg.Email,
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// LoadAccount attaches an existing account for the configured key. It fails
// with ErrAccountNotFound when the CA has no account for the key, in which
// case the caller registers one via CreateAccount.
func (c *Client) LoadAccount(ctx context.Context) error {
	account, err := c.core.Accounts.New(acme.Account{OnlyReturnExisting: true})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAccountNotFound, err)
	}

	c.log.Info("loaded existing ACME account",
		logger.Component("acmeclient"),
		slog.String("account_url", account.Location))
	return nil
}

// CreateAccount registers a new account for the configured key and email.
// Terms of service are agreed implicitly, matching the CA onboarding flow.
func (c *Client) CreateAccount(ctx context.Context) error {
	account, err := c.core.Accounts.New(acme.Account{
		TermsOfServiceAgreed: true,
		Contact:              []string{"mailto:" + c.email},
	})
	if err != nil {
		return fmt.Errorf("acmeclient: create account: %w", err)
	}

	c.log.Info("created ACME account",
		logger.Component("acmeclient"),
		slog.String("account_url", account.Location))
	return nil
}

// RequestCertificate opens a new order for the given domains.
func (c *Client) RequestCertificate(ctx context.Context, domains []string) (Order, error) {
	if len(domains) == 0 {
		return Order{}, fmt.Errorf("acmeclient: order requires at least one domain")
	}

	order, err := c.core.Orders.New(domains)
	if err != nil {
		return Order{}, fmt.Errorf("acmeclient: create order: %w", err)
	}

	c.log.Info("created certificate order",
		logger.Component("acmeclient"),
		slog.String("order_url", order.Location),
		slog.Any("domains", domains))
	return fromExtendedOrder(order), nil
}

// DNSChallenges resolves the order's authorizations and returns the pending
// DNS-01 challenge for each domain. Authorizations already valid (for
// example from a recent order) are skipped.
func (c *Client) DNSChallenges(ctx context.Context, order Order) ([]Challenge, error) {
	challenges := make([]Challenge, 0, len(order.AuthzURLs))

	for _, authzURL := range order.AuthzURLs {
		authz, err := c.core.Authorizations.Get(authzURL)
		if err != nil {
			return nil, fmt.Errorf("acmeclient: get authorization: %w", err)
		}
		if authz.Status == acme.StatusValid {
			continue
		}

		found := false
		for _, chlg := range authz.Challenges {
			if chlg.Type != "dns-01" {
				continue
			}
			challenges = append(challenges, Challenge{
				Domain: authz.Identifier.Value,
				Token:  chlg.Token,
				URL:    chlg.URL,
			})
			found = true
			break
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrNoDNSChallenge, authz.Identifier.Value)
		}
	}
	return challenges, nil
}

// KeyAuthorization computes the account-bound key authorization for a
// challenge token.
func (c *Client) KeyAuthorization(token string) (string, error) {
	keyAuth, err := c.core.GetKeyAuthorization(token)
	if err != nil {
		return "", fmt.Errorf("acmeclient: key authorization: %w", err)
	}
	return keyAuth, nil
}

// CompleteChallenge tells the CA to validate a challenge. The DNS record
// must already be propagated; the CA queries DNS immediately.
func (c *Client) CompleteChallenge(ctx context.Context, ch Challenge) error {
	if _, err := c.core.Challenges.New(ch.URL); err != nil {
		return fmt.Errorf("acmeclient: complete challenge for %s: %w", ch.Domain, err)
	}

	c.log.Info("challenge submitted for validation",
		logger.Component("acmeclient"),
		logger.Domain(ch.Domain))
	return nil
}

// WaitForOrder polls the order until it is ready or valid. An invalid order
// fails immediately; the deadline turns into ErrOrderTimeout.
func (c *Client) WaitForOrder(ctx context.Context, order Order, pollInterval, timeout time.Duration) (Order, error) {
	deadline := time.Now().Add(timeout)

	for {
		current, err := c.core.Orders.Get(order.Location)
		if err != nil {
			return Order{}, fmt.Errorf("acmeclient: poll order: %w", err)
		}

		switch current.Status {
		case acme.StatusReady, acme.StatusValid:
			return fromExtendedOrder(current), nil
		case acme.StatusInvalid:
			return Order{}, fmt.Errorf("%w: order %s", ErrOrderInvalid, order.Location)
		}

		if time.Now().After(deadline) {
			return Order{}, fmt.Errorf("%w: order %s still %s", ErrOrderTimeout, order.Location, current.Status)
		}

		select {
		case <-ctx.Done():
			return Order{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Finalize submits the CSR and downloads the issued certificate chain. It
// returns the leaf (bundled with intermediates) and the issuer certificate
// separately.
func (c *Client) Finalize(ctx context.Context, order Order, csrDER []byte, pollInterval, timeout time.Duration) (certPEM, issuerPEM []byte, err error) {
	current, err := c.core.Orders.UpdateForCSR(order.FinalizeURL, csrDER)
	if err != nil {
		return nil, nil, fmt.Errorf("acmeclient: finalize order: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for current.Status != acme.StatusValid || current.Certificate == "" {
		if current.Status == acme.StatusInvalid {
			return nil, nil, fmt.Errorf("%w: order %s after finalize", ErrOrderInvalid, order.Location)
		}
		if time.Now().After(deadline) {
			return nil, nil, fmt.Errorf("%w: certificate not issued for order %s", ErrOrderTimeout, order.Location)
		}

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(pollInterval):
		}

		current, err = c.core.Orders.Get(order.Location)
		if err != nil {
			return nil, nil, fmt.Errorf("acmeclient: poll finalized order: %w", err)
		}
	}

	certPEM, issuerPEM, err = c.core.Certificates.Get(current.Certificate, true)
	if err != nil {
		return nil, nil, fmt.Errorf("acmeclient: download certificate: %w", err)
	}

	c.log.Info("certificate issued",
		logger.Component("acmeclient"),
		slog.String("order_url", order.Location))
	return certPEM, issuerPEM, nil
}

func fromExtendedOrder(order acme.ExtendedOrder) Order {
	return Order{
		Location:       order.Location,
		Status:         order.Status,
		FinalizeURL:    order.Finalize,
		CertificateURL: order.Certificate,
		AuthzURLs:      order.Authorizations,
	}
}

// TXTRecordValue derives the DNS-01 TXT record content from a key
// authorization: the base64url-encoded SHA-256 digest, per RFC 8555 §8.4.
func TXTRecordValue(keyAuth string) string {
	sum := sha256.Sum256([]byte(keyAuth))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// CSRDER extracts the DER bytes from a PEM-encoded certificate request and
// validates its signature.
func CSRDER(csrPEM []byte) ([]byte, error) {
	block, _ := pem.Decode(csrPEM)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, ErrInvalidCSR
	}

	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCSR, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: signature check: %w", ErrInvalidCSR, err)
	}
	return block.Bytes, nil
}
