// Package renewal orchestrates certificate issuance and deployment for
// appliances that cannot run an ACME client themselves. A renewal walks a
// linear sequence of states from CSR retrieval through DNS-01 validation to
// certificate upload; progress is recorded in the operation tracker and
// every run is admitted at most once per target and kind.
package renewal

import (
	"bytes"
	"context"
	"crypto"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-acme/lego/v4/lego"

	"github.com/dmitrymomot/certops/core/acmeclient"
	"github.com/dmitrymomot/certops/core/certstore"
	"github.com/dmitrymomot/certops/core/device"
	"github.com/dmitrymomot/certops/core/dnschallenge"
	"github.com/dmitrymomot/certops/core/logger"
	"github.com/dmitrymomot/certops/core/operation"
	"github.com/dmitrymomot/certops/core/remotecmd"
	"github.com/dmitrymomot/certops/pkg/async"
)

// ACMEClient is the certificate-authority capability the engine drives,
// one instance per renewal attempt.
type ACMEClient interface {
	LoadAccount(ctx context.Context) error
	CreateAccount(ctx context.Context) error
	RequestCertificate(ctx context.Context, domains []string) (acmeclient.Order, error)
	DNSChallenges(ctx context.Context, order acmeclient.Order) ([]acmeclient.Challenge, error)
	KeyAuthorization(token string) (string, error)
	CompleteChallenge(ctx context.Context, ch acmeclient.Challenge) error
	WaitForOrder(ctx context.Context, order acmeclient.Order, pollInterval, timeout time.Duration) (acmeclient.Order, error)
	Finalize(ctx context.Context, order acmeclient.Order, csrDER []byte, pollInterval, timeout time.Duration) (certPEM, issuerPEM []byte, err error)
}

// ACMEFactory builds an ACMEClient bound to an account key. The engine calls
// it once per renewal, after loading or generating the key.
type ACMEFactory func(email string, accountKey crypto.PrivateKey, staging bool) (ACMEClient, error)

// SessionDialer opens remote CLI sessions to targets.
type SessionDialer interface {
	Open(ctx context.Context, target *device.Target) (remotecmd.Session, error)
}

// Deps are the engine's collaborators. Targets, Device, DNS and Certs are
// required; the rest default to production implementations.
type Deps struct {
	Targets device.TargetStore
	Device  device.Device
	DNS     dnschallenge.DNSProvider
	Certs   *certstore.Store
	Tracker *operation.Tracker
	ACME    ACMEFactory
	Dialer  SessionDialer
	Runner  *remotecmd.Runner
	Logger  *slog.Logger
}

// Engine runs renewal, restart, and connectivity operations against targets.
type Engine struct {
	cfg     Config
	targets device.TargetStore
	device  device.Device
	dns     dnschallenge.DNSProvider
	certs   *certstore.Store
	tracker *operation.Tracker
	acme    ACMEFactory
	dialer  SessionDialer
	runner  *remotecmd.Runner
	log     *slog.Logger
}

// New validates deps and creates an engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	switch {
	case cfg.Email == "":
		return nil, ErrEmailRequired
	case deps.Targets == nil:
		return nil, ErrTargetStoreRequired
	case deps.Device == nil:
		return nil, ErrDeviceRequired
	case deps.DNS == nil:
		return nil, ErrDNSProviderRequired
	case deps.Certs == nil:
		return nil, ErrCertStoreRequired
	}

	e := &Engine{
		cfg:     cfg,
		targets: deps.Targets,
		device:  deps.Device,
		dns:     deps.DNS,
		certs:   deps.Certs,
		tracker: deps.Tracker,
		acme:    deps.ACME,
		dialer:  deps.Dialer,
		runner:  deps.Runner,
		log:     deps.Logger,
	}
	if e.log == nil {
		e.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if e.tracker == nil {
		e.tracker = operation.NewTracker(operation.WithLogger(e.log))
	}
	if e.runner == nil {
		e.runner = remotecmd.NewRunner(remotecmd.WithRunnerLogger(e.log))
	}
	if e.dialer == nil {
		e.dialer = remotecmd.NewDialer()
	}
	if e.acme == nil {
		e.acme = func(email string, accountKey crypto.PrivateKey, staging bool) (ACMEClient, error) {
			dir := lego.LEDirectoryProduction
			if staging {
				dir = lego.LEDirectoryStaging
			}
			return acmeclient.New(acmeclient.Config{
				DirectoryURL: dir,
				Email:        email,
				AccountKey:   accountKey,
			}, acmeclient.WithLogger(e.log))
		}
	}
	return e, nil
}

// Tracker exposes the operation tracker, mainly to wire sinks and cleanup.
func (e *Engine) Tracker() *operation.Tracker { return e.tracker }

// StartRenewal admits and launches a certificate renewal for the target.
// It returns immediately with the pending operation; the renewal itself
// runs in the background. A non-terminal renewal already running for the
// target is returned with operation.ErrAlreadyRunning.
func (e *Engine) StartRenewal(ctx context.Context, targetID string, createdBy operation.CreatedBy) (*operation.Operation, error) {
	target, err := e.targets.GetTarget(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("renewal: resolve target %s: %w", targetID, err)
	}

	op, err := e.tracker.Start(targetID, operation.KindCertificateRenewal, createdBy, map[string]string{
		"domain": target.FQDN,
	})
	if err != nil {
		return op, err
	}

	e.log.Info("renewal started",
		logger.Component("renewal"),
		logger.OperationID(op.ID),
		logger.TargetID(targetID),
		logger.Domain(target.FQDN))

	async.Run(context.Background(), op.ID, func(ctx context.Context, opID string) error {
		e.runRenewal(ctx, opID, target)
		return nil
	})
	return op, nil
}

// GetStatus returns a snapshot of an operation.
func (e *Engine) GetStatus(operationID string) (*operation.Operation, error) {
	return e.tracker.Get(operationID)
}

// ListOperations returns all operations recorded for a target.
func (e *Engine) ListOperations(targetID string) []*operation.Operation {
	return e.tracker.ListByTarget(targetID)
}

// CancelOperation requests cooperative cancellation; the running operation
// stops at its next step boundary.
func (e *Engine) CancelOperation(operationID string) error {
	return e.tracker.Cancel(operationID)
}

// CleanupOperations removes terminal operations older than maxAge and
// returns how many were dropped.
func (e *Engine) CleanupOperations(maxAge time.Duration) int {
	return e.tracker.Cleanup(maxAge)
}

func (e *Engine) env() certstore.Environment {
	if e.cfg.Staging {
		return certstore.EnvStaging
	}
	return certstore.EnvProduction
}

// advance moves the operation to the next state, honoring cancellation at
// the boundary.
func (e *Engine) advance(opID, state string, progress int, message string) error {
	if e.tracker.Cancelled(opID) {
		return ErrCancelled
	}
	_, err := e.tracker.Update(opID, operation.Patch{
		Status:   ptr(operation.StatusInProgress),
		Progress: &progress,
		Message:  &message,
		Metadata: map[string]string{"state": state},
	})
	return err
}

func (e *Engine) fail(opID string, err error) {
	msg := "Operation failed"
	if errors.Is(err, ErrCancelled) {
		msg = "Operation cancelled"
	}
	errText := err.Error()
	_, _ = e.tracker.Update(opID, operation.Patch{
		Status:  ptr(operation.StatusFailed),
		Message: &msg,
		Error:   &errText,
	})
	_ = e.tracker.AppendLog(opID, "ERROR: "+errText)

	e.log.Error("operation failed",
		logger.Component("renewal"),
		logger.OperationID(opID),
		logger.Error(err))
}

func (e *Engine) complete(opID, message string, metadata map[string]string) {
	progress := 100
	_, _ = e.tracker.Update(opID, operation.Patch{
		Status:   ptr(operation.StatusCompleted),
		Progress: &progress,
		Message:  &message,
		Metadata: metadata,
	})
}

// runRenewal executes the renewal state machine. Each state is entered via
// advance, which is also the cancellation point; a failing step marks the
// operation failed and stops. There is no automatic retry: operators re-run
// after fixing the cause, and partial side effects (ACME account, cached
// CSR, staging TXT records) are kept for the next attempt.
func (e *Engine) runRenewal(ctx context.Context, opID string, target *device.Target) {
	env := e.env()
	domain := target.FQDN

	// generating_csr: devices keep their private key, so the CSR must come
	// from the appliance. A CSR cached from a previous attempt is reused
	// as-is; the appliance regenerating one would invalidate the pending
	// key material.
	if err := e.advance(opID, "generating_csr", 10, "Retrieving certificate signing request"); err != nil {
		e.fail(opID, err)
		return
	}
	csrPEM, err := e.certs.LoadCSR(domain, env)
	if errors.Is(err, certstore.ErrNotFound) {
		csrPEM, err = e.device.FetchCSR(ctx, target)
		if err == nil {
			err = e.certs.SaveCSR(domain, env, csrPEM)
		}
	}
	if err != nil {
		e.fail(opID, fmt.Errorf("obtain CSR: %w", err))
		return
	}
	csrDER, err := acmeclient.CSRDER(csrPEM)
	if err != nil {
		e.fail(opID, err)
		return
	}

	// creating_account: load-before-create on the cached key. The check
	// and the registration are not atomic across processes; the CA treats
	// re-registration of the same key as idempotent, so the race is
	// harmless.
	if err := e.advance(opID, "creating_account", 20, "Preparing ACME account"); err != nil {
		e.fail(opID, err)
		return
	}
	accountKey, err := e.loadOrCreateAccountKey(domain, env)
	if err != nil {
		e.fail(opID, err)
		return
	}
	acme, err := e.acme(e.cfg.Email, accountKey, e.cfg.Staging)
	if err != nil {
		e.fail(opID, fmt.Errorf("acme client: %w", err))
		return
	}
	if err := acme.LoadAccount(ctx); err != nil {
		if !errors.Is(err, acmeclient.ErrAccountNotFound) {
			e.fail(opID, err)
			return
		}
		if err := acme.CreateAccount(ctx); err != nil {
			e.fail(opID, err)
			return
		}
	}

	// requesting_certificate: one order covers the FQDN and all alt names.
	if err := e.advance(opID, "requesting_certificate", 30, "Requesting certificate"); err != nil {
		e.fail(opID, err)
		return
	}
	order, err := acme.RequestCertificate(ctx, target.Domains())
	if err != nil {
		e.fail(opID, err)
		return
	}
	challenges, err := acme.DNSChallenges(ctx, order)
	if err != nil {
		e.fail(opID, err)
		return
	}

	coord := dnschallenge.NewCoordinator(e.dns,
		dnschallenge.WithPollInterval(e.cfg.DNSPollInterval),
		dnschallenge.WithTimeout(e.cfg.DNSTimeout),
		dnschallenge.WithCoordinatorLogger(e.log))

	// Staging runs keep their TXT records for inspection unless cleanup is
	// forced; production always cleans up, on failure paths too.
	defer func() {
		if !e.cfg.Staging || e.cfg.CleanupStagingRecords {
			coord.Cleanup(ctx)
		}
	}()

	if len(challenges) > 0 {
		byDomain := make(map[string]acmeclient.Challenge, len(challenges))
		pending := make([]string, 0, len(challenges))
		for _, ch := range challenges {
			byDomain[ch.Domain] = ch
			pending = append(pending, ch.Domain)
		}

		// creating_dns_challenge: all records created up front so their
		// propagation windows overlap.
		if err := e.advance(opID, "creating_dns_challenge", 40, "Creating DNS validation records"); err != nil {
			e.fail(opID, err)
			return
		}
		valueFor := func(d string) (string, error) {
			keyAuth, err := acme.KeyAuthorization(byDomain[d].Token)
			if err != nil {
				return "", err
			}
			return acmeclient.TXTRecordValue(keyAuth), nil
		}
		if err := coord.CreateRecords(ctx, pending, valueFor); err != nil {
			e.fail(opID, err)
			return
		}

		// waiting_dns_propagation: resolver-confirmed visibility, never
		// trusting the provider's create acknowledgment.
		if err := e.advance(opID, "waiting_dns_propagation", 55, "Waiting for DNS propagation"); err != nil {
			e.fail(opID, err)
			return
		}
		if err := coord.WaitForPropagation(ctx); err != nil {
			e.fail(opID, err)
			return
		}

		// completing_validation: the CA checks DNS immediately, so
		// challenges are submitted only after propagation is confirmed.
		if err := e.advance(opID, "completing_validation", 70, "Completing domain validation"); err != nil {
			e.fail(opID, err)
			return
		}
		for _, d := range pending {
			if err := acme.CompleteChallenge(ctx, byDomain[d]); err != nil {
				e.fail(opID, err)
				return
			}
		}
		time.Sleep(e.cfg.SettleDelay)
	} else if err := e.advance(opID, "completing_validation", 70, "All domains already validated"); err != nil {
		e.fail(opID, err)
		return
	}

	order, err = acme.WaitForOrder(ctx, order, e.cfg.OrderPollInterval, e.cfg.OrderTimeout)
	if err != nil {
		e.fail(opID, err)
		return
	}

	// downloading_certificate: artifacts hit disk before the device sees
	// anything, so a failed upload never loses an issued certificate.
	if err := e.advance(opID, "downloading_certificate", 85, "Downloading certificate"); err != nil {
		e.fail(opID, err)
		return
	}
	fullChain, chain, err := acme.Finalize(ctx, order, csrDER, e.cfg.OrderPollInterval, e.cfg.OrderTimeout)
	if err != nil {
		e.fail(opID, err)
		return
	}
	set := certstore.ArtifactSet{
		Certificate: splitLeaf(fullChain, chain),
		Chain:       chain,
		FullChain:   fullChain,
	}
	if err := e.certs.SaveArtifacts(domain, env, set); err != nil {
		e.fail(opID, fmt.Errorf("persist artifacts: %w", err))
		return
	}

	// uploading_certificate
	if err := e.advance(opID, "uploading_certificate", 95, "Uploading certificate to device"); err != nil {
		e.fail(opID, err)
		return
	}
	if err := e.device.UploadCertificate(ctx, target, fullChain); err != nil {
		e.fail(opID, err)
		return
	}

	e.complete(opID, "Certificate renewed and deployed", map[string]string{"state": "completed"})

	e.log.Info("renewal completed",
		logger.Component("renewal"),
		logger.OperationID(opID),
		logger.TargetID(target.ID),
		logger.Domain(domain))
}

func (e *Engine) loadOrCreateAccountKey(domain string, env certstore.Environment) (crypto.PrivateKey, error) {
	keyPEM, err := e.certs.LoadAccountKey(domain, env)
	if err == nil {
		return acmeclient.ParseAccountKey(keyPEM)
	}
	if !errors.Is(err, certstore.ErrNotFound) {
		return nil, fmt.Errorf("load account key: %w", err)
	}

	key, err := acmeclient.GenerateAccountKey()
	if err != nil {
		return nil, err
	}
	keyPEM, err = acmeclient.EncodeAccountKey(key)
	if err != nil {
		return nil, err
	}
	if err := e.certs.SaveAccountKey(domain, env, keyPEM); err != nil {
		return nil, fmt.Errorf("save account key: %w", err)
	}
	return key, nil
}

// splitLeaf returns the leaf certificate from a fullchain bundle by
// stripping the trailing chain.
func splitLeaf(fullChain, chain []byte) []byte {
	leaf := bytes.TrimSuffix(bytes.TrimSpace(fullChain), bytes.TrimSpace(chain))
	leaf = bytes.TrimSpace(leaf)
	if len(leaf) == 0 {
		return fullChain
	}
	return append(leaf, '\n')
}

func ptr[T any](v T) *T { return &v }
