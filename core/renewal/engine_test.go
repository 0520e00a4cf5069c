package renewal_test

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/certops/core/acmeclient"
	"github.com/dmitrymomot/certops/core/certstore"
	"github.com/dmitrymomot/certops/core/device"
	"github.com/dmitrymomot/certops/core/dnschallenge"
	"github.com/dmitrymomot/certops/core/operation"
	"github.com/dmitrymomot/certops/core/renewal"
)

const testFullChain = "-----BEGIN CERTIFICATE-----\nLEAF\n-----END CERTIFICATE-----\n-----BEGIN CERTIFICATE-----\nISSUER\n-----END CERTIFICATE-----\n"
const testChain = "-----BEGIN CERTIFICATE-----\nISSUER\n-----END CERTIFICATE-----\n"

func testCSR(t *testing.T) []byte {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: "cucm.example.com"},
		DNSNames: []string{"cucm.example.com"},
	}, key)
	require.NoError(t, err)

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
}

// fakeACME is a scripted ACMEClient recording every call.
type fakeACME struct {
	mu sync.Mutex

	accountExists bool
	loadCalls     int
	createCalls   int

	orderedDomains []string
	completed      []string

	requestErr error
	finalized  bool
}

func (f *fakeACME) LoadAccount(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadCalls++
	if !f.accountExists {
		return acmeclient.ErrAccountNotFound
	}
	return nil
}

func (f *fakeACME) CreateAccount(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.accountExists = true
	return nil
}

func (f *fakeACME) RequestCertificate(_ context.Context, domains []string) (acmeclient.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requestErr != nil {
		return acmeclient.Order{}, f.requestErr
	}
	f.orderedDomains = domains
	return acmeclient.Order{Location: "https://ca.test/order/1", Status: "pending"}, nil
}

func (f *fakeACME) DNSChallenges(_ context.Context, _ acmeclient.Order) ([]acmeclient.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	challenges := make([]acmeclient.Challenge, 0, len(f.orderedDomains))
	for i, d := range f.orderedDomains {
		challenges = append(challenges, acmeclient.Challenge{
			Domain: d,
			Token:  "tok-" + d,
			URL:    "https://ca.test/chal/" + string(rune('a'+i)),
		})
	}
	return challenges, nil
}

func (f *fakeACME) KeyAuthorization(token string) (string, error) {
	return token + ".thumbprint", nil
}

func (f *fakeACME) CompleteChallenge(_ context.Context, ch acmeclient.Challenge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, ch.Domain)
	return nil
}

func (f *fakeACME) WaitForOrder(_ context.Context, order acmeclient.Order, _, _ time.Duration) (acmeclient.Order, error) {
	order.Status = "ready"
	order.FinalizeURL = "https://ca.test/finalize/1"
	return order, nil
}

func (f *fakeACME) Finalize(_ context.Context, _ acmeclient.Order, csrDER []byte, _, _ time.Duration) ([]byte, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(csrDER) == 0 {
		return nil, nil, errors.New("empty csr")
	}
	f.finalized = true
	return []byte(testFullChain), []byte(testChain), nil
}

func (f *fakeACME) completedDomains() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.completed...)
}

// fakeDNS records create/delete calls; verification outcome is scripted.
type fakeDNS struct {
	mu          sync.Mutex
	created     []string
	deleted     []string
	neverViable bool
}

func (f *fakeDNS) CreateTXTRecord(_ context.Context, fqdn, value string) (dnschallenge.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, fqdn)
	return dnschallenge.Record{ID: "rec-" + fqdn}, nil
}

func (f *fakeDNS) VerifyTXTRecord(context.Context, string, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.neverViable, nil
}

func (f *fakeDNS) DeleteTXTRecord(_ context.Context, rec dnschallenge.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, rec.ID)
	return nil
}

func (f *fakeDNS) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// fakeDevice serves a fixed CSR and records uploads. An optional gate
// blocks FetchCSR until released.
type fakeDevice struct {
	mu       sync.Mutex
	csr      []byte
	fetches  int
	uploads  [][]byte
	fetchErr error
	gate     chan struct{}
}

func (f *fakeDevice) FetchCSR(ctx context.Context, _ *device.Target) ([]byte, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.csr, nil
}

func (f *fakeDevice) UploadCertificate(_ context.Context, _ *device.Target, certPEM []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, certPEM)
	return nil
}

func (f *fakeDevice) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeDevice) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

type testRig struct {
	engine *renewal.Engine
	acme   *fakeACME
	dns    *fakeDNS
	dev    *fakeDevice
	store  *certstore.Store
	cfg    renewal.Config
}

func newTestRig(t *testing.T, mutate func(*renewal.Config)) *testRig {
	t.Helper()

	store, err := certstore.New(t.TempDir())
	require.NoError(t, err)

	cfg := renewal.Config{
		Email:           "ops@example.com",
		DNSPollInterval: time.Millisecond,
		DNSTimeout:      50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	acme := &fakeACME{}
	dns := &fakeDNS{}
	dev := &fakeDevice{csr: testCSR(t)}

	targets := device.NewStaticTargetStore(&device.Target{
		ID:       "cucm-pub-01",
		Host:     "203.0.113.10",
		FQDN:     "cucm.example.com",
		Username: "admin",
		Password: "secret",
		AltNames: []string{"cucm-alt.example.com"},
	})

	engine, err := renewal.New(cfg, renewal.Deps{
		Targets: targets,
		Device:  dev,
		DNS:     dns,
		Certs:   store,
		ACME: func(string, crypto.PrivateKey, bool) (renewal.ACMEClient, error) {
			return acme, nil
		},
	})
	require.NoError(t, err)

	return &testRig{engine: engine, acme: acme, dns: dns, dev: dev, store: store, cfg: cfg}
}

func waitTerminal(t *testing.T, engine *renewal.Engine, opID string) *operation.Operation {
	t.Helper()

	var final *operation.Operation
	require.Eventually(t, func() bool {
		op, err := engine.GetStatus(opID)
		if err != nil {
			return false
		}
		if !op.Status.Terminal() {
			return false
		}
		final = op
		return true
	}, 5*time.Second, 5*time.Millisecond)
	return final
}

func TestRenewal_HappyPath(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, nil)

	op, err := rig.engine.StartRenewal(context.Background(), "cucm-pub-01", operation.CreatedByUser)
	require.NoError(t, err)
	assert.Equal(t, operation.StatusPending, op.Status)

	final := waitTerminal(t, rig.engine, op.ID)
	require.Equal(t, operation.StatusCompleted, final.Status, "error: %s", final.Error)
	assert.Equal(t, 100, final.Progress)
	assert.Empty(t, final.Error)
	assert.NotNil(t, final.CompletedAt)

	// One order for the FQDN plus alt names, each validated once.
	assert.Equal(t, []string{"cucm.example.com", "cucm-alt.example.com"}, rig.acme.orderedDomains)
	assert.ElementsMatch(t, []string{"cucm.example.com", "cucm-alt.example.com"}, rig.acme.completedDomains())

	// Artifacts on disk before the upload happened, per the write order.
	set, err := rig.store.LoadArtifacts("cucm.example.com", certstore.EnvProduction)
	require.NoError(t, err)
	assert.Equal(t, testFullChain, string(set.FullChain))
	assert.Equal(t, testChain, string(set.Chain))
	assert.Contains(t, string(set.Certificate), "LEAF")
	assert.NotContains(t, string(set.Certificate), "ISSUER")

	// Device received the full chain.
	assert.Equal(t, 1, rig.dev.uploadCount())

	// CSR and account key cached for the next run.
	_, err = rig.store.LoadCSR("cucm.example.com", certstore.EnvProduction)
	require.NoError(t, err)
	_, err = rig.store.LoadAccountKey("cucm.example.com", certstore.EnvProduction)
	require.NoError(t, err)

	// Production run cleans its TXT records up (after the operation is
	// already terminal, hence eventually).
	assert.Eventually(t, func() bool {
		return len(rig.dns.deletedIDs()) == 2
	}, time.Second, 5*time.Millisecond)

	// The account did not exist, so it was registered exactly once.
	assert.Equal(t, 1, rig.acme.createCalls)
}

func TestRenewal_ReusesCachedCSR(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, nil)
	require.NoError(t, rig.store.SaveCSR("cucm.example.com", certstore.EnvProduction, testCSR(t)))

	op, err := rig.engine.StartRenewal(context.Background(), "cucm-pub-01", operation.CreatedByCron)
	require.NoError(t, err)

	final := waitTerminal(t, rig.engine, op.ID)
	require.Equal(t, operation.StatusCompleted, final.Status, "error: %s", final.Error)

	assert.Equal(t, 0, rig.dev.fetchCount(), "cached CSR must be reused without touching the device")
}

func TestRenewal_DNSVerificationFailure(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, nil)
	rig.dns.neverViable = true

	op, err := rig.engine.StartRenewal(context.Background(), "cucm-pub-01", operation.CreatedByUser)
	require.NoError(t, err)

	final := waitTerminal(t, rig.engine, op.ID)
	require.Equal(t, operation.StatusFailed, final.Status)
	assert.Contains(t, final.Error, "propagation")

	// Validation was never submitted and no artifacts were written.
	assert.Empty(t, rig.acme.completedDomains())
	_, err = rig.store.LoadArtifacts("cucm.example.com", certstore.EnvProduction)
	assert.ErrorIs(t, err, certstore.ErrNotFound)

	// Failure log line is recorded.
	var foundErrLine bool
	for _, entry := range final.Logs {
		if len(entry.Line) >= 6 && entry.Line[:6] == "ERROR:" {
			foundErrLine = true
		}
	}
	assert.True(t, foundErrLine)
}

func TestRenewal_DuplicateStartReturnsExisting(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, nil)
	rig.dev.gate = make(chan struct{})

	first, err := rig.engine.StartRenewal(context.Background(), "cucm-pub-01", operation.CreatedByUser)
	require.NoError(t, err)

	second, err := rig.engine.StartRenewal(context.Background(), "cucm-pub-01", operation.CreatedByUser)
	require.ErrorIs(t, err, operation.ErrAlreadyRunning)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)

	close(rig.dev.gate)
	final := waitTerminal(t, rig.engine, first.ID)
	assert.Equal(t, operation.StatusCompleted, final.Status, "error: %s", final.Error)

	// A new renewal is admitted once the first one is terminal.
	third, err := rig.engine.StartRenewal(context.Background(), "cucm-pub-01", operation.CreatedByUser)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
	waitTerminal(t, rig.engine, third.ID)
}

func TestRenewal_StagingKeepsDNSRecords(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, func(cfg *renewal.Config) { cfg.Staging = true })

	op, err := rig.engine.StartRenewal(context.Background(), "cucm-pub-01", operation.CreatedByUser)
	require.NoError(t, err)

	final := waitTerminal(t, rig.engine, op.ID)
	require.Equal(t, operation.StatusCompleted, final.Status, "error: %s", final.Error)

	assert.Empty(t, rig.dns.deletedIDs(), "staging keeps TXT records by default")

	// Staging artifacts live next to, not instead of, production ones.
	_, err = rig.store.LoadArtifacts("cucm.example.com", certstore.EnvStaging)
	require.NoError(t, err)
	_, err = rig.store.LoadArtifacts("cucm.example.com", certstore.EnvProduction)
	assert.ErrorIs(t, err, certstore.ErrNotFound)
}

func TestRenewal_StagingCleanupOverride(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, func(cfg *renewal.Config) {
		cfg.Staging = true
		cfg.CleanupStagingRecords = true
	})

	op, err := rig.engine.StartRenewal(context.Background(), "cucm-pub-01", operation.CreatedByUser)
	require.NoError(t, err)

	final := waitTerminal(t, rig.engine, op.ID)
	require.Equal(t, operation.StatusCompleted, final.Status, "error: %s", final.Error)
	assert.Eventually(t, func() bool {
		return len(rig.dns.deletedIDs()) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestRenewal_ExistingAccountNotRecreated(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, nil)
	rig.acme.accountExists = true

	op, err := rig.engine.StartRenewal(context.Background(), "cucm-pub-01", operation.CreatedByUser)
	require.NoError(t, err)

	final := waitTerminal(t, rig.engine, op.ID)
	require.Equal(t, operation.StatusCompleted, final.Status, "error: %s", final.Error)
	assert.Equal(t, 1, rig.acme.loadCalls)
	assert.Equal(t, 0, rig.acme.createCalls)
}

func TestRenewal_CancelStopsAtStepBoundary(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, nil)
	rig.dev.gate = make(chan struct{})

	op, err := rig.engine.StartRenewal(context.Background(), "cucm-pub-01", operation.CreatedByUser)
	require.NoError(t, err)

	// Wait until the renewal is inside the CSR step, then cancel.
	require.Eventually(t, func() bool {
		current, err := rig.engine.GetStatus(op.ID)
		return err == nil && current.Status == operation.StatusInProgress
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, rig.engine.CancelOperation(op.ID))
	close(rig.dev.gate)

	final := waitTerminal(t, rig.engine, op.ID)
	assert.Equal(t, operation.StatusFailed, final.Status)
	assert.Contains(t, final.Error, "cancelled")
	assert.Empty(t, rig.acme.orderedDomains, "no order may be created after cancellation")
}

func TestRenewal_UnknownTarget(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, nil)
	_, err := rig.engine.StartRenewal(context.Background(), "no-such-target", operation.CreatedByUser)
	require.Error(t, err)
	assert.ErrorIs(t, err, device.ErrTargetNotFound)
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	store, err := certstore.New(t.TempDir())
	require.NoError(t, err)

	deps := renewal.Deps{
		Targets: device.NewStaticTargetStore(),
		Device:  &fakeDevice{},
		DNS:     &fakeDNS{},
		Certs:   store,
	}

	_, err = renewal.New(renewal.Config{}, deps)
	assert.ErrorIs(t, err, renewal.ErrEmailRequired)

	broken := deps
	broken.Certs = nil
	_, err = renewal.New(renewal.Config{Email: "ops@example.com"}, broken)
	assert.ErrorIs(t, err, renewal.ErrCertStoreRequired)

	_, err = renewal.New(renewal.Config{Email: "ops@example.com"}, deps)
	require.NoError(t, err)
}
