package dnschallenge_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/certops/core/dnschallenge"
)

type fakeProvider struct {
	mu      sync.Mutex
	calls   []string
	created map[string]string
	deleted []string

	visibleAfter map[string]int // fqdn -> verify attempts before visible
	verifyCount  map[string]int

	createErr error
	deleteErr error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		created:      make(map[string]string),
		visibleAfter: make(map[string]int),
		verifyCount:  make(map[string]int),
	}
}

func (f *fakeProvider) CreateTXTRecord(_ context.Context, fqdn, value string) (dnschallenge.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return dnschallenge.Record{}, f.createErr
	}
	f.calls = append(f.calls, "create:"+fqdn)
	f.created[fqdn] = value
	return dnschallenge.Record{ID: "rec-" + fqdn}, nil
}

func (f *fakeProvider) VerifyTXTRecord(_ context.Context, fqdn, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, "verify:"+fqdn)
	f.verifyCount[fqdn]++
	return f.verifyCount[fqdn] > f.visibleAfter[fqdn], nil
}

func (f *fakeProvider) DeleteTXTRecord(_ context.Context, rec dnschallenge.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, rec.ID)
	return nil
}

func staticValue(value string) func(string) (string, error) {
	return func(string) (string, error) { return value, nil }
}

func TestChallengeFQDN(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "_acme-challenge.cucm.example.com", dnschallenge.ChallengeFQDN("cucm.example.com"))
	assert.Equal(t, "_acme-challenge.cucm.example.com", dnschallenge.ChallengeFQDN("cucm.example.com."))
	assert.Equal(t, "_acme-challenge.cucm.example.com", dnschallenge.ChallengeFQDN(" cucm.example.com "))
}

func TestCoordinator_CreatesAllRecordsBeforeVerifying(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider()
	coord := dnschallenge.NewCoordinator(provider,
		dnschallenge.WithPollInterval(time.Millisecond),
		dnschallenge.WithTimeout(time.Second))

	domains := []string{"a.example.com", "b.example.com", "c.example.com"}
	err := coord.Validate(context.Background(), domains, staticValue("token"))
	require.NoError(t, err)

	// Every create call must come before the first verify call.
	firstVerify := -1
	lastCreate := -1
	for i, call := range provider.calls {
		switch call[:6] {
		case "create":
			lastCreate = i
		case "verify":
			if firstVerify < 0 {
				firstVerify = i
			}
		}
	}
	require.GreaterOrEqual(t, firstVerify, 0)
	assert.Less(t, lastCreate, firstVerify)

	records := coord.Records()
	require.Len(t, records, 3)
	assert.Equal(t, "a.example.com", records[0].Domain)
	assert.Equal(t, "_acme-challenge.a.example.com", records[0].FQDN)
	assert.Equal(t, "token", records[0].Value)
}

func TestCoordinator_PollsUntilVisible(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider()
	provider.visibleAfter["_acme-challenge.slow.example.com"] = 3

	coord := dnschallenge.NewCoordinator(provider,
		dnschallenge.WithPollInterval(time.Millisecond),
		dnschallenge.WithTimeout(time.Second))

	err := coord.Validate(context.Background(), []string{"slow.example.com"}, staticValue("token"))
	require.NoError(t, err)
	assert.Equal(t, 4, provider.verifyCount["_acme-challenge.slow.example.com"])
}

func TestCoordinator_PropagationTimeout(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider()
	provider.visibleAfter["_acme-challenge.stuck.example.com"] = 1 << 30

	coord := dnschallenge.NewCoordinator(provider,
		dnschallenge.WithPollInterval(time.Millisecond),
		dnschallenge.WithTimeout(10*time.Millisecond))

	err := coord.Validate(context.Background(), []string{"stuck.example.com"}, staticValue("token"))
	require.Error(t, err)
	assert.ErrorIs(t, err, dnschallenge.ErrPropagationTimeout)
	assert.Contains(t, err.Error(), "stuck.example.com")

	// Records stay tracked so the caller can still clean up.
	assert.Len(t, coord.Records(), 1)
}

func TestCoordinator_CreateFailureAborts(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider()
	provider.createErr = errors.New("zone not found")

	coord := dnschallenge.NewCoordinator(provider)

	err := coord.Validate(context.Background(), []string{"x.example.com"}, staticValue("token"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zone not found")
	assert.Empty(t, coord.Records())
}

func TestCoordinator_ContextCancellation(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider()
	provider.visibleAfter["_acme-challenge.x.example.com"] = 1 << 30

	coord := dnschallenge.NewCoordinator(provider,
		dnschallenge.WithPollInterval(50*time.Millisecond),
		dnschallenge.WithTimeout(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := coord.Validate(ctx, []string{"x.example.com"}, staticValue("token"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCoordinator_CleanupDeletesAllRecords(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider()
	coord := dnschallenge.NewCoordinator(provider,
		dnschallenge.WithPollInterval(time.Millisecond),
		dnschallenge.WithTimeout(time.Second))

	err := coord.Validate(context.Background(), []string{"a.example.com", "b.example.com"}, staticValue("token"))
	require.NoError(t, err)

	coord.Cleanup(context.Background())
	assert.ElementsMatch(t, []string{
		"rec-_acme-challenge.a.example.com",
		"rec-_acme-challenge.b.example.com",
	}, provider.deleted)
	assert.Empty(t, coord.Records())
}

func TestCoordinator_CleanupIsBestEffort(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider()
	coord := dnschallenge.NewCoordinator(provider,
		dnschallenge.WithPollInterval(time.Millisecond),
		dnschallenge.WithTimeout(time.Second))

	err := coord.Validate(context.Background(), []string{"a.example.com"}, staticValue("token"))
	require.NoError(t, err)

	provider.deleteErr = errors.New("api unavailable")

	// Must not panic or return; failures are only logged.
	coord.Cleanup(context.Background())
	assert.Empty(t, coord.Records())
}

func TestCoordinator_NoDomains(t *testing.T) {
	t.Parallel()

	coord := dnschallenge.NewCoordinator(newFakeProvider())
	err := coord.Validate(context.Background(), nil, staticValue("token"))
	require.Error(t, err)
}

func TestCoordinator_KeyAuthorizationError(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider()
	coord := dnschallenge.NewCoordinator(provider)

	err := coord.Validate(context.Background(), []string{"x.example.com"}, func(string) (string, error) {
		return "", errors.New("no such authorization")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such authorization")
	assert.Empty(t, provider.calls)
}
