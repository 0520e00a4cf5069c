package dnschallenge_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/certops/core/dnschallenge"
)

type nopProvider struct{}

func (nopProvider) CreateTXTRecord(context.Context, string, string) (dnschallenge.Record, error) {
	return dnschallenge.Record{ID: "nop"}, nil
}

func (nopProvider) VerifyTXTRecord(context.Context, string, string) (bool, error) {
	return true, nil
}

func (nopProvider) DeleteTXTRecord(context.Context, dnschallenge.Record) error {
	return nil
}

func TestRegistry_NewProvider(t *testing.T) {
	dnschallenge.RegisterProvider(&dnschallenge.ProviderInfo{
		Name:           "test-static",
		Description:    "static test provider",
		RequiredFields: []string{"token"},
		Factory: func(config map[string]string) (dnschallenge.DNSProvider, error) {
			return nopProvider{}, nil
		},
	})

	t.Run("missing required field", func(t *testing.T) {
		_, err := dnschallenge.NewProvider("test-static", map[string]string{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "token")
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := dnschallenge.NewProvider("no-such-provider", nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, dnschallenge.ErrProviderNotRegistered)
	})

	t.Run("success", func(t *testing.T) {
		provider, err := dnschallenge.NewProvider("test-static", map[string]string{"token": "abc"})
		require.NoError(t, err)
		require.NotNil(t, provider)
	})

	t.Run("listed", func(t *testing.T) {
		assert.Contains(t, dnschallenge.Providers(), "test-static")
	})
}

func TestRegistry_DuplicateRegistrationPanics(t *testing.T) {
	info := &dnschallenge.ProviderInfo{
		Name: "test-dup",
		Factory: func(map[string]string) (dnschallenge.DNSProvider, error) {
			return nopProvider{}, nil
		},
	}
	dnschallenge.RegisterProvider(info)
	assert.Panics(t, func() { dnschallenge.RegisterProvider(info) })
}

func TestRegistry_InvalidRegistrationPanics(t *testing.T) {
	assert.Panics(t, func() { dnschallenge.RegisterProvider(nil) })
	assert.Panics(t, func() { dnschallenge.RegisterProvider(&dnschallenge.ProviderInfo{Name: "no-factory"}) })
}
