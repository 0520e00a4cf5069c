package dnschallenge

import (
	"fmt"
	"sync"
)

// ProviderFactory builds a DNSProvider from a flat string configuration.
type ProviderFactory func(config map[string]string) (DNSProvider, error)

// ProviderInfo describes a registered DNS provider implementation.
type ProviderInfo struct {
	Name           string
	Description    string
	RequiredFields []string
	Factory        ProviderFactory
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]*ProviderInfo)
)

// RegisterProvider adds a provider implementation to the registry. Provider
// packages call this from init; registering the same name twice panics, as
// it can only be a programming error.
func RegisterProvider(info *ProviderInfo) {
	if info == nil || info.Name == "" || info.Factory == nil {
		panic("dnschallenge: invalid provider registration")
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[info.Name]; exists {
		panic(fmt.Sprintf("dnschallenge: provider %q already registered", info.Name))
	}
	registry[info.Name] = info
}

// NewProvider instantiates a registered provider by name, validating that
// all required configuration fields are present and non-empty.
func NewProvider(name string, config map[string]string) (DNSProvider, error) {
	registryMu.RLock()
	info, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotRegistered, name)
	}

	for _, field := range info.RequiredFields {
		if config[field] == "" {
			return nil, fmt.Errorf("dnschallenge: provider %s: required field %q missing", name, field)
		}
	}

	provider, err := info.Factory(config)
	if err != nil {
		return nil, fmt.Errorf("dnschallenge: create provider %s: %w", name, err)
	}
	return provider, nil
}

// Providers lists the names of all registered providers.
func Providers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
