// Package cloudflare implements the dnschallenge.DNSProvider capability on
// the Cloudflare v4 REST API. Records are created and deleted through the
// API; verification goes through a resolver-backed propagation check, never
// through Cloudflare's own record listing.
package cloudflare

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dmitrymomot/certops/core/dnschallenge"
)

const defaultBaseURL = "https://api.cloudflare.com/client/v4"

const defaultTTL = 120

// Config holds the credentials and zone the provider operates on.
type Config struct {
	// APIToken is a scoped Cloudflare API token with DNS edit permission.
	APIToken string
	// ZoneID is the Cloudflare zone the challenge records are created in.
	ZoneID string
	// TTL for created TXT records; defaults to 120 seconds.
	TTL int
	// BaseURL overrides the API endpoint, primarily for tests.
	BaseURL string
}

// Provider is a Cloudflare-backed DNSProvider.
type Provider struct {
	cfg     Config
	client  *http.Client
	checker *dnschallenge.PropagationChecker
}

// New creates a Cloudflare provider from explicit configuration.
func New(cfg Config, opts ...dnschallenge.PropagationOption) (*Provider, error) {
	if cfg.APIToken == "" {
		return nil, errors.New("cloudflare: API token is required")
	}
	if cfg.ZoneID == "" {
		return nil, errors.New("cloudflare: zone ID is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}

	return &Provider{
		cfg:     cfg,
		client:  &http.Client{Timeout: 30 * time.Second},
		checker: dnschallenge.NewPropagationChecker(opts...),
	}, nil
}

type apiResponse struct {
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Result struct {
		ID string `json:"id"`
	} `json:"result"`
}

// CreateTXTRecord creates the challenge record and returns its handle.
func (p *Provider) CreateTXTRecord(ctx context.Context, fqdn, value string) (dnschallenge.Record, error) {
	payload, err := json.Marshal(map[string]any{
		"type":    "TXT",
		"name":    fqdn,
		"content": value,
		"ttl":     p.cfg.TTL,
	})
	if err != nil {
		return dnschallenge.Record{}, fmt.Errorf("cloudflare: encode record: %w", err)
	}

	url := fmt.Sprintf("%s/zones/%s/dns_records", p.cfg.BaseURL, p.cfg.ZoneID)
	resp, err := p.do(ctx, http.MethodPost, url, payload)
	if err != nil {
		return dnschallenge.Record{}, err
	}
	if resp.Result.ID == "" {
		return dnschallenge.Record{}, errors.New("cloudflare: create response missing record id")
	}

	return dnschallenge.Record{ID: resp.Result.ID, FQDN: fqdn, Value: value}, nil
}

// VerifyTXTRecord checks resolver-visible DNS state for the expected value.
func (p *Provider) VerifyTXTRecord(ctx context.Context, fqdn, value string) (bool, error) {
	return p.checker.Check(ctx, fqdn, value)
}

// DeleteTXTRecord removes a previously created record by its handle.
func (p *Provider) DeleteTXTRecord(ctx context.Context, rec dnschallenge.Record) error {
	if rec.ID == "" {
		return errors.New("cloudflare: record handle has no id")
	}

	url := fmt.Sprintf("%s/zones/%s/dns_records/%s", p.cfg.BaseURL, p.cfg.ZoneID, rec.ID)
	_, err := p.do(ctx, http.MethodDelete, url, nil)
	return err
}

func (p *Provider) do(ctx context.Context, method, url string, body []byte) (*apiResponse, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("cloudflare: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cloudflare: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("cloudflare: decode response: %w", err)
	}

	if !parsed.Success {
		if len(parsed.Errors) > 0 {
			return nil, fmt.Errorf("cloudflare: API error %d: %s", parsed.Errors[0].Code, parsed.Errors[0].Message)
		}
		return nil, fmt.Errorf("cloudflare: request failed with status %d", resp.StatusCode)
	}
	return &parsed, nil
}

func init() {
	dnschallenge.RegisterProvider(&dnschallenge.ProviderInfo{
		Name:           "cloudflare",
		Description:    "Cloudflare DNS (API token)",
		RequiredFields: []string{"apiToken", "zoneId"},
		Factory: func(config map[string]string) (dnschallenge.DNSProvider, error) {
			cfg := Config{
				APIToken: config["apiToken"],
				ZoneID:   config["zoneId"],
			}
			if raw := config["ttl"]; raw != "" {
				ttl, err := strconv.Atoi(raw)
				if err != nil {
					return nil, fmt.Errorf("invalid ttl %q: %w", raw, err)
				}
				cfg.TTL = ttl
			}
			return New(cfg)
		},
	})
}
