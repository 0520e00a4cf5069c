package device

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dmitrymomot/certops/core/logger"
)

const defaultServiceName = "tomcat"

// ApplianceClient talks to the platform certificate-management REST API of
// a unified-communications appliance over HTTPS with basic auth.
type ApplianceClient struct {
	service string
	timeout time.Duration
	log     *slog.Logger

	// One client per TLS verification mode; appliances mid-renewal
	// usually present a certificate we cannot verify yet.
	strict   *http.Client
	insecure *http.Client
}

// ApplianceOption configures an ApplianceClient.
type ApplianceOption func(*ApplianceClient)

// WithServiceName sets the appliance service whose certificate is managed.
// Defaults to "tomcat", the web/management service on UC appliances.
func WithServiceName(service string) ApplianceOption {
	return func(c *ApplianceClient) { c.service = service }
}

// WithRequestTimeout sets the per-request timeout.
func WithRequestTimeout(d time.Duration) ApplianceOption {
	return func(c *ApplianceClient) { c.timeout = d }
}

// WithApplianceLogger sets the client's logger.
func WithApplianceLogger(l *slog.Logger) ApplianceOption {
	return func(c *ApplianceClient) { c.log = l }
}

// NewApplianceClient creates a client for the platform certificate API.
func NewApplianceClient(opts ...ApplianceOption) *ApplianceClient {
	c := &ApplianceClient{
		service: defaultServiceName,
		timeout: 60 * time.Second,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	c.strict = &http.Client{Timeout: c.timeout}
	c.insecure = &http.Client{
		Timeout: c.timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	return c
}

type csrResponse struct {
	CSR string `json:"csr"`
}

type uploadResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// FetchCSR asks the appliance to generate (or return the pending) CSR for
// the managed service. The appliance keeps the private key.
func (c *ApplianceClient) FetchCSR(ctx context.Context, target *Target) ([]byte, error) {
	payload := map[string]any{
		"service":  c.service,
		"hostname": target.FQDN,
		"sans":     target.AltNames,
	}

	var parsed csrResponse
	if err := c.do(ctx, target, http.MethodPost, "/platformcom/api/v1/certmgr/config/csr", payload, &parsed); err != nil {
		return nil, fmt.Errorf("device: fetch CSR from %s: %w", target.Host, err)
	}
	if parsed.CSR == "" {
		return nil, fmt.Errorf("%w: %s", ErrEmptyCSR, target.Host)
	}

	c.log.Info("fetched CSR from appliance",
		logger.Component("device"),
		logger.TargetID(target.ID),
		logger.Domain(target.FQDN))
	return []byte(parsed.CSR), nil
}

// UploadCertificate installs the issued chain for the managed service.
func (c *ApplianceClient) UploadCertificate(ctx context.Context, target *Target, certPEM []byte) error {
	payload := map[string]any{
		"service":     c.service,
		"certificate": string(certPEM),
	}

	var parsed uploadResponse
	if err := c.do(ctx, target, http.MethodPost, "/platformcom/api/v1/certmgr/config/identity/certificates", payload, &parsed); err != nil {
		return fmt.Errorf("device: upload certificate to %s: %w", target.Host, err)
	}
	if parsed.Status != "" && parsed.Status != "success" {
		return fmt.Errorf("%w: %s: %s", ErrUploadRejected, target.Host, parsed.Message)
	}

	c.log.Info("uploaded certificate to appliance",
		logger.Component("device"),
		logger.TargetID(target.ID),
		logger.Domain(target.FQDN))
	return nil
}

func (c *ApplianceClient) do(ctx context.Context, target *Target, method, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	port := target.Port
	if port == 0 {
		port = 443
	}
	url := fmt.Sprintf("https://%s:%d%s", target.Host, port, path)

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(target.Username, target.Password)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	client := c.strict
	if target.SkipTLSVerify {
		client = c.insecure
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
