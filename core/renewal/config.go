package renewal

import (
	"time"

	"github.com/dmitrymomot/certops/core/config"
)

// Config holds the tunables of the renewal engine. Load it through
// core/config or fill it in directly.
type Config struct {
	// Email is the ACME account contact address.
	Email string `env:"ACME_EMAIL,required"`

	// CertDir is the base directory for certificate artifacts.
	CertDir string `env:"CERT_DIR" envDefault:"./certs"`

	// Staging selects the CA's staging environment. Staging runs keep
	// their TXT records by default so validation issues can be inspected.
	Staging bool `env:"ACME_STAGING" envDefault:"false"`

	// CleanupStagingRecords forces TXT record cleanup even in staging.
	CleanupStagingRecords bool `env:"ACME_CLEANUP_STAGING_RECORDS" envDefault:"false"`

	// SettleDelay is the fixed wait between submitting challenges and the
	// first order poll, giving the CA time to run its validations.
	SettleDelay time.Duration `env:"ACME_SETTLE_DELAY" envDefault:"10s"`

	// OrderPollInterval and OrderTimeout bound order status polling.
	OrderPollInterval time.Duration `env:"ACME_ORDER_POLL_INTERVAL" envDefault:"5s"`
	OrderTimeout      time.Duration `env:"ACME_ORDER_TIMEOUT" envDefault:"5m"`

	// DNSPollInterval and DNSTimeout bound propagation verification.
	DNSPollInterval time.Duration `env:"DNS_POLL_INTERVAL" envDefault:"5s"`
	DNSTimeout      time.Duration `env:"DNS_TIMEOUT" envDefault:"2m"`

	// RestartCommand is the CLI command issued for service restarts.
	RestartCommand string `env:"RESTART_COMMAND" envDefault:"utils service restart Cisco Tomcat"`

	// RestartTimeout bounds how long restart output is streamed before the
	// run is recorded as indeterminate success.
	RestartTimeout time.Duration `env:"RESTART_TIMEOUT" envDefault:"5m"`

	// SSHTestCommand is the probe command for connectivity tests.
	SSHTestCommand string `env:"SSH_TEST_COMMAND" envDefault:"show status"`

	// SSHTestTimeout bounds the connectivity probe.
	SSHTestTimeout time.Duration `env:"SSH_TEST_TIMEOUT" envDefault:"30s"`
}

// LoadConfig reads Config from the environment (and .env, when present).
func LoadConfig() (Config, error) {
	var cfg Config
	if err := config.Load(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
