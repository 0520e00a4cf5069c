package dnschallenge

import (
	"context"
	"math"
	"net"
	"strings"
	"time"
)

// PropagationChecker performs a single resolver-backed lookup of a TXT value
// across multiple public DNS servers, confirming propagation only when a
// configurable share of them sees the expected value. Provider
// implementations embed it to satisfy VerifyTXTRecord independently of the
// provider's own create acknowledgment.
type PropagationChecker struct {
	servers      []string
	queryTimeout time.Duration
	threshold    float64
}

// PropagationOption configures a PropagationChecker.
type PropagationOption func(*PropagationChecker)

// WithServers overrides the resolver set (host:port entries).
func WithServers(servers []string) PropagationOption {
	return func(c *PropagationChecker) { c.servers = servers }
}

// WithQueryTimeout bounds each individual DNS query.
func WithQueryTimeout(d time.Duration) PropagationOption {
	return func(c *PropagationChecker) { c.queryTimeout = d }
}

// WithThreshold sets the fraction of resolvers (0.0-1.0] that must confirm.
func WithThreshold(threshold float64) PropagationOption {
	return func(c *PropagationChecker) { c.threshold = threshold }
}

// NewPropagationChecker creates a checker with a spread of public resolvers.
func NewPropagationChecker(opts ...PropagationOption) *PropagationChecker {
	c := &PropagationChecker{
		servers: []string{
			"8.8.8.8:53",
			"8.8.4.4:53",
			"1.1.1.1:53",
			"1.0.0.1:53",
			"208.67.222.222:53",
			"208.67.220.220:53",
		},
		queryTimeout: 10 * time.Second,
		threshold:    0.6,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Check looks the record up on every configured server and reports whether
// the confirmation threshold was met.
func (c *PropagationChecker) Check(ctx context.Context, fqdn, expectedValue string) (bool, error) {
	confirmed := 0
	for _, server := range c.servers {
		values, err := c.lookupTXT(ctx, server, fqdn)
		if err != nil {
			continue
		}
		for _, v := range values {
			if v == expectedValue {
				confirmed++
				break
			}
		}
	}

	need := int(math.Ceil(float64(len(c.servers)) * c.threshold))
	if need < 1 {
		need = 1
	}
	return confirmed >= need, nil
}

func (c *PropagationChecker) lookupTXT(ctx context.Context, server, fqdn string) ([]string, error) {
	resolver := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			d := net.Dialer{Timeout: c.queryTimeout}
			return d.DialContext(ctx, "udp", server)
		},
	}

	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	return resolver.LookupTXT(ctx, strings.TrimSuffix(fqdn, "."))
}
