// Package certs drives TLS certificate issuance and renewal on the target
// host. The ACME challenge protocol itself is delegated to the certbot
// client installed there; this package only decides when to invoke it.
package certs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/convoy/internal/model"
	"github.com/edvin/convoy/internal/sshexec"
)

// RenewalWindow is how long before expiry a certificate becomes due for
// renewal. Matches the common 30-day ACME convention.
const RenewalWindow = 30 * 24 * time.Hour

// Client issues and renews certificates for a domain.
type Client interface {
	Issue(ctx context.Context, domain string) error
	Renew(ctx context.Context, domain string) error
}

// CertbotClient shells out to certbot on the target host.
type CertbotClient struct {
	logger zerolog.Logger
	runner sshexec.Runner
	email  string
}

// NewCertbotClient creates a client. email is the ACME account contact.
func NewCertbotClient(logger zerolog.Logger, runner sshexec.Runner, email string) *CertbotClient {
	return &CertbotClient{
		logger: logger.With().Str("component", "certbot").Logger(),
		runner: runner,
		email:  email,
	}
}

func (c *CertbotClient) Issue(ctx context.Context, domain string) error {
	cmd := fmt.Sprintf(
		"certbot certonly --nginx --non-interactive --agree-tos -m %q -d %q",
		c.email, domain,
	)
	return c.run(ctx, cmd, domain)
}

func (c *CertbotClient) Renew(ctx context.Context, domain string) error {
	cmd := fmt.Sprintf("certbot renew --non-interactive --cert-name %q", domain)
	return c.run(ctx, cmd, domain)
}

func (c *CertbotClient) run(ctx context.Context, cmd, domain string) error {
	res, err := c.runner.Run(ctx, cmd)
	if err != nil {
		return fmt.Errorf("certbot for %s: %w", domain, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("certbot for %s exited %d: %s", domain, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	c.logger.Info().Str("domain", domain).Msg("certificate operation completed")
	return nil
}

// RenewalDue reports whether the probed certificate fact needs action:
// missing certificates need issuance, certificates inside the renewal
// window need renewal.
func RenewalDue(state *model.ProbedHostState, domain string, now time.Time) bool {
	cert, ok := state.Certificate(domain)
	if !ok {
		return true
	}
	return now.Add(RenewalWindow).After(cert.NotAfter)
}
