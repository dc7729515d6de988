package certs

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/convoy/internal/model"
	"github.com/edvin/convoy/internal/sshexec"
)

func TestRenewalDue(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	state := &model.ProbedHostState{
		Certificates: []model.CertFact{
			{Domain: "fresh.example.com", NotAfter: now.Add(60 * 24 * time.Hour)},
			{Domain: "expiring.example.com", NotAfter: now.Add(10 * 24 * time.Hour)},
			{Domain: "expired.example.com", NotAfter: now.Add(-24 * time.Hour)},
		},
	}

	assert.False(t, RenewalDue(state, "fresh.example.com", now))
	assert.True(t, RenewalDue(state, "expiring.example.com", now))
	assert.True(t, RenewalDue(state, "expired.example.com", now))
	// Unknown domain means no certificate on disk yet.
	assert.True(t, RenewalDue(state, "new.example.com", now))
}

func TestCertbotClient_Issue(t *testing.T) {
	runner := sshexec.NewFakeRunner()
	c := NewCertbotClient(zerolog.Nop(), runner, "ops@example.com")

	require.NoError(t, c.Issue(context.Background(), "example.com"))
	assert.True(t, runner.Ran("certbot certonly --nginx"))
	assert.True(t, runner.Ran(`-d "example.com"`))
}

func TestCertbotClient_RenewFailure(t *testing.T) {
	runner := sshexec.NewFakeRunner()
	runner.Script("certbot renew", sshexec.Result{ExitCode: 1, Stderr: "rate limited"})
	c := NewCertbotClient(zerolog.Nop(), runner, "ops@example.com")

	err := c.Renew(context.Background(), "example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}
