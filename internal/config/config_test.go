package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	os.Unsetenv("HTTP_LISTEN_ADDR")
	os.Unsetenv("LOG_LEVEL")
	os.Unsetenv("ROLLOUT_QUEUE_DEPTH")
	os.Unsetenv("HEALTH_CHECK_WINDOW")

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, ":8090", cfg.HTTPListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 4, cfg.RolloutQueueDepth)
	assert.Equal(t, 3, cfg.PullAttempts)
	assert.Equal(t, 90*time.Second, cfg.HealthCheckWindow)
	assert.Equal(t, "root", cfg.SSHUser)
	assert.Equal(t, "registry", cfg.RegistrySecret)
}

func TestLoad_AllEnvVars(t *testing.T) {
	t.Setenv("HTTP_LISTEN_ADDR", ":7071")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("TARGET_HOST", "vps-1")
	t.Setenv("TARGET_SSH_ADDR", "203.0.113.7:22")
	t.Setenv("TARGET_DOCKER_HOST", "tcp://203.0.113.7:2376")
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/convoy")
	t.Setenv("VAULT_ADDR", "https://vault.internal:8200")
	t.Setenv("ROLLOUT_QUEUE_DEPTH", "8")
	t.Setenv("HEALTH_CHECK_WINDOW", "2m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":7071", cfg.HTTPListenAddr)
	assert.Equal(t, "vps-1", cfg.HostName)
	assert.Equal(t, "tcp://203.0.113.7:2376", cfg.DockerHost)
	assert.Equal(t, "postgres://localhost:5432/convoy", cfg.DatabaseURL)
	assert.Equal(t, "https://vault.internal:8200", cfg.VaultAddr)
	assert.Equal(t, 8, cfg.RolloutQueueDepth)
	assert.Equal(t, 2*time.Minute, cfg.HealthCheckWindow)
}

func TestValidate_Convoyd_MissingFields(t *testing.T) {
	cfg := &Config{HostName: "vps-1"}

	err := cfg.Validate("convoyd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.NotContains(t, err.Error(), "TARGET_HOST")
}

func TestValidate_Convoyctl_MissingSSH(t *testing.T) {
	cfg := &Config{HostName: "vps-1", SSHAddr: "203.0.113.7:22"}

	err := cfg.Validate("convoyctl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TARGET_SSH_KEY")
}

func TestValidate_Convoyctl_AllPresent(t *testing.T) {
	cfg := &Config{HostName: "vps-1", SSHAddr: "203.0.113.7:22", SSHKeyPath: "/root/.ssh/id_ed25519"}

	assert.NoError(t, cfg.Validate("convoyctl"))
}

func TestLoad_InvalidQueueDepth(t *testing.T) {
	t.Setenv("ROLLOUT_QUEUE_DEPTH", "lots")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ROLLOUT_QUEUE_DEPTH")
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("HEALTH_CHECK_INTERVAL", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HEALTH_CHECK_INTERVAL")
}
