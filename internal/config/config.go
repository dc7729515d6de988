package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ServiceName    string
	HTTPListenAddr string
	LogLevel       string

	// Target host.
	HostName   string
	SSHAddr    string
	SSHUser    string
	SSHKeyPath string
	DockerHost string

	// ACME registration address for certificate issuance.
	CertbotEmail string

	// Rollout records database.
	DatabaseURL   string
	MigrationsDir string

	// Secret store.
	VaultAddr      string
	VaultToken     string
	VaultMount     string
	VaultBasePath  string
	RegistrySecret string

	// Rollout behaviour.
	RolloutQueueDepth   int
	HealthCheckWindow   time.Duration
	HealthCheckInterval time.Duration
	PullAttempts        int

	// Report archive (optional; disabled when bucket is empty).
	ArchiveEndpoint  string
	ArchiveBucket    string
	ArchiveAccessKey string
	ArchiveSecretKey string
}

func Load() (*Config, error) {
	cfg := &Config{
		ServiceName:    getEnv("SERVICE_NAME", "convoyd"),
		HTTPListenAddr: getEnv("HTTP_LISTEN_ADDR", ":8090"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),

		HostName:   getEnv("TARGET_HOST", ""),
		SSHAddr:    getEnv("TARGET_SSH_ADDR", ""),
		SSHUser:    getEnv("TARGET_SSH_USER", "root"),
		SSHKeyPath: getEnv("TARGET_SSH_KEY", ""),
		DockerHost: getEnv("TARGET_DOCKER_HOST", "unix:///var/run/docker.sock"),

		CertbotEmail: getEnv("CERTBOT_EMAIL", ""),

		DatabaseURL:   getEnv("DATABASE_URL", ""),
		MigrationsDir: getEnv("MIGRATIONS_DIR", "migrations"),

		VaultAddr:      getEnv("VAULT_ADDR", ""),
		VaultToken:     getEnv("VAULT_TOKEN", ""),
		VaultMount:     getEnv("VAULT_MOUNT", "secret"),
		VaultBasePath:  getEnv("VAULT_BASE_PATH", "convoy"),
		RegistrySecret: getEnv("REGISTRY_SECRET_NAME", "registry"),

		ArchiveEndpoint:  getEnv("ARCHIVE_S3_ENDPOINT", ""),
		ArchiveBucket:    getEnv("ARCHIVE_S3_BUCKET", ""),
		ArchiveAccessKey: getEnv("ARCHIVE_S3_ACCESS_KEY", ""),
		ArchiveSecretKey: getEnv("ARCHIVE_S3_SECRET_KEY", ""),
	}

	var err error
	if cfg.RolloutQueueDepth, err = getEnvInt("ROLLOUT_QUEUE_DEPTH", 4); err != nil {
		return nil, err
	}
	if cfg.PullAttempts, err = getEnvInt("PULL_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.HealthCheckWindow, err = getEnvDuration("HEALTH_CHECK_WINDOW", 90*time.Second); err != nil {
		return nil, err
	}
	if cfg.HealthCheckInterval, err = getEnvDuration("HEALTH_CHECK_INTERVAL", 3*time.Second); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the fields required by the given binary are set.
func (c *Config) Validate(service string) error {
	var missing []string

	if c.HostName == "" {
		missing = append(missing, "TARGET_HOST")
	}
	if service == "convoyctl" {
		if c.SSHAddr == "" {
			missing = append(missing, "TARGET_SSH_ADDR")
		}
		if c.SSHKeyPath == "" {
			missing = append(missing, "TARGET_SSH_KEY")
		}
	}
	if service == "convoyd" && c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return fmt.Errorf("%s: missing required config: %s", service, strings.Join(missing, ", "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
