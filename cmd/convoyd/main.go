package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/edvin/convoy/internal/api"
	"github.com/edvin/convoy/internal/archive"
	"github.com/edvin/convoy/internal/config"
	"github.com/edvin/convoy/internal/deployer"
	"github.com/edvin/convoy/internal/logging"
	"github.com/edvin/convoy/internal/model"
	"github.com/edvin/convoy/internal/rollout"
	"github.com/edvin/convoy/internal/secret"
	"github.com/edvin/convoy/internal/store"
)

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("convoyd"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	if *migrateFlag {
		logger.Info().Str("dir", cfg.MigrationsDir).Msg("running database migrations")
		if err := store.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := store.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	store.RegisterPoolMetrics(pool)
	records := store.NewRecordStore(pool)

	resolver, err := newResolver(logger, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure secret resolver")
	}

	var sink rollout.RecordSink = records
	if cfg.ArchiveBucket != "" {
		archiver := archive.NewS3Archiver(logger, cfg.ArchiveEndpoint,
			cfg.ArchiveAccessKey, cfg.ArchiveSecretKey, cfg.ArchiveBucket)
		sink = &archive.TeeSink{Primary: records, Archiver: archiver}
		logger.Info().Str("bucket", cfg.ArchiveBucket).Msg("record archiving enabled")
	}

	host := &model.Host{
		Name:       cfg.HostName,
		SSHAddr:    cfg.SSHAddr,
		SSHUser:    cfg.SSHUser,
		DockerHost: cfg.DockerHost,
	}

	controller := rollout.New(logger, host, deployer.NewDockerDeployer(), resolver, sink,
		clockwork.NewRealClock(), rollout.Options{
			RegistrySecret: cfg.RegistrySecret,
			PullAttempts:   uint(cfg.PullAttempts),
			HealthWindow:   cfg.HealthCheckWindow,
			HealthInterval: cfg.HealthCheckInterval,
			QueueDepth:     cfg.RolloutQueueDepth,
		})

	go func() {
		if err := controller.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("rollout controller stopped")
		}
	}()

	srv := api.NewServer(logger, controller, records, pool, cfg.HostName)

	httpServer := &http.Server{
		Addr:         cfg.HTTPListenAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Str("host", cfg.HostName).Msg("starting convoyd")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	cancel()
}

// newResolver picks Vault when configured, otherwise an in-memory resolver
// seeded from the environment so single-host setups work without Vault.
func newResolver(logger zerolog.Logger, cfg *config.Config) (secret.Resolver, error) {
	if cfg.VaultAddr != "" {
		return secret.NewVaultResolver(logger, cfg.VaultAddr, cfg.VaultToken, cfg.VaultMount, cfg.VaultBasePath)
	}

	entries := map[string]secret.StaticEntry{}
	if creds := os.Getenv("REGISTRY_CREDENTIALS"); creds != "" {
		entries[cfg.RegistrySecret] = secret.StaticEntry{
			Value:  creds,
			Scopes: []model.SecretScope{model.ScopeRegistryPull},
		}
	}
	return secret.NewStaticResolver(logger, entries), nil
}
