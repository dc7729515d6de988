package ctl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/edvin/convoy/internal/archive"
	"github.com/edvin/convoy/internal/certs"
	"github.com/edvin/convoy/internal/config"
	"github.com/edvin/convoy/internal/converge"
	"github.com/edvin/convoy/internal/logging"
	"github.com/edvin/convoy/internal/model"
	"github.com/edvin/convoy/internal/probe"
	"github.com/edvin/convoy/internal/proxy"
	"github.com/edvin/convoy/internal/sshexec"
)

func newRunner(cfg *config.Config) (sshexec.Runner, error) {
	logger := logging.NewLogger(cfg)
	key, err := os.ReadFile(cfg.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	return sshexec.NewSSHRunner(logger, cfg.SSHAddr, cfg.SSHUser, key)
}

// Probe inspects the target host and prints the observed facts as JSON.
// The desired-state file is optional; when given it narrows file and
// certificate checks to the resources it names.
func Probe(ctx context.Context, cfg *config.Config, desiredFile string) error {
	logger := logging.NewLogger(cfg)

	hints := probe.Hints{}
	if desiredFile != "" {
		desired, err := model.LoadDesiredState(desiredFile)
		if err != nil {
			return err
		}
		hints = probe.HintsFor(desired)
	}

	runner, err := newRunner(cfg)
	if err != nil {
		return err
	}

	state, err := probe.New(logger, runner, hints).Probe(ctx, cfg.HostName, model.AllChecks())
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode probe result: %w", err)
	}
	fmt.Println(string(out))

	if len(state.Partial) > 0 {
		return fmt.Errorf("%d check(s) failed; facts are partial", len(state.Partial))
	}
	return nil
}

// Provision converges the target host toward the desired-state file. With
// dryRun it prints the plan without executing anything.
func Provision(ctx context.Context, cfg *config.Config, desiredFile string, dryRun bool) error {
	logger := logging.NewLogger(cfg)

	desired, err := model.LoadDesiredState(desiredFile)
	if err != nil {
		return err
	}

	runner, err := newRunner(cfg)
	if err != nil {
		return err
	}

	probed, err := probe.New(logger, runner, probe.HintsFor(desired)).Probe(ctx, cfg.HostName, model.AllChecks())
	if err != nil {
		return err
	}
	if len(probed.Partial) > 0 {
		for kind, reason := range probed.Partial {
			fmt.Fprintf(os.Stderr, "Warning: %s check failed: %s\n", kind, reason)
		}
		return fmt.Errorf("refusing to plan against partial facts")
	}

	engine := converge.NewEngine(logger, runner,
		proxy.New(logger, runner),
		certs.NewCertbotClient(logger, runner, cfg.CertbotEmail))

	actions, err := engine.Plan(desired, probed)
	if err != nil {
		return err
	}

	if len(actions) == 0 {
		fmt.Println("Host is converged; nothing to do.")
		return nil
	}

	fmt.Printf("Plan: %d action(s)\n", len(actions))
	for _, a := range actions {
		fmt.Printf("  %-18s %s\n", a.Kind, a.Resource)
	}
	if dryRun {
		return nil
	}

	report, err := engine.Apply(ctx, cfg.HostName, desired, actions)
	if report != nil {
		printReport(report)
		archiveReport(ctx, logger, cfg, report)
	}
	return err
}

func printReport(report *model.ConvergenceReport) {
	fmt.Printf("\nReport for %s (desired %s):\n", report.Host, report.DesiredChecksum[:12])
	for _, r := range report.Results {
		line := fmt.Sprintf("  %-8s %-18s %s", r.Outcome, r.Kind, r.Resource)
		if r.Detail != "" {
			line += " (" + r.Detail + ")"
		}
		fmt.Println(line)
	}
	status := "ok"
	if report.Failed() {
		status = "failed"
	}
	fmt.Printf("Applied %d action(s), status %s.\n", report.Applied(), status)
}

func archiveReport(ctx context.Context, logger zerolog.Logger, cfg *config.Config, report *model.ConvergenceReport) {
	if cfg.ArchiveBucket == "" {
		return
	}
	archiver := archive.NewS3Archiver(logger, cfg.ArchiveEndpoint,
		cfg.ArchiveAccessKey, cfg.ArchiveSecretKey, cfg.ArchiveBucket)
	if err := archiver.ArchiveReport(ctx, report); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to archive report: %v\n", err)
	}
}

// RenderProxy prints the nginx config the desired state would produce.
func RenderProxy(cfg *config.Config, desiredFile string) error {
	desired, err := model.LoadDesiredState(desiredFile)
	if err != nil {
		return err
	}
	if desired.Proxy == nil {
		return fmt.Errorf("desired state has no proxy section")
	}

	logger := logging.NewLogger(cfg)
	rendered, err := proxy.New(logger, nil).Render(desired.Proxy)
	if err != nil {
		return err
	}
	fmt.Print(rendered)
	return nil
}
