// Package converge computes and applies the minimal action set that brings
// a probed host to its desired state. Every action is idempotent and guarded
// by a precondition re-check, so a run interrupted partway is recovered by
// simply running again.
package converge

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/edvin/convoy/internal/certs"
	"github.com/edvin/convoy/internal/model"
	"github.com/edvin/convoy/internal/proxy"
	"github.com/edvin/convoy/internal/sshexec"
)

// lockDir is the host-side mutual-exclusion marker. mkdir is atomic, so two
// concurrent provisioning runs cannot both hold it.
const lockDir = "/run/convoy-provision.lock"

var (
	actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convoy_convergence_actions_total",
		Help: "Convergence actions by kind and outcome",
	}, []string{"kind", "outcome"})

	convergeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "convoy_converge_duration_seconds",
		Help:    "Duration of each convergence run",
		Buckets: prometheus.DefBuckets,
	})
)

// Engine applies convergence actions to a host.
type Engine struct {
	logger zerolog.Logger
	runner sshexec.Runner
	proxy  *proxy.Configurator
	certs  certs.Client
}

// NewEngine creates an Engine.
func NewEngine(logger zerolog.Logger, runner sshexec.Runner, proxyCfg *proxy.Configurator, certClient certs.Client) *Engine {
	return &Engine{
		logger: logger.With().Str("component", "converge-engine").Logger(),
		runner: runner,
		proxy:  proxyCfg,
		certs:  certClient,
	}
}

// Plan renders the proxy spec (when present) and diffs desired against
// probed state.
func (e *Engine) Plan(desired *model.DesiredHostState, probed *model.ProbedHostState) ([]model.ConvergenceAction, error) {
	rendered := ""
	if desired.Proxy != nil {
		var err error
		if rendered, err = e.proxy.Render(desired.Proxy); err != nil {
			return nil, err
		}
	}
	return Plan(desired, probed, time.Now(), rendered, e.proxy.ConfigPath), nil
}

// Apply executes the action queue against the host. Each action re-checks
// its precondition first (skip when already satisfied); the first failure
// halts the rest of the queue. Provisioning changes are not automatically
// rolled back; re-running converge after fixing the blocking issue is the
// recovery path.
func (e *Engine) Apply(ctx context.Context, host string, desired *model.DesiredHostState, actions []model.ConvergenceAction) (*model.ConvergenceReport, error) {
	report := &model.ConvergenceReport{
		Host:            host,
		DesiredChecksum: desired.Checksum(),
		StartedAt:       time.Now().UTC(),
	}
	defer func() {
		report.FinishedAt = time.Now().UTC()
		convergeDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	}()

	if err := e.acquireLock(ctx); err != nil {
		return nil, err
	}
	defer e.releaseLock(ctx)

	halted := false
	for _, action := range actions {
		res := model.ActionResult{Kind: action.Kind, Resource: action.Resource}
		if halted {
			res.Outcome = model.OutcomeNotRun
			report.Results = append(report.Results, res)
			actionsTotal.WithLabelValues(string(action.Kind), string(res.Outcome)).Inc()
			continue
		}

		start := time.Now()
		satisfied, err := e.precondition(ctx, action)
		switch {
		case err != nil:
			res.Outcome = model.OutcomeFailed
			res.Detail = err.Error()
			halted = true
		case satisfied:
			res.Outcome = model.OutcomeSkipped
			res.Detail = "already satisfied"
		default:
			if err := e.execute(ctx, action); err != nil {
				res.Outcome = model.OutcomeFailed
				res.Detail = err.Error()
				halted = true
			} else {
				res.Outcome = model.OutcomeApplied
				res.Detail = action.Detail
			}
		}
		res.Duration = time.Since(start)

		e.logger.Info().
			Str("kind", string(action.Kind)).
			Str("resource", action.Resource).
			Str("outcome", string(res.Outcome)).
			Msg("convergence action")
		actionsTotal.WithLabelValues(string(action.Kind), string(res.Outcome)).Inc()
		report.Results = append(report.Results, res)
	}

	if report.Failed() {
		return report, fmt.Errorf("converge %s: %w", host, model.ErrActionFailed)
	}
	return report, nil
}

func (e *Engine) acquireLock(ctx context.Context) error {
	res, err := e.runner.Run(ctx, fmt.Sprintf("mkdir %q", lockDir))
	if err != nil {
		return fmt.Errorf("acquire provisioning lock: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("provisioning lock %s already held: %w", lockDir, model.ErrConcurrencyConflict)
	}
	return nil
}

func (e *Engine) releaseLock(ctx context.Context) {
	if _, err := e.runner.Run(ctx, fmt.Sprintf("rmdir %q", lockDir)); err != nil {
		e.logger.Warn().Err(err).Msg("failed to release provisioning lock")
	}
}

// precondition reports whether the action's end state already holds on the
// host. This guards idempotence even when a prior run failed partway.
func (e *Engine) precondition(ctx context.Context, a model.ConvergenceAction) (bool, error) {
	switch a.Kind {
	case model.ActionCreateUser:
		return e.commandSucceeds(ctx, fmt.Sprintf("id -u %q", a.Resource))
	case model.ActionAuthorizeKeys:
		return e.commandSucceeds(ctx, fmt.Sprintf("test -s /home/%s/.ssh/authorized_keys", a.Resource))
	case model.ActionInstallPackage:
		return e.commandSucceeds(ctx, fmt.Sprintf("dpkg-query -W %q", a.Resource))
	case model.ActionFirewallAllow:
		return e.commandSucceeds(ctx, fmt.Sprintf("ufw status | grep -qE '^%s\\s+ALLOW'", a.Resource))
	case model.ActionFirewallDeny:
		return e.commandSucceeds(ctx, "ufw status verbose | grep -q 'deny (incoming)'")
	case model.ActionEnableJail:
		return e.commandSucceeds(ctx, fmt.Sprintf("fail2ban-client status %q", a.Resource))
	case model.ActionWriteFile:
		return e.fileMatches(ctx, a.Path, a.Content)
	case model.ActionProxyConfig:
		rendered, err := e.proxy.Render(a.Proxy)
		if err != nil {
			return false, err
		}
		return e.fileMatches(ctx, e.proxy.ConfigPath, rendered)
	default:
		// Cert renewal and service reloads are idempotent by themselves.
		return false, nil
	}
}

func (e *Engine) commandSucceeds(ctx context.Context, cmd string) (bool, error) {
	res, err := e.runner.Run(ctx, cmd)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

func (e *Engine) fileMatches(ctx context.Context, path, content string) (bool, error) {
	res, err := e.runner.Run(ctx, fmt.Sprintf("sha256sum %q", path))
	if err != nil {
		return false, err
	}
	if res.ExitCode != 0 {
		return false, nil
	}
	sum, _, _ := strings.Cut(strings.TrimSpace(res.Stdout), " ")
	return sum == contentChecksum(content), nil
}

func (e *Engine) execute(ctx context.Context, a model.ConvergenceAction) error {
	switch a.Kind {
	case model.ActionCreateUser:
		return e.createUser(ctx, a.User)
	case model.ActionAuthorizeKeys:
		return e.authorizeKeys(ctx, a.User)
	case model.ActionInstallPackage:
		return e.shell(ctx, fmt.Sprintf("DEBIAN_FRONTEND=noninteractive apt-get install -y %q", a.Resource))
	case model.ActionFirewallAllow:
		return e.shell(ctx, fmt.Sprintf("ufw allow %s", a.Rule.Key()))
	case model.ActionFirewallDeny:
		return e.shell(ctx, "ufw default deny incoming && ufw --force enable")
	case model.ActionEnableJail:
		return e.enableJail(ctx, a)
	case model.ActionWriteFile:
		return e.writeFile(ctx, a)
	case model.ActionRenewCert:
		if a.Detail == "issue" {
			return e.certs.Issue(ctx, a.Resource)
		}
		return e.certs.Renew(ctx, a.Resource)
	case model.ActionProxyConfig:
		return e.proxy.Apply(ctx, a.Proxy)
	case model.ActionReloadService:
		return e.shell(ctx, fmt.Sprintf("systemctl reload-or-restart %q", a.Service))
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
}

func (e *Engine) shell(ctx context.Context, cmd string) error {
	res, err := e.runner.Run(ctx, cmd)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%q exited %d: %s", cmd, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (e *Engine) createUser(ctx context.Context, u *model.DesiredUser) error {
	shell := u.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	if err := e.shell(ctx, fmt.Sprintf("useradd -m -s %q %q", shell, u.Name)); err != nil {
		return err
	}
	if len(u.Groups) > 0 {
		return e.shell(ctx, fmt.Sprintf("usermod -aG %q %q", strings.Join(u.Groups, ","), u.Name))
	}
	return nil
}

func (e *Engine) authorizeKeys(ctx context.Context, u *model.DesiredUser) error {
	path := fmt.Sprintf("/home/%s/.ssh/authorized_keys", u.Name)
	content := strings.Join(u.AuthorizedKeys, "\n") + "\n"
	if err := e.runner.WriteFile(ctx, path, []byte(content), 0o600); err != nil {
		return err
	}
	return e.shell(ctx, fmt.Sprintf("chown -R %q:%q /home/%s/.ssh", u.Name, u.Name, u.Name))
}

func (e *Engine) enableJail(ctx context.Context, a model.ConvergenceAction) error {
	maxRetry := a.MaxRetry
	if maxRetry == 0 {
		maxRetry = 5
	}
	content := "[" + a.Resource + "]\nenabled = true\nmaxretry = " + strconv.Itoa(maxRetry) + "\n"
	path := fmt.Sprintf("/etc/fail2ban/jail.d/%s.local", a.Resource)
	if err := e.runner.WriteFile(ctx, path, []byte(content), 0o644); err != nil {
		return err
	}
	return e.shell(ctx, "systemctl reload-or-restart fail2ban")
}

func (e *Engine) writeFile(ctx context.Context, a model.ConvergenceAction) error {
	mode := parseMode(a.Mode)
	return e.runner.WriteFile(ctx, a.Path, []byte(a.Content), mode)
}

func parseMode(s string) os.FileMode {
	if s == "" {
		return 0o644
	}
	n, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0o644
	}
	return os.FileMode(n)
}
