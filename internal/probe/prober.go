// Package probe inspects a target host and reports its current state. All
// checks are read-only; the resulting snapshot lives for one provisioning
// run only.
package probe

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/edvin/convoy/internal/model"
	"github.com/edvin/convoy/internal/proxy"
	"github.com/edvin/convoy/internal/sshexec"
)

// Hints tells the prober which run-specific facts to collect: managed file
// paths to checksum and certificate domains to inspect.
type Hints struct {
	FilePaths   []string
	CertDomains []string
}

// HintsFor derives probe hints from a desired state.
func HintsFor(desired *model.DesiredHostState) Hints {
	var h Hints
	for _, svc := range desired.Services {
		h.FilePaths = append(h.FilePaths, svc.Path)
	}
	for _, c := range desired.Certificates {
		h.CertDomains = append(h.CertDomains, c.Domain)
	}
	// The live proxy include is diffed by checksum like any managed file.
	if desired.Proxy != nil {
		h.FilePaths = append(h.FilePaths, proxy.DefaultConfigPath)
	}
	return h
}

// Prober collects host facts over a Runner.
type Prober struct {
	logger   zerolog.Logger
	runner   sshexec.Runner
	hints    Hints
	attempts uint
	delay    time.Duration
}

// New creates a Prober. Each check is retried up to three times on failure
// before being reported as partial.
func New(logger zerolog.Logger, runner sshexec.Runner, hints Hints) *Prober {
	return &Prober{
		logger:   logger.With().Str("component", "prober").Logger(),
		runner:   runner,
		hints:    hints,
		attempts: 3,
		delay:    500 * time.Millisecond,
	}
}

// Probe runs the requested checks concurrently and assembles a snapshot.
// An unreachable host fails the whole probe; an individual check that fails
// after retries yields a partial entry for that fact instead. Only transport
// errors are retried; a deterministic failure such as unparseable command
// output is partial immediately.
func (p *Prober) Probe(ctx context.Context, host string, checks []model.CheckKind) (*model.ProbedHostState, error) {
	// Connectivity gate: if the host does not answer a trivial command,
	// nothing below can succeed.
	if _, err := p.runner.Run(ctx, "true"); err != nil {
		if errors.Is(err, model.ErrUnreachable) {
			return nil, err
		}
		return nil, fmt.Errorf("probe %s: %w: %v", host, model.ErrUnreachable, err)
	}

	state := &model.ProbedHostState{
		Host:     host,
		ProbedAt: time.Now().UTC(),
		Partial:  make(map[model.CheckKind]string),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range checks {
		g.Go(func() error {
			err := retry.Do(
				func() error { return p.runCheck(gctx, kind, state, &mu) },
				retry.Context(gctx),
				retry.Attempts(p.attempts),
				retry.Delay(p.delay),
				retry.LastErrorOnly(true),
			)
			if err != nil {
				p.logger.Warn().Str("check", string(kind)).Err(err).Msg("check failed, recording partial fact")
				mu.Lock()
				state.Partial[kind] = err.Error()
				mu.Unlock()
			}
			// Check failures surface as partial facts, never as probe errors.
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(state.Partial) == 0 {
		state.Partial = nil
	}
	p.logger.Info().
		Str("host", host).
		Int("checks", len(checks)).
		Int("partial", len(state.Partial)).
		Msg("probe completed")
	return state, nil
}

func (p *Prober) runCheck(ctx context.Context, kind model.CheckKind, state *model.ProbedHostState, mu *sync.Mutex) error {
	switch kind {
	case model.CheckPackages:
		facts, err := p.probePackages(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		state.Packages = facts
		mu.Unlock()
	case model.CheckUsers:
		facts, err := p.probeUsers(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		state.Users = facts
		mu.Unlock()
	case model.CheckFirewall:
		facts, deny, err := p.probeFirewall(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		state.Firewall = facts
		state.DefaultDeny = deny
		mu.Unlock()
	case model.CheckCertificates:
		facts, err := p.probeCertificates(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		state.Certificates = facts
		mu.Unlock()
	case model.CheckContainers:
		facts, err := p.probeContainers(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		state.Containers = facts
		mu.Unlock()
	case model.CheckFiles:
		facts, err := p.probeFiles(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		state.Files = facts
		mu.Unlock()
	case model.CheckJails:
		jails, err := p.probeJails(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		state.Jails = jails
		mu.Unlock()
	default:
		return retry.Unrecoverable(fmt.Errorf("unknown check %q", kind))
	}
	return nil
}

func (p *Prober) probePackages(ctx context.Context) ([]model.PackageFact, error) {
	res, err := p.runner.Run(ctx, `dpkg-query -W -f '${Package}\t${Version}\n'`)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, retry.Unrecoverable(fmt.Errorf("dpkg-query exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)))
	}
	var facts []model.PackageFact
	for _, line := range strings.Split(res.Stdout, "\n") {
		name, version, ok := strings.Cut(strings.TrimSpace(line), "\t")
		if !ok || name == "" {
			continue
		}
		facts = append(facts, model.PackageFact{Name: name, Version: version})
	}
	return facts, nil
}

func (p *Prober) probeUsers(ctx context.Context) ([]model.UserFact, error) {
	res, err := p.runner.Run(ctx, "getent passwd")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, retry.Unrecoverable(fmt.Errorf("getent exited %d", res.ExitCode))
	}
	var facts []model.UserFact
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Split(strings.TrimSpace(line), ":")
		if len(fields) < 3 || fields[0] == "" {
			continue
		}
		uid, err := strconv.Atoi(fields[2])
		if err != nil {
			continue
		}
		facts = append(facts, model.UserFact{Name: fields[0], UID: uid})
	}
	return facts, nil
}

func (p *Prober) probeFirewall(ctx context.Context) ([]model.FirewallFact, bool, error) {
	res, err := p.runner.Run(ctx, "ufw status verbose")
	if err != nil {
		return nil, false, err
	}
	if res.ExitCode != 0 {
		return nil, false, retry.Unrecoverable(fmt.Errorf("ufw exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)))
	}

	var facts []model.FirewallFact
	defaultDeny := false
	seen := make(map[string]bool)
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Default:") && strings.Contains(line, "deny (incoming)") {
			defaultDeny = true
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.Contains(fields[0], "/") || !strings.HasPrefix(fields[1], "ALLOW") {
			continue
		}
		portStr, proto, _ := strings.Cut(fields[0], "/")
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		key := fields[0]
		if seen[key] {
			// ufw repeats rules for v6.
			continue
		}
		seen[key] = true
		facts = append(facts, model.FirewallFact{Port: port, Protocol: proto})
	}
	return facts, defaultDeny, nil
}

func (p *Prober) probeCertificates(ctx context.Context) ([]model.CertFact, error) {
	var facts []model.CertFact
	for _, domain := range p.hints.CertDomains {
		cmd := fmt.Sprintf("openssl x509 -enddate -noout -in /etc/letsencrypt/live/%s/cert.pem", domain)
		res, err := p.runner.Run(ctx, cmd)
		if err != nil {
			return nil, err
		}
		if res.ExitCode != 0 {
			// No certificate on disk; the differ will schedule issuance.
			continue
		}
		value := strings.TrimPrefix(strings.TrimSpace(res.Stdout), "notAfter=")
		notAfter, err := time.Parse("Jan _2 15:04:05 2006 MST", value)
		if err != nil {
			return nil, retry.Unrecoverable(fmt.Errorf("parse notAfter for %s: %w", domain, err))
		}
		facts = append(facts, model.CertFact{Domain: domain, NotAfter: notAfter})
	}
	return facts, nil
}

func (p *Prober) probeContainers(ctx context.Context) ([]model.ContainerFact, error) {
	res, err := p.runner.Run(ctx, `docker ps -a --format '{{.ID}}\t{{.Names}}\t{{.Image}}\t{{.State}}'`)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, retry.Unrecoverable(fmt.Errorf("docker ps exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)))
	}
	var facts []model.ContainerFact
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Split(strings.TrimSpace(line), "\t")
		if len(fields) < 4 || fields[0] == "" {
			continue
		}
		facts = append(facts, model.ContainerFact{
			ID: fields[0], Name: fields[1], Image: fields[2], State: fields[3],
		})
	}
	return facts, nil
}

func (p *Prober) probeFiles(ctx context.Context) ([]model.FileFact, error) {
	var facts []model.FileFact
	for _, path := range p.hints.FilePaths {
		res, err := p.runner.Run(ctx, fmt.Sprintf("sha256sum %q", path))
		if err != nil {
			return nil, err
		}
		fact := model.FileFact{Path: path}
		if res.ExitCode == 0 {
			if sum, _, ok := strings.Cut(strings.TrimSpace(res.Stdout), " "); ok {
				fact.SHA256 = sum
			}
		}
		facts = append(facts, fact)
	}
	return facts, nil
}

func (p *Prober) probeJails(ctx context.Context) ([]string, error) {
	res, err := p.runner.Run(ctx, "fail2ban-client status")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		// fail2ban not installed yet; no jails.
		return nil, nil
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if !strings.Contains(line, "Jail list:") {
			continue
		}
		_, list, _ := strings.Cut(line, "Jail list:")
		var jails []string
		for _, j := range strings.Split(list, ",") {
			if j = strings.TrimSpace(j); j != "" {
				jails = append(jails, j)
			}
		}
		return jails, nil
	}
	return nil, nil
}
