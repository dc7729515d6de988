package converge

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/edvin/convoy/internal/certs"
	"github.com/edvin/convoy/internal/model"
)

// Plan computes the structural diff between desired and probed state and
// returns the minimal remediation set, ordered by the fixed dependency
// order (users -> packages -> firewall -> service config -> reloads).
// renderedProxy is the rendered proxy config for the desired routing spec
// ("" when no proxy is managed); liveProxyPath is where it lives on disk.
func Plan(desired *model.DesiredHostState, probed *model.ProbedHostState, now time.Time, renderedProxy, liveProxyPath string) []model.ConvergenceAction {
	var actions []model.ConvergenceAction

	for _, u := range desired.Users {
		if probed.HasUser(u.Name) {
			continue
		}
		actions = append(actions, model.ConvergenceAction{
			Kind:     model.ActionCreateUser,
			Resource: u.Name,
			User:     &u,
		})
		if len(u.AuthorizedKeys) > 0 {
			actions = append(actions, model.ConvergenceAction{
				Kind:     model.ActionAuthorizeKeys,
				Resource: u.Name,
				User:     &u,
			})
		}
	}

	for _, pkg := range desired.Packages {
		if probed.HasPackage(pkg.Name) {
			continue
		}
		actions = append(actions, model.ConvergenceAction{
			Kind:     model.ActionInstallPackage,
			Resource: pkg.Name,
		})
	}

	for _, rule := range desired.Firewall.Rules {
		if probed.AllowsRule(rule) {
			continue
		}
		actions = append(actions, model.ConvergenceAction{
			Kind:     model.ActionFirewallAllow,
			Resource: rule.Key(),
			Rule:     &rule,
		})
	}
	if desired.Firewall.DefaultDeny && !probed.DefaultDeny {
		actions = append(actions, model.ConvergenceAction{
			Kind:     model.ActionFirewallDeny,
			Resource: "incoming",
		})
	}

	for _, jail := range desired.Fail2banJails {
		if probed.HasJail(jail.Service) {
			continue
		}
		actions = append(actions, model.ConvergenceAction{
			Kind:     model.ActionEnableJail,
			Resource: jail.Service,
			MaxRetry: jail.MaxRetry,
		})
	}

	// Managed files: diff by content checksum; a changed file queues a
	// reload of its service after all writes are done.
	reloads := make(map[string]bool)
	for _, svc := range desired.Services {
		if contentChecksum(svc.Content) == probed.FileChecksum(svc.Path) {
			continue
		}
		actions = append(actions, model.ConvergenceAction{
			Kind:     model.ActionWriteFile,
			Resource: svc.Path,
			Path:     svc.Path,
			Content:  svc.Content,
			Mode:     svc.Mode,
			Service:  svc.Service,
		})
		if svc.Service != "" {
			reloads[svc.Service] = true
		}
	}

	for _, cert := range desired.Certificates {
		if !certs.RenewalDue(probed, cert.Domain, now) {
			continue
		}
		detail := "renew"
		if _, ok := probed.Certificate(cert.Domain); !ok {
			detail = "issue"
		}
		actions = append(actions, model.ConvergenceAction{
			Kind:     model.ActionRenewCert,
			Resource: cert.Domain,
			Detail:   detail,
		})
	}

	if desired.Proxy != nil && renderedProxy != "" {
		if contentChecksum(renderedProxy) != probed.FileChecksum(liveProxyPath) {
			actions = append(actions, model.ConvergenceAction{
				Kind:     model.ActionProxyConfig,
				Resource: liveProxyPath,
				Proxy:    desired.Proxy,
			})
		}
	}

	for _, service := range sortedKeys(reloads) {
		actions = append(actions, model.ConvergenceAction{
			Kind:     model.ActionReloadService,
			Resource: service,
			Service:  service,
		})
	}

	// Stable sort by phase keeps per-resource order within a phase.
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Kind.Phase() < actions[j].Kind.Phase()
	})
	return actions
}

func contentChecksum(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
