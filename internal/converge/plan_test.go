package converge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/convoy/internal/model"
)

var planNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func desiredFixture() *model.DesiredHostState {
	return &model.DesiredHostState{
		Packages: []model.DesiredPackage{{Name: "nginx"}, {Name: "fail2ban"}},
		Users: []model.DesiredUser{
			{Name: "deploy", Groups: []string{"docker"}, AuthorizedKeys: []string{"ssh-ed25519 AAAA deploy@ci"}},
		},
		Firewall: model.DesiredFirewall{
			DefaultDeny: true,
			Rules:       []model.FirewallRule{{Port: 22}, {Port: 443}},
		},
		Services: []model.ServiceConfig{
			{
				Service: "ssh",
				Path:    "/etc/ssh/sshd_config.d/90-hardening.conf",
				Content: "PermitRootLogin no\nPasswordAuthentication no\n",
			},
		},
		Fail2banJails: []model.DesiredJail{{Service: "sshd", MaxRetry: 5}},
	}
}

// convergedState synthesizes a probed state that fully satisfies desired.
func convergedState(desired *model.DesiredHostState) *model.ProbedHostState {
	state := &model.ProbedHostState{
		Host:        "vps-1",
		ProbedAt:    planNow,
		DefaultDeny: desired.Firewall.DefaultDeny,
	}
	for _, p := range desired.Packages {
		state.Packages = append(state.Packages, model.PackageFact{Name: p.Name})
	}
	for i, u := range desired.Users {
		state.Users = append(state.Users, model.UserFact{Name: u.Name, UID: 1000 + i})
	}
	for _, r := range desired.Firewall.Rules {
		proto := r.Protocol
		if proto == "" {
			proto = "tcp"
		}
		state.Firewall = append(state.Firewall, model.FirewallFact{Port: r.Port, Protocol: proto})
	}
	for _, s := range desired.Services {
		state.Files = append(state.Files, model.FileFact{Path: s.Path, SHA256: contentChecksum(s.Content)})
	}
	for _, j := range desired.Fail2banJails {
		state.Jails = append(state.Jails, j.Service)
	}
	for _, c := range desired.Certificates {
		state.Certificates = append(state.Certificates, model.CertFact{
			Domain: c.Domain, NotAfter: planNow.Add(90 * 24 * time.Hour),
		})
	}
	return state
}

func TestPlan_EmptyHost(t *testing.T) {
	desired := desiredFixture()
	probed := &model.ProbedHostState{Host: "vps-1", ProbedAt: planNow}

	actions := Plan(desired, probed, planNow, "", "")

	kinds := make([]model.ActionKind, len(actions))
	for i, a := range actions {
		kinds[i] = a.Kind
	}
	assert.Equal(t, []model.ActionKind{
		model.ActionCreateUser,
		model.ActionAuthorizeKeys,
		model.ActionInstallPackage,
		model.ActionInstallPackage,
		model.ActionFirewallAllow,
		model.ActionFirewallAllow,
		model.ActionFirewallDeny,
		model.ActionEnableJail,
		model.ActionWriteFile,
		model.ActionReloadService,
	}, kinds)
}

func TestPlan_ConvergedHostYieldsNoActions(t *testing.T) {
	desired := desiredFixture()
	probed := convergedState(desired)

	actions := Plan(desired, probed, planNow, "", "")
	assert.Empty(t, actions)
}

func TestPlan_FirewallRuleAlreadyAllowed(t *testing.T) {
	desired := &model.DesiredHostState{
		Firewall: model.DesiredFirewall{Rules: []model.FirewallRule{{Port: 443}}},
	}
	probed := &model.ProbedHostState{
		Firewall: []model.FirewallFact{{Port: 443, Protocol: "tcp"}},
	}

	actions := Plan(desired, probed, planNow, "", "")
	assert.Empty(t, actions)
}

func TestPlan_ChangedFileQueuesReload(t *testing.T) {
	desired := desiredFixture()
	probed := convergedState(desired)
	// Host has stale content for the hardening drop-in.
	probed.Files[0].SHA256 = "stale"

	actions := Plan(desired, probed, planNow, "", "")
	require.Len(t, actions, 2)
	assert.Equal(t, model.ActionWriteFile, actions[0].Kind)
	assert.Equal(t, model.ActionReloadService, actions[1].Kind)
	assert.Equal(t, "ssh", actions[1].Service)
}

func TestPlan_CertificateLifecycle(t *testing.T) {
	desired := &model.DesiredHostState{
		Certificates: []model.DesiredCert{
			{Domain: "new.example.com"},
			{Domain: "expiring.example.com"},
			{Domain: "fresh.example.com"},
		},
	}
	probed := &model.ProbedHostState{
		Certificates: []model.CertFact{
			{Domain: "expiring.example.com", NotAfter: planNow.Add(5 * 24 * time.Hour)},
			{Domain: "fresh.example.com", NotAfter: planNow.Add(80 * 24 * time.Hour)},
		},
	}

	actions := Plan(desired, probed, planNow, "", "")
	require.Len(t, actions, 2)
	assert.Equal(t, "new.example.com", actions[0].Resource)
	assert.Equal(t, "issue", actions[0].Detail)
	assert.Equal(t, "expiring.example.com", actions[1].Resource)
	assert.Equal(t, "renew", actions[1].Detail)
}

func TestPlan_ProxyConfigDrift(t *testing.T) {
	rendered := "server { listen 80; }"
	desired := &model.DesiredHostState{
		Proxy: &model.ProxySpec{Routes: []model.ProxyRoute{{ServerName: "a", Upstream: "b"}}},
	}

	// Live config matches the rendered text: nothing to do.
	probed := &model.ProbedHostState{
		Files: []model.FileFact{{Path: "/etc/nginx/conf.d/convoy.conf", SHA256: contentChecksum(rendered)}},
	}
	actions := Plan(desired, probed, planNow, rendered, "/etc/nginx/conf.d/convoy.conf")
	assert.Empty(t, actions)

	// Live config differs: one proxy_config action.
	probed.Files[0].SHA256 = "different"
	actions = Plan(desired, probed, planNow, rendered, "/etc/nginx/conf.d/convoy.conf")
	require.Len(t, actions, 1)
	assert.Equal(t, model.ActionProxyConfig, actions[0].Kind)
}
