package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDesiredHostState_Validate_DuplicateKeys(t *testing.T) {
	s := &DesiredHostState{
		Packages: []DesiredPackage{{Name: "nginx"}, {Name: "nginx"}},
	}
	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate package "nginx"`)
}

func TestDesiredHostState_Validate_DuplicateFirewallRule(t *testing.T) {
	s := &DesiredHostState{
		Firewall: DesiredFirewall{Rules: []FirewallRule{
			{Port: 443},
			{Port: 443, Protocol: "tcp"}, // same key: protocol defaults to tcp
		}},
	}
	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate firewall rule "443/tcp"`)
}

func TestDesiredHostState_Validate_EmptyKey(t *testing.T) {
	s := &DesiredHostState{Users: []DesiredUser{{Name: ""}}}
	require.Error(t, s.Validate())
}

func TestFirewallRule_Key(t *testing.T) {
	assert.Equal(t, "443/tcp", FirewallRule{Port: 443}.Key())
	assert.Equal(t, "53/udp", FirewallRule{Port: 53, Protocol: "udp"}.Key())
}

func TestChecksum_StableAndSensitive(t *testing.T) {
	a := &DesiredHostState{Packages: []DesiredPackage{{Name: "nginx"}}}
	b := &DesiredHostState{Packages: []DesiredPackage{{Name: "nginx"}}}
	c := &DesiredHostState{Packages: []DesiredPackage{{Name: "docker.io"}}}

	assert.Equal(t, a.Checksum(), b.Checksum())
	assert.NotEqual(t, a.Checksum(), c.Checksum())
	assert.Len(t, a.Checksum(), 64)
}

func TestLoadDesiredState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "desired.yaml")
	content := `
packages:
  - name: nginx
  - name: fail2ban
users:
  - name: deploy
    groups: [docker]
    authorized_keys:
      - ssh-ed25519 AAAA... deploy@ci
firewall:
  default_deny: true
  rules:
    - port: 22
    - port: 443
services:
  - service: ssh
    path: /etc/ssh/sshd_config.d/90-hardening.conf
    content: |
      PermitRootLogin no
      PasswordAuthentication no
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s, err := LoadDesiredState(path)
	require.NoError(t, err)
	assert.Len(t, s.Packages, 2)
	assert.True(t, s.Firewall.DefaultDeny)
	require.Len(t, s.Services, 1)
	assert.Equal(t, "ssh", s.Services[0].Service)
	assert.Contains(t, s.Services[0].Content, "PermitRootLogin no")
}

func TestLoadDesiredState_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(":\n  - ["), 0o644))

	_, err := LoadDesiredState(path)
	require.Error(t, err)
}
