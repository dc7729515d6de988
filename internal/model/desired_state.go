package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DesiredHostState is the declarative description of what a host should look
// like. It is immutable once submitted to a provisioning run; Checksum
// versions a given instance.
type DesiredHostState struct {
	Packages      []DesiredPackage `json:"packages,omitempty" yaml:"packages,omitempty"`
	Users         []DesiredUser    `json:"users,omitempty" yaml:"users,omitempty"`
	Firewall      DesiredFirewall  `json:"firewall" yaml:"firewall"`
	Services      []ServiceConfig  `json:"services,omitempty" yaml:"services,omitempty"`
	Certificates  []DesiredCert    `json:"certificates,omitempty" yaml:"certificates,omitempty"`
	Proxy         *ProxySpec       `json:"proxy,omitempty" yaml:"proxy,omitempty"`
	Fail2banJails []DesiredJail    `json:"fail2ban_jails,omitempty" yaml:"fail2ban_jails,omitempty"`
}

// DesiredPackage is a package that must be installed.
type DesiredPackage struct {
	Name string `json:"name" yaml:"name"`
}

// DesiredUser is a system user that must exist.
type DesiredUser struct {
	Name           string   `json:"name" yaml:"name"`
	Groups         []string `json:"groups,omitempty" yaml:"groups,omitempty"`
	Shell          string   `json:"shell,omitempty" yaml:"shell,omitempty"`
	AuthorizedKeys []string `json:"authorized_keys,omitempty" yaml:"authorized_keys,omitempty"`
}

// DesiredFirewall is the firewall posture for the host.
type DesiredFirewall struct {
	DefaultDeny bool           `json:"default_deny" yaml:"default_deny"`
	Rules       []FirewallRule `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// FirewallRule allows traffic to a port. Protocol defaults to tcp.
type FirewallRule struct {
	Port     int    `json:"port" yaml:"port"`
	Protocol string `json:"protocol,omitempty" yaml:"protocol,omitempty"`
}

// Key returns the unique key for the rule, e.g. "443/tcp".
func (r FirewallRule) Key() string {
	proto := r.Protocol
	if proto == "" {
		proto = "tcp"
	}
	return fmt.Sprintf("%d/%s", r.Port, proto)
}

// ServiceConfig is a managed config file plus the service that consumes it.
// The engine writes Content to Path and reloads Service when the file
// changed. SSH hardening (PermitRootLogin no, PasswordAuthentication no) is
// expressed as one of these entries, not as an imperative script.
type ServiceConfig struct {
	Service string `json:"service" yaml:"service"`
	Path    string `json:"path" yaml:"path"`
	Content string `json:"content" yaml:"content"`
	Mode    string `json:"mode,omitempty" yaml:"mode,omitempty"`
}

// DesiredCert names a domain that must hold a valid certificate. The engine
// schedules renewal when the probed certificate is inside the renewal window.
type DesiredCert struct {
	Domain string `json:"domain" yaml:"domain"`
}

// DesiredJail is a fail2ban jail that must be enabled.
type DesiredJail struct {
	Service  string `json:"service" yaml:"service"`
	MaxRetry int    `json:"max_retry,omitempty" yaml:"max_retry,omitempty"`
}

// ProxySpec is the declarative reverse-proxy routing spec rendered by the
// proxy configurator.
type ProxySpec struct {
	Routes []ProxyRoute `json:"routes" yaml:"routes"`
}

// ProxyRoute maps a server name to an upstream.
type ProxyRoute struct {
	ServerName   string `json:"server_name" yaml:"server_name"`
	Upstream     string `json:"upstream" yaml:"upstream"`
	TLS          bool   `json:"tls,omitempty" yaml:"tls,omitempty"`
	RateLimitRPS int    `json:"rate_limit_rps,omitempty" yaml:"rate_limit_rps,omitempty"`
}

// Validate checks that every resource type has unique keys.
func (s *DesiredHostState) Validate() error {
	if err := uniqueKeys("package", s.Packages, func(p DesiredPackage) string { return p.Name }); err != nil {
		return err
	}
	if err := uniqueKeys("user", s.Users, func(u DesiredUser) string { return u.Name }); err != nil {
		return err
	}
	if err := uniqueKeys("firewall rule", s.Firewall.Rules, func(r FirewallRule) string { return r.Key() }); err != nil {
		return err
	}
	if err := uniqueKeys("service config", s.Services, func(c ServiceConfig) string { return c.Path }); err != nil {
		return err
	}
	if err := uniqueKeys("certificate", s.Certificates, func(c DesiredCert) string { return c.Domain }); err != nil {
		return err
	}
	if err := uniqueKeys("fail2ban jail", s.Fail2banJails, func(j DesiredJail) string { return j.Service }); err != nil {
		return err
	}
	if s.Proxy != nil {
		if err := uniqueKeys("proxy route", s.Proxy.Routes, func(r ProxyRoute) string { return r.ServerName }); err != nil {
			return err
		}
	}
	return nil
}

func uniqueKeys[T any](kind string, items []T, key func(T) string) error {
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		k := key(it)
		if k == "" {
			return fmt.Errorf("%s with empty key", kind)
		}
		if seen[k] {
			return fmt.Errorf("duplicate %s %q", kind, k)
		}
		seen[k] = true
	}
	return nil
}

// Checksum returns the version checksum of the serialized state. The struct
// serializes deterministically (slices, no maps), so equal states always
// yield equal checksums.
func (s *DesiredHostState) Checksum() string {
	data, err := yaml.Marshal(s)
	if err != nil {
		// Marshal of a plain struct cannot fail at runtime.
		panic(fmt.Sprintf("marshal desired state: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// LoadDesiredState reads and validates a desired-state YAML file.
func LoadDesiredState(path string) (*DesiredHostState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read desired state: %w", err)
	}
	var s DesiredHostState
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse desired state: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid desired state: %w", err)
	}
	return &s, nil
}
