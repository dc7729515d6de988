package model

import "time"

// CheckKind identifies an independent probe check.
type CheckKind string

const (
	CheckPackages     CheckKind = "packages"
	CheckUsers        CheckKind = "users"
	CheckFirewall     CheckKind = "firewall"
	CheckCertificates CheckKind = "certificates"
	CheckContainers   CheckKind = "containers"
	CheckFiles        CheckKind = "files"
	CheckJails        CheckKind = "jails"
)

// AllChecks lists every probe check in a stable order.
func AllChecks() []CheckKind {
	return []CheckKind{
		CheckPackages, CheckUsers, CheckFirewall,
		CheckCertificates, CheckContainers, CheckFiles, CheckJails,
	}
}

// PackageFact is an installed package.
type PackageFact struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// UserFact is a present system user.
type UserFact struct {
	Name string `json:"name"`
	UID  int    `json:"uid"`
}

// FirewallFact is an active allow rule, keyed like FirewallRule.
type FirewallFact struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
}

// CertFact is an issued certificate on the host.
type CertFact struct {
	Domain   string    `json:"domain"`
	NotAfter time.Time `json:"not_after"`
}

// ContainerFact is a container present on the host.
type ContainerFact struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image"`
	State string `json:"state"`
}

// FileFact is a managed file's content checksum. Missing files carry an
// empty checksum.
type FileFact struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// ProbedHostState is a point-in-time snapshot of actual host facts. It lives
// for a single provisioning run and is only used to diff against a
// DesiredHostState, never cached across runs.
type ProbedHostState struct {
	Host     string    `json:"host"`
	ProbedAt time.Time `json:"probed_at"`

	Packages     []PackageFact   `json:"packages,omitempty"`
	Users        []UserFact      `json:"users,omitempty"`
	Firewall     []FirewallFact  `json:"firewall,omitempty"`
	DefaultDeny  bool            `json:"default_deny"`
	Certificates []CertFact      `json:"certificates,omitempty"`
	Containers   []ContainerFact `json:"containers,omitempty"`
	Files        []FileFact      `json:"files,omitempty"`
	Jails        []string        `json:"jails,omitempty"`

	// Partial records checks that failed after retries, keyed by check with
	// the error detail. Facts for those checks are absent, not empty.
	Partial map[CheckKind]string `json:"partial,omitempty"`
}

// HasPackage reports whether the named package is installed.
func (p *ProbedHostState) HasPackage(name string) bool {
	for _, pkg := range p.Packages {
		if pkg.Name == name {
			return true
		}
	}
	return false
}

// HasUser reports whether the named user exists.
func (p *ProbedHostState) HasUser(name string) bool {
	for _, u := range p.Users {
		if u.Name == name {
			return true
		}
	}
	return false
}

// AllowsRule reports whether the firewall already allows the rule.
func (p *ProbedHostState) AllowsRule(r FirewallRule) bool {
	for _, f := range p.Firewall {
		if (FirewallRule{Port: f.Port, Protocol: f.Protocol}).Key() == r.Key() {
			return true
		}
	}
	return false
}

// FileChecksum returns the probed checksum for path, or "" if the file was
// absent or not probed.
func (p *ProbedHostState) FileChecksum(path string) string {
	for _, f := range p.Files {
		if f.Path == path {
			return f.SHA256
		}
	}
	return ""
}

// Certificate returns the probed certificate for domain, if any.
func (p *ProbedHostState) Certificate(domain string) (CertFact, bool) {
	for _, c := range p.Certificates {
		if c.Domain == domain {
			return c, true
		}
	}
	return CertFact{}, false
}

// HasJail reports whether the fail2ban jail is enabled.
func (p *ProbedHostState) HasJail(service string) bool {
	for _, j := range p.Jails {
		if j == service {
			return true
		}
	}
	return false
}

// CheckOK reports whether the given check completed (facts are trustworthy).
func (p *ProbedHostState) CheckOK(kind CheckKind) bool {
	_, failed := p.Partial[kind]
	return !failed
}
