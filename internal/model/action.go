package model

import "time"

// ActionKind identifies a convergence action type. Kinds carry a fixed
// dependency order (users before packages before firewall before service
// config before reloads) so each action's preconditions are satisfied by
// prior actions in the same run.
type ActionKind string

const (
	ActionCreateUser     ActionKind = "create_user"
	ActionAuthorizeKeys  ActionKind = "authorize_keys"
	ActionInstallPackage ActionKind = "install_package"
	ActionFirewallAllow  ActionKind = "firewall_allow"
	ActionFirewallDeny   ActionKind = "firewall_default_deny"
	ActionEnableJail     ActionKind = "enable_jail"
	ActionWriteFile      ActionKind = "write_file"
	ActionRenewCert      ActionKind = "renew_certificate"
	ActionProxyConfig    ActionKind = "proxy_config"
	ActionReloadService  ActionKind = "reload_service"
)

// phase assigns each kind its position in the fixed dependency order.
var phase = map[ActionKind]int{
	ActionCreateUser:     0,
	ActionAuthorizeKeys:  1,
	ActionInstallPackage: 2,
	ActionFirewallAllow:  3,
	ActionFirewallDeny:   4,
	ActionEnableJail:     5,
	ActionWriteFile:      6,
	ActionRenewCert:      7,
	ActionProxyConfig:    8,
	ActionReloadService:  9,
}

// Phase returns the dependency-order phase for the kind.
func (k ActionKind) Phase() int { return phase[k] }

// ConvergenceAction is one idempotent unit of remediation. Applying the same
// action twice yields the same end state; the engine additionally re-checks
// the precondition before executing so a re-run after partial failure skips
// work that already converged.
type ConvergenceAction struct {
	Kind     ActionKind `json:"kind"`
	Resource string     `json:"resource"`
	Detail   string     `json:"detail,omitempty"`

	// User fields.
	User *DesiredUser `json:"user,omitempty"`

	// File fields.
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
	Mode    string `json:"mode,omitempty"`

	// Firewall fields.
	Rule *FirewallRule `json:"rule,omitempty"`

	// Jail fields.
	MaxRetry int `json:"max_retry,omitempty"`

	// Proxy fields.
	Proxy *ProxySpec `json:"proxy,omitempty"`

	// Service to reload for ActionReloadService.
	Service string `json:"service,omitempty"`
}

// ActionOutcome is the per-action result in a report.
type ActionOutcome string

const (
	OutcomeApplied ActionOutcome = "applied"
	OutcomeSkipped ActionOutcome = "skipped"
	OutcomeFailed  ActionOutcome = "failed"
	OutcomeNotRun  ActionOutcome = "not_run"
)

// ActionResult is the recorded outcome of one action.
type ActionResult struct {
	Kind     ActionKind    `json:"kind"`
	Resource string        `json:"resource"`
	Outcome  ActionOutcome `json:"outcome"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// ConvergenceReport lists every attempted action with its outcome. The
// engine halts on the first failure; remaining actions are reported as
// not_run. Reports never contain secret values.
type ConvergenceReport struct {
	Host            string         `json:"host"`
	DesiredChecksum string         `json:"desired_checksum"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      time.Time      `json:"finished_at"`
	Results         []ActionResult `json:"results"`
}

// Failed reports whether any action failed.
func (r *ConvergenceReport) Failed() bool {
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			return true
		}
	}
	return false
}

// Applied counts actions that actually changed the host.
func (r *ConvergenceReport) Applied() int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == OutcomeApplied {
			n++
		}
	}
	return n
}
