package model

import "time"

// RolloutState is a state in the per-deployment state machine.
type RolloutState string

const (
	RolloutPending        RolloutState = "pending"
	RolloutPulling        RolloutState = "pulling"
	RolloutSwapping       RolloutState = "swapping"
	RolloutHealthChecking RolloutState = "health_checking"
	RolloutStable         RolloutState = "stable"
	RolloutRollingBack    RolloutState = "rolling_back"
	RolloutRolledBack     RolloutState = "rolled_back"
	// RolloutDropped: the trigger was evicted from a full pending queue by a
	// newer one and will never execute.
	RolloutDropped RolloutState = "dropped"
)

// RolloutOutcome is the terminal result recorded for a rollout.
type RolloutOutcome string

const (
	// OutcomeSucceeded: every service swapped and passed health checking.
	OutcomeSucceeded RolloutOutcome = "succeeded"
	// OutcomePullFailed: a pull exhausted its retries before any container
	// was touched; the pre-rollout container set is untouched.
	OutcomePullFailed RolloutOutcome = "pull_failed"
	// OutcomeRolledBack: health checking failed and the previous containers
	// were restored.
	OutcomeRolledBack RolloutOutcome = "rolled_back"
)

// HealthCheckResult is one readiness observation for a swapped service.
type HealthCheckResult struct {
	Service   string    `json:"service"`
	Healthy   bool      `json:"healthy"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// RolloutRecord is an append-only audit entry for one rollout. Records are
// immutable once written; a rollback produces a new record, never an edit of
// a prior one.
type RolloutRecord struct {
	ID              string              `json:"id"`
	Host            string              `json:"host"`
	ManifestVersion string              `json:"manifest_version"`
	StartedAt       time.Time           `json:"started_at"`
	FinishedAt      time.Time           `json:"finished_at"`
	Outcome         RolloutOutcome      `json:"outcome"`
	Reason          string              `json:"reason,omitempty"`
	Health          []HealthCheckResult `json:"health,omitempty"`
}
