package model

import "errors"

// Error taxonomy shared across the orchestrator. Callers wrap these with
// host/action/resource context via fmt.Errorf("...: %w", ...) and test with
// errors.Is.
var (
	// ErrUnreachable means the target host did not respond at all. Fatal to
	// a probing or provisioning pass.
	ErrUnreachable = errors.New("host unreachable")

	// ErrPreconditionFailed means a probed fact contradicts an assumption an
	// action depends on.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrActionFailed means a convergence step errored while executing.
	ErrActionFailed = errors.New("action failed")

	// ErrPullFailed means an image pull exhausted its retry budget.
	ErrPullFailed = errors.New("image pull failed")

	// ErrHealthCheckTimeout means a swapped service did not become healthy
	// within the health-check window.
	ErrHealthCheckTimeout = errors.New("health check timeout")

	// ErrScopeViolation means an action requested a secret outside its
	// declared scope.
	ErrScopeViolation = errors.New("secret scope violation")

	// ErrSecretNotFound means the backing store has no entry for the
	// requested secret name.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrConfigSyntax means generated proxy configuration failed validation.
	ErrConfigSyntax = errors.New("config syntax error")

	// ErrConcurrencyConflict means the provisioning lock is already held or
	// a rollout is already in flight.
	ErrConcurrencyConflict = errors.New("concurrent operation in progress")
)
