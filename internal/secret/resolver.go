// Package secret resolves deployment credentials just-in-time. Values are
// handed to the requesting action and discarded; they never reach durable
// storage, reports, or logs. Every resolution emits an audit event carrying
// the secret name, scope and timestamp, never the value.
package secret

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/convoy/internal/model"
)

// Resolver resolves a named secret for a declared scope. Implementations
// must return model.ErrScopeViolation when the requesting scope is not
// permitted for the secret and model.ErrSecretNotFound when the backing
// store has no such entry.
type Resolver interface {
	Resolve(ctx context.Context, name string, scope model.SecretScope) (model.Secret, error)
}

func auditEvent(logger zerolog.Logger, name string, scope model.SecretScope) {
	logger.Info().
		Str("event", "secret_resolved").
		Str("secret", name).
		Str("scope", string(scope)).
		Time("resolved_at", time.Now().UTC()).
		Msg("secret resolved")
}

// StaticResolver serves secrets from memory. It backs tests and small
// single-host setups that inject credentials via the environment.
type StaticResolver struct {
	logger  zerolog.Logger
	entries map[string]StaticEntry
}

// StaticEntry is one in-memory secret with its permitted scopes.
type StaticEntry struct {
	Value  string
	Scopes []model.SecretScope
}

// NewStaticResolver creates a resolver over the given entries.
func NewStaticResolver(logger zerolog.Logger, entries map[string]StaticEntry) *StaticResolver {
	return &StaticResolver{
		logger:  logger.With().Str("component", "secret-resolver").Logger(),
		entries: entries,
	}
}

func (r *StaticResolver) Resolve(_ context.Context, name string, scope model.SecretScope) (model.Secret, error) {
	entry, ok := r.entries[name]
	if !ok {
		return model.Secret{}, fmt.Errorf("secret %q: %w", name, model.ErrSecretNotFound)
	}
	if !scopeAllowed(entry.Scopes, scope) {
		return model.Secret{}, fmt.Errorf("secret %q requested for scope %q: %w", name, scope, model.ErrScopeViolation)
	}
	auditEvent(r.logger, name, scope)
	return model.NewSecret(name, scope, entry.Value), nil
}

func scopeAllowed(allowed []model.SecretScope, scope model.SecretScope) bool {
	for _, s := range allowed {
		if s == scope {
			return true
		}
	}
	return false
}
