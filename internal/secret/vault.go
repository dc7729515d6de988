package secret

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"

	"github.com/edvin/convoy/internal/model"
)

// VaultResolver resolves secrets from a HashiCorp Vault KV v2 mount. Each
// entry stores the credential under "value" and its permitted scopes as a
// comma-separated list under "scopes".
type VaultResolver struct {
	logger    zerolog.Logger
	client    *api.Client
	mountPath string
	basePath  string
}

// NewVaultResolver creates a resolver against the given Vault address using
// token auth.
func NewVaultResolver(logger zerolog.Logger, address, token, mountPath, basePath string) (*VaultResolver, error) {
	cfg := api.DefaultConfig()
	cfg.Address = address

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(token)

	return &VaultResolver{
		logger:    logger.With().Str("component", "secret-resolver").Logger(),
		client:    client,
		mountPath: strings.TrimSuffix(mountPath, "/"),
		basePath:  strings.Trim(basePath, "/"),
	}, nil
}

func (r *VaultResolver) Resolve(ctx context.Context, name string, scope model.SecretScope) (model.Secret, error) {
	// KV v2 read path: <mount>/data/<base>/<name>.
	path := fmt.Sprintf("%s/data/%s/%s", r.mountPath, r.basePath, name)

	entry, err := r.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return model.Secret{}, fmt.Errorf("read secret %q: %w", name, err)
	}
	if entry == nil || entry.Data == nil {
		return model.Secret{}, fmt.Errorf("secret %q: %w", name, model.ErrSecretNotFound)
	}

	data, ok := entry.Data["data"].(map[string]any)
	if !ok {
		return model.Secret{}, fmt.Errorf("secret %q: %w", name, model.ErrSecretNotFound)
	}

	value, _ := data["value"].(string)
	if value == "" {
		return model.Secret{}, fmt.Errorf("secret %q has no value field: %w", name, model.ErrSecretNotFound)
	}

	scopesRaw, _ := data["scopes"].(string)
	var allowed []model.SecretScope
	for _, s := range strings.Split(scopesRaw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			allowed = append(allowed, model.SecretScope(s))
		}
	}
	if !scopeAllowed(allowed, scope) {
		return model.Secret{}, fmt.Errorf("secret %q requested for scope %q: %w", name, scope, model.ErrScopeViolation)
	}

	auditEvent(r.logger, name, scope)
	return model.NewSecret(name, scope, value), nil
}
