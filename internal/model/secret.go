package model

// SecretScope declares which class of actions may use a secret.
type SecretScope string

const (
	ScopeProvisioning SecretScope = "provisioning"
	ScopeRegistryPull SecretScope = "registry_pull"
	ScopeProxyTLS     SecretScope = "proxy_tls"
)

// Secret is a named credential resolved just-in-time for a single action.
// The value is unexported so it can never leak through JSON or YAML
// serialization of reports and records; String and error formatting redact
// it as well.
type Secret struct {
	Name  string
	Scope SecretScope

	value string
}

// NewSecret builds a secret. Only resolvers should call this.
func NewSecret(name string, scope SecretScope, value string) Secret {
	return Secret{Name: name, Scope: scope, value: value}
}

// Value returns the credential material.
func (s Secret) Value() string { return s.value }

// String implements fmt.Stringer with the value redacted.
func (s Secret) String() string { return s.Name + ":<redacted>" }

// MarshalJSON redacts the value. Secrets must never be part of a persisted
// entity, but a struct that accidentally embeds one still serializes safely.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.Name + `:<redacted>"`), nil
}
