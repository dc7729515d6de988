package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDigest = "sha256:ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12"

func validManifest() *DeploymentManifest {
	return &DeploymentManifest{
		Version: "build-482",
		Services: []ManifestService{
			{
				Name:    "backend",
				Image:   "registry.example.com/acme/backend@" + testDigest,
				Binding: &PortBinding{HostPort: 8080, ContainerPort: 80},
			},
		},
	}
}

func TestManifest_Valid(t *testing.T) {
	require.NoError(t, validManifest().Validate())
}

func TestManifest_RejectsMutableTag(t *testing.T) {
	m := validManifest()
	m.Services[0].Image = "registry.example.com/acme/backend:latest"
	err := m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image_digest")
}

func TestManifest_RejectsShortDigest(t *testing.T) {
	m := validManifest()
	m.Services[0].Image = "registry.example.com/acme/backend@sha256:abcd"
	require.Error(t, m.Validate())
}

func TestManifest_RejectsEmptyServices(t *testing.T) {
	m := &DeploymentManifest{Version: "v1"}
	require.Error(t, m.Validate())
}

func TestManifest_RejectsMissingVersion(t *testing.T) {
	m := validManifest()
	m.Version = ""
	require.Error(t, m.Validate())
}

func TestManifest_RejectsDuplicateServiceNames(t *testing.T) {
	m := validManifest()
	m.Services = append(m.Services, m.Services[0])
	err := m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate service "backend"`)
}

func TestManifest_RejectsBadServiceName(t *testing.T) {
	m := validManifest()
	m.Services[0].Name = "Backend Service"
	require.Error(t, m.Validate())
}

func TestSecret_NeverSerializesValue(t *testing.T) {
	s := NewSecret("registry-token", ScopeRegistryPull, "hunter2-token-value")

	assert.Equal(t, "hunter2-token-value", s.Value())
	assert.NotContains(t, s.String(), "hunter2")

	data, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(data), "hunter2"))
	assert.Contains(t, string(data), "redacted")
}
