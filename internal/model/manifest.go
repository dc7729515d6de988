package model

import (
	"fmt"
	"os"
	"regexp"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var manifestValidate = validator.New()

var (
	serviceNameRegex = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,62}$`)
	imageDigestRegex = regexp.MustCompile(`^[a-z0-9./:@_-]+@sha256:[a-f0-9]{64}$`)
)

func init() {
	manifestValidate.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return serviceNameRegex.MatchString(fl.Field().String())
	})
	// Image references must be content-addressed by registry digest, never a
	// mutable tag, so the same manifest always resolves to the same bytes.
	manifestValidate.RegisterValidation("image_digest", func(fl validator.FieldLevel) bool {
		return imageDigestRegex.MatchString(fl.Field().String())
	})
}

// PortBinding exposes a container port on a host address.
type PortBinding struct {
	HostPort      int `json:"host_port" yaml:"host_port" validate:"required,min=1,max=65535"`
	ContainerPort int `json:"container_port" yaml:"container_port" validate:"required,min=1,max=65535"`
}

// ManifestService is one service entry in a deployment manifest.
type ManifestService struct {
	Name    string            `json:"name" yaml:"name" validate:"required,slug"`
	Image   string            `json:"image" yaml:"image" validate:"required,image_digest"`
	Binding *PortBinding      `json:"binding,omitempty" yaml:"binding,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// DeploymentManifest is the ordered list of services a rollout deploys.
// Image references are immutable per manifest instance.
type DeploymentManifest struct {
	Version  string            `json:"version" yaml:"version" validate:"required"`
	Services []ManifestService `json:"services" yaml:"services" validate:"required,min=1,dive"`
}

// Validate checks manifest well-formedness, including digest-pinned image
// references and unique service names.
func (m *DeploymentManifest) Validate() error {
	if err := manifestValidate.Struct(m); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}
	return uniqueKeys("service", m.Services, func(s ManifestService) string { return s.Name })
}

// LoadManifest reads and validates a manifest YAML file.
func LoadManifest(path string) (*DeploymentManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m DeploymentManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
