// Package deployer talks to the container runtime on the target host. The
// rollout controller drives it through the Deployer interface; tests use a
// fake.
package deployer

import (
	"context"
	"time"

	"github.com/edvin/convoy/internal/model"
)

// ServiceLabel marks containers managed by convoy with their service name.
const ServiceLabel = "convoy.service"

// RolloutLabel carries the rollout ID that created a container.
const RolloutLabel = "convoy.rollout"

// RegistryAuth is a transient registry credential. It is built from a
// resolved secret and discarded with the pull call.
type RegistryAuth struct {
	Username string
	Password string
}

// PortMapping describes a host-to-container port binding.
type PortMapping struct {
	Host      int `json:"host"`
	Container int `json:"container"`
}

// HealthCheck holds container health check configuration.
type HealthCheck struct {
	Test     []string
	Interval time.Duration
	Timeout  time.Duration
	Retries  int
}

// ContainerOpts holds the options for creating a container.
type ContainerOpts struct {
	Name        string
	Image       string
	Env         map[string]string
	Ports       []PortMapping
	Labels      map[string]string
	HealthCheck *HealthCheck
}

// ContainerStatus holds the observed status of a container.
type ContainerStatus struct {
	ID      string
	Name    string
	Image   string
	State   string // running, exited, created, ...
	Health  string // healthy, unhealthy, starting, none
	Running bool
	Labels  map[string]string
}

// Deployer defines the container runtime operations the orchestrator needs.
type Deployer interface {
	PullImage(ctx context.Context, host *model.Host, image string, auth *RegistryAuth) (digest string, err error)
	CreateContainer(ctx context.Context, host *model.Host, opts ContainerOpts) (containerID string, err error)
	StartContainer(ctx context.Context, host *model.Host, containerID string) error
	StopContainer(ctx context.Context, host *model.Host, containerID string) error
	RemoveContainer(ctx context.Context, host *model.Host, containerID string) error
	InspectContainer(ctx context.Context, host *model.Host, containerID string) (*ContainerStatus, error)
	ListContainers(ctx context.Context, host *model.Host, labelFilter string) ([]ContainerStatus, error)
}
