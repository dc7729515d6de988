package deployer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/edvin/convoy/internal/model"
)

// DockerDeployer implements Deployer using the Docker API.
type DockerDeployer struct{}

// NewDockerDeployer creates a new DockerDeployer.
func NewDockerDeployer() *DockerDeployer {
	return &DockerDeployer{}
}

func (d *DockerDeployer) clientForHost(host *model.Host) (*client.Client, error) {
	opts := []client.Opt{
		client.WithHost(host.DockerHost),
		client.WithAPIVersionNegotiation(),
	}

	if host.CACertPEM != "" && host.ClientCertPEM != "" && host.ClientKeyPEM != "" {
		cert, err := tls.X509KeyPair([]byte(host.ClientCertPEM), []byte(host.ClientKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("parse client cert: %w", err)
		}

		caCertPool := x509.NewCertPool()
		caCertPool.AppendCertsFromPEM([]byte(host.CACertPEM))

		httpClient := &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					Certificates: []tls.Certificate{cert},
					RootCAs:      caCertPool,
				},
			},
		}
		opts = append(opts, client.WithHTTPClient(httpClient))
	}

	return client.NewClientWithOpts(opts...)
}

func (d *DockerDeployer) PullImage(ctx context.Context, host *model.Host, img string, auth *RegistryAuth) (string, error) {
	cli, err := d.clientForHost(host)
	if err != nil {
		return "", fmt.Errorf("create docker client: %w", err)
	}
	defer cli.Close()

	pullOpts := image.PullOptions{}
	if auth != nil {
		encoded, err := encodeAuth(auth)
		if err != nil {
			return "", err
		}
		pullOpts.RegistryAuth = encoded
	}

	reader, err := cli.ImagePull(ctx, img, pullOpts)
	if err != nil {
		return "", fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	// Drain the pull output.
	_, _ = io.Copy(io.Discard, reader)

	inspect, _, err := cli.ImageInspectWithRaw(ctx, img)
	if err != nil {
		return "", fmt.Errorf("inspect image %s: %w", img, err)
	}

	digest := ""
	if len(inspect.RepoDigests) > 0 {
		digest = inspect.RepoDigests[0]
	}
	return digest, nil
}

func encodeAuth(auth *RegistryAuth) (string, error) {
	payload, err := json.Marshal(registry.AuthConfig{
		Username: auth.Username,
		Password: auth.Password,
	})
	if err != nil {
		return "", fmt.Errorf("encode registry auth: %w", err)
	}
	return base64.URLEncoding.EncodeToString(payload), nil
}

func (d *DockerDeployer) CreateContainer(ctx context.Context, host *model.Host, opts ContainerOpts) (string, error) {
	cli, err := d.clientForHost(host)
	if err != nil {
		return "", fmt.Errorf("create docker client: %w", err)
	}
	defer cli.Close()

	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	exposedPorts := nat.PortSet{}
	portBindings := nat.PortMap{}
	for _, pm := range opts.Ports {
		cp := nat.Port(strconv.Itoa(pm.Container) + "/tcp")
		exposedPorts[cp] = struct{}{}
		portBindings[cp] = []nat.PortBinding{
			{HostPort: strconv.Itoa(pm.Host)},
		}
	}

	config := &container.Config{
		Image:        opts.Image,
		Env:          env,
		ExposedPorts: exposedPorts,
		Labels:       opts.Labels,
	}
	if opts.HealthCheck != nil {
		config.Healthcheck = &container.HealthConfig{
			Test:     opts.HealthCheck.Test,
			Interval: opts.HealthCheck.Interval,
			Timeout:  opts.HealthCheck.Timeout,
			Retries:  opts.HealthCheck.Retries,
		}
	}

	hostConfig := &container.HostConfig{
		PortBindings: portBindings,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
	}

	resp, err := cli.ContainerCreate(ctx, config, hostConfig, nil, nil, opts.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", opts.Name, err)
	}

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container %s: %w", opts.Name, err)
	}

	return resp.ID, nil
}

func (d *DockerDeployer) StartContainer(ctx context.Context, host *model.Host, containerID string) error {
	cli, err := d.clientForHost(host)
	if err != nil {
		return fmt.Errorf("create docker client: %w", err)
	}
	defer cli.Close()

	return cli.ContainerStart(ctx, containerID, container.StartOptions{})
}

func (d *DockerDeployer) StopContainer(ctx context.Context, host *model.Host, containerID string) error {
	cli, err := d.clientForHost(host)
	if err != nil {
		return fmt.Errorf("create docker client: %w", err)
	}
	defer cli.Close()

	return cli.ContainerStop(ctx, containerID, container.StopOptions{})
}

func (d *DockerDeployer) RemoveContainer(ctx context.Context, host *model.Host, containerID string) error {
	cli, err := d.clientForHost(host)
	if err != nil {
		return fmt.Errorf("create docker client: %w", err)
	}
	defer cli.Close()

	return cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

func (d *DockerDeployer) InspectContainer(ctx context.Context, host *model.Host, containerID string) (*ContainerStatus, error) {
	cli, err := d.clientForHost(host)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	defer cli.Close()

	info, err := cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("inspect container %s: %w", containerID, err)
	}

	health := "none"
	if info.State.Health != nil {
		health = info.State.Health.Status
	}

	return &ContainerStatus{
		ID:      info.ID,
		Name:    info.Name,
		Image:   info.Config.Image,
		State:   info.State.Status,
		Health:  health,
		Running: info.State.Running,
		Labels:  info.Config.Labels,
	}, nil
}

func (d *DockerDeployer) ListContainers(ctx context.Context, host *model.Host, labelFilter string) ([]ContainerStatus, error) {
	cli, err := d.clientForHost(host)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	defer cli.Close()

	args := filters.NewArgs()
	if labelFilter != "" {
		args.Add("label", labelFilter)
	}

	list, err := cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	statuses := make([]ContainerStatus, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		statuses = append(statuses, ContainerStatus{
			ID:      c.ID,
			Name:    name,
			Image:   c.Image,
			State:   c.State,
			Running: c.State == "running",
			Labels:  c.Labels,
		})
	}
	return statuses, nil
}
