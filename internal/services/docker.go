package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"

	"github.com/imyashkale/mcporchestrator/internal/logger"
	"github.com/imyashkale/mcporchestrator/internal/models"
	"github.com/imyashkale/mcporchestrator/internal/reconciler"
)

var _ reconciler.ContainerRuntime = (*DockerRuntime)(nil)

// RegistryAuthProvider returns the encoded registry credentials for an
// image, or an empty string when the registry needs none
type RegistryAuthProvider interface {
	RegistryAuth(ctx context.Context, image string) (string, error)
}

// DockerRuntime manages containers through the Docker Engine API
type DockerRuntime struct {
	cli         *client.Client
	auth        RegistryAuthProvider
	stopTimeout int
}

// NewDockerRuntime connects using the DOCKER_HOST environment, negotiating
// the API version. auth may be nil when only public images are used.
func NewDockerRuntime(auth RegistryAuthProvider, stopTimeout time.Duration) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerRuntime{
		cli:         cli,
		auth:        auth,
		stopTimeout: int(stopTimeout.Seconds()),
	}, nil
}

// Ping checks that the daemon is reachable
func (d *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := d.cli.ContainerList(ctx, client.ContainerListOptions{Limit: 1}); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

// Close releases the client's connections
func (d *DockerRuntime) Close() error {
	if d.cli != nil {
		return d.cli.Close()
	}
	return nil
}

// List returns every container carrying the management label, stopped ones
// included
func (d *DockerRuntime) List(ctx context.Context) ([]models.ContainerState, error) {
	containers, err := d.cli.ContainerList(ctx, managedListOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var out []models.ContainerState
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		state := toContainerState(c.ID, name, c.Image, c.Labels, string(c.State), time.Unix(c.Created, 0))
		state.Health = healthFromStatus(c.Status)
		out = append(out, state)
	}
	return out, nil
}

// managedListOptions asks the daemon for managed containers only
func managedListOptions() client.ContainerListOptions {
	return client.ContainerListOptions{
		All:     true,
		Filters: make(client.Filters).Add("label", models.LabelManagedBy+"="+models.ManagedByValue),
	}
}

// Create creates the container, pulling the image first when it is not
// present locally
func (d *DockerRuntime) Create(ctx context.Context, spec models.CreateContainerSpec) (string, error) {
	cfg, hostCfg, err := containerConfig(spec)
	if err != nil {
		return "", err
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil && errdefs.IsNotFound(err) {
		if pullErr := d.pull(ctx, spec.ServiceID, spec.Image); pullErr != nil {
			return "", pullErr
		}
		resp, err = d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	}
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	logger.ForService("docker", spec.ServiceID).WithField("container_id", shortID(resp.ID)).Info("Created container")
	return resp.ID, nil
}

// pullMessage is one line of the pull progress stream
type pullMessage struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func (d *DockerRuntime) pull(ctx context.Context, serviceID, image string) error {
	log := logger.ForService("docker", serviceID).WithField("image", image)

	var opts client.ImagePullOptions
	if d.auth != nil {
		auth, err := d.auth.RegistryAuth(ctx, image)
		if err != nil {
			return fmt.Errorf("failed to get registry credentials for %s: %w", image, err)
		}
		opts.RegistryAuth = auth
	}

	log.Info("Pulling image")
	reader, err := d.cli.ImagePull(ctx, image, opts)
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	defer reader.Close()

	// errors after the pull started arrive in the progress stream
	dec := json.NewDecoder(reader)
	for {
		var msg pullMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to read pull output for %s: %w", image, err)
		}
		if msg.Error != "" {
			return fmt.Errorf("failed to pull image %s: %s", image, msg.Error)
		}
	}

	log.Info("Pulled image")
	return nil
}

func (d *DockerRuntime) Start(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerStart(ctx, containerID, client.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

// Stop succeeds when the container is already stopped or gone
func (d *DockerRuntime) Stop(ctx context.Context, containerID string) error {
	timeout := d.stopTimeout
	err := d.cli.ContainerStop(ctx, containerID, client.ContainerStopOptions{Timeout: &timeout})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

// Remove force-removes the container; a missing container is not an error
func (d *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	err := d.cli.ContainerRemove(ctx, containerID, client.ContainerRemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func (d *DockerRuntime) Inspect(ctx context.Context, containerID string) (*models.ContainerState, error) {
	info, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	var labels map[string]string
	image := ""
	if info.Config != nil {
		labels = info.Config.Labels
		image = info.Config.Image
	}
	created, _ := time.Parse(time.RFC3339Nano, info.Created)

	status := ""
	health := models.HealthNone
	if info.State != nil {
		status = string(info.State.Status)
		if info.State.Health != nil {
			health = normalizeHealth(string(info.State.Health.Status))
		}
	}

	state := toContainerState(info.ID, info.Name, image, labels, status, created)
	state.Health = health
	return &state, nil
}

// containerConfig builds the create request: one published port bound on
// all interfaces, environment sorted for a stable request, and the labels
// the reconciler reads back
func containerConfig(spec models.CreateContainerSpec) (*container.Config, *container.HostConfig, error) {
	if spec.ContainerPort < 1 || spec.ContainerPort > 65535 {
		return nil, nil, fmt.Errorf("invalid container port %d", spec.ContainerPort)
	}
	containerPort, err := network.ParsePort(fmt.Sprintf("%d/tcp", spec.ContainerPort))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid container port %d: %w", spec.ContainerPort, err)
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(env)

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          env,
		Labels:       spec.Labels,
		ExposedPorts: network.PortSet{containerPort: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: network.PortMap{
			containerPort: []network.PortBinding{
				{
					HostIP:   netip.MustParseAddr("0.0.0.0"),
					HostPort: strconv.Itoa(spec.HostPort),
				},
			},
		},
		RestartPolicy: container.RestartPolicy{Name: restartMode(spec.RestartPolicy)},
	}
	return cfg, hostCfg, nil
}

func restartMode(p models.RestartPolicy) container.RestartPolicyMode {
	switch p {
	case models.RestartNo:
		return container.RestartPolicyDisabled
	case models.RestartUnlessStopped:
		return container.RestartPolicyUnlessStopped
	case models.RestartOnFailure:
		return container.RestartPolicyOnFailure
	}
	return container.RestartPolicyAlways
}

// toContainerState maps runtime fields onto the reconciler's view. The
// service id and host port come from labels written at create time.
func toContainerState(id, name, image string, labels map[string]string, state string, created time.Time) models.ContainerState {
	port, _ := strconv.Atoi(labels[models.LabelHostPort])
	status := models.ContainerStopped
	if state == "running" {
		status = models.ContainerRunning
	}
	return models.ContainerState{
		ContainerID: id,
		ServiceID:   labels[models.LabelService],
		Name:        strings.TrimPrefix(name, "/"),
		Status:      status,
		Health:      models.HealthNone,
		HostPort:    port,
		Image:       image,
		ConfigHash:  labels[models.LabelConfigHash],
		CreatedAt:   created,
	}
}

// healthFromStatus reads the health suffix of the list status text, e.g.
// "Up 5 minutes (healthy)"
func healthFromStatus(status string) string {
	switch {
	case strings.Contains(status, "(unhealthy)"):
		return models.HealthUnhealthy
	case strings.Contains(status, "(healthy)"):
		return models.HealthHealthy
	case strings.Contains(status, "(health: starting)"):
		return models.HealthStarting
	}
	return models.HealthNone
}

func normalizeHealth(h string) string {
	switch h {
	case models.HealthHealthy, models.HealthUnhealthy, models.HealthStarting:
		return h
	}
	return models.HealthNone
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
