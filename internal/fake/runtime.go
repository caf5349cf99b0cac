// Package fake provides in-memory stand-ins for the container runtime and
// the load balancer. They keep enough state to behave like the real systems
// across cycles and count every mutating call.
package fake

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/imyashkale/mcporchestrator/internal/models"
	"github.com/imyashkale/mcporchestrator/internal/reconciler"
)

var _ reconciler.ContainerRuntime = (*Runtime)(nil)

// ErrNotFound is returned for unknown container ids
var ErrNotFound = errors.New("no such container")

type container struct {
	state   models.ContainerState
	labels  map[string]string
	managed bool
}

// Runtime is an in-memory container runtime
type Runtime struct {
	mu         sync.Mutex
	containers map[string]*container
	seq        int
	clock      time.Time
	calls      map[string]int

	// BadImages fail Create with the mapped error
	BadImages map[string]error
	// StartFailures fail Start for the mapped service id
	StartFailures map[string]error
	// HealthOnStart is reported by containers after they start
	HealthOnStart string
	// ListErr fails List when set
	ListErr error
	// CreateDelay is slept before every Create
	CreateDelay time.Duration
}

// NewRuntime creates an empty runtime
func NewRuntime() *Runtime {
	return &Runtime{
		containers:    make(map[string]*container),
		clock:         time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		calls:         make(map[string]int),
		BadImages:     make(map[string]error),
		StartFailures: make(map[string]error),
		HealthOnStart: models.HealthNone,
	}
}

func (r *Runtime) now() time.Time {
	r.clock = r.clock.Add(time.Second)
	return r.clock
}

func (r *Runtime) count(op string) {
	r.calls[op]++
}

// Mutations returns the number of create, start, stop and remove calls
func (r *Runtime) Mutations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, n := range r.calls {
		total += n
	}
	return total
}

// Calls returns the number of calls made for one operation
func (r *Runtime) Calls(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

// ResetCalls zeroes the call counters
func (r *Runtime) ResetCalls() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = make(map[string]int)
}

// Seed adds a pre-existing managed container, as left by a previous run
func (r *Runtime) Seed(state models.ContainerState) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	if state.ContainerID == "" {
		state.ContainerID = fmt.Sprintf("seed-%d", r.seq)
	}
	if state.Name == "" {
		state.Name = models.ContainerNameFor(state.ServiceID)
	}
	if state.CreatedAt.IsZero() {
		state.CreatedAt = r.now()
	}
	r.containers[state.ContainerID] = &container{state: state, managed: true}
	return state.ContainerID
}

// SeedUnmanaged adds a container without the management label
func (r *Runtime) SeedUnmanaged(name string, hostPort int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	id := fmt.Sprintf("unmanaged-%d", r.seq)
	r.containers[id] = &container{state: models.ContainerState{
		ContainerID: id,
		Name:        name,
		Status:      models.ContainerRunning,
		HostPort:    hostPort,
		CreatedAt:   r.now(),
	}}
	return id
}

// StopOutOfBand stops a container the way an operator would, without
// counting it as a mutation of the engine
func (r *Runtime) StopOutOfBand(containerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[containerID]; ok {
		c.state.Status = models.ContainerStopped
		c.state.Health = ""
	}
}

// SetHealth overrides the health reported for a container
func (r *Runtime) SetHealth(containerID, health string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[containerID]; ok {
		c.state.Health = health
	}
}

// Managed returns the managed containers grouped by service id
func (r *Runtime) Managed() map[string][]models.ContainerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]models.ContainerState)
	for _, c := range r.containers {
		if c.managed {
			out[c.state.ServiceID] = append(out[c.state.ServiceID], c.state)
		}
	}
	return out
}

// Running returns the running managed container per service id
func (r *Runtime) Running() map[string]models.ContainerState {
	out := make(map[string]models.ContainerState)
	for id, group := range r.Managed() {
		for _, c := range group {
			if c.Status == models.ContainerRunning {
				out[id] = c
			}
		}
	}
	return out
}

func (r *Runtime) List(ctx context.Context) ([]models.ContainerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ListErr != nil {
		return nil, r.ListErr
	}
	var out []models.ContainerState
	for _, c := range r.containers {
		if c.managed {
			out = append(out, c.state)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContainerID < out[j].ContainerID })
	return out, nil
}

func (r *Runtime) Create(ctx context.Context, spec models.CreateContainerSpec) (string, error) {
	if r.CreateDelay > 0 {
		time.Sleep(r.CreateDelay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count("create")

	if err, bad := r.BadImages[spec.Image]; bad {
		return "", err
	}
	for _, c := range r.containers {
		if c.state.Name == spec.Name {
			return "", fmt.Errorf("container name %q is already in use", spec.Name)
		}
	}

	r.seq++
	id := fmt.Sprintf("ctr-%d", r.seq)
	port, _ := strconv.Atoi(spec.Labels[models.LabelHostPort])
	if port == 0 {
		port = spec.HostPort
	}
	r.containers[id] = &container{
		state: models.ContainerState{
			ContainerID: id,
			ServiceID:   spec.ServiceID,
			Name:        spec.Name,
			Status:      models.ContainerStopped,
			HostPort:    port,
			Image:       spec.Image,
			ConfigHash:  spec.Labels[models.LabelConfigHash],
			CreatedAt:   r.now(),
		},
		labels:  spec.Labels,
		managed: spec.Labels[models.LabelManagedBy] == models.ManagedByValue,
	}
	return id, nil
}

func (r *Runtime) Start(ctx context.Context, containerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count("start")

	c, ok := r.containers[containerID]
	if !ok {
		return ErrNotFound
	}
	if err, fail := r.StartFailures[c.state.ServiceID]; fail {
		return err
	}
	if c.state.Status == models.ContainerRunning {
		return nil
	}
	for id, other := range r.containers {
		if id != containerID && other.state.Status == models.ContainerRunning && other.state.HostPort == c.state.HostPort {
			return fmt.Errorf("port %d is already allocated", c.state.HostPort)
		}
	}
	c.state.Status = models.ContainerRunning
	c.state.Health = r.HealthOnStart
	return nil
}

func (r *Runtime) Stop(ctx context.Context, containerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count("stop")

	if c, ok := r.containers[containerID]; ok {
		c.state.Status = models.ContainerStopped
		c.state.Health = ""
	}
	return nil
}

func (r *Runtime) Remove(ctx context.Context, containerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count("remove")

	delete(r.containers, containerID)
	return nil
}

func (r *Runtime) Inspect(ctx context.Context, containerID string) (*models.ContainerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.containers[containerID]
	if !ok {
		return nil, ErrNotFound
	}
	state := c.state
	return &state, nil
}
