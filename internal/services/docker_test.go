package services

import (
	"testing"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/imyashkale/mcporchestrator/internal/models"
)

func TestContainerConfig(t *testing.T) {
	spec := models.CreateContainerSpec{
		ServiceID:     "github",
		Name:          "mcp-github",
		Image:         "mcp/github:1.2",
		Env:           map[string]string{"TOKEN": "x", "API_URL": "https://api.github.com"},
		RestartPolicy: models.RestartUnlessStopped,
		HostPort:      8001,
		ContainerPort: 8080,
		Labels:        map[string]string{models.LabelManagedBy: models.ManagedByValue},
	}

	cfg, hostCfg, err := containerConfig(spec)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if cfg.Image != "mcp/github:1.2" {
		t.Fatalf("Expected image mcp/github:1.2, got %s", cfg.Image)
	}
	if len(cfg.Env) != 2 || cfg.Env[0] != "API_URL=https://api.github.com" || cfg.Env[1] != "TOKEN=x" {
		t.Fatalf("Expected sorted env, got %v", cfg.Env)
	}
	if cfg.Labels[models.LabelManagedBy] != models.ManagedByValue {
		t.Fatalf("Expected management label, got %v", cfg.Labels)
	}

	port, err := network.ParsePort("8080/tcp")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, ok := cfg.ExposedPorts[port]; !ok {
		t.Fatalf("Expected container port 8080/tcp to be exposed")
	}
	bindings := hostCfg.PortBindings[port]
	if len(bindings) != 1 || bindings[0].HostPort != "8001" {
		t.Fatalf("Expected binding to host port 8001, got %v", bindings)
	}
	if hostCfg.RestartPolicy.Name != container.RestartPolicyUnlessStopped {
		t.Fatalf("Expected unless-stopped restart policy, got %s", hostCfg.RestartPolicy.Name)
	}
}

func TestManagedListOptions(t *testing.T) {
	opts := managedListOptions()
	if !opts.All {
		t.Fatalf("Expected stopped containers to be listed")
	}
	want := models.LabelManagedBy + "=" + models.ManagedByValue
	if len(opts.Filters) != 1 || len(opts.Filters["label"]) != 1 || !opts.Filters["label"][want] {
		t.Fatalf("Expected only the label filter %q, got %v", want, opts.Filters)
	}
}

func TestContainerConfig_InvalidPort(t *testing.T) {
	_, _, err := containerConfig(models.CreateContainerSpec{Image: "x", ContainerPort: 70000, HostPort: 8000})
	if err == nil {
		t.Fatalf("Expected error for out-of-range container port")
	}
}

func TestRestartMode(t *testing.T) {
	tests := []struct {
		policy models.RestartPolicy
		want   container.RestartPolicyMode
	}{
		{models.RestartNo, container.RestartPolicyDisabled},
		{models.RestartAlways, container.RestartPolicyAlways},
		{models.RestartUnlessStopped, container.RestartPolicyUnlessStopped},
		{models.RestartOnFailure, container.RestartPolicyOnFailure},
		{"", container.RestartPolicyAlways},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			if got := restartMode(tt.policy); got != tt.want {
				t.Fatalf("restartMode(%q) = %q, want %q", tt.policy, got, tt.want)
			}
		})
	}
}

func TestToContainerState(t *testing.T) {
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	labels := map[string]string{
		models.LabelManagedBy:  models.ManagedByValue,
		models.LabelService:    "github",
		models.LabelHostPort:   "8003",
		models.LabelConfigHash: "abc123",
	}

	state := toContainerState("f00dfeed", "/mcp-github", "mcp/github:1.2", labels, "running", created)
	if state.ServiceID != "github" || state.HostPort != 8003 || state.ConfigHash != "abc123" {
		t.Fatalf("Labels not mapped: %+v", state)
	}
	if state.Name != "mcp-github" {
		t.Fatalf("Expected leading slash trimmed, got %s", state.Name)
	}
	if state.Status != models.ContainerRunning {
		t.Fatalf("Expected running, got %s", state.Status)
	}
	if !state.CreatedAt.Equal(created) {
		t.Fatalf("Expected created %v, got %v", created, state.CreatedAt)
	}

	for _, raw := range []string{"exited", "created", "paused", "dead", "restarting"} {
		if s := toContainerState("id", "n", "i", labels, raw, created); s.Status != models.ContainerStopped {
			t.Fatalf("State %q should map to stopped, got %s", raw, s.Status)
		}
	}

	delete(labels, models.LabelHostPort)
	if s := toContainerState("id", "n", "i", labels, "running", created); s.HostPort != 0 {
		t.Fatalf("Expected port 0 without label, got %d", s.HostPort)
	}
}

func TestHealthFromStatus(t *testing.T) {
	tests := []struct {
		status string
		want   string
	}{
		{"Up 5 minutes (healthy)", models.HealthHealthy},
		{"Up 5 minutes (unhealthy)", models.HealthUnhealthy},
		{"Up 3 seconds (health: starting)", models.HealthStarting},
		{"Up 2 hours", models.HealthNone},
		{"Exited (1) 2 minutes ago", models.HealthNone},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			if got := healthFromStatus(tt.status); got != tt.want {
				t.Fatalf("healthFromStatus(%q) = %q, want %q", tt.status, got, tt.want)
			}
		})
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0123456789abcdef"); got != "0123456789ab" {
		t.Fatalf("Expected 12 characters, got %s", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Fatalf("Expected abc, got %s", got)
	}
}
