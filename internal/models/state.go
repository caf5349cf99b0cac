package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Labels written on every managed container
const (
	LabelManagedBy  = "managed_by"
	LabelService    = "mcp_service"
	LabelHostPort   = "mcp_port"
	LabelConfigHash = "mcp_config_hash"

	ManagedByValue = "mcp-orchestrator"
)

// ContainerStatus is the coarse lifecycle state of a managed container
type ContainerStatus string

const (
	ContainerRunning ContainerStatus = "running"
	ContainerStopped ContainerStatus = "stopped"
	ContainerAbsent  ContainerStatus = "absent"
)

// Health values reported by the runtime. HealthNone means the image
// declares no health check.
const (
	HealthNone      = "none"
	HealthStarting  = "starting"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// ContainerState is the observed runtime container for a service
type ContainerState struct {
	ContainerID string          `json:"container_id"`
	ServiceID   string          `json:"service_id"`
	Name        string          `json:"name"`
	Status      ContainerStatus `json:"status"`
	Health      string          `json:"health"`
	HostPort    int             `json:"host_port"`
	Image       string          `json:"image"`
	ConfigHash  string          `json:"config_hash"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Running reports whether the container is up
func (c *ContainerState) Running() bool {
	return c != nil && c.Status == ContainerRunning
}

// Routable reports whether the container may receive traffic: it must be
// running and either healthy or without a health check.
func (c *ContainerState) Routable() bool {
	if !c.Running() || c.HostPort == 0 {
		return false
	}
	switch c.Health {
	case "", HealthNone, HealthHealthy:
		return true
	}
	return false
}

// CreateContainerSpec is everything the runtime needs to launch a service
type CreateContainerSpec struct {
	ServiceID     string
	Name          string
	Image         string
	Env           map[string]string
	RestartPolicy RestartPolicy
	HostPort      int
	ContainerPort int
	Labels        map[string]string
}

// Tags written on managed load-balancer resources
const (
	TagManagedBy = "ManagedBy"
	TagService   = "MCPService"
	TagPort      = "MCPPort"
	TagName      = "Name"
)

const (
	targetGroupPrefix  = "tg-mcp-"
	targetGroupNameMax = 32
	targetGroupHashLen = 8
)

// TargetGroupName returns the deterministic target-group name for a
// service: tg-mcp-{id} when the id fits as is. An id that has to be
// sanitised or cut to the 32-character limit gets a short hash of the full
// id appended, so distinct ids never share a name.
func TargetGroupName(serviceID string) string {
	var b strings.Builder
	for _, r := range serviceID {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	clean := b.String()
	if clean == serviceID && clean != "" && len(targetGroupPrefix)+len(clean) <= targetGroupNameMax &&
		!strings.HasSuffix(clean, "-") {
		return targetGroupPrefix + clean
	}

	sum := sha256.Sum256([]byte(serviceID))
	suffix := hex.EncodeToString(sum[:])[:targetGroupHashLen]
	keep := targetGroupNameMax - len(targetGroupPrefix) - len(suffix) - 1
	if len(clean) > keep {
		clean = clean[:keep]
	}
	clean = strings.Trim(clean, "-")
	if clean == "" {
		return targetGroupPrefix + suffix
	}
	return targetGroupPrefix + clean + "-" + suffix
}

// TargetGroupState is the load-balancer routing target for a service
type TargetGroupState struct {
	ARN             string `json:"arn"`
	Name            string `json:"name"`
	ServiceID       string `json:"service_id"`
	BoundPort       int    `json:"bound_port"`
	HealthCheckPath string `json:"health_check_path"`
}

// ListenerRuleState is a path-match rule on the configured listener.
// Unmanaged rules are listed too so their priorities are never reused.
type ListenerRuleState struct {
	ARN            string `json:"arn"`
	ServiceID      string `json:"service_id,omitempty"`
	PathPattern    string `json:"path_pattern"`
	Priority       int    `json:"priority"`
	TargetGroupARN string `json:"target_group_arn"`
	IsDefault      bool   `json:"is_default"`
}

// Managed reports whether the rule belongs to a service of this daemon
func (r *ListenerRuleState) Managed() bool {
	return r.ServiceID != ""
}

// CreateRuleSpec describes a listener rule to create
type CreateRuleSpec struct {
	ServiceID      string
	PathPattern    string
	Priority       int
	TargetGroupARN string
}
