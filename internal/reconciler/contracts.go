// Package reconciler compares desired services against the container runtime
// and the load balancer and applies the corrective operations.
package reconciler

import (
	"context"

	"github.com/imyashkale/mcporchestrator/internal/models"
)

// ContainerRuntime is the narrow contract the container reconciler needs
type ContainerRuntime interface {
	// List returns every container carrying the management label
	List(ctx context.Context) ([]models.ContainerState, error)
	// Create creates (but does not start) a container and returns its id
	Create(ctx context.Context, spec models.CreateContainerSpec) (string, error)
	Start(ctx context.Context, containerID string) error
	// Stop and Remove succeed when the container is already stopped or gone
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	Inspect(ctx context.Context, containerID string) (*models.ContainerState, error)
}

// LoadBalancer is the narrow contract the routing reconciler needs. Target
// groups are listed only when they carry the management tag; rules are
// listed for the configured listener, unmanaged ones included.
type LoadBalancer interface {
	ListTargetGroups(ctx context.Context) ([]models.TargetGroupState, error)
	// CreateTargetGroup returns the existing group when one with the same
	// name already exists
	CreateTargetGroup(ctx context.Context, serviceID string) (*models.TargetGroupState, error)
	RegisterTarget(ctx context.Context, targetGroupARN string, port int) error
	DeregisterTarget(ctx context.Context, targetGroupARN string, port int) error
	// TagBoundPort records the port the group's instance target listens on
	TagBoundPort(ctx context.Context, targetGroupARN string, port int) error
	DeleteTargetGroup(ctx context.Context, targetGroupARN string) error

	ListRules(ctx context.Context) ([]models.ListenerRuleState, error)
	CreateRule(ctx context.Context, spec models.CreateRuleSpec) (*models.ListenerRuleState, error)
	ModifyRule(ctx context.Context, ruleARN, pathPattern, targetGroupARN string) error
	DeleteRule(ctx context.Context, ruleARN string) error
}
