package reconciler

import "github.com/imyashkale/mcporchestrator/internal/models"

// ContainerOpKind is the closed set of container corrections
type ContainerOpKind string

const (
	// ContainerCreate: no managed container exists. Launches Spec on HostPort.
	ContainerCreate ContainerOpKind = "create"
	// ContainerStart: Target exists but is stopped. Starts it on its recorded port.
	ContainerStart ContainerOpKind = "start"
	// ContainerReplace: Target's configuration has drifted. Stops and removes
	// it, then launches Spec on HostPort.
	ContainerReplace ContainerOpKind = "replace"
	// ContainerRemove: Target is orphaned, disabled or a duplicate. Stops and
	// removes it, releasing the service's port unless KeepPort is set.
	ContainerRemove ContainerOpKind = "remove"
	// ContainerStop: stops Target without removing it. Only issued manually.
	ContainerStop ContainerOpKind = "stop"
)

// ContainerOp is one correction for one service
type ContainerOp struct {
	Kind      ContainerOpKind
	ServiceID string
	Spec      models.ServiceSpec
	Target    *models.ContainerState
	HostPort  int
	KeepPort  bool
}

// TargetGroupOpKind is the closed set of target-group corrections
type TargetGroupOpKind string

const (
	// TargetGroupCreate: the service has no group. Creates it and binds Port.
	TargetGroupCreate TargetGroupOpKind = "create_target_group"
	// TargetGroupRebind: Current is bound to a stale port (or none).
	// Registers Port, deregisters the old one and updates the port tag.
	TargetGroupRebind TargetGroupOpKind = "rebind_target_group"
	// TargetGroupDelete: Current belongs to no enabled service. Runs only
	// after every rule forwarding to it is gone.
	TargetGroupDelete TargetGroupOpKind = "delete_target_group"
)

// TargetGroupOp is one target-group correction for one service
type TargetGroupOp struct {
	Kind      TargetGroupOpKind
	ServiceID string
	Current   *models.TargetGroupState
	Port      int
}

// RuleOpKind is the closed set of listener-rule corrections
type RuleOpKind string

const (
	// RuleCreate: the service has no rule. Creates one at Priority forwarding
	// to the service's target group, known once its group op has run.
	RuleCreate RuleOpKind = "create_rule"
	// RuleModify: Current forwards to the wrong group or matches a stale
	// path. Rewrites it in place so its priority is kept.
	RuleModify RuleOpKind = "modify_rule"
	// RuleDelete: Current is orphaned or a duplicate.
	RuleDelete RuleOpKind = "delete_rule"
)

// RuleOp is one listener-rule correction for one service
type RuleOp struct {
	Kind        RuleOpKind
	ServiceID   string
	Current     *models.ListenerRuleState
	PathPattern string
	Priority    int
}
