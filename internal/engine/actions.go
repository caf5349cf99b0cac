package engine

import (
	"context"
	"fmt"

	"github.com/imyashkale/mcporchestrator/internal/logger"
	"github.com/imyashkale/mcporchestrator/internal/models"
	"github.com/imyashkale/mcporchestrator/internal/reconciler"
)

// Manual actions
const (
	ActionStart   = "start"
	ActionStop    = "stop"
	ActionRestart = "restart"
	ActionCreate  = "create"
)

// Start starts the service's container, creating it if absent
func (o *Orchestrator) Start(ctx context.Context, serviceID string) (*models.ContainerState, error) {
	return o.manual(ctx, serviceID, ActionStart)
}

// Stop stops the service's container without removing it. The next cycle
// starts it again if the service is still enabled.
func (o *Orchestrator) Stop(ctx context.Context, serviceID string) (*models.ContainerState, error) {
	return o.manual(ctx, serviceID, ActionStop)
}

// Restart stops and starts the service's container
func (o *Orchestrator) Restart(ctx context.Context, serviceID string) (*models.ContainerState, error) {
	return o.manual(ctx, serviceID, ActionRestart)
}

// Create creates the service's container if it has none
func (o *Orchestrator) Create(ctx context.Context, serviceID string) (*models.ContainerState, error) {
	return o.manual(ctx, serviceID, ActionCreate)
}

// manual runs one idempotent action against live state, serialized with
// cycles. Nothing it does is assumed durable: the next cycle re-validates.
func (o *Orchestrator) manual(ctx context.Context, serviceID, action string) (*models.ContainerState, error) {
	if o.closing.Load() {
		return nil, ErrShuttingDown
	}
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	if o.closing.Load() {
		return nil, ErrShuttingDown
	}

	log := logger.ForService("orchestrator", serviceID).WithField(logger.FieldOp, action)
	opCtx := context.WithoutCancel(ctx)

	state, err := o.source.Load(opCtx)
	if err != nil {
		return nil, err
	}
	live, err := o.containers.Fetch(opCtx)
	if err != nil {
		return nil, err
	}
	keepers, _, _ := o.containers.Observe(live)
	cur := keepers[serviceID]

	spec, declared := state.Get(serviceID)
	switch {
	case !declared && (action != ActionStop || cur == nil):
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, serviceID)
	case declared && !spec.Enabled() && action != ActionStop:
		return nil, fmt.Errorf("%w: %s", ErrServiceDisabled, serviceID)
	}

	ops, err := o.manualOps(action, spec, cur)
	if err != nil {
		o.status.RecordAction(serviceID, action, cur, err)
		return cur, err
	}

	result := cur
	for _, op := range ops {
		result, err = o.containers.Execute(opCtx, op)
		if err != nil {
			break
		}
	}
	o.status.RecordAction(serviceID, action, result, err)
	if err != nil {
		return result, err
	}

	log.WithField("operations", len(ops)).Info("Manual action completed")
	if action != ActionStop && len(ops) > 0 && o.routing != nil {
		// let the next cycle route the container without waiting a full interval
		_, _ = o.triggers.Enqueue(TriggerManual)
	}
	return result, nil
}

func (o *Orchestrator) manualOps(action string, spec models.ServiceSpec, cur *models.ContainerState) ([]reconciler.ContainerOp, error) {
	create := func() ([]reconciler.ContainerOp, error) {
		port, err := o.containers.AssignPort(spec.ID)
		if err != nil {
			return nil, &reconciler.ContainerOperationError{ServiceID: spec.ID, Op: string(reconciler.ContainerCreate), Err: err}
		}
		return []reconciler.ContainerOp{{Kind: reconciler.ContainerCreate, ServiceID: spec.ID, Spec: spec, HostPort: port}}, nil
	}
	start := reconciler.ContainerOp{Kind: reconciler.ContainerStart, ServiceID: spec.ID, Spec: spec, Target: cur}
	stop := reconciler.ContainerOp{Kind: reconciler.ContainerStop, ServiceID: spec.ID, Target: cur}

	switch action {
	case ActionCreate:
		if cur != nil {
			return nil, nil
		}
		return create()
	case ActionStart:
		if cur == nil {
			return create()
		}
		if cur.Running() {
			return nil, nil
		}
		return []reconciler.ContainerOp{start}, nil
	case ActionStop:
		if !cur.Running() {
			return nil, nil
		}
		stop.ServiceID = cur.ServiceID
		return []reconciler.ContainerOp{stop}, nil
	case ActionRestart:
		if cur == nil {
			return create()
		}
		if !cur.Running() {
			return []reconciler.ContainerOp{start}, nil
		}
		return []reconciler.ContainerOp{stop, start}, nil
	}
	return nil, fmt.Errorf("unknown action %q", action)
}
