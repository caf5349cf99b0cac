package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/imyashkale/mcporchestrator/internal/logger"
	"github.com/imyashkale/mcporchestrator/internal/models"
	"github.com/imyashkale/mcporchestrator/internal/ports"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const containerComponent = "container-reconciler"

// ContainerPlan is the diff between desired services and live containers
type ContainerPlan struct {
	Ops []ContainerOp
	// Live holds the container kept for each service before any op runs
	Live map[string]*models.ContainerState
	// Errors are per-service failures found while planning, such as an
	// exhausted port range
	Errors map[string]error
}

// ContainerResult is what one service's container ops produced
type ContainerResult struct {
	ServiceID string
	Action    string
	State     *models.ContainerState
	Err       error
}

// ContainerReconciler owns the lifecycle of managed containers
type ContainerReconciler struct {
	runtime     ContainerRuntime
	allocator   *ports.Allocator
	concurrency int
	mutations   atomic.Int64
}

// NewContainerReconciler creates a reconciler that dispatches at most
// concurrency services in parallel
func NewContainerReconciler(runtime ContainerRuntime, allocator *ports.Allocator, concurrency int) *ContainerReconciler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &ContainerReconciler{
		runtime:     runtime,
		allocator:   allocator,
		concurrency: concurrency,
	}
}

// Mutations returns the number of mutating runtime calls issued so far
func (r *ContainerReconciler) Mutations() int64 {
	return r.mutations.Load()
}

// Fetch lists the live managed containers
func (r *ContainerReconciler) Fetch(ctx context.Context) ([]models.ContainerState, error) {
	live, err := r.runtime.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list managed containers: %w", err)
	}
	return live, nil
}

// splitDuplicates picks the container to keep per service: a running one
// over a stopped one, then the newest. The rest are duplicates.
func splitDuplicates(live []models.ContainerState) (map[string]*models.ContainerState, map[string][]*models.ContainerState) {
	groups := make(map[string][]*models.ContainerState)
	for i := range live {
		c := &live[i]
		groups[c.ServiceID] = append(groups[c.ServiceID], c)
	}

	keepers := make(map[string]*models.ContainerState, len(groups))
	dups := make(map[string][]*models.ContainerState)
	for id, group := range groups {
		sort.SliceStable(group, func(i, j int) bool {
			a, b := group[i], group[j]
			if a.Running() != b.Running() {
				return a.Running()
			}
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.ContainerID < b.ContainerID
		})
		keepers[id] = group[0]
		if len(group) > 1 {
			dups[id] = group[1:]
		}
	}
	return keepers, dups
}

// AssignPort returns the service's recorded port or assigns a free one
func (r *ContainerReconciler) AssignPort(serviceID string) (int, error) {
	return r.allocator.Assign(serviceID)
}

// Observe rebuilds the port table from live containers and returns the
// container kept for each service together with ids whose port collided.
func (r *ContainerReconciler) Observe(live []models.ContainerState) (map[string]*models.ContainerState, map[string][]*models.ContainerState, map[string]bool) {
	keepers, dups := splitDuplicates(live)

	bound := make(map[string]int, len(keepers))
	for id, c := range keepers {
		bound[id] = c.HostPort
	}
	conflicted := make(map[string]bool)
	for _, id := range r.allocator.Observe(bound) {
		conflicted[id] = true
	}
	return keepers, dups, conflicted
}

// Plan computes the container ops for one cycle. Ports for new containers
// are assigned here, in ascending id order, so allocation is reproducible.
func (r *ContainerReconciler) Plan(desired *models.DesiredState, live []models.ContainerState) *ContainerPlan {
	keepers, dups, conflicted := r.Observe(live)
	plan := &ContainerPlan{
		Live:   keepers,
		Errors: make(map[string]error),
	}

	ids := make([]string, 0, len(keepers))
	for id := range keepers {
		ids = append(ids, id)
	}
	for _, svc := range desired.Services() {
		if _, seen := keepers[svc.ID]; !seen {
			ids = append(ids, svc.ID)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		for _, d := range dups[id] {
			plan.Ops = append(plan.Ops, ContainerOp{Kind: ContainerRemove, ServiceID: id, Target: d, KeepPort: true})
		}

		cur := keepers[id]
		spec, declared := desired.Get(id)

		if !declared || !spec.Enabled() {
			if cur != nil {
				plan.Ops = append(plan.Ops, ContainerOp{Kind: ContainerRemove, ServiceID: id, Target: cur})
			}
			continue
		}

		if cur == nil {
			port, err := r.allocator.Assign(id)
			if err != nil {
				plan.Errors[id] = &ContainerOperationError{ServiceID: id, Op: string(ContainerCreate), Err: err}
				continue
			}
			plan.Ops = append(plan.Ops, ContainerOp{Kind: ContainerCreate, ServiceID: id, Spec: spec, HostPort: port})
			continue
		}

		if conflicted[id] || cur.HostPort == 0 || cur.ConfigHash != spec.ConfigHash() {
			port, err := r.allocator.Assign(id)
			if err != nil {
				plan.Errors[id] = &ContainerOperationError{ServiceID: id, Op: string(ContainerReplace), Err: err}
				continue
			}
			plan.Ops = append(plan.Ops, ContainerOp{Kind: ContainerReplace, ServiceID: id, Spec: spec, Target: cur, HostPort: port})
			continue
		}

		if !cur.Running() {
			plan.Ops = append(plan.Ops, ContainerOp{Kind: ContainerStart, ServiceID: id, Spec: spec, Target: cur, HostPort: cur.HostPort})
		}
	}

	return plan
}

// Apply runs the plan. Ops for one service run in order; services run in
// parallel. Every enabled service with a container ends up in the result
// with its post-apply state, so routing reads what this cycle produced.
func (r *ContainerReconciler) Apply(ctx context.Context, plan *ContainerPlan) map[string]*ContainerResult {
	results := make(map[string]*ContainerResult)
	for id, c := range plan.Live {
		results[id] = &ContainerResult{ServiceID: id, Action: models.ActionNone, State: c}
	}
	for id, err := range plan.Errors {
		res, ok := results[id]
		if !ok {
			res = &ContainerResult{ServiceID: id, Action: models.ActionSkip}
			results[id] = res
		}
		res.Err = err
	}

	var order []string
	byService := make(map[string][]ContainerOp)
	for _, op := range plan.Ops {
		if _, ok := byService[op.ServiceID]; !ok {
			order = append(order, op.ServiceID)
		}
		byService[op.ServiceID] = append(byService[op.ServiceID], op)
	}

	out := make([]*ContainerResult, len(order))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, id := range order {
		g.Go(func() error {
			out[i] = r.applyService(gctx, id, byService[id], results[id])
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range out {
		results[res.ServiceID] = res
	}
	return results
}

func (r *ContainerReconciler) applyService(ctx context.Context, id string, ops []ContainerOp, prev *ContainerResult) *ContainerResult {
	res := &ContainerResult{ServiceID: id, Action: models.ActionNone}
	if prev != nil {
		*res = *prev
	}

	for _, op := range ops {
		state, err := r.Execute(ctx, op)
		if op.Kind == ContainerRemove && op.KeepPort {
			// duplicate cleanup does not change the kept container
			if err != nil {
				res.Err = err
			}
			continue
		}
		res.Action = actionFor(op.Kind)
		res.State = state
		if err != nil {
			res.Err = err
			return res
		}
	}
	return res
}

func actionFor(kind ContainerOpKind) string {
	switch kind {
	case ContainerCreate:
		return models.ActionCreate
	case ContainerStart:
		return models.ActionStart
	case ContainerReplace:
		return models.ActionReplace
	case ContainerRemove:
		return models.ActionRemove
	case ContainerStop:
		return "stop"
	}
	return models.ActionNone
}

// Execute runs a single op and returns the resulting container state, nil
// when the service is left without a container.
func (r *ContainerReconciler) Execute(ctx context.Context, op ContainerOp) (*models.ContainerState, error) {
	log := logger.ForService(containerComponent, op.ServiceID).WithField(logger.FieldOp, string(op.Kind))
	log.Info("Applying container operation")

	var state *models.ContainerState
	var err error
	switch op.Kind {
	case ContainerCreate:
		state, err = r.launch(ctx, log, op.Spec, op.HostPort)
	case ContainerStart:
		state, err = r.start(ctx, op.Target)
	case ContainerReplace:
		if err = r.remove(ctx, op.Target); err == nil {
			state, err = r.launch(ctx, log, op.Spec, op.HostPort)
		} else {
			state = op.Target
		}
	case ContainerRemove:
		err = r.remove(ctx, op.Target)
		if err != nil {
			state = op.Target
		} else if !op.KeepPort {
			r.allocator.Release(op.ServiceID)
		}
	case ContainerStop:
		state, err = r.stop(ctx, op.Target)
	default:
		err = fmt.Errorf("unknown container operation %q", op.Kind)
	}

	if err != nil {
		var coe *ContainerOperationError
		if !errors.As(err, &coe) {
			err = &ContainerOperationError{ServiceID: op.ServiceID, Op: string(op.Kind), Err: err}
		}
		log.WithField(logger.FieldError, err.Error()).Error("Container operation failed")
		return state, err
	}

	log.Info("Container operation completed")
	return state, nil
}

// launch creates and starts a container. A container that fails to start is
// removed again and its port released so nothing is left half-applied.
func (r *ContainerReconciler) launch(ctx context.Context, log *logrus.Entry, spec models.ServiceSpec, hostPort int) (*models.ContainerState, error) {
	create := models.CreateContainerSpec{
		ServiceID:     spec.ID,
		Name:          spec.ContainerName(),
		Image:         spec.Image,
		Env:           spec.Env,
		RestartPolicy: spec.RestartPolicy,
		HostPort:      hostPort,
		ContainerPort: spec.ContainerPort,
		Labels: map[string]string{
			models.LabelManagedBy:  models.ManagedByValue,
			models.LabelService:    spec.ID,
			models.LabelHostPort:   strconv.Itoa(hostPort),
			models.LabelConfigHash: spec.ConfigHash(),
		},
	}

	r.mutations.Add(1)
	id, err := r.runtime.Create(ctx, create)
	if err != nil {
		r.allocator.Release(spec.ID)
		return nil, &ContainerOperationError{ServiceID: spec.ID, Op: string(ContainerCreate), Err: err}
	}

	r.mutations.Add(1)
	if err := r.runtime.Start(ctx, id); err != nil {
		r.mutations.Add(1)
		if rmErr := r.runtime.Remove(ctx, id); rmErr != nil {
			log.WithField(logger.FieldError, rmErr.Error()).Warn("Failed to remove container that did not start")
		}
		r.allocator.Release(spec.ID)
		return nil, &ContainerOperationError{ServiceID: spec.ID, Op: string(ContainerStart), Err: err}
	}

	return r.inspect(ctx, id, &models.ContainerState{
		ContainerID: id,
		ServiceID:   spec.ID,
		Name:        create.Name,
		Status:      models.ContainerRunning,
		Health:      models.HealthStarting,
		HostPort:    hostPort,
		Image:       spec.Image,
		ConfigHash:  create.Labels[models.LabelConfigHash],
	}), nil
}

func (r *ContainerReconciler) start(ctx context.Context, target *models.ContainerState) (*models.ContainerState, error) {
	r.mutations.Add(1)
	if err := r.runtime.Start(ctx, target.ContainerID); err != nil {
		return target, err
	}
	fallback := *target
	fallback.Status = models.ContainerRunning
	fallback.Health = models.HealthStarting
	return r.inspect(ctx, target.ContainerID, &fallback), nil
}

func (r *ContainerReconciler) stop(ctx context.Context, target *models.ContainerState) (*models.ContainerState, error) {
	if target == nil || !target.Running() {
		return target, nil
	}
	r.mutations.Add(1)
	if err := r.runtime.Stop(ctx, target.ContainerID); err != nil {
		return target, err
	}
	stopped := *target
	stopped.Status = models.ContainerStopped
	stopped.Health = ""
	return &stopped, nil
}

func (r *ContainerReconciler) remove(ctx context.Context, target *models.ContainerState) error {
	if target.Running() {
		r.mutations.Add(1)
		if err := r.runtime.Stop(ctx, target.ContainerID); err != nil {
			return fmt.Errorf("stop %s: %w", target.Name, err)
		}
	}
	r.mutations.Add(1)
	if err := r.runtime.Remove(ctx, target.ContainerID); err != nil {
		return fmt.Errorf("remove %s: %w", target.Name, err)
	}
	return nil
}

// inspect refreshes status and health; on failure the fallback is returned,
// which reports health as starting so routing waits for the next cycle.
func (r *ContainerReconciler) inspect(ctx context.Context, id string, fallback *models.ContainerState) *models.ContainerState {
	state, err := r.runtime.Inspect(ctx, id)
	if err != nil || state == nil {
		if err != nil {
			logger.ForService(containerComponent, fallback.ServiceID).
				WithField(logger.FieldError, err.Error()).Warn("Failed to inspect container")
		}
		return fallback
	}
	if state.HostPort == 0 {
		state.HostPort = fallback.HostPort
	}
	if state.ServiceID == "" {
		state.ServiceID = fallback.ServiceID
	}
	return state
}
