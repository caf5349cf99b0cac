package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/imyashkale/mcporchestrator/internal/logger"
	"github.com/imyashkale/mcporchestrator/internal/models"
	"github.com/imyashkale/mcporchestrator/internal/ports"
	"github.com/imyashkale/mcporchestrator/internal/retry"
	"golang.org/x/sync/errgroup"
)

const routingComponent = "routing-reconciler"

// RoutingSnapshot is the load-balancer state observed at the start of a cycle
type RoutingSnapshot struct {
	TargetGroups []models.TargetGroupState
	Rules        []models.ListenerRuleState
}

// RoutingPlan is the diff between routable services and the load balancer
type RoutingPlan struct {
	TargetGroups []TargetGroupOp
	Rules        []RuleOp
	// Deferred services are enabled but not routable yet; their routing is
	// left as it is
	Deferred []string
	Errors   map[string]error
	// Observed is the routing status per service before any op runs
	Observed map[string]*models.RoutingStatus
	ensure   map[string]bool
	groups   map[string]*models.TargetGroupState
	// planned holds the priorities handed to this plan's rule creates
	planned map[int]string
}

// RoutingResult is what one service's routing ops produced
type RoutingResult struct {
	ServiceID string
	Action    string
	Status    *models.RoutingStatus
	Err       error
}

// RoutingReconciler owns target groups and listener rules of managed services
type RoutingReconciler struct {
	lb          LoadBalancer
	allocator   *ports.Allocator
	policy      retry.Policy
	concurrency int
	mutations   atomic.Int64
}

// NewRoutingReconciler creates a routing reconciler. Every load-balancer call
// runs under policy; only errors marked Transient are retried.
func NewRoutingReconciler(lb LoadBalancer, allocator *ports.Allocator, policy retry.Policy, concurrency int) *RoutingReconciler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &RoutingReconciler{
		lb:          lb,
		allocator:   allocator,
		policy:      policy,
		concurrency: concurrency,
	}
}

// Mutations returns the number of mutating load-balancer calls issued so far
func (r *RoutingReconciler) Mutations() int64 {
	return r.mutations.Load()
}

// Fetch lists managed target groups and all listener rules. Rules that
// forward to a managed group are attributed to that group's service.
func (r *RoutingReconciler) Fetch(ctx context.Context) (*RoutingSnapshot, error) {
	snap := &RoutingSnapshot{}

	_, err := r.policy.Do(ctx, IsTransient, func(ctx context.Context) error {
		tgs, err := r.lb.ListTargetGroups(ctx)
		snap.TargetGroups = tgs
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list target groups: %w", err)
	}

	_, err = r.policy.Do(ctx, IsTransient, func(ctx context.Context) error {
		rules, err := r.lb.ListRules(ctx)
		snap.Rules = rules
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list listener rules: %w", err)
	}

	owner := make(map[string]string, len(snap.TargetGroups))
	for _, tg := range snap.TargetGroups {
		owner[tg.ARN] = tg.ServiceID
	}
	for i := range snap.Rules {
		snap.Rules[i].ServiceID = owner[snap.Rules[i].TargetGroupARN]
	}
	return snap, nil
}

// Plan computes the routing ops for one cycle. containers holds the
// post-apply container state per service. New rule priorities are allocated
// in ascending service id order before anything is dispatched.
func (r *RoutingReconciler) Plan(desired *models.DesiredState, containers map[string]*models.ContainerState, snap *RoutingSnapshot) *RoutingPlan {
	plan := &RoutingPlan{
		Errors:   make(map[string]error),
		Observed: make(map[string]*models.RoutingStatus),
		ensure:   make(map[string]bool),
		groups:   make(map[string]*models.TargetGroupState),
		planned:  make(map[int]string),
	}

	groups := make(map[string][]*models.TargetGroupState)
	for i := range snap.TargetGroups {
		tg := &snap.TargetGroups[i]
		groups[tg.ServiceID] = append(groups[tg.ServiceID], tg)
	}

	book := newPriorityBook()
	rules := make(map[string][]*models.ListenerRuleState)
	for i := range snap.Rules {
		rule := &snap.Rules[i]
		if rule.IsDefault {
			continue
		}
		owner := rule.ServiceID
		if owner == "" {
			owner = "unmanaged:" + rule.ARN
		}
		if err := book.reserve(rule.Priority, owner); err != nil {
			logger.ForComponent(routingComponent).WithField(logger.FieldError, err.Error()).
				Error("Listener reports two rules with the same priority")
		}
		if rule.Managed() {
			rules[rule.ServiceID] = append(rules[rule.ServiceID], rule)
		}
	}
	for id := range rules {
		sort.Slice(rules[id], func(i, j int) bool { return rules[id][i].Priority < rules[id][j].Priority })
	}

	seen := make(map[string]bool)
	var ids []string
	for id := range groups {
		seen[id] = true
		ids = append(ids, id)
	}
	for id := range rules {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, svc := range desired.Enabled() {
		if !seen[svc.ID] {
			seen[svc.ID] = true
			ids = append(ids, svc.ID)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		keptGroup := pickGroup(id, groups[id])
		plan.Observed[id] = observedStatus(keptGroup, rules[id])

		if !desired.IsEnabled(id) {
			for _, rule := range rules[id] {
				plan.Rules = append(plan.Rules, RuleOp{Kind: RuleDelete, ServiceID: id, Current: rule})
			}
			for _, tg := range groups[id] {
				plan.TargetGroups = append(plan.TargetGroups, TargetGroupOp{Kind: TargetGroupDelete, ServiceID: id, Current: tg})
			}
			continue
		}

		state := containers[id]
		if !state.Routable() {
			plan.Deferred = append(plan.Deferred, id)
			continue
		}

		spec, _ := desired.Get(id)
		port, ok := r.allocator.Lookup(id)
		if !ok || port != state.HostPort {
			port = state.HostPort
		}
		plan.ensure[id] = true
		plan.groups[id] = keptGroup

		switch {
		case keptGroup == nil:
			plan.TargetGroups = append(plan.TargetGroups, TargetGroupOp{Kind: TargetGroupCreate, ServiceID: id, Port: port})
		case keptGroup.BoundPort != port:
			plan.TargetGroups = append(plan.TargetGroups, TargetGroupOp{Kind: TargetGroupRebind, ServiceID: id, Current: keptGroup, Port: port})
		}

		existing := rules[id]
		if len(existing) == 0 {
			priority, err := book.allocate(id)
			if err != nil {
				plan.Errors[id] = err
			} else {
				plan.Rules = append(plan.Rules, RuleOp{Kind: RuleCreate, ServiceID: id, PathPattern: spec.RoutePath, Priority: priority})
				plan.planned[priority] = id
			}
		} else {
			keep := existing[0]
			if keep.PathPattern != spec.RoutePath || keptGroup == nil || keep.TargetGroupARN != keptGroup.ARN {
				plan.Rules = append(plan.Rules, RuleOp{Kind: RuleModify, ServiceID: id, Current: keep, PathPattern: spec.RoutePath, Priority: keep.Priority})
			}
			for _, extra := range existing[1:] {
				plan.Rules = append(plan.Rules, RuleOp{Kind: RuleDelete, ServiceID: id, Current: extra})
			}
		}

		for _, tg := range groups[id] {
			if tg != keptGroup {
				plan.TargetGroups = append(plan.TargetGroups, TargetGroupOp{Kind: TargetGroupDelete, ServiceID: id, Current: tg})
			}
		}
	}

	return plan
}

// pickGroup keeps the group carrying the deterministic name, else the
// lowest ARN
func pickGroup(id string, groups []*models.TargetGroupState) *models.TargetGroupState {
	if len(groups) == 0 {
		return nil
	}
	want := models.TargetGroupName(id)
	var kept *models.TargetGroupState
	for _, tg := range groups {
		switch {
		case kept == nil:
			kept = tg
		case (tg.Name == want) != (kept.Name == want):
			if tg.Name == want {
				kept = tg
			}
		case tg.ARN < kept.ARN:
			kept = tg
		}
	}
	return kept
}

func observedStatus(tg *models.TargetGroupState, rules []*models.ListenerRuleState) *models.RoutingStatus {
	if tg == nil && len(rules) == 0 {
		return nil
	}
	status := &models.RoutingStatus{}
	if tg != nil {
		status.TargetGroupARN = tg.ARN
		status.BoundPort = tg.BoundPort
	}
	if len(rules) > 0 {
		status.RuleARN = rules[0].ARN
		status.Priority = rules[0].Priority
		status.PathPattern = rules[0].PathPattern
	}
	return status
}

type serviceRouting struct {
	groups  []TargetGroupOp
	rules   []RuleOp
	deletes []TargetGroupOp
}

// Apply runs the plan. Per service, the target group is ensured before its
// rule, and every rule is deleted before its target group. Services run in
// parallel.
func (r *RoutingReconciler) Apply(ctx context.Context, plan *RoutingPlan) map[string]*RoutingResult {
	results := make(map[string]*RoutingResult)
	for id, status := range plan.Observed {
		results[id] = &RoutingResult{ServiceID: id, Action: models.RoutingNone, Status: status}
	}
	for _, id := range plan.Deferred {
		results[id] = &RoutingResult{ServiceID: id, Action: models.RoutingDeferred, Status: plan.Observed[id]}
	}
	for id, err := range plan.Errors {
		if _, ok := results[id]; !ok {
			results[id] = &RoutingResult{ServiceID: id, Action: models.RoutingNone}
		}
		results[id].Err = err
	}

	work := make(map[string]*serviceRouting)
	var order []string
	get := func(id string) *serviceRouting {
		w, ok := work[id]
		if !ok {
			w = &serviceRouting{}
			work[id] = w
			order = append(order, id)
		}
		return w
	}
	for _, op := range plan.TargetGroups {
		w := get(op.ServiceID)
		if op.Kind == TargetGroupDelete {
			w.deletes = append(w.deletes, op)
		} else {
			w.groups = append(w.groups, op)
		}
	}
	for _, op := range plan.Rules {
		w := get(op.ServiceID)
		w.rules = append(w.rules, op)
	}
	sort.Strings(order)

	out := make([]*RoutingResult, len(order))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, id := range order {
		g.Go(func() error {
			out[i] = r.applyService(gctx, id, work[id], plan, results[id])
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range out {
		results[res.ServiceID] = res
	}
	return results
}

func (r *RoutingReconciler) applyService(ctx context.Context, id string, w *serviceRouting, plan *RoutingPlan, prev *RoutingResult) *RoutingResult {
	res := &RoutingResult{ServiceID: id, Action: models.RoutingNone}
	if prev != nil {
		*res = *prev
	}
	if res.Status == nil {
		res.Status = &models.RoutingStatus{}
	} else {
		copied := *res.Status
		res.Status = &copied
	}

	fail := func(err error) *RoutingResult {
		res.Err = err
		logger.ForService(routingComponent, id).WithField(logger.FieldError, err.Error()).Error("Routing operation failed")
		return res
	}

	group := plan.groups[id]
	for _, op := range w.groups {
		tg, err := r.ensureGroup(ctx, op)
		if err != nil {
			return fail(err)
		}
		group = tg
		res.Status.TargetGroupARN = tg.ARN
		res.Status.BoundPort = tg.BoundPort
	}

	for _, op := range w.rules {
		switch op.Kind {
		case RuleCreate:
			if group == nil {
				return fail(&RoutingAPIError{ServiceID: id, Op: string(op.Kind), Err: errors.New("no target group to forward to")})
			}
			created, err := r.createRule(ctx, op, group, plan)
			if err != nil {
				return fail(err)
			}
			res.Status.RuleARN = created.ARN
			res.Status.Priority = created.Priority
			res.Status.PathPattern = created.PathPattern

		case RuleModify:
			if group == nil {
				return fail(&RoutingAPIError{ServiceID: id, Op: string(op.Kind), Err: errors.New("no target group to forward to")})
			}
			err := r.call(ctx, id, string(op.Kind), func(ctx context.Context) error {
				return r.lb.ModifyRule(ctx, op.Current.ARN, op.PathPattern, group.ARN)
			})
			if err != nil {
				return fail(err)
			}
			res.Status.RuleARN = op.Current.ARN
			res.Status.Priority = op.Current.Priority
			res.Status.PathPattern = op.PathPattern

		case RuleDelete:
			err := r.call(ctx, id, string(op.Kind), func(ctx context.Context) error {
				return r.lb.DeleteRule(ctx, op.Current.ARN)
			})
			if err != nil {
				return fail(err)
			}
		}
	}

	for _, op := range w.deletes {
		err := r.call(ctx, id, string(op.Kind), func(ctx context.Context) error {
			return r.lb.DeleteTargetGroup(ctx, op.Current.ARN)
		})
		if err != nil {
			return fail(err)
		}
	}

	if plan.ensure[id] {
		res.Action = models.RoutingEnsured
		if len(w.groups) == 0 && len(w.rules) == 0 && len(w.deletes) == 0 {
			res.Action = models.RoutingNone
		}
	} else {
		res.Action = models.RoutingDeleted
		res.Status = nil
	}
	return res
}

// createRule creates the service's rule at the planned priority. A
// PriorityInUse answer usually means the listener read was stale: the rules
// are listed again, a matching rule is adopted, otherwise the next free
// priority is tried once.
func (r *RoutingReconciler) createRule(ctx context.Context, op RuleOp, group *models.TargetGroupState, plan *RoutingPlan) (*models.ListenerRuleState, error) {
	spec := models.CreateRuleSpec{
		ServiceID:      op.ServiceID,
		PathPattern:    op.PathPattern,
		Priority:       op.Priority,
		TargetGroupARN: group.ARN,
	}
	created, err := r.createRuleAt(ctx, spec)
	var conflict *PriorityConflictError
	if err == nil || !errors.As(err, &conflict) {
		return created, err
	}

	log := logger.ForService(routingComponent, op.ServiceID).WithField(logger.FieldOp, string(op.Kind))
	log.WithField("priority", spec.Priority).Warn("Listener priority already taken, re-reading rules")

	var rules []models.ListenerRuleState
	_, err = r.policy.Do(ctx, IsTransient, func(ctx context.Context) error {
		var lerr error
		rules, lerr = r.lb.ListRules(ctx)
		return lerr
	})
	if err != nil {
		return nil, &RoutingAPIError{ServiceID: op.ServiceID, Op: "list_rules", Transient: IsTransient(err), Err: err}
	}

	book := newPriorityBook()
	for _, rule := range rules {
		if rule.IsDefault {
			continue
		}
		if rule.TargetGroupARN == group.ARN && rule.PathPattern == spec.PathPattern {
			adopted := rule
			adopted.ServiceID = op.ServiceID
			log.WithField("priority", adopted.Priority).Info("Adopted listener rule missing from the earlier read")
			return &adopted, nil
		}
		book.held[rule.Priority] = rule.ARN
	}
	for priority, owner := range plan.planned {
		if owner != op.ServiceID {
			book.held[priority] = owner
		}
	}

	priority, err := book.allocate(op.ServiceID)
	if err != nil {
		return nil, &RoutingAPIError{ServiceID: op.ServiceID, Op: string(op.Kind), Err: err}
	}
	spec.Priority = priority
	return r.createRuleAt(ctx, spec)
}

func (r *RoutingReconciler) createRuleAt(ctx context.Context, spec models.CreateRuleSpec) (*models.ListenerRuleState, error) {
	var created *models.ListenerRuleState
	err := r.call(ctx, spec.ServiceID, string(RuleCreate), func(ctx context.Context) error {
		rule, err := r.lb.CreateRule(ctx, spec)
		created = rule
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// ensureGroup creates or rebinds the service's target group so its single
// instance target listens on op.Port
func (r *RoutingReconciler) ensureGroup(ctx context.Context, op TargetGroupOp) (*models.TargetGroupState, error) {
	tg := op.Current
	if op.Kind == TargetGroupCreate {
		err := r.call(ctx, op.ServiceID, string(op.Kind), func(ctx context.Context) error {
			created, err := r.lb.CreateTargetGroup(ctx, op.ServiceID)
			tg = created
			return err
		})
		if err != nil {
			return nil, err
		}
		if tg.BoundPort == op.Port {
			return tg, nil
		}
	}

	err := r.call(ctx, op.ServiceID, "register_target", func(ctx context.Context) error {
		return r.lb.RegisterTarget(ctx, tg.ARN, op.Port)
	})
	if err != nil {
		return nil, err
	}

	if tg.BoundPort != 0 && tg.BoundPort != op.Port {
		old := tg.BoundPort
		err := r.call(ctx, op.ServiceID, "deregister_target", func(ctx context.Context) error {
			return r.lb.DeregisterTarget(ctx, tg.ARN, old)
		})
		if err != nil {
			return nil, err
		}
	}

	err = r.call(ctx, op.ServiceID, "tag_target_group", func(ctx context.Context) error {
		return r.lb.TagBoundPort(ctx, tg.ARN, op.Port)
	})
	if err != nil {
		return nil, err
	}

	bound := *tg
	bound.BoundPort = op.Port
	logger.ForService(routingComponent, op.ServiceID).WithField(logger.FieldOp, string(op.Kind)).
		Infof("Target group %s bound to port %d", bound.Name, op.Port)
	return &bound, nil
}

// call runs one mutating load-balancer call under the retry policy
func (r *RoutingReconciler) call(ctx context.Context, serviceID, op string, fn func(context.Context) error) error {
	log := logger.ForService(routingComponent, serviceID).WithField(logger.FieldOp, op)
	attempts, err := r.policy.Do(ctx, IsTransient, func(ctx context.Context) error {
		r.mutations.Add(1)
		err := fn(ctx)
		if err != nil && IsTransient(err) {
			log.WithField(logger.FieldError, err.Error()).Warn("Transient load balancer error")
		}
		return err
	})
	if err != nil {
		return &RoutingAPIError{ServiceID: serviceID, Op: op, Transient: IsTransient(err), Err: err}
	}
	if attempts > 1 {
		log.Infof("Succeeded after %d attempts", attempts)
	}
	return nil
}
