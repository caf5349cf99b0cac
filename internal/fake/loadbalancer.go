package fake

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/imyashkale/mcporchestrator/internal/models"
	"github.com/imyashkale/mcporchestrator/internal/reconciler"
)

var _ reconciler.LoadBalancer = (*LoadBalancer)(nil)

// Errors returned by the fake load balancer
var (
	ErrResourceInUse = errors.New("target group is in use by a listener rule")
	ErrGroupNotFound = errors.New("target group not found")
	ErrRuleNotFound  = errors.New("rule not found")
	ErrThrottled     = errors.New("rate exceeded")
)

type targetGroup struct {
	state   models.TargetGroupState
	managed bool
	targets map[int]bool
}

type injected struct {
	err   error
	times int
}

// LoadBalancer is an in-memory listener with target groups and rules
type LoadBalancer struct {
	mu     sync.Mutex
	groups map[string]*targetGroup
	rules  map[string]*models.ListenerRuleState
	seq    int
	calls  map[string]int
	fail   map[string]*injected

	// HealthCheckPath is stamped on created target groups
	HealthCheckPath string
}

// NewLoadBalancer creates a listener holding only its default rule
func NewLoadBalancer() *LoadBalancer {
	lb := &LoadBalancer{
		groups:          make(map[string]*targetGroup),
		rules:           make(map[string]*models.ListenerRuleState),
		calls:           make(map[string]int),
		fail:            make(map[string]*injected),
		HealthCheckPath: "/health",
	}
	lb.rules["rule/default"] = &models.ListenerRuleState{ARN: "rule/default", IsDefault: true}
	return lb
}

// FailNext makes the next n calls of op return err. Wrap err with
// reconciler.Transient to make it retryable.
func (lb *LoadBalancer) FailNext(op string, err error, n int) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.fail[op] = &injected{err: err, times: n}
}

// call counts op and returns an injected failure, if any
func (lb *LoadBalancer) call(op string, mutating bool) error {
	if mutating {
		lb.calls[op]++
	}
	if f, ok := lb.fail[op]; ok && f.times > 0 {
		f.times--
		return f.err
	}
	return nil
}

// Mutations returns the number of mutating calls
func (lb *LoadBalancer) Mutations() int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	total := 0
	for _, n := range lb.calls {
		total += n
	}
	return total
}

// Calls returns the number of calls made for one mutating operation
func (lb *LoadBalancer) Calls(op string) int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.calls[op]
}

// ResetCalls zeroes the call counters
func (lb *LoadBalancer) ResetCalls() {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.calls = make(map[string]int)
}

// SeedUnmanagedRule adds a rule owned by someone else on the listener
func (lb *LoadBalancer) SeedUnmanagedRule(priority int, path string) string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.seq++
	arn := fmt.Sprintf("rule/unmanaged-%d", lb.seq)
	lb.rules[arn] = &models.ListenerRuleState{ARN: arn, PathPattern: path, Priority: priority, TargetGroupARN: "tg/unmanaged"}
	return arn
}

// Groups returns managed target groups keyed by service id
func (lb *LoadBalancer) Groups() map[string]models.TargetGroupState {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	out := make(map[string]models.TargetGroupState)
	for _, g := range lb.groups {
		if g.managed {
			out[g.state.ServiceID] = g.state
		}
	}
	return out
}

// Targets returns the ports registered in a target group
func (lb *LoadBalancer) Targets(arn string) []int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	var out []int
	if g, ok := lb.groups[arn]; ok {
		for port := range g.targets {
			out = append(out, port)
		}
	}
	sort.Ints(out)
	return out
}

// RulesByService returns the rules forwarding to a managed group, keyed by
// the group's service id
func (lb *LoadBalancer) RulesByService() map[string][]models.ListenerRuleState {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	out := make(map[string][]models.ListenerRuleState)
	for _, rule := range lb.rules {
		if g, ok := lb.groups[rule.TargetGroupARN]; ok && g.managed {
			r := *rule
			r.ServiceID = g.state.ServiceID
			out[r.ServiceID] = append(out[r.ServiceID], r)
		}
	}
	return out
}

func (lb *LoadBalancer) ListTargetGroups(ctx context.Context) ([]models.TargetGroupState, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if err := lb.call("list_target_groups", false); err != nil {
		return nil, err
	}
	var out []models.TargetGroupState
	for _, g := range lb.groups {
		if g.managed {
			out = append(out, g.state)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ARN < out[j].ARN })
	return out, nil
}

func (lb *LoadBalancer) CreateTargetGroup(ctx context.Context, serviceID string) (*models.TargetGroupState, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if err := lb.call("create_target_group", true); err != nil {
		return nil, err
	}

	name := models.TargetGroupName(serviceID)
	for _, g := range lb.groups {
		if g.state.Name == name {
			if g.state.ServiceID != "" && g.state.ServiceID != serviceID {
				return nil, fmt.Errorf("%w: %s is tagged for %s", reconciler.ErrTargetGroupNameTaken, name, g.state.ServiceID)
			}
			state := g.state
			return &state, nil
		}
	}

	lb.seq++
	arn := fmt.Sprintf("tg/%s/%d", name, lb.seq)
	lb.groups[arn] = &targetGroup{
		state: models.TargetGroupState{
			ARN:             arn,
			Name:            name,
			ServiceID:       serviceID,
			HealthCheckPath: lb.HealthCheckPath,
		},
		managed: true,
		targets: make(map[int]bool),
	}
	state := lb.groups[arn].state
	return &state, nil
}

func (lb *LoadBalancer) RegisterTarget(ctx context.Context, arn string, port int) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if err := lb.call("register_target", true); err != nil {
		return err
	}
	g, ok := lb.groups[arn]
	if !ok {
		return ErrGroupNotFound
	}
	g.targets[port] = true
	return nil
}

func (lb *LoadBalancer) DeregisterTarget(ctx context.Context, arn string, port int) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if err := lb.call("deregister_target", true); err != nil {
		return err
	}
	g, ok := lb.groups[arn]
	if !ok {
		return ErrGroupNotFound
	}
	delete(g.targets, port)
	return nil
}

func (lb *LoadBalancer) TagBoundPort(ctx context.Context, arn string, port int) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if err := lb.call("tag_target_group", true); err != nil {
		return err
	}
	g, ok := lb.groups[arn]
	if !ok {
		return ErrGroupNotFound
	}
	g.state.BoundPort = port
	return nil
}

func (lb *LoadBalancer) DeleteTargetGroup(ctx context.Context, arn string) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if err := lb.call("delete_target_group", true); err != nil {
		return err
	}
	for _, rule := range lb.rules {
		if rule.TargetGroupARN == arn {
			return ErrResourceInUse
		}
	}
	delete(lb.groups, arn)
	return nil
}

func (lb *LoadBalancer) ListRules(ctx context.Context) ([]models.ListenerRuleState, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if err := lb.call("list_rules", false); err != nil {
		return nil, err
	}
	out := make([]models.ListenerRuleState, 0, len(lb.rules))
	for _, rule := range lb.rules {
		out = append(out, *rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ARN < out[j].ARN })
	return out, nil
}

func (lb *LoadBalancer) CreateRule(ctx context.Context, spec models.CreateRuleSpec) (*models.ListenerRuleState, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if err := lb.call("create_rule", true); err != nil {
		return nil, err
	}
	for _, rule := range lb.rules {
		if !rule.IsDefault && rule.Priority == spec.Priority {
			return nil, &reconciler.PriorityConflictError{Priority: spec.Priority, ServiceID: spec.ServiceID, Holder: rule.ARN}
		}
	}
	if _, ok := lb.groups[spec.TargetGroupARN]; !ok {
		return nil, ErrGroupNotFound
	}

	lb.seq++
	arn := fmt.Sprintf("rule/%s/%d", spec.ServiceID, lb.seq)
	lb.rules[arn] = &models.ListenerRuleState{
		ARN:            arn,
		PathPattern:    spec.PathPattern,
		Priority:       spec.Priority,
		TargetGroupARN: spec.TargetGroupARN,
	}
	created := *lb.rules[arn]
	created.ServiceID = spec.ServiceID
	return &created, nil
}

func (lb *LoadBalancer) ModifyRule(ctx context.Context, ruleARN, pathPattern, targetGroupARN string) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if err := lb.call("modify_rule", true); err != nil {
		return err
	}
	rule, ok := lb.rules[ruleARN]
	if !ok {
		return ErrRuleNotFound
	}
	rule.PathPattern = pathPattern
	rule.TargetGroupARN = targetGroupARN
	return nil
}

func (lb *LoadBalancer) DeleteRule(ctx context.Context, ruleARN string) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if err := lb.call("delete_rule", true); err != nil {
		return err
	}
	delete(lb.rules, ruleARN)
	return nil
}

// Throttled returns a retryable rate-limit error
func Throttled() error {
	return reconciler.Transient(ErrThrottled)
}
