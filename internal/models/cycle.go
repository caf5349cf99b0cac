package models

import "time"

// CycleResult is the terminal state of a reconciliation cycle
type CycleResult string

const (
	CycleIdle   CycleResult = "idle"   // completed, per-service failures absorbed
	CycleFailed CycleResult = "failed" // a cycle-wide precondition failed
)

// Container actions recorded in a ServiceOutcome
const (
	ActionNone    = "none"
	ActionCreate  = "create"
	ActionStart   = "start"
	ActionReplace = "replace"
	ActionRemove  = "remove"
	ActionSkip    = "skip"
)

// Routing actions recorded in a ServiceOutcome
const (
	RoutingNone     = "none"
	RoutingEnsured  = "ensured"
	RoutingDeleted  = "deleted"
	RoutingDeferred = "deferred" // container not routable yet
)

// ServiceOutcome is the per-service result of one cycle
type ServiceOutcome struct {
	ServiceID       string `json:"service_id" dynamodbav:"ServiceId"`
	ContainerAction string `json:"container_action" dynamodbav:"ContainerAction"`
	RoutingAction   string `json:"routing_action" dynamodbav:"RoutingAction"`
	Failed          bool   `json:"failed" dynamodbav:"Failed"`
	Error           string `json:"error,omitempty" dynamodbav:"Error,omitempty"`
}

// CycleLogEntry represents a single event recorded during a cycle
type CycleLogEntry struct {
	Timestamp time.Time `json:"timestamp" dynamodbav:"Timestamp"`
	Phase     string    `json:"phase" dynamodbav:"Phase"`
	Level     string    `json:"level" dynamodbav:"Level"` // "info", "warning", "error"
	Message   string    `json:"message" dynamodbav:"Message"`
}

// CycleReport represents one execution of the control loop
type CycleReport struct {
	CycleId    string
	Trigger    string // "startup", "interval", "manual", "config_change"
	Result     CycleResult
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
	Services   map[string]*ServiceOutcome
	Logs       []CycleLogEntry
	Mutations  int // corrective operations issued against the runtime and load balancer
}

// Outcome returns the outcome for id, creating it on first use
func (r *CycleReport) Outcome(id string) *ServiceOutcome {
	if r.Services == nil {
		r.Services = make(map[string]*ServiceOutcome)
	}
	o, ok := r.Services[id]
	if !ok {
		o = &ServiceOutcome{
			ServiceID:       id,
			ContainerAction: ActionNone,
			RoutingAction:   RoutingNone,
		}
		r.Services[id] = o
	}
	return o
}

// FailedServices returns the ids of services that failed in this cycle
func (r *CycleReport) FailedServices() []string {
	var failed []string
	for id, o := range r.Services {
		if o.Failed {
			failed = append(failed, id)
		}
	}
	return failed
}
