package models

import "time"

// RoutingStatus is the last observed routing state of a service
type RoutingStatus struct {
	TargetGroupARN string `json:"target_group_arn,omitempty"`
	BoundPort      int    `json:"bound_port,omitempty"`
	RuleARN        string `json:"rule_arn,omitempty"`
	Priority       int    `json:"priority,omitempty"`
	PathPattern    string `json:"path_pattern,omitempty"`
}

// ServiceStatus is the response structure for a single service
type ServiceStatus struct {
	ServiceID   string          `json:"service_id"`
	Declared    bool            `json:"declared"`
	Enabled     bool            `json:"enabled"`
	Container   *ContainerState `json:"container,omitempty"`
	Routing     *RoutingStatus  `json:"routing,omitempty"`
	LastAction  string          `json:"last_action,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	LastErrorAt *time.Time      `json:"last_error_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// StatusListResponse represents the response structure for listing services
type StatusListResponse struct {
	Services    []ServiceStatus `json:"services"`
	Total       int             `json:"total"`
	LastCycleId string          `json:"last_cycle_id,omitempty"`
	LastCycleAt *time.Time      `json:"last_cycle_at,omitempty"`
	Running     bool            `json:"cycle_running"`
}

// CycleResponse represents the response structure for a single cycle
type CycleResponse struct {
	CycleId     string                     `json:"cycle_id"`
	Trigger     string                     `json:"trigger"`
	Result      CycleResult                `json:"result"`
	Error       string                     `json:"error,omitempty"`
	StartedAt   time.Time                  `json:"started_at"`
	FinishedAt  time.Time                  `json:"finished_at"`
	DurationMs  int64                      `json:"duration_ms"`
	Mutations   int                        `json:"mutations"`
	FailedCount int                        `json:"failed_count"`
	Services    map[string]*ServiceOutcome `json:"services,omitempty"`
	Logs        []CycleLogEntry            `json:"logs,omitempty"`
}

// CycleListResponse represents the response structure for listing cycles
type CycleListResponse struct {
	Cycles []CycleResponse `json:"cycles"`
	Total  int             `json:"total"`
}

// ToResponse converts a CycleReport to a CycleResponse DTO
func (r *CycleReport) ToResponse() CycleResponse {
	return CycleResponse{
		CycleId:     r.CycleId,
		Trigger:     r.Trigger,
		Result:      r.Result,
		Error:       r.Error,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		DurationMs:  r.Duration.Milliseconds(),
		Mutations:   r.Mutations,
		FailedCount: len(r.FailedServices()),
		Services:    r.Services,
		Logs:        r.Logs,
	}
}

// SyncResponse is returned when a sync is requested
type SyncResponse struct {
	Accepted  bool `json:"accepted"`
	Coalesced bool `json:"coalesced"`
}

// ActionResponse is returned by manual per-service actions
type ActionResponse struct {
	ServiceID string          `json:"service_id"`
	Action    string          `json:"action"`
	Container *ContainerState `json:"container,omitempty"`
}
