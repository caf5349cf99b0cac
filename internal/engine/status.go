package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/imyashkale/mcporchestrator/internal/models"
	"github.com/imyashkale/mcporchestrator/internal/reconciler"
)

// StatusStore keeps the last-known state of every service for the status
// surface. It is written by cycles and manual actions and read by the API.
type StatusStore struct {
	mu        sync.RWMutex
	services  map[string]*models.ServiceStatus
	lastCycle *models.CycleReport
	now       func() time.Time
}

// NewStatusStore creates an empty store
func NewStatusStore() *StatusStore {
	return &StatusStore{
		services: make(map[string]*models.ServiceStatus),
		now:      time.Now,
	}
}

func (s *StatusStore) entry(id string) *models.ServiceStatus {
	st, ok := s.services[id]
	if !ok {
		st = &models.ServiceStatus{ServiceID: id}
		s.services[id] = st
	}
	return st
}

// ApplyCycle records the results of a completed cycle. A service's last
// error is cleared once it reconciles cleanly.
func (s *StatusStore) ApplyCycle(state *models.DesiredState, containers map[string]*reconciler.ContainerResult, routes map[string]*reconciler.RoutingResult, report *models.CycleReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	ids := make(map[string]bool)
	for _, svc := range state.Services() {
		ids[svc.ID] = true
	}
	for id := range containers {
		ids[id] = true
	}
	for id := range routes {
		ids[id] = true
	}

	for id := range ids {
		st := s.entry(id)
		spec, declared := state.Get(id)
		st.Declared = declared
		st.Enabled = declared && spec.Enabled()
		st.UpdatedAt = now

		st.Container = nil
		if res, ok := containers[id]; ok {
			st.Container = res.State
			if res.Action != models.ActionNone {
				st.LastAction = res.Action
			}
		}

		st.Routing = nil
		if res, ok := routes[id]; ok {
			st.Routing = res.Status
		}

		if o := report.Services[id]; o != nil && o.Failed {
			st.LastError = o.Error
			at := now
			st.LastErrorAt = &at
		} else {
			st.LastError = ""
			st.LastErrorAt = nil
		}

		if !declared && st.Container == nil && st.Routing == nil {
			delete(s.services, id)
		}
	}

	for id := range s.services {
		if !ids[id] {
			delete(s.services, id)
		}
	}
}

// RecordAction records the outcome of a manual action
func (s *StatusStore) RecordAction(id, action string, state *models.ContainerState, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	st := s.entry(id)
	st.LastAction = action
	st.Container = state
	st.UpdatedAt = now
	if err != nil {
		st.LastError = err.Error()
		st.LastErrorAt = &now
	}
}

// RecordCycle remembers the most recent cycle
func (s *StatusStore) RecordCycle(report *models.CycleReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCycle = report
}

func clone(st *models.ServiceStatus) models.ServiceStatus {
	out := *st
	if st.Container != nil {
		c := *st.Container
		out.Container = &c
	}
	if st.Routing != nil {
		r := *st.Routing
		out.Routing = &r
	}
	if st.LastErrorAt != nil {
		at := *st.LastErrorAt
		out.LastErrorAt = &at
	}
	return out
}

// List returns every known service sorted by id
func (s *StatusStore) List() models.StatusListResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := models.StatusListResponse{
		Services: make([]models.ServiceStatus, 0, len(s.services)),
	}
	for _, st := range s.services {
		resp.Services = append(resp.Services, clone(st))
	}
	sort.Slice(resp.Services, func(i, j int) bool { return resp.Services[i].ServiceID < resp.Services[j].ServiceID })
	resp.Total = len(resp.Services)

	if s.lastCycle != nil {
		resp.LastCycleId = s.lastCycle.CycleId
		at := s.lastCycle.FinishedAt
		resp.LastCycleAt = &at
	}
	return resp
}

// Get returns one service
func (s *StatusStore) Get(id string) (models.ServiceStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.services[id]
	if !ok {
		return models.ServiceStatus{}, false
	}
	return clone(st), true
}
