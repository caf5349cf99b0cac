package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imyashkale/mcporchestrator/internal/engine"
	"github.com/imyashkale/mcporchestrator/internal/models"
)

type stubOrchestrator struct {
	status     models.StatusListResponse
	services   map[string]models.ServiceStatus
	cycles     []*models.CycleReport
	cyclesErr  error
	limit      int
	coalesced  bool
	syncErr    error
	actionErr  error
	actions    []string
	containers map[string]*models.ContainerState
}

func (s *stubOrchestrator) Status() models.StatusListResponse { return s.status }

func (s *stubOrchestrator) ServiceStatus(id string) (models.ServiceStatus, error) {
	st, ok := s.services[id]
	if !ok {
		return models.ServiceStatus{}, engine.ErrUnknownService
	}
	return st, nil
}

func (s *stubOrchestrator) Cycles(ctx context.Context, limit int) ([]*models.CycleReport, error) {
	s.limit = limit
	return s.cycles, s.cyclesErr
}

func (s *stubOrchestrator) TriggerSync(reason string) (bool, error) {
	return s.coalesced, s.syncErr
}

func (s *stubOrchestrator) action(name, id string) (*models.ContainerState, error) {
	s.actions = append(s.actions, name+":"+id)
	if s.actionErr != nil {
		return nil, s.actionErr
	}
	return s.containers[id], nil
}

func (s *stubOrchestrator) Start(ctx context.Context, id string) (*models.ContainerState, error) {
	return s.action("start", id)
}

func (s *stubOrchestrator) Stop(ctx context.Context, id string) (*models.ContainerState, error) {
	return s.action("stop", id)
}

func (s *stubOrchestrator) Restart(ctx context.Context, id string) (*models.ContainerState, error) {
	return s.action("restart", id)
}

func (s *stubOrchestrator) Create(ctx context.Context, id string) (*models.ContainerState, error) {
	return s.action("create", id)
}

func newTestRouter(orch Orchestrator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	status := NewStatusHandler(orch)
	control := NewControlHandler(orch)
	r.GET("/health", NewHealthHandler().Check)
	r.GET("/status", status.List)
	r.GET("/status/:service_id", status.Get)
	r.GET("/cycles", status.Cycles)
	r.POST("/sync", control.Sync)
	r.POST("/services/:service_id/start", control.Start)
	r.POST("/services/:service_id/stop", control.Stop)
	r.POST("/services/:service_id/restart", control.Restart)
	r.POST("/services/:service_id/create", control.Create)
	return r
}

func do(t *testing.T, r http.Handler, method, path string, out interface{}) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
	}
	return w
}

func TestHealth(t *testing.T) {
	r := newTestRouter(&stubOrchestrator{})
	var body map[string]interface{}
	w := do(t, r, http.MethodGet, "/health", &body)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
}

func TestStatusList(t *testing.T) {
	orch := &stubOrchestrator{status: models.StatusListResponse{
		Services: []models.ServiceStatus{{
			ServiceID: "github",
			Declared:  true,
			Enabled:   true,
			Container: &models.ContainerState{ServiceID: "github", Status: models.ContainerRunning, HostPort: 8001, Health: models.HealthHealthy},
			Routing:   &models.RoutingStatus{TargetGroupARN: "arn:tg", Priority: 1, BoundPort: 8001},
		}},
		Total:       1,
		LastCycleId: "cycle-1",
	}}
	r := newTestRouter(orch)

	var body models.StatusListResponse
	w := do(t, r, http.MethodGet, "/status", &body)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, body.Services, 1)
	assert.Equal(t, 8001, body.Services[0].Container.HostPort)
	assert.Equal(t, 1, body.Services[0].Routing.Priority)
	assert.Equal(t, "cycle-1", body.LastCycleId)
}

func TestStatusGet(t *testing.T) {
	orch := &stubOrchestrator{services: map[string]models.ServiceStatus{
		"github": {ServiceID: "github", LastError: "pull failed"},
	}}
	r := newTestRouter(orch)

	var body models.ServiceStatus
	w := do(t, r, http.MethodGet, "/status/github", &body)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pull failed", body.LastError)

	w = do(t, r, http.MethodGet, "/status/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCycles(t *testing.T) {
	started := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	orch := &stubOrchestrator{cycles: []*models.CycleReport{{
		CycleId:    "c2",
		Trigger:    engine.TriggerInterval,
		Result:     models.CycleIdle,
		StartedAt:  started,
		FinishedAt: started.Add(1500 * time.Millisecond),
		Duration:   1500 * time.Millisecond,
		Mutations:  3,
		Services: map[string]*models.ServiceOutcome{
			"bad": {ServiceID: "bad", Failed: true, Error: "boom"},
		},
	}}}
	r := newTestRouter(orch)

	var body models.CycleListResponse
	w := do(t, r, http.MethodGet, "/cycles", &body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, defaultCycleLimit, orch.limit)
	require.Len(t, body.Cycles, 1)
	assert.Equal(t, int64(1500), body.Cycles[0].DurationMs)
	assert.Equal(t, 1, body.Cycles[0].FailedCount)

	do(t, r, http.MethodGet, "/cycles?limit=5000", nil)
	assert.Equal(t, maxCycleLimit, orch.limit)

	for _, bad := range []string{"0", "-1", "ten"} {
		w = do(t, r, http.MethodGet, "/cycles?limit="+bad, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, bad)
	}

	orch.cyclesErr = errors.New("dynamodb unavailable")
	w = do(t, r, http.MethodGet, "/cycles", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestSync(t *testing.T) {
	orch := &stubOrchestrator{coalesced: true}
	r := newTestRouter(orch)

	var body models.SyncResponse
	w := do(t, r, http.MethodPost, "/sync", &body)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, body.Accepted)
	assert.True(t, body.Coalesced)

	orch.syncErr = engine.ErrShuttingDown
	w = do(t, r, http.MethodPost, "/sync", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestManualActions(t *testing.T) {
	orch := &stubOrchestrator{containers: map[string]*models.ContainerState{
		"github": {ServiceID: "github", Status: models.ContainerRunning, HostPort: 8002},
	}}
	r := newTestRouter(orch)

	for _, action := range []string{"start", "stop", "restart", "create"} {
		var body models.ActionResponse
		w := do(t, r, http.MethodPost, fmt.Sprintf("/services/github/%s", action), &body)
		require.Equal(t, http.StatusOK, w.Code, action)
		assert.Equal(t, action, body.Action)
		assert.Equal(t, "github", body.ServiceID)
		assert.Equal(t, 8002, body.Container.HostPort)
	}
	assert.Equal(t, []string{"start:github", "stop:github", "restart:github", "create:github"}, orch.actions)
}

func TestManualActions_Errors(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: nope", engine.ErrUnknownService), http.StatusNotFound},
		{fmt.Errorf("%w: beta", engine.ErrServiceDisabled), http.StatusConflict},
		{engine.ErrShuttingDown, http.StatusServiceUnavailable},
		{errors.New("docker daemon unreachable"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			r := newTestRouter(&stubOrchestrator{actionErr: tt.err})
			var body map[string]string
			w := do(t, r, http.MethodPost, "/services/x/start", &body)
			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, tt.err.Error(), body["message"])
		})
	}
}
