package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imyashkale/mcporchestrator/internal/engine"
	"github.com/imyashkale/mcporchestrator/internal/logger"
	"github.com/imyashkale/mcporchestrator/internal/models"
)

// ControlHandler serves sync-now and the manual per-service actions
type ControlHandler struct {
	orch Orchestrator
}

// NewControlHandler creates a new control handler
func NewControlHandler(orch Orchestrator) *ControlHandler {
	return &ControlHandler{orch: orch}
}

// Sync handles a request to reconcile now
func (h *ControlHandler) Sync(c *gin.Context) {
	coalesced, err := h.orch.TriggerSync(engine.TriggerManual)
	if err != nil {
		writeEngineError(c, err)
		return
	}

	logger.WithField("coalesced", coalesced).Info("Sync requested via API")
	c.JSON(http.StatusAccepted, models.SyncResponse{Accepted: true, Coalesced: coalesced})
}

// Start handles starting a service's container
func (h *ControlHandler) Start(c *gin.Context) {
	h.run(c, engine.ActionStart, h.orch.Start)
}

// Stop handles stopping a service's container
func (h *ControlHandler) Stop(c *gin.Context) {
	h.run(c, engine.ActionStop, h.orch.Stop)
}

// Restart handles restarting a service's container
func (h *ControlHandler) Restart(c *gin.Context) {
	h.run(c, engine.ActionRestart, h.orch.Restart)
}

// Create handles creating a service's container
func (h *ControlHandler) Create(c *gin.Context) {
	h.run(c, engine.ActionCreate, h.orch.Create)
}

func (h *ControlHandler) run(c *gin.Context, action string, fn func(context.Context, string) (*models.ContainerState, error)) {
	id := c.Param("service_id")

	state, err := fn(c.Request.Context(), id)
	if err != nil {
		logger.ForService("api", id).WithFields(map[string]interface{}{
			logger.FieldOp:    action,
			logger.FieldError: err.Error(),
		}).Warn("Manual action failed")
		writeEngineError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.ActionResponse{ServiceID: id, Action: action, Container: state})
}

// writeEngineError maps engine errors onto HTTP statuses
func writeEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrUnknownService):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, engine.ErrServiceDisabled):
		c.JSON(http.StatusConflict, gin.H{"error": "service_disabled", "message": err.Error()})
	case errors.Is(err, engine.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting_down", "message": err.Error()})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": "operation_failed", "message": err.Error()})
	}
}
