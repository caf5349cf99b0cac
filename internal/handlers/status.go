package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/imyashkale/mcporchestrator/internal/engine"
	"github.com/imyashkale/mcporchestrator/internal/logger"
	"github.com/imyashkale/mcporchestrator/internal/models"
)

const (
	defaultCycleLimit = 20
	maxCycleLimit     = 200
)

// Orchestrator is what the status and control endpoints need from the
// reconciliation engine
type Orchestrator interface {
	Status() models.StatusListResponse
	ServiceStatus(id string) (models.ServiceStatus, error)
	Cycles(ctx context.Context, limit int) ([]*models.CycleReport, error)
	TriggerSync(reason string) (bool, error)
	Start(ctx context.Context, serviceID string) (*models.ContainerState, error)
	Stop(ctx context.Context, serviceID string) (*models.ContainerState, error)
	Restart(ctx context.Context, serviceID string) (*models.ContainerState, error)
	Create(ctx context.Context, serviceID string) (*models.ContainerState, error)
}

// StatusHandler serves the read-only status surface
type StatusHandler struct {
	orch Orchestrator
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(orch Orchestrator) *StatusHandler {
	return &StatusHandler{orch: orch}
}

// List handles listing every known service
func (h *StatusHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.Status())
}

// Get handles retrieving a single service
func (h *StatusHandler) Get(c *gin.Context) {
	id := c.Param("service_id")

	status, err := h.orch.ServiceStatus(id)
	if errors.Is(err, engine.ErrUnknownService) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Service not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, status)
}

// Cycles handles listing recent reconciliation cycles
func (h *StatusHandler) Cycles(c *gin.Context) {
	limit := defaultCycleLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "bad_request",
				"message": "limit must be a positive integer",
			})
			return
		}
		limit = min(n, maxCycleLimit)
	}

	reports, err := h.orch.Cycles(c.Request.Context(), limit)
	if err != nil {
		logger.WithField(logger.FieldError, err.Error()).Error("Failed to list cycles")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to retrieve cycles",
		})
		return
	}

	resp := models.CycleListResponse{Cycles: make([]models.CycleResponse, 0, len(reports))}
	for _, r := range reports {
		resp.Cycles = append(resp.Cycles, r.ToResponse())
	}
	resp.Total = len(resp.Cycles)

	c.JSON(http.StatusOK, resp)
}
