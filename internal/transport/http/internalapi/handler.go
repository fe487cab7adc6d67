// Package internalapi provides HTTP handlers for operators and sibling
// services. They are not exposed publicly.
package internalapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/agentrun/internal/domain"
	"github.com/xiaot623/gogo/agentrun/internal/service"
)

// Handler handles internal HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new internal API handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers internal routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/internal/health", h.Health)
	e.GET("/internal/tools", h.ListTools)

	// Run management
	e.GET("/internal/runs", h.ListRuns)
	e.POST("/internal/runs/:run_id/cancel", h.CancelRun)
}

// Health returns health status.
// GET /internal/health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

// ListTools returns the registered tools with their input schemas.
// GET /internal/tools
func (h *Handler) ListTools(c echo.Context) error {
	return c.JSON(http.StatusOK, domain.ListToolsResponse{Tools: h.service.ListTools()})
}

// ListRuns lists runs, typically filtered by status.
// GET /internal/runs?status=running
func (h *Handler) ListRuns(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	runs, err := h.service.ListRuns(c.Request().Context(), domain.RunStatus(c.QueryParam("status")), limit)
	if errors.Is(err, service.ErrInvalidRequest) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": runs})
}

// CancelRun cancels a running execution.
// POST /internal/runs/:run_id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	runID := c.Param("run_id")
	run, err := h.service.CancelRun(c.Request().Context(), runID)
	if errors.Is(err, service.ErrRunNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
	}
	if errors.Is(err, service.ErrRunNotOwned) {
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"run_id": runID,
		"status": run.Status,
	})
}
