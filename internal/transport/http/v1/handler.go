// Package v1 provides the public HTTP handlers.
package v1

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/agentrun/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service  *service.Service
	upgrader websocket.Upgrader

	// KeepAlive is the interval of SSE comment frames on an idle stream.
	KeepAlive time.Duration
	// PingInterval and WriteTimeout govern WebSocket streams.
	PingInterval time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		KeepAlive:    15 * time.Second,
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  60 * time.Second,
	}
}

// RegisterRoutes registers external routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Runs
	e.POST("/v1/runs", h.StartRun)
	e.GET("/v1/runs", h.ListRuns)
	e.GET("/v1/runs/:run_id", h.GetRun)
	e.POST("/v1/runs/:run_id/cancel", h.CancelRun)

	// Event log and live streams
	e.GET("/v1/runs/:run_id/events", h.GetRunEvents)
	e.GET("/v1/runs/:run_id/stream", h.StreamRun)
	e.GET("/v1/runs/:run_id/ws", h.StreamRunWebSocket)

	// Tools
	e.GET("/v1/tools", h.ListTools)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// errorResponse maps service errors to status codes.
func errorResponse(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrRunNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrRunNotOwned):
		status = http.StatusConflict
	case errors.Is(err, service.ErrQueueFull):
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
