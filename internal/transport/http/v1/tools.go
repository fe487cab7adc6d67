package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/agentrun/internal/domain"
)

// ListTools returns the tool catalog.
// GET /v1/tools
func (h *Handler) ListTools(c echo.Context) error {
	return c.JSON(http.StatusOK, domain.ListToolsResponse{Tools: h.service.ListTools()})
}
