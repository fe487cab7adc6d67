package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/agentrun/internal/domain"
)

// StartRun queues a run.
// POST /v1/runs
func (h *Handler) StartRun(c echo.Context) error {
	var req domain.StartRunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	resp, err := h.service.StartRun(c.Request().Context(), req)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusAccepted, resp)
}

// GetRun returns a run with its replayed transcript.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	resp, err := h.service.GetRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// ListRuns lists recent runs.
// GET /v1/runs?status=&limit=
func (h *Handler) ListRuns(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	runs, err := h.service.ListRuns(c.Request().Context(), domain.RunStatus(c.QueryParam("status")), limit)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": runs})
}

// CancelRun cancels a queued or running run.
// POST /v1/runs/:run_id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	run, err := h.service.CancelRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"run_id": run.RunID,
		"status": run.Status,
	})
}

// GetRunEvents returns a page of a run's event log.
// GET /v1/runs/:run_id/events?after_seq=&limit=
func (h *Handler) GetRunEvents(c echo.Context) error {
	afterSeq := int64(0)
	if v := c.QueryParam("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid after_seq"})
		}
		afterSeq = n
	}
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		}
		limit = n
	}

	resp, err := h.service.ListEvents(c.Request().Context(), c.Param("run_id"), afterSeq, limit)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}
