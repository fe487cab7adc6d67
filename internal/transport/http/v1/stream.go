package v1

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"goa.design/clue/log"

	"github.com/xiaot623/gogo/agentrun/internal/domain"
	"github.com/xiaot623/gogo/agentrun/internal/stream"
)

// resumePoint returns the seq a stream resumes after: the Last-Event-ID
// header when present, else the after_seq query parameter.
func resumePoint(c echo.Context) (int64, bool) {
	v := strings.TrimSpace(c.Request().Header.Get("Last-Event-ID"))
	if v == "" {
		v = c.QueryParam("after_seq")
	}
	if v == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// StreamRun streams a run's events as server-sent events until the
// terminal event or client disconnect.
// GET /v1/runs/:run_id/stream
func (h *Handler) StreamRun(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")

	afterSeq, ok := resumePoint(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid resume position"})
	}
	events, err := h.service.Subscribe(ctx, runID, afterSeq)
	if err != nil {
		return errorResponse(c, err)
	}

	// Set SSE headers
	res := c.Response()
	res.Header().Set("Content-Type", "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	ticker := time.NewTicker(h.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Client disconnected
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := stream.WriteFrame(res, ev); err != nil {
				log.Errorf(ctx, err, "failed to write event %d of run %s", ev.Seq, runID)
				return nil
			}
			res.Flush()
		case <-ticker.C:
			if err := stream.WriteComment(res, "keep-alive"); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}

// StreamRunWebSocket streams a run's events over a WebSocket, one JSON
// event per text message. The server closes the socket after the terminal
// event.
// GET /v1/runs/:run_id/ws?after_seq=
func (h *Handler) StreamRunWebSocket(c echo.Context) error {
	runID := c.Param("run_id")
	afterSeq, ok := resumePoint(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid resume position"})
	}

	// The subscription outlives the upgrade request, so it is tied to the
	// connection's lifetime instead.
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request().Context()))
	events, err := h.service.Subscribe(ctx, runID, afterSeq)
	if err != nil {
		cancel()
		return errorResponse(c, err)
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		cancel()
		log.Errorf(ctx, err, "failed to upgrade websocket for run %s", runID)
		return nil
	}

	go h.readPump(ctx, cancel, conn)
	h.writePump(ctx, cancel, conn, events)
	return nil
}

// readPump discards client messages and notices when the client goes away.
func (h *Handler) readPump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(h.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.ReadTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Errorf(ctx, err, "websocket read failed")
			}
			return
		}
	}
}

// writePump forwards events and pings until the stream ends.
func (h *Handler) writePump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, events <-chan domain.RunEvent) {
	ticker := time.NewTicker(h.PingInterval)
	defer func() {
		ticker.Stop()
		cancel()
		conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(h.WriteTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				log.Errorf(ctx, err, "failed to write event %d of run %s", ev.Seq, ev.RunID)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
