package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/agentrun/internal/broadcast"
	"github.com/xiaot623/gogo/agentrun/internal/domain"
	"github.com/xiaot623/gogo/agentrun/internal/orchestrator"
	"github.com/xiaot623/gogo/agentrun/internal/provider"
	"github.com/xiaot623/gogo/agentrun/internal/service"
	"github.com/xiaot623/gogo/agentrun/internal/stream"
	"github.com/xiaot623/gogo/agentrun/internal/tools"
	"github.com/xiaot623/gogo/agentrun/tests/helpers"
)

func newTestHandler(t *testing.T) (*Handler, *service.Service) {
	t.Helper()
	store := helpers.NewTestSQLiteStore(t)
	reg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(reg, tools.BuiltinConfig{WorkspaceRoot: t.TempDir()}); err != nil {
		t.Fatalf("RegisterBuiltins failed: %v", err)
	}
	orch := orchestrator.New(provider.NewMock(), reg, orchestrator.Config{})
	svc := service.New(store, broadcast.NewHub(), orch, reg, nil, service.Config{Workers: 2, QueueSize: 8})
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return NewHandler(svc), svc
}

func startFinishedRun(t *testing.T, svc *service.Service) string {
	t.Helper()
	resp, err := svc.StartRun(context.Background(), domain.StartRunRequest{
		ProjectID: "p1",
		AgentID:   "a1",
		Agent:     domain.AgentConfig{Model: "mock-model"},
		Input:     domain.RunInput{Message: "hello there"},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := svc.GetRun(context.Background(), resp.RunID)
		return err == nil && got.Run.Status == domain.RunStatusSucceeded
	}, 5*time.Second, 10*time.Millisecond)
	return resp.RunID
}

func TestStartRun(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)

	t.Run("Accepted", func(t *testing.T) {
		body := `{"project_id":"p1","agent_id":"a1","agent":{"model":"mock-model"},"input":{"message":"hi"}}`
		req := httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		require.NoError(t, h.StartRun(c))
		assert.Equal(t, http.StatusAccepted, rec.Code)

		var resp domain.StartRunResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, strings.HasPrefix(resp.RunID, "run_"))
		assert.Equal(t, domain.RunStatusQueued, resp.Status)
	})

	t.Run("Missing Message", func(t *testing.T) {
		body := `{"project_id":"p1","agent_id":"a1","agent":{"model":"mock-model"},"input":{}}`
		req := httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		require.NoError(t, h.StartRun(c))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "input.message is required")
	})

	t.Run("Malformed Body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(`{"project_id":`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		require.NoError(t, h.StartRun(c))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetRun(t *testing.T) {
	e := echo.New()
	h, svc := newTestHandler(t)
	runID := startFinishedRun(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("run_id")
	c.SetParamValues(runID)

	require.NoError(t, h.GetRun(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp domain.RunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.RunStatusSucceeded, resp.Run.Status)
	assert.Contains(t, resp.Transcript, "[MOCK]")
	assert.Equal(t, resp.Transcript, resp.FinalMessage)
	assert.Positive(t, resp.LastSeq)

	req = httptest.NewRequest(http.MethodGet, "/v1/runs/missing", nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("run_id")
	c.SetParamValues("missing")
	require.NoError(t, h.GetRun(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRunEvents(t *testing.T) {
	e := echo.New()
	h, svc := newTestHandler(t)
	runID := startFinishedRun(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID+"/events?after_seq=1&limit=2", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("run_id")
	c.SetParamValues(runID)

	require.NoError(t, h.GetRunEvents(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp domain.ListEventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 2)
	assert.Equal(t, int64(2), resp.Events[0].Seq)
	assert.Equal(t, int64(3), resp.NextAfterSeq)
	assert.True(t, resp.HasMore)

	req = httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID+"/events?after_seq=-1", nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("run_id")
	c.SetParamValues(runID)
	require.NoError(t, h.GetRunEvents(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelRunNotFound(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/runs/missing/cancel", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("run_id")
	c.SetParamValues("missing")

	require.NoError(t, h.CancelRun(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelFinishedRunIsNoop(t *testing.T) {
	e := echo.New()
	h, svc := newTestHandler(t)
	runID := startFinishedRun(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/v1/runs/"+runID+"/cancel", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("run_id")
	c.SetParamValues(runID)

	require.NoError(t, h.CancelRun(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"succeeded"`)
}

func TestErrorResponseStatusCodes(t *testing.T) {
	e := echo.New()
	cases := []struct {
		err  error
		code int
	}{
		{service.ErrInvalidRequest, http.StatusBadRequest},
		{service.ErrRunNotFound, http.StatusNotFound},
		{service.ErrRunNotOwned, http.StatusConflict},
		{service.ErrQueueFull, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodPost, "/v1/runs/r1/cancel", nil), rec)
		require.NoError(t, errorResponse(c, tc.err))
		assert.Equal(t, tc.code, rec.Code, tc.err.Error())
	}
}

func decodeFrames(t *testing.T, body string) []domain.RunEvent {
	t.Helper()
	dec := stream.NewDecoder(strings.NewReader(body))
	var out []domain.RunEvent
	for {
		f, err := dec.Next()
		if err != nil {
			return out
		}
		assert.Equal(t, stream.EventName, f.Event)
		ev, err := f.RunEvent()
		require.NoError(t, err)
		assert.Equal(t, f.ID, strconv.FormatInt(ev.Seq, 10))
		out = append(out, ev)
	}
}

func TestStreamRunSSE(t *testing.T) {
	e := echo.New()
	h, svc := newTestHandler(t)
	runID := startFinishedRun(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID+"/stream", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("run_id")
	c.SetParamValues(runID)

	require.NoError(t, h.StreamRun(c))
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	events := decodeFrames(t, rec.Body.String())
	require.NotEmpty(t, events)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
	assert.Equal(t, domain.EventTypeRunFinished, events[len(events)-1].Type)

	t.Run("Resume After Last-Event-ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID+"/stream?after_seq=1", nil)
		req.Header.Set("Last-Event-ID", "3")
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("run_id")
		c.SetParamValues(runID)

		require.NoError(t, h.StreamRun(c))
		resumed := decodeFrames(t, rec.Body.String())
		require.Len(t, resumed, len(events)-3)
		assert.Equal(t, int64(4), resumed[0].Seq)
	})

	t.Run("Unknown Run", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/runs/missing/stream", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("run_id")
		c.SetParamValues("missing")

		require.NoError(t, h.StreamRun(c))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("Bad Last-Event-ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID+"/stream", nil)
		req.Header.Set("Last-Event-ID", "abc")
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("run_id")
		c.SetParamValues(runID)

		require.NoError(t, h.StreamRun(c))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestStreamRunWebSocket(t *testing.T) {
	e := echo.New()
	h, svc := newTestHandler(t)
	h.RegisterRoutes(e)
	srv := httptest.NewServer(e)
	defer srv.Close()
	runID := startFinishedRun(t, svc)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/runs/" + runID + "/ws?after_seq=1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var events []domain.RunEvent
	for {
		var ev domain.RunEvent
		if err := conn.ReadJSON(&ev); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		events = append(events, ev)
	}
	require.NotEmpty(t, events)
	assert.Equal(t, int64(2), events[0].Seq)
	assert.True(t, events[len(events)-1].IsTerminal())
}

func TestListTools(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/tools", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, h.ListTools(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp domain.ListToolsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	var names []string
	for _, def := range resp.Tools {
		names = append(names, def.Name)
	}
	assert.Equal(t, []string{"apply_patch", "read_file", "list_files", "notify"}, names)
	assert.NotEmpty(t, resp.Tools[0].JSONSchema)
}
