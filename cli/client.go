package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"goa.design/clue/log"

	"github.com/xiaot623/gogo/agentrun/internal/domain"
	"github.com/xiaot623/gogo/agentrun/internal/stream"
)

// errStreamNotFound is returned when the server does not know the run.
var errStreamNotFound = errors.New("run not found")

// Client talks to the agentrun public API.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// MaxReconnects bounds consecutive SSE reconnect attempts.
	MaxReconnects int
	// Backoff is the wait before the first reconnect; it doubles after
	// each failed attempt.
	Backoff time.Duration
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		httpClient:    &http.Client{},
		MaxReconnects: 5,
		Backoff:       250 * time.Millisecond,
	}
}

// StartRun queues a run.
func (c *Client) StartRun(ctx context.Context, req domain.StartRunRequest) (*domain.StartRunResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/runs", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return nil, responseError(resp)
	}
	var out domain.StartRunResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode start run response: %w", err)
	}
	return &out, nil
}

// CancelRun asks the server to cancel a run.
func (c *Client) CancelRun(ctx context.Context, runID string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/runs/"+runID+"/cancel", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	return nil
}

// TailSSE follows a run's SSE stream until its terminal event, calling fn
// once per event in seq order. A dropped connection is resumed with
// Last-Event-ID.
func (c *Client) TailSSE(ctx context.Context, runID string, fn func(domain.RunEvent)) error {
	var last int64
	backoff := c.Backoff
	for attempt := 0; ; attempt++ {
		before := last
		finished, err := c.tailSSEOnce(ctx, runID, &last, fn)
		if finished {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errStreamNotFound) {
			return err
		}
		if last > before {
			attempt, backoff = 0, c.Backoff
		}
		if attempt >= c.MaxReconnects {
			return fmt.Errorf("stream of run %s lost after %d reconnects: %w", runID, attempt, err)
		}
		log.Warn(ctx, log.KV{K: "msg", V: "stream interrupted, reconnecting"}, log.KV{K: "run_id", V: runID},
			log.KV{K: "last_seq", V: last}, log.KV{K: "err", V: err})

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
}

func (c *Client) tailSSEOnce(ctx context.Context, runID string, last *int64, fn func(domain.RunEvent)) (bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/runs/"+runID+"/stream", nil)
	if err != nil {
		return false, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	if *last > 0 {
		httpReq.Header.Set("Last-Event-ID", strconv.FormatInt(*last, 10))
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, errStreamNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return false, responseError(resp)
	}

	dec := stream.NewDecoder(resp.Body)
	for {
		frame, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return false, io.ErrUnexpectedEOF
		}
		if err != nil {
			return false, err
		}
		if frame.Event != stream.EventName {
			continue
		}
		ev, err := frame.RunEvent()
		if err != nil {
			return false, err
		}
		if ev.Seq <= *last {
			continue
		}
		fn(ev)
		*last = ev.Seq
		if ev.IsTerminal() {
			return true, nil
		}
	}
}

// TailWebSocket follows a run over the WebSocket endpoint.
func (c *Client) TailWebSocket(ctx context.Context, runID string, fn func(domain.RunEvent)) error {
	url := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/v1/runs/" + runID + "/ws"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var ev domain.RunEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		fn(ev)
		if ev.IsTerminal() {
			return nil
		}
	}
}

func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
