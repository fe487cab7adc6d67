package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/xiaot623/gogo/agentrun/internal/domain"
	"github.com/xiaot623/gogo/agentrun/internal/stream"
)

// OpenAI streams chat completions from an OpenAI-compatible endpoint.
type OpenAI struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ Provider = (*OpenAI)(nil)

// NewOpenAI creates a client for baseURL. The stream's lifetime is bounded
// by the request context, not by an http.Client timeout.
func NewOpenAI(baseURL, apiKey string) *OpenAI {
	return &OpenAI{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 60 * time.Second,
				IdleConnTimeout:       90 * time.Second,
			},
		},
	}
}

type chatCompletionRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
	Tools         []chatTool     `json:"tools,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatToolCall struct {
	Index    int              `json:"index"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function toolCallFunction `json:"function"`
}

type toolCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type streamChunk struct {
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Content   string         `json:"content"`
			ToolCalls []chatToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error json.RawMessage `json:"error"`
}

func toChatRequest(req Request) *chatCompletionRequest {
	out := &chatCompletionRequest{
		Model:         req.Model,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}
	for _, m := range req.Messages {
		cm := chatMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, chatToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: toolCallFunction{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		out.Messages = append(out.Messages, cm)
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, chatTool{
			Type:     "function",
			Function: toolFunction{Name: t.Name, Description: t.Description, Parameters: t.JSONSchema},
		})
	}
	return out
}

// Stream sends a streaming chat completion request. A non-200 response is
// returned as an *Error carrying the response body.
func (c *OpenAI) Stream(ctx context.Context, req Request) (Stream, error) {
	body, err := json.Marshal(toChatRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errorf(nil, "failed to send request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		var raw any = string(respBody)
		var parsed map[string]any
		if json.Unmarshal(respBody, &parsed) == nil {
			raw = parsed
		}
		perr := errorf(raw, "LLM API error [%d]", resp.StatusCode)
		perr.StatusCode = resp.StatusCode
		return nil, perr
	}
	return &openaiStream{resp: resp, dec: stream.NewDecoder(resp.Body), calls: map[int]*domain.ToolCall{}}, nil
}

type openaiStream struct {
	resp    *http.Response
	dec     *stream.Decoder
	pending []Chunk
	calls   map[int]*domain.ToolCall
	done    bool
	closed  bool
}

func (s *openaiStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.resp.Body.Close()
}

func (s *openaiStream) Recv() (Chunk, error) {
	for {
		if len(s.pending) > 0 {
			c := s.pending[0]
			s.pending = s.pending[1:]
			return c, nil
		}
		if s.done || s.closed {
			return Chunk{}, io.EOF
		}
		s.next()
	}
}

// next reads one SSE frame and queues the chunks it produces.
func (s *openaiStream) next() {
	frame, err := s.dec.Next()
	if errors.Is(err, io.EOF) {
		// Some providers close the connection without sending [DONE].
		s.flushToolCalls()
		s.done = true
		return
	}
	if err != nil {
		s.fail(errorf(nil, "failed to read stream: %v", err))
		return
	}

	data := strings.TrimSpace(frame.Data)
	if data == "" {
		return
	}
	if data == "[DONE]" {
		s.flushToolCalls()
		s.done = true
		return
	}

	var chunk streamChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		s.fail(errorf(data, "failed to decode stream chunk: %v", err))
		return
	}
	if len(chunk.Error) > 0 && string(chunk.Error) != "null" {
		var raw any
		_ = json.Unmarshal(chunk.Error, &raw)
		msg := "provider stream error"
		if m, ok := raw.(map[string]any); ok {
			if s, ok := m["message"].(string); ok && s != "" {
				msg = s
			}
		}
		s.fail(errorf(raw, "%s", msg))
		return
	}

	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			s.pending = append(s.pending, Chunk{Kind: ChunkText, Text: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			call := s.calls[tc.Index]
			if call == nil {
				call = &domain.ToolCall{}
				s.calls[tc.Index] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			call.Arguments += tc.Function.Arguments
		}
		if choice.FinishReason != "" {
			s.flushToolCalls()
		}
	}
	if chunk.Usage != nil {
		s.pending = append(s.pending, Chunk{Kind: ChunkUsage, Usage: domain.Usage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
		}})
	}
}

func (s *openaiStream) fail(e *Error) {
	s.pending = append(s.pending, Chunk{Kind: ChunkError, Err: e})
	s.done = true
}

func (s *openaiStream) flushToolCalls() {
	if len(s.calls) == 0 {
		return
	}
	idx := make([]int, 0, len(s.calls))
	for i := range s.calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		call := s.calls[i]
		s.pending = append(s.pending, Chunk{Kind: ChunkToolCall, ToolCall: call})
	}
	s.calls = map[int]*domain.ToolCall{}
}
