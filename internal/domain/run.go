package domain

import (
	"encoding/json"
	"time"
)

// Run represents a single execution of an agent.
type Run struct {
	RunID      string          `json:"run_id"`
	ProjectID  string          `json:"project_id"`
	AgentID    string          `json:"agent_id"`
	UserID     string          `json:"user_id,omitempty"`
	Model      string          `json:"model"`
	Status     RunStatus       `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
}

// RunEvent is one immutable, sequence-numbered entry of a run's log.
type RunEvent struct {
	RunID     string         `json:"runId"`
	Seq       int64          `json:"seq"`
	Type      EventType      `json:"type"`
	CreatedAt time.Time      `json:"createdAt"`
	Payload   map[string]any `json:"payload"`
}

// IsTerminal reports whether ev closes the run's log.
func (ev RunEvent) IsTerminal() bool {
	status, ok := StatusForEvent(ev.Type, ev.Payload)
	return ok && status.IsTerminal()
}

// RunContext identifies who and what a run executes for.
type RunContext struct {
	ProjectID string `json:"project_id"`
	RunID     string `json:"run_id"`
	UserID    string `json:"user_id,omitempty"`
}

// AgentConfig is the agent definition resolved by the resource service.
type AgentConfig struct {
	SystemPrompt string `json:"system_prompt"`
	Model        string `json:"model"`
}

// Message is one entry of the conversation sent to a provider.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a provider's request to invoke a tool.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Usage is a token usage report.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
}
