// Package domain defines the core domain models for the run engine.
package domain

// RunStatus represents the status of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusQueued, RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	}
	return false
}

// EventType represents the type of a run event.
type EventType string

const (
	EventTypeRunStarted       EventType = "run_started"
	EventTypeAssistantDelta   EventType = "assistant_delta"
	EventTypeAssistantMessage EventType = "assistant_message"
	EventTypeUsage            EventType = "usage"
	EventTypeToolCall         EventType = "tool_call"
	EventTypeToolResult       EventType = "tool_result"
	EventTypeError            EventType = "error"
	EventTypeRunFinished      EventType = "run_finished"
	EventTypeStatus           EventType = "status"
)

// Valid reports whether t is one of the enumerated event types.
func (t EventType) Valid() bool {
	switch t {
	case EventTypeRunStarted, EventTypeAssistantDelta, EventTypeAssistantMessage,
		EventTypeUsage, EventTypeToolCall, EventTypeToolResult, EventTypeError,
		EventTypeRunFinished, EventTypeStatus:
		return true
	}
	return false
}

// Message roles sent to providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)
