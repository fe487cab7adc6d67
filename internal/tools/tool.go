// Package tools holds the tools an agent can invoke mid-run and the registry
// that dispatches to them.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xiaot623/gogo/agentrun/internal/domain"
)

// Failure codes produced by the registry itself.
const (
	CodeBlocked          = "blocked"
	CodeInvalidArguments = "invalid_arguments"
	CodeTimeout          = "tool_timeout"
	CodeFailed           = "tool_failed"
	CodeUnknownTool      = "unknown_tool"
)

// Invocation identifies the run a tool call belongs to.
type Invocation struct {
	ProjectID  string
	RunID      string
	UserID     string
	ToolCallID string
}

// Tool is a named, schema-described capability.
type Tool interface {
	// Definition describes the tool to providers.
	Definition() domain.ToolDefinition
	// Invoke runs the tool. The returned map is merged into a successful
	// result; an error becomes a failure result.
	Invoke(ctx context.Context, args json.RawMessage, inv Invocation) (map[string]any, error)
}

// Error is a tool failure with a stable code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorCode returns the failure code.
func (e *Error) ErrorCode() string { return e.Code }

// Errorf returns a tool error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Success builds an {ok:true, ...} result.
func Success(fields map[string]any) map[string]any {
	res := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		res[k] = v
	}
	res["ok"] = true
	return res
}

// Failure builds an {ok:false, error, message} result.
func Failure(code, message string) map[string]any {
	return map[string]any{
		"ok":      false,
		"error":   code,
		"message": message,
	}
}

// IsSuccess reports whether result is a successful tool result.
func IsSuccess(result map[string]any) bool {
	ok, _ := result["ok"].(bool)
	return ok
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(args, v); err != nil {
		return Errorf(CodeInvalidArguments, "arguments are not valid JSON: %v", err)
	}
	return nil
}
