package domain

// Payload keys shared between producers and readers of the run log.
const (
	KeyModel         = "model"
	KeyDelta         = "delta"
	KeyContent       = "content"
	KeyInputTokens   = "inputTokens"
	KeyOutputTokens  = "outputTokens"
	KeyMessage       = "message"
	KeyRaw           = "raw"
	KeyOK            = "ok"
	KeyUsage         = "usage"
	KeyCanceled      = "canceled"
	KeyStatus        = "status"
	KeyID            = "id"
	KeyName          = "name"
	KeyArgumentsJSON = "argumentsJson"
	KeyError         = "error"
)

// Error messages recorded in error events by the orchestrator.
const (
	ErrorUnknownTool      = "unknown_tool"
	ErrorMaxTurnsExceeded = "max_turns_exceeded"
)

func RunStartedPayload(model string) map[string]any {
	return map[string]any{KeyModel: model}
}

func AssistantDeltaPayload(delta string) map[string]any {
	return map[string]any{KeyDelta: delta}
}

func AssistantMessagePayload(content string) map[string]any {
	return map[string]any{KeyContent: content}
}

func (u Usage) payload() map[string]any {
	return map[string]any{
		KeyInputTokens:  u.InputTokens,
		KeyOutputTokens: u.OutputTokens,
	}
}

func UsagePayload(u Usage) map[string]any {
	return u.payload()
}

// ErrorPayload builds an error event payload. raw is omitted when nil.
func ErrorPayload(message string, raw any) map[string]any {
	p := map[string]any{KeyMessage: message}
	if raw != nil {
		p[KeyRaw] = raw
	}
	return p
}

func RunFinishedPayload(ok bool, usage Usage, canceled bool) map[string]any {
	p := map[string]any{
		KeyOK:    ok,
		KeyUsage: usage.payload(),
	}
	if canceled {
		p[KeyCanceled] = true
	}
	return p
}

func ToolCallPayload(id, name, argumentsJSON string) map[string]any {
	return map[string]any{
		KeyID:            id,
		KeyName:          name,
		KeyArgumentsJSON: argumentsJSON,
	}
}

// ToolResultPayload merges the call identity into a tool result of the
// {ok, ...} / {ok:false, error, message} shape.
func ToolResultPayload(id, name string, result map[string]any) map[string]any {
	p := make(map[string]any, len(result)+2)
	for k, v := range result {
		p[k] = v
	}
	p[KeyID] = id
	p[KeyName] = name
	return p
}

func StatusPayload(status RunStatus) map[string]any {
	return map[string]any{KeyStatus: string(status)}
}

// PayloadString returns payload[key] when it is a string.
func PayloadString(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

// PayloadBool returns payload[key] when it is a bool.
func PayloadBool(payload map[string]any, key string) bool {
	b, _ := payload[key].(bool)
	return b
}
