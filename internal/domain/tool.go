package domain

import "encoding/json"

// ToolDefinition is the provider-facing description of a tool.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	JSONSchema  json.RawMessage `json:"jsonSchema"`
}

// ListToolsResponse represents the response for listing tools.
type ListToolsResponse struct {
	Tools []ToolDefinition `json:"tools"`
}
