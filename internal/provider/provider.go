// Package provider abstracts streaming LLM backends.
package provider

import (
	"context"
	"fmt"

	"github.com/xiaot623/gogo/agentrun/internal/domain"
)

// ChunkKind identifies the signal carried by a Chunk.
type ChunkKind string

const (
	ChunkText     ChunkKind = "text"
	ChunkUsage    ChunkKind = "usage"
	ChunkToolCall ChunkKind = "tool_call"
	ChunkError    ChunkKind = "error"
)

// Chunk is one element of a provider stream.
type Chunk struct {
	Kind     ChunkKind
	Text     string
	Usage    domain.Usage
	ToolCall *domain.ToolCall
	Err      *Error
}

// Error is a provider-side failure. Raw carries the provider's response
// body or error object when one exists. StatusCode is set when the provider
// rejected the request over HTTP.
type Error struct {
	Message    string
	Raw        any
	StatusCode int
}

func (e *Error) Error() string {
	return e.Message
}

func errorf(raw any, format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), Raw: raw}
}

// Request is one conversation turn sent to a provider.
type Request struct {
	Model    string
	Messages []domain.Message
	Tools    []domain.ToolDefinition
}

// Provider starts streaming completions. Every call to Stream starts a
// fresh stream.
type Provider interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Stream yields chunks until Recv returns io.EOF. A stream that reports a
// ChunkError yields nothing further.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}
