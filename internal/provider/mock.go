package provider

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/agentrun/internal/domain"
)

// MockToolPrefix makes the mock provider call a tool: a user message of the
// form "/tool <name> <json-args>" yields that tool call on the first turn.
const MockToolPrefix = "/tool "

// Mock is a deterministic provider for local runs and tests.
type Mock struct{}

var _ Provider = Mock{}

// NewMock creates a new mock provider.
func NewMock() Mock {
	return Mock{}
}

// Stream returns the mock response chunked into 10-byte deltas followed by
// a usage report.
func (m Mock) Stream(ctx context.Context, req Request) (Stream, error) {
	var chunks []Chunk
	if call := m.toolCall(req); call != nil {
		chunks = append(chunks, Chunk{Kind: ChunkToolCall, ToolCall: call})
	} else {
		for _, part := range splitIntoChunks(m.generateResponse(req), 10) {
			chunks = append(chunks, Chunk{Kind: ChunkText, Text: part})
		}
	}
	chunks = append(chunks, Chunk{Kind: ChunkUsage, Usage: domain.Usage{
		InputTokens:  estimateTokens(req),
		OutputTokens: len(m.generateResponse(req)) / 4,
	}})
	return &sliceStream{ctx: ctx, chunks: chunks}, nil
}

func (m Mock) toolCall(req Request) *domain.ToolCall {
	n := len(req.Messages)
	if n == 0 || req.Messages[n-1].Role != domain.RoleUser {
		return nil
	}
	msg := req.Messages[n-1].Content
	if !strings.HasPrefix(msg, MockToolPrefix) {
		return nil
	}
	name, args, _ := strings.Cut(strings.TrimPrefix(msg, MockToolPrefix), " ")
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	return &domain.ToolCall{ID: "call_" + uuid.New().String()[:8], Name: name, Arguments: args}
}

// generateResponse generates a mock response based on the request.
func (m Mock) generateResponse(req Request) string {
	if n := len(req.Messages); n > 0 && req.Messages[n-1].Role == domain.RoleTool {
		return fmt.Sprintf("[MOCK] Tool returned: %s", truncate(req.Messages[n-1].Content, 200))
	}

	// Get the last user message
	var lastUserMessage string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == domain.RoleUser {
			lastUserMessage = req.Messages[i].Content
			break
		}
	}
	if lastUserMessage == "" {
		return "[MOCK] This is a mock response."
	}
	return fmt.Sprintf("[MOCK] Received your message: %q. This is a mock response.", truncate(lastUserMessage, 100))
}

// estimateTokens provides a rough token count estimate.
func estimateTokens(req Request) int {
	total := 0
	for _, msg := range req.Messages {
		total += len(msg.Content) / 4
	}
	return total
}

// splitIntoChunks splits a string into chunks of at most chunkSize bytes.
func splitIntoChunks(s string, chunkSize int) []string {
	var chunks []string
	for i := 0; i < len(s); i += chunkSize {
		end := i + chunkSize
		if end > len(s) {
			end = len(s)
		}
		chunks = append(chunks, s[i:end])
	}
	return chunks
}

// truncate truncates a string to the given length.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// sliceStream replays a fixed list of chunks.
type sliceStream struct {
	ctx    context.Context
	chunks []Chunk
	closed bool
}

func (s *sliceStream) Recv() (Chunk, error) {
	if err := s.ctx.Err(); err != nil {
		return Chunk{}, err
	}
	if s.closed || len(s.chunks) == 0 {
		return Chunk{}, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}
