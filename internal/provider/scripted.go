package provider

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/xiaot623/gogo/agentrun/internal/domain"
)

// Step is one scripted element of a turn. A Step with Block set waits on the
// channel (or the stream context) before yielding its chunk.
type Step struct {
	Chunk Chunk
	Block <-chan struct{}
	Delay time.Duration
}

// Text returns a text step.
func Text(s string) Step { return Step{Chunk: Chunk{Kind: ChunkText, Text: s}} }

// UsageStep returns a usage step.
func UsageStep(in, out int) Step {
	return Step{Chunk: Chunk{Kind: ChunkUsage, Usage: domain.Usage{InputTokens: in, OutputTokens: out}}}
}

// ErrorStep returns a provider error step.
func ErrorStep(message string, raw any) Step {
	return Step{Chunk: Chunk{Kind: ChunkError, Err: &Error{Message: message, Raw: raw}}}
}

// ToolCallStep returns a tool call step.
func ToolCallStep(id, name, args string) Step {
	return Step{Chunk: Chunk{Kind: ChunkToolCall, ToolCall: &domain.ToolCall{ID: id, Name: name, Arguments: args}}}
}

// Scripted replays one scripted turn per Stream call and records the
// requests it receives.
type Scripted struct {
	mu       sync.Mutex
	turns    [][]Step
	requests []Request
}

var _ Provider = (*Scripted)(nil)

// NewScripted creates a provider that answers the n-th Stream call with
// turns[n].
func NewScripted(turns ...[]Step) *Scripted {
	return &Scripted{turns: turns}
}

// Requests returns the requests received so far.
func (p *Scripted) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Request(nil), p.requests...)
}

func (p *Scripted) Stream(ctx context.Context, req Request) (Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.requests)
	p.requests = append(p.requests, req)
	if n >= len(p.turns) {
		return nil, fmt.Errorf("scripted provider has no turn %d", n+1)
	}
	return &scriptedStream{ctx: ctx, steps: p.turns[n]}, nil
}

type scriptedStream struct {
	ctx   context.Context
	steps []Step
}

func (s *scriptedStream) Recv() (Chunk, error) {
	if len(s.steps) == 0 {
		return Chunk{}, io.EOF
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	if step.Block != nil {
		select {
		case <-step.Block:
		case <-s.ctx.Done():
			return Chunk{}, s.ctx.Err()
		}
	}
	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-s.ctx.Done():
			return Chunk{}, s.ctx.Err()
		}
	}
	if err := s.ctx.Err(); err != nil {
		return Chunk{}, err
	}
	return step.Chunk, nil
}

func (s *scriptedStream) Close() error { return nil }
