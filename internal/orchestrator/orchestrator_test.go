package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/agentrun/internal/domain"
	"github.com/xiaot623/gogo/agentrun/internal/provider"
	"github.com/xiaot623/gogo/agentrun/internal/tools"
)

type echoTool struct {
	calls   int
	started chan struct{}
	release chan struct{}
}

func (t *echoTool) Definition() domain.ToolDefinition {
	return domain.ToolDefinition{Name: "echo", Description: "echo", JSONSchema: json.RawMessage(`{"type":"object"}`)}
}

func (t *echoTool) Invoke(ctx context.Context, args json.RawMessage, _ tools.Invocation) (map[string]any, error) {
	t.calls++
	if t.started != nil {
		close(t.started)
		<-t.release
	}
	var v map[string]any
	_ = json.Unmarshal(args, &v)
	return map[string]any{"echo": v}, nil
}

func newRegistry(t *testing.T, tool tools.Tool) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	if tool != nil {
		require.NoError(t, r.Register(tool))
	}
	return r
}

func input() Input {
	return Input{
		Run:     domain.RunContext{ProjectID: "p1", RunID: "r1"},
		Agent:   domain.AgentConfig{SystemPrompt: "be brief", Model: "m1"},
		Message: "hi",
		PriorMessages: []domain.Message{
			{Role: domain.RoleUser, Content: "earlier"},
			{Role: domain.RoleAssistant, Content: "reply"},
		},
	}
}

func collect(t *testing.T, ch <-chan Draft) []Draft {
	t.Helper()
	var out []Draft
	timeout := time.After(5 * time.Second)
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, d)
		case <-timeout:
			t.Fatal("run did not finish")
			return out
		}
	}
}

func types(drafts []Draft) []domain.EventType {
	out := make([]domain.EventType, len(drafts))
	for i, d := range drafts {
		out[i] = d.Type
	}
	return out
}

func TestRunStreamsDeltasUsageAndFinish(t *testing.T) {
	p := provider.NewScripted([]provider.Step{
		provider.Text("Hel"), provider.Text("lo"), provider.UsageStep(10, 2),
	})
	o := New(p, newRegistry(t, nil), Config{})

	drafts := collect(t, o.Run(context.Background(), input(), nil))
	assert.Equal(t, []domain.EventType{
		domain.EventTypeRunStarted,
		domain.EventTypeAssistantDelta,
		domain.EventTypeAssistantDelta,
		domain.EventTypeUsage,
		domain.EventTypeAssistantMessage,
		domain.EventTypeRunFinished,
	}, types(drafts))

	assert.Equal(t, "m1", drafts[0].Payload["model"])
	assert.Equal(t, "Hel", drafts[1].Payload["delta"])
	assert.Equal(t, 10, drafts[3].Payload["inputTokens"])
	assert.Equal(t, "Hello", drafts[4].Payload["content"])
	assert.Equal(t, true, drafts[5].Payload["ok"])
	assert.Equal(t, map[string]any{"inputTokens": 10, "outputTokens": 2}, drafts[5].Payload["usage"])

	req := p.Requests()[0]
	assert.Equal(t, "m1", req.Model)
	require.Len(t, req.Messages, 4)
	assert.Equal(t, domain.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "earlier", req.Messages[1].Content)
	assert.Equal(t, "hi", req.Messages[3].Content)
}

func TestRunProviderErrorStillFinishes(t *testing.T) {
	p := provider.NewScripted([]provider.Step{
		provider.Text("par"), provider.ErrorStep("overloaded", map[string]any{"code": 529}), provider.Text("never"),
	})
	o := New(p, newRegistry(t, nil), Config{})

	drafts := collect(t, o.Run(context.Background(), input(), nil))
	assert.Equal(t, []domain.EventType{
		domain.EventTypeRunStarted,
		domain.EventTypeAssistantDelta,
		domain.EventTypeError,
		domain.EventTypeAssistantMessage,
		domain.EventTypeRunFinished,
	}, types(drafts))
	assert.Equal(t, "overloaded", drafts[2].Payload["message"])
	assert.Equal(t, map[string]any{"code": 529}, drafts[2].Payload["raw"])
	assert.Equal(t, "par", drafts[3].Payload["content"])
	assert.Equal(t, false, drafts[4].Payload["ok"])
}

func TestRunStreamOpenFailureIsProviderError(t *testing.T) {
	// No scripted turns: Stream itself fails.
	o := New(provider.NewScripted(), newRegistry(t, nil), Config{})

	drafts := collect(t, o.Run(context.Background(), input(), nil))
	assert.Equal(t, []domain.EventType{
		domain.EventTypeRunStarted,
		domain.EventTypeError,
		domain.EventTypeAssistantMessage,
		domain.EventTypeRunFinished,
	}, types(drafts))
	assert.Equal(t, "", drafts[2].Payload["content"])
}

func TestRunTurnTimeoutIsProviderError(t *testing.T) {
	p := provider.NewScripted([]provider.Step{
		provider.Text("a"), {Chunk: provider.Chunk{Kind: provider.ChunkText, Text: "b"}, Delay: time.Second},
	})
	o := New(p, newRegistry(t, nil), Config{TurnTimeout: 20 * time.Millisecond})

	drafts := collect(t, o.Run(context.Background(), input(), nil))
	require.Len(t, drafts, 5)
	assert.Equal(t, domain.EventTypeError, drafts[2].Type)
	assert.Equal(t, "provider stream timed out", drafts[2].Payload["message"])
	assert.Equal(t, false, drafts[4].Payload["ok"])
	assert.Nil(t, drafts[4].Payload["canceled"])
}

func TestRunToolCallLoop(t *testing.T) {
	tool := &echoTool{}
	p := provider.NewScripted(
		[]provider.Step{provider.Text("Let me check. "), provider.ToolCallStep("c1", "echo", `{"x":1}`)},
		[]provider.Step{provider.Text("Done.")},
	)
	o := New(p, newRegistry(t, tool), Config{})

	drafts := collect(t, o.Run(context.Background(), input(), nil))
	assert.Equal(t, []domain.EventType{
		domain.EventTypeRunStarted,
		domain.EventTypeAssistantDelta,
		domain.EventTypeToolCall,
		domain.EventTypeToolResult,
		domain.EventTypeAssistantDelta,
		domain.EventTypeAssistantMessage,
		domain.EventTypeRunFinished,
	}, types(drafts))
	assert.Equal(t, 1, tool.calls)

	assert.Equal(t, domain.ToolCallPayload("c1", "echo", `{"x":1}`), drafts[2].Payload)
	result := drafts[3].Payload
	assert.Equal(t, "c1", result["id"])
	assert.Equal(t, true, result["ok"])
	assert.Equal(t, "Let me check. Done.", drafts[5].Payload["content"])
	assert.Equal(t, true, drafts[6].Payload["ok"])

	// The second turn sees the assistant tool call and the tool result.
	second := p.Requests()[1].Messages
	last := second[len(second)-1]
	assert.Equal(t, domain.RoleTool, last.Role)
	assert.Equal(t, "c1", last.ToolCallID)
	assert.True(t, strings.Contains(last.Content, `"ok":true`))
	assert.Equal(t, "echo", second[len(second)-2].ToolCalls[0].Name)
}

func TestRunUnknownTool(t *testing.T) {
	p := provider.NewScripted([]provider.Step{provider.ToolCallStep("c1", "rm_rf", `{}`)})
	o := New(p, newRegistry(t, nil), Config{})

	drafts := collect(t, o.Run(context.Background(), input(), nil))
	assert.Equal(t, []domain.EventType{
		domain.EventTypeRunStarted,
		domain.EventTypeError,
		domain.EventTypeAssistantMessage,
		domain.EventTypeRunFinished,
	}, types(drafts))
	assert.Equal(t, "unknown_tool", drafts[1].Payload["message"])
	assert.Equal(t, false, drafts[3].Payload["ok"])
}

func TestRunMaxTurns(t *testing.T) {
	tool := &echoTool{}
	p := provider.NewScripted(
		[]provider.Step{provider.ToolCallStep("c1", "echo", `{}`)},
		[]provider.Step{provider.ToolCallStep("c2", "echo", `{}`)},
	)
	o := New(p, newRegistry(t, tool), Config{MaxTurns: 2})

	drafts := collect(t, o.Run(context.Background(), input(), nil))
	require.GreaterOrEqual(t, len(drafts), 3)
	errEv := drafts[len(drafts)-3]
	assert.Equal(t, domain.EventTypeError, errEv.Type)
	assert.Equal(t, "max_turns_exceeded", errEv.Payload["message"])
	assert.Equal(t, 2, tool.calls)
}

func TestRunCanceledWhileStreaming(t *testing.T) {
	block := make(chan struct{})
	p := provider.NewScripted([]provider.Step{
		provider.Text("Hel"),
		{Chunk: provider.Chunk{Kind: provider.ChunkText, Text: "never"}, Block: block},
	})
	o := New(p, newRegistry(t, nil), Config{})

	ctx, cancel := context.WithCancelCause(context.Background())
	ch := o.Run(ctx, input(), nil)

	first := <-ch
	assert.Equal(t, domain.EventTypeRunStarted, first.Type)
	delta := <-ch
	assert.Equal(t, "Hel", delta.Payload["delta"])
	cancel(ErrRunCanceled)

	rest := collect(t, ch)
	assert.Equal(t, []domain.EventType{domain.EventTypeAssistantMessage, domain.EventTypeRunFinished}, types(rest))
	assert.Equal(t, "Hel", rest[0].Payload["content"])
	assert.Equal(t, false, rest[1].Payload["ok"])
	assert.Equal(t, true, rest[1].Payload["canceled"])
}

func TestRunCancelLetsToolFinish(t *testing.T) {
	tool := &echoTool{started: make(chan struct{}), release: make(chan struct{})}
	p := provider.NewScripted(
		[]provider.Step{provider.ToolCallStep("c1", "echo", `{}`)},
		[]provider.Step{provider.Text("unreached")},
	)
	o := New(p, newRegistry(t, tool), Config{})

	ctx, cancel := context.WithCancelCause(context.Background())
	ch := o.Run(ctx, input(), nil)
	var got []Draft
	go func() {
		<-tool.started
		cancel(ErrRunCanceled)
		close(tool.release)
	}()
	got = collect(t, ch)

	assert.Equal(t, []domain.EventType{
		domain.EventTypeRunStarted,
		domain.EventTypeToolCall,
		domain.EventTypeToolResult,
		domain.EventTypeAssistantMessage,
		domain.EventTypeRunFinished,
	}, types(got))
	assert.Equal(t, true, got[2].Payload["ok"])
	assert.Equal(t, true, got[4].Payload["canceled"])
	assert.Len(t, p.Requests(), 1)
}

func TestRunStopsWhenConsumerLeaves(t *testing.T) {
	p := provider.NewScripted([]provider.Step{provider.Text("a"), provider.Text("b")})
	o := New(p, newRegistry(t, nil), Config{})

	done := make(chan struct{})
	ch := o.Run(context.Background(), input(), done)
	<-ch
	close(done)
	// Nobody receives, so the pending send can only give way to done.
	time.Sleep(50 * time.Millisecond)

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("run kept going after the consumer left")
	}
}
