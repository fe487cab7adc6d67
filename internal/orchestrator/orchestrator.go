// Package orchestrator drives one run: it consumes a provider stream, invokes
// tools, and yields the run's events in order.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"goa.design/clue/log"

	"github.com/xiaot623/gogo/agentrun/internal/domain"
	"github.com/xiaot623/gogo/agentrun/internal/provider"
	"github.com/xiaot623/gogo/agentrun/internal/telemetry"
	"github.com/xiaot623/gogo/agentrun/internal/tools"
)

// ErrRunCanceled is the cancellation cause of a run canceled on request.
var ErrRunCanceled = errors.New("run canceled")

// Defaults applied to a zero Config.
const (
	DefaultMaxTurns    = 8
	DefaultTurnTimeout = 5 * time.Minute
)

// Draft is an event not yet assigned a sequence number.
type Draft struct {
	Type      domain.EventType
	Payload   map[string]any
	CreatedAt time.Time
}

// Tools is the part of the tool registry the orchestrator uses.
type Tools interface {
	Has(name string) bool
	Definitions() []domain.ToolDefinition
	Invoke(ctx context.Context, name string, args json.RawMessage, inv tools.Invocation) map[string]any
}

// Config bounds a run.
type Config struct {
	// MaxTurns is the number of provider round trips a run may take.
	MaxTurns int
	// TurnTimeout bounds each provider stream. Expiry is a provider error.
	TurnTimeout time.Duration
}

// Input is everything a run needs.
type Input struct {
	Run           domain.RunContext
	Agent         domain.AgentConfig
	Message       string
	PriorMessages []domain.Message
}

// Orchestrator runs agents against a provider and tool registry.
type Orchestrator struct {
	provider provider.Provider
	tools    Tools
	cfg      Config
}

// New creates an orchestrator.
func New(p provider.Provider, t Tools, cfg Config) *Orchestrator {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	return &Orchestrator{provider: p, tools: t, cfg: cfg}
}

// Run starts the run and returns its events. The channel is unbuffered, so
// the run advances only as fast as the consumer records events. It is
// closed after run_finished, or early once done is closed.
//
// Canceling ctx stops the run at its next wait on the provider; a tool call
// in flight completes first. The run then finishes with canceled set.
func (o *Orchestrator) Run(ctx context.Context, in Input, done <-chan struct{}) <-chan Draft {
	out := make(chan Draft)
	go func() {
		defer close(out)
		r := &runner{o: o, in: in, out: out, done: done}
		r.run(ctx)
	}()
	return out
}

type runner struct {
	o    *Orchestrator
	in   Input
	out  chan<- Draft
	done <-chan struct{}

	transcript strings.Builder
	usage      domain.Usage
}

// errAbandoned stops the loop once the consumer has gone away.
var errAbandoned = errors.New("event consumer gone")

func (r *runner) emit(typ domain.EventType, payload map[string]any) error {
	select {
	case r.out <- Draft{Type: typ, Payload: payload, CreatedAt: time.Now().UTC()}:
		return nil
	case <-r.done:
		return errAbandoned
	}
}

// outcome is how a turn ended.
type outcome int

const (
	turnDone outcome = iota
	turnToolCalls
	turnFailed
	turnCanceled
)

func (r *runner) run(ctx context.Context) {
	if err := r.loop(ctx); err != nil {
		log.Debugf(ctx, "run %s abandoned: %v", r.in.Run.RunID, err)
	}
}

func (r *runner) loop(ctx context.Context) error {
	if err := r.emit(domain.EventTypeRunStarted, domain.RunStartedPayload(r.in.Agent.Model)); err != nil {
		return err
	}

	messages := r.buildMessages()
	ok, canceled := true, false

turns:
	for turn := 0; ; turn++ {
		if ctx.Err() != nil {
			canceled = true
			break
		}
		if turn >= r.o.cfg.MaxTurns {
			if err := r.emit(domain.EventTypeError, domain.ErrorPayload(domain.ErrorMaxTurnsExceeded,
				map[string]any{"maxTurns": r.o.cfg.MaxTurns})); err != nil {
				return err
			}
			ok = false
			break
		}

		text, calls, res, err := r.turn(ctx, messages)
		if err != nil {
			return err
		}
		switch res {
		case turnFailed:
			ok = false
			break turns
		case turnCanceled:
			canceled = true
			break turns
		case turnDone:
			break turns
		}

		messages = append(messages, domain.Message{Role: domain.RoleAssistant, Content: text, ToolCalls: calls})
		for _, call := range calls {
			if !r.o.tools.Has(call.Name) {
				if err := r.emit(domain.EventTypeError, domain.ErrorPayload(domain.ErrorUnknownTool,
					map[string]any{"id": call.ID, "name": call.Name})); err != nil {
					return err
				}
				ok = false
				break turns
			}
			result, err := r.invoke(ctx, call)
			if err != nil {
				return err
			}
			content, _ := json.Marshal(result)
			messages = append(messages, domain.Message{Role: domain.RoleTool, Content: string(content), ToolCallID: call.ID})
		}
	}

	if err := r.emit(domain.EventTypeAssistantMessage, domain.AssistantMessagePayload(r.transcript.String())); err != nil {
		return err
	}
	return r.emit(domain.EventTypeRunFinished, domain.RunFinishedPayload(ok && !canceled, r.usage, canceled))
}

func (r *runner) buildMessages() []domain.Message {
	msgs := make([]domain.Message, 0, len(r.in.PriorMessages)+2)
	if r.in.Agent.SystemPrompt != "" {
		msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: r.in.Agent.SystemPrompt})
	}
	msgs = append(msgs, r.in.PriorMessages...)
	return append(msgs, domain.Message{Role: domain.RoleUser, Content: r.in.Message})
}

// turn streams one provider response. Tool calls are collected and returned
// for the caller to run once the stream has ended.
func (r *runner) turn(ctx context.Context, messages []domain.Message) (string, []domain.ToolCall, outcome, error) {
	turnCtx, cancel := context.WithTimeout(ctx, r.o.cfg.TurnTimeout)
	defer cancel()
	turnCtx, span := telemetry.StartSpan(turnCtx, "provider.turn", "run_id", r.in.Run.RunID, "model", r.in.Agent.Model)
	defer span.End()

	stream, err := r.o.provider.Stream(turnCtx, provider.Request{
		Model:    r.in.Agent.Model,
		Messages: messages,
		Tools:    r.o.tools.Definitions(),
	})
	if err != nil {
		res, err := r.streamFailed(ctx, turnCtx, err)
		return "", nil, res, err
	}
	defer stream.Close()

	var text strings.Builder
	var calls []domain.ToolCall
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res, err := r.streamFailed(ctx, turnCtx, err)
			return "", nil, res, err
		}
		if ctx.Err() != nil {
			return "", nil, turnCanceled, nil
		}

		switch chunk.Kind {
		case provider.ChunkText:
			if chunk.Text == "" {
				continue
			}
			text.WriteString(chunk.Text)
			r.transcript.WriteString(chunk.Text)
			if err := r.emit(domain.EventTypeAssistantDelta, domain.AssistantDeltaPayload(chunk.Text)); err != nil {
				return "", nil, turnFailed, err
			}
		case provider.ChunkUsage:
			r.usage.Add(chunk.Usage)
			if err := r.emit(domain.EventTypeUsage, domain.UsagePayload(chunk.Usage)); err != nil {
				return "", nil, turnFailed, err
			}
		case provider.ChunkToolCall:
			if chunk.ToolCall != nil {
				calls = append(calls, *chunk.ToolCall)
			}
		case provider.ChunkError:
			var perr error = chunk.Err
			if chunk.Err == nil {
				perr = &provider.Error{Message: "provider error"}
			}
			res, err := r.streamFailed(ctx, turnCtx, perr)
			return "", nil, res, err
		}
	}

	if ctx.Err() != nil {
		return "", nil, turnCanceled, nil
	}
	if len(calls) == 0 {
		return text.String(), nil, turnDone, nil
	}
	return text.String(), calls, turnToolCalls, nil
}

// streamFailed classifies a stream error. Cancellation of the run is not a
// provider error; a turn timeout is.
func (r *runner) streamFailed(ctx, turnCtx context.Context, err error) (outcome, error) {
	if ctx.Err() != nil {
		return turnCanceled, nil
	}
	msg, raw := err.Error(), any(nil)
	var perr *provider.Error
	if errors.As(err, &perr) {
		msg, raw = perr.Message, perr.Raw
	}
	if errors.Is(turnCtx.Err(), context.DeadlineExceeded) {
		msg = "provider stream timed out"
	}
	if err := r.emit(domain.EventTypeError, domain.ErrorPayload(msg, raw)); err != nil {
		return turnFailed, err
	}
	return turnFailed, nil
}

// invoke runs one tool call. The tool runs on a context detached from run
// cancellation so a side effect already under way completes.
func (r *runner) invoke(ctx context.Context, call domain.ToolCall) (map[string]any, error) {
	args := call.Arguments
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	if err := r.emit(domain.EventTypeToolCall, domain.ToolCallPayload(call.ID, call.Name, args)); err != nil {
		return nil, err
	}

	toolCtx, span := telemetry.StartSpan(context.WithoutCancel(ctx), "tool.invoke", "tool", call.Name, "run_id", r.in.Run.RunID)
	result := r.o.tools.Invoke(toolCtx, call.Name, json.RawMessage(args), tools.Invocation{
		ProjectID:  r.in.Run.ProjectID,
		RunID:      r.in.Run.RunID,
		UserID:     r.in.Run.UserID,
		ToolCallID: call.ID,
	})
	span.End()

	if err := r.emit(domain.EventTypeToolResult, domain.ToolResultPayload(call.ID, call.Name, result)); err != nil {
		return nil, err
	}
	return result, nil
}
