package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"goa.design/clue/log"

	"github.com/xiaot623/gogo/agentrun/internal/domain"
	"github.com/xiaot623/gogo/agentrun/internal/telemetry"
)

// Gate decides whether a tool call may run. decision is "allow" or "block".
type Gate interface {
	Evaluate(ctx context.Context, input any) (decision, reason string, err error)
}

type entry struct {
	tool   Tool
	def    domain.ToolDefinition
	schema *jsonschema.Schema
}

// Registry stores tools keyed by name.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*entry
	order   []string
	gate    Gate
	timeout time.Duration
	metrics *telemetry.Metrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithGate checks every invocation against g before it runs.
func WithGate(g Gate) Option {
	return func(r *Registry) { r.gate = g }
}

// WithTimeout bounds each invocation.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// WithMetrics records invocations on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates an empty tool registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{tools: make(map[string]*entry)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds a tool. Its input schema is compiled once here.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return fmt.Errorf("tool is required")
	}
	def := t.Definition()
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	schema, err := compileSchema(def.JSONSchema)
	if err != nil {
		return fmt.Errorf("tool %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}
	r.tools[def.Name] = &entry{tool: t, def: def, schema: schema}
	r.order = append(r.order, def.Name)
	return nil
}

// MustRegister adds a tool or panics.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Has reports whether a tool named name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Definitions lists the registered tools in registration order.
func (r *Registry) Definitions() []domain.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]domain.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].def)
	}
	return defs
}

// Invoke runs the named tool and always returns a result in the
// {ok:true, ...} or {ok:false, error, message} shape.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage, inv Invocation) map[string]any {
	start := time.Now()
	result := r.invoke(ctx, name, args, inv)
	ok := IsSuccess(result)
	r.metrics.ToolInvoked(ctx, name, ok, time.Since(start))
	if !ok {
		log.Warn(ctx, log.KV{K: "msg", V: "tool call failed"}, log.KV{K: "tool", V: name},
			log.KV{K: "run_id", V: inv.RunID}, log.KV{K: "error", V: result["error"]},
			log.KV{K: "message", V: result["message"]})
	}
	return result
}

func (r *Registry) invoke(ctx context.Context, name string, args json.RawMessage, inv Invocation) map[string]any {
	r.mu.RLock()
	e := r.tools[name]
	r.mu.RUnlock()
	if e == nil {
		return Failure(CodeUnknownTool, fmt.Sprintf("no tool registered for %s", name))
	}
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}

	if e.schema != nil {
		instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
		if err != nil {
			return Failure(CodeInvalidArguments, fmt.Sprintf("arguments are not valid JSON: %v", err))
		}
		if err := e.schema.Validate(instance); err != nil {
			return Failure(CodeInvalidArguments, err.Error())
		}
	}

	if r.gate != nil {
		var argsDoc any
		if err := json.Unmarshal(args, &argsDoc); err != nil {
			return Failure(CodeInvalidArguments, fmt.Sprintf("arguments are not valid JSON: %v", err))
		}
		decision, reason, err := r.gate.Evaluate(ctx, map[string]any{
			"tool_name":  name,
			"project_id": inv.ProjectID,
			"run_id":     inv.RunID,
			"user_id":    inv.UserID,
			"args":       argsDoc,
		})
		if err != nil {
			log.Errorf(ctx, err, "policy evaluation failed for tool %s", name)
			return Failure(CodeBlocked, "policy evaluation failed")
		}
		if decision != "allow" {
			if reason == "" {
				reason = fmt.Sprintf("policy decision %q", decision)
			}
			return Failure(CodeBlocked, reason)
		}
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	fields, err := e.tool.Invoke(ctx, args, inv)
	if err != nil {
		var coded interface{ ErrorCode() string }
		switch {
		case errors.As(err, &coded):
			msg := err.Error()
			var te *Error
			if errors.As(err, &te) {
				msg = te.Message
			}
			return Failure(coded.ErrorCode(), msg)
		case errors.Is(err, context.DeadlineExceeded):
			return Failure(CodeTimeout, fmt.Sprintf("tool %s timed out", name))
		default:
			return Failure(CodeFailed, err.Error())
		}
	}
	return Success(fields)
}

func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var schemaDoc any
	if err := json.Unmarshal(raw, &schemaDoc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
