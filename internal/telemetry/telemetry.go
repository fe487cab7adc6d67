// Package telemetry holds the OpenTelemetry instruments of the run engine.
// Instruments come from the global providers; with none configured they are
// no-ops.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/xiaot623/gogo/agentrun"

// Metrics records run engine metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	eventsAppended    metric.Int64Counter
	runsFinished      metric.Int64Counter
	runDuration       metric.Float64Histogram
	broadcastFailures metric.Int64Counter
	subscriberDrops   metric.Int64Counter
	toolInvocations   metric.Int64Counter
	toolDuration      metric.Float64Histogram
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)
	var m Metrics
	var err error
	if m.eventsAppended, err = meter.Int64Counter("agentrun.events.appended",
		metric.WithDescription("Run events persisted, by type")); err != nil {
		return nil, err
	}
	if m.runsFinished, err = meter.Int64Counter("agentrun.runs.finished",
		metric.WithDescription("Runs reaching a terminal status, by status")); err != nil {
		return nil, err
	}
	if m.runDuration, err = meter.Float64Histogram("agentrun.runs.duration",
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.broadcastFailures, err = meter.Int64Counter("agentrun.broadcast.failures"); err != nil {
		return nil, err
	}
	if m.subscriberDrops, err = meter.Int64Counter("agentrun.broadcast.subscriber_drops"); err != nil {
		return nil, err
	}
	if m.toolInvocations, err = meter.Int64Counter("agentrun.tools.invocations",
		metric.WithDescription("Tool invocations, by tool and outcome")); err != nil {
		return nil, err
	}
	if m.toolDuration, err = meter.Float64Histogram("agentrun.tools.duration",
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) EventAppended(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.eventsAppended.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

func (m *Metrics) RunFinished(ctx context.Context, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.runsFinished.Add(ctx, 1, attrs)
	if d > 0 {
		m.runDuration.Record(ctx, d.Seconds(), attrs)
	}
}

func (m *Metrics) BroadcastFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.broadcastFailures.Add(ctx, 1)
}

func (m *Metrics) SubscriberDropped(ctx context.Context, runID string) {
	if m == nil {
		return
	}
	m.subscriberDrops.Add(ctx, 1)
}

func (m *Metrics) ToolInvoked(ctx context.Context, tool string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", tool), attribute.Bool("ok", ok))
	m.toolInvocations.Add(ctx, 1, attrs)
	m.toolDuration.Record(ctx, d.Seconds(), attrs)
}

// Tracer returns the engine's tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartSpan starts a span with string attributes given as key/value pairs.
func StartSpan(ctx context.Context, name string, kv ...string) (context.Context, trace.Span) {
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, attribute.String(kv[i], kv[i+1]))
	}
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
