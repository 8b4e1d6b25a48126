package event

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"
)

// OTelPublisher implements Publisher by creating one OpenTelemetry span
// per event.
//
// Each event becomes a point-in-time span:
//   - Span name: the event Type (e.g., "agent_completed")
//   - Attributes: execution ID plus the event's populated fields
//   - Status: Error for agent_failed and budget_exceeded events
//
// Spans are ended immediately; the batch span processor handles export.
//
// Usage:
//
//	tracer := otel.Tracer("agentflow")
//	pub := event.NewOTelPublisher(tracer)
func NewOTelPublisher(tracer trace.Tracer) *OTelPublisher {
	return &OTelPublisher{tracer: tracer}
}

// OTelPublisher converts execution events into OpenTelemetry spans.
type OTelPublisher struct {
	tracer trace.Tracer
}

// Publish implements Publisher.
func (o *OTelPublisher) Publish(executionID uuid.UUID, ev Event) {
	_, span := o.tracer.Start(context.Background(), ev.Type)
	defer span.End()

	span.SetAttributes(
		attribute.String("agentflow.execution_id", executionID.String()),
		attribute.String("agentflow.event_type", ev.Type),
	)

	if ev.AgentID != "" {
		span.SetAttributes(attribute.String("agentflow.agent_id", ev.AgentID))
	}
	if ev.AgentName != "" {
		span.SetAttributes(attribute.String("agentflow.agent_name", ev.AgentName))
	}
	if ev.ParallelGroup != nil {
		span.SetAttributes(attribute.Int("agentflow.parallel_group", *ev.ParallelGroup))
	}
	if ev.Tokens != nil {
		span.SetAttributes(
			attribute.Int("agentflow.llm.tokens_prompt", ev.Tokens.Prompt),
			attribute.Int("agentflow.llm.tokens_completion", ev.Tokens.Completion),
		)
	}
	if ev.Cost != nil {
		span.SetAttributes(attribute.Float64("agentflow.llm.cost_usd", *ev.Cost))
	}
	if ev.LatencyMS != nil {
		span.SetAttributes(attribute.Int("agentflow.llm.latency_ms", *ev.LatencyMS))
	}
	if ev.RetryNumber != nil {
		span.SetAttributes(attribute.Int("agentflow.retry_number", *ev.RetryNumber))
	}
	if ev.Reason != "" {
		span.SetAttributes(attribute.String("agentflow.reason", ev.Reason))
	}
	if ev.Status != "" {
		span.SetAttributes(attribute.String("agentflow.status", ev.Status))
	}

	if ev.Error != "" {
		span.SetStatus(codes.Error, ev.Error)
		span.RecordError(errors.New(ev.Error))
	} else if ev.Type == TypeBudgetExceeded {
		span.SetStatus(codes.Error, "budget exceeded")
	}
}

// Flush forces export of buffered spans. Call before shutdown.
func (o *OTelPublisher) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}
