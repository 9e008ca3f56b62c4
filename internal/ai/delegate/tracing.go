package delegate

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/floegence/redeven-orchestrator/internal/ai/delegate"

func (s *Service) startRunSpan(ctx context.Context, toolCallID string, count int) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, "delegate.run")
	span.SetAttributes(
		attribute.String("delegate.tool_call_id", toolCallID),
		attribute.Int("delegate.task_count", count),
	)
	return ctx, span
}

func (s *Service) startTaskSpan(ctx context.Context, taskID string, subagent string) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, "delegate.task")
	span.SetAttributes(
		attribute.String("task.id", taskID),
		attribute.String("task.subagent", subagent),
	)
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
