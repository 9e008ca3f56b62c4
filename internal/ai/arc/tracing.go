package arc

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/floegence/redeven-orchestrator/internal/ai/arc"

func (e *Engine) startArcSpan(ctx context.Context, retryBudget int) (context.Context, trace.Span) {
	ctx, span := e.tracer.Start(ctx, "arc.run")
	span.SetAttributes(attribute.Int("arc.retry_budget", retryBudget))
	return ctx, span
}

func endArcSpan(span trace.Span, fin Finish, retrying bool) {
	result := string(fin.Kind)
	if retrying {
		result = "retry"
	}
	span.SetAttributes(attribute.String("arc.finish", result))
	if fin.Kind == FinishRequestError && !retrying {
		span.SetStatus(codes.Error, fin.Message)
	}
	span.End()
}

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
