// Package telemetry wraps OpenTelemetry tracing for scheduling and verification.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer starts spans through whatever TracerProvider is installed globally.
// Without one, otel hands out no-op spans.
type Tracer struct {
	tracer trace.Tracer
}

func NewTracer(name string) *Tracer {
	if name == "" {
		name = "conductor"
	}
	return &Tracer{tracer: otel.Tracer(name)}
}

// Noop returns a tracer that records nothing.
func Noop() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return Noop().StartSpan(ctx, name, opts...)
	}
	return t.tracer.Start(ctx, name, opts...)
}

// StartDistributeSpan covers one scheduling decision for a task.
func (t *Tracer) StartDistributeSpan(ctx context.Context, taskID, strategy string) (context.Context, trace.Span) {
	ctx, span := t.StartSpan(ctx, "scheduler.distribute", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("task.id", taskID),
		attribute.String("scheduler.strategy", strategy),
	)
	return ctx, span
}

// StartVerifySpan covers a verification run; checks run as child spans.
func (t *Tracer) StartVerifySpan(ctx context.Context, taskID string, checks []string) (context.Context, trace.Span) {
	ctx, span := t.StartSpan(ctx, "verification.verify", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("task.id", taskID),
		attribute.StringSlice("verification.checks", checks),
	)
	return ctx, span
}

func (t *Tracer) StartCheckSpan(ctx context.Context, check string) (context.Context, trace.Span) {
	ctx, span := t.StartSpan(ctx, "verification.check."+check, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("verification.check", check))
	return ctx, span
}

// End records err (if any) on span and ends it.
func End(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
