package coordinator

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/germanamz/toolrelay/pkg/coordinator"

// telemetry records turns and invocations against the global OTel
// providers. Without a configured provider every call is a no-op.
type telemetry struct {
	tracer   trace.Tracer
	records  metric.Int64Counter
	duration metric.Float64Histogram
}

func newTelemetry(log *slog.Logger) telemetry {
	meter := otel.Meter(instrumentationName)
	fallback := noop.NewMeterProvider().Meter(instrumentationName)

	records, err := meter.Int64Counter("toolrelay.invocations",
		metric.WithDescription("Invocation records by final status."),
	)
	if err != nil {
		log.Warn("coordinator: invocation counter unavailable", "error", err)
		records, _ = fallback.Int64Counter("toolrelay.invocations")
	}

	duration, err := meter.Float64Histogram("toolrelay.invocation.duration",
		metric.WithDescription("Time from dispatch to a terminal status."),
		metric.WithUnit("s"),
	)
	if err != nil {
		log.Warn("coordinator: duration histogram unavailable", "error", err)
		duration, _ = fallback.Float64Histogram("toolrelay.invocation.duration")
	}

	return telemetry{
		tracer:   otel.Tracer(instrumentationName),
		records:  records,
		duration: duration,
	}
}

func (t telemetry) startTurn(ctx context.Context, turnID string, candidates int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "coordinator.turn",
		trace.WithAttributes(
			attribute.String("toolrelay.turn_id", turnID),
			attribute.Int("toolrelay.candidates", candidates),
		),
	)
}

func (t telemetry) endTurn(span trace.Span, b Batch) {
	span.SetAttributes(
		attribute.Int("toolrelay.succeeded", b.Count(Succeeded)),
		attribute.Int("toolrelay.failed", b.Count(Failed)),
		attribute.Int("toolrelay.skipped", b.Count(Skipped)),
		attribute.Int("toolrelay.syntax_errors", len(b.SyntaxErrors)),
	)
	if b.Count(Failed) > 0 {
		span.SetStatus(codes.Error, "some invocations failed")
	}
}

func (t telemetry) startCall(ctx context.Context, p plan) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "coordinator.invoke",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("toolrelay.tool", p.desc.Name),
			attribute.String("toolrelay.service", p.desc.ServiceID),
			attribute.Int("toolrelay.index", p.index),
		),
	)
}

func (t telemetry) endCall(_ context.Context, span trace.Span, r Record) {
	defer span.End()

	span.SetAttributes(attribute.String("toolrelay.status", string(r.Status)))
	if r.Error != nil {
		span.SetAttributes(attribute.String("toolrelay.error_kind", string(r.Error.Kind)))
		span.RecordError(r.Error)
		span.SetStatus(codes.Error, r.Error.Message)
	}
}

func (t telemetry) countRecord(ctx context.Context, r Record) {
	attrs := []attribute.KeyValue{
		attribute.String("status", string(r.Status)),
		attribute.String("service", r.ServiceID),
	}
	if r.Error != nil {
		attrs = append(attrs, attribute.String("kind", string(r.Error.Kind)))
	}

	t.records.Add(ctx, 1, metric.WithAttributes(attrs...))
	if r.Status != Skipped {
		t.duration.Record(ctx, r.Duration().Seconds(), metric.WithAttributes(attrs...))
	}
}
