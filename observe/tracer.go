package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Operation names used in OpMeta.Op.
const (
	OpFetch      = "fetch"
	OpRefresh    = "refresh"
	OpMutate     = "mutate"
	OpRefetch    = "refetch"
	OpInvalidate = "invalidate"
)

// OpMeta describes a synchronization operation for telemetry purposes.
type OpMeta struct {
	Op       string // fetch|refresh|mutate|refetch|invalidate
	Entity   string // Entity type, e.g. "shopping-list" (optional)
	EntityID string // Entity identifier (optional)
	Key      string // Cache key (optional)
}

// SpanName returns the deterministic span name for this operation.
// Format: sync.<op>.<entity> or sync.<op>
func (m OpMeta) SpanName() string {
	if m.Entity != "" {
		return "sync." + m.Op + "." + m.Entity
	}
	return "sync." + m.Op
}

// Attributes returns the OpenTelemetry attributes for this operation.
func (m OpMeta) Attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("sync.op", m.Op)}
	if m.Entity != "" {
		attrs = append(attrs, attribute.String("sync.entity", m.Entity))
	}
	if m.EntityID != "" {
		attrs = append(attrs, attribute.String("sync.entity_id", m.EntityID))
	}
	if m.Key != "" {
		attrs = append(attrs, attribute.String("cache.key", m.Key))
	}
	return attrs
}

// Fields returns the log fields for this operation.
func (m OpMeta) Fields() []Field {
	fields := []Field{{Key: "sync.op", Value: m.Op}}
	if m.Entity != "" {
		fields = append(fields, Field{Key: "sync.entity", Value: m.Entity})
	}
	if m.EntityID != "" {
		fields = append(fields, Field{Key: "sync.entity_id", Value: m.EntityID})
	}
	if m.Key != "" {
		fields = append(fields, Field{Key: "cache.key", Value: m.Key})
	}
	return fields
}

// Tracer wraps OpenTelemetry tracing with per-operation span management.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: EndSpan must be best-effort and must not panic.
type Tracer interface {
	// StartSpan starts a new span for a synchronization operation.
	StartSpan(ctx context.Context, meta OpMeta) (context.Context, trace.Span)

	// EndSpan ends the span, recording any error.
	EndSpan(span trace.Span, err error)
}

type tracerImpl struct {
	tracer trace.Tracer
}

// NewTracer creates a Tracer wrapping the given OpenTelemetry tracer.
func NewTracer(t trace.Tracer) Tracer {
	return &tracerImpl{tracer: t}
}

// StartSpan starts a new span with operation metadata as attributes.
func (t *tracerImpl) StartSpan(ctx context.Context, meta OpMeta) (context.Context, trace.Span) {
	attrs := append(meta.Attributes(), attribute.Bool("sync.error", false))
	return t.tracer.Start(ctx, meta.SpanName(),
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpan ends the span and records the error status if present.
func (t *tracerImpl) EndSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.Bool("sync.error", true))
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// NopTracer returns a tracer that records nothing.
func NopTracer() Tracer {
	return &tracerImpl{tracer: tracenoop.NewTracerProvider().Tracer("noop")}
}
