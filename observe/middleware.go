package observe

import (
	"context"
	"time"
)

// Instrumentation wraps network operations with tracing, metrics, and logging.
//
// Contract:
//   - Concurrency: Run is safe for concurrent use.
//   - Context: the span context is passed to the wrapped function.
//   - Errors: errors from the wrapped function are recorded and returned unchanged.
type Instrumentation struct {
	tracer  Tracer
	metrics Metrics
	logger  Logger
}

// NewInstrumentation creates an Instrumentation. Nil components are replaced
// with no-ops.
func NewInstrumentation(tracer Tracer, metrics Metrics, logger Logger) *Instrumentation {
	if tracer == nil {
		tracer = NopTracer()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	if logger == nil {
		logger = NopLogger()
	}
	return &Instrumentation{
		tracer:  tracer,
		metrics: metrics,
		logger:  logger,
	}
}

// NopInstrumentation returns an Instrumentation that records nothing.
func NopInstrumentation() *Instrumentation {
	return NewInstrumentation(nil, nil, nil)
}

// InstrumentationFromObserver creates an Instrumentation from an Observer.
func InstrumentationFromObserver(obs Observer) (*Instrumentation, error) {
	metrics, err := NewMetrics(obs.Meter())
	if err != nil {
		return nil, err
	}
	return NewInstrumentation(NewTracer(obs.Tracer()), metrics, obs.Logger()), nil
}

// Logger returns the instrumentation logger.
func (in *Instrumentation) Logger() Logger { return in.logger }

// Metrics returns the instrumentation metrics recorder.
func (in *Instrumentation) Metrics() Metrics { return in.metrics }

// Tracer returns the instrumentation tracer.
func (in *Instrumentation) Tracer() Tracer { return in.tracer }

// Run executes fn inside a span and records its duration and outcome.
func (in *Instrumentation) Run(ctx context.Context, meta OpMeta, fn func(ctx context.Context) error) error {
	ctx, span := in.tracer.StartSpan(ctx, meta)
	start := time.Now()

	err := fn(ctx)

	duration := time.Since(start)
	in.tracer.EndSpan(span, err)
	in.metrics.RecordFetch(ctx, meta, duration, err)

	fields := append(meta.Fields(), Field{Key: "duration_ms", Value: float64(duration.Milliseconds())})
	if err != nil {
		fields = append(fields, Field{Key: "error", Value: err.Error()})
		in.logger.Debug(ctx, "sync operation failed", fields...)
	} else {
		in.logger.Debug(ctx, "sync operation completed", fields...)
	}

	return err
}
