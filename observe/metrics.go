package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Outcome labels recorded with refresh and mutation counters.
const (
	OutcomeChanged    = "changed"
	OutcomeUnchanged  = "unchanged"
	OutcomeSuperseded = "superseded"
	OutcomeFailed     = "failed"
	OutcomeSkipped    = "skipped"
	OutcomeCommitted  = "committed"
	OutcomeRolledBack = "rolled_back"
	OutcomeReconciled = "reconciled"
)

// Metrics records synchronization metrics.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: must return quickly.
// - Errors: implementations must not panic.
type Metrics interface {
	// RecordFetch records a network operation with duration and error status.
	RecordFetch(ctx context.Context, meta OpMeta, duration time.Duration, err error)

	// RecordLookup records a cache lookup as hit (fresh or stale) or miss.
	RecordLookup(ctx context.Context, meta OpMeta, hit, fresh bool)

	// RecordOutcome records the outcome of a refresh or mutation.
	RecordOutcome(ctx context.Context, meta OpMeta, outcome string)

	// RecordInvalidation records how many keys a pattern removed.
	RecordInvalidation(ctx context.Context, pattern string, removed int)
}

type metricsImpl struct {
	fetchTotal   metric.Int64Counter
	fetchErrors  metric.Int64Counter
	fetchLatency metric.Float64Histogram
	hits         metric.Int64Counter
	misses       metric.Int64Counter
	outcomes     metric.Int64Counter
	invalidated  metric.Int64Counter
}

// NewMetrics creates a Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	m := &metricsImpl{}
	var err error

	if m.fetchTotal, err = meter.Int64Counter("sync.fetch.total",
		metric.WithDescription("Total number of network operations"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, err
	}
	if m.fetchErrors, err = meter.Int64Counter("sync.fetch.errors",
		metric.WithDescription("Total number of failed network operations"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, err
	}
	if m.fetchLatency, err = meter.Float64Histogram("sync.fetch.duration_ms",
		metric.WithDescription("Network operation duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.hits, err = meter.Int64Counter("sync.cache.hits",
		metric.WithDescription("Cache lookups served from the store"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}
	if m.misses, err = meter.Int64Counter("sync.cache.misses",
		metric.WithDescription("Cache lookups that required a foreground fetch"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}
	if m.outcomes, err = meter.Int64Counter("sync.outcome.total",
		metric.WithDescription("Refresh and mutation outcomes"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, err
	}
	if m.invalidated, err = meter.Int64Counter("sync.invalidate.keys",
		metric.WithDescription("Cache keys removed by invalidation"),
		metric.WithUnit("{key}"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *metricsImpl) RecordFetch(ctx context.Context, meta OpMeta, duration time.Duration, err error) {
	opt := metric.WithAttributes(opAttrs(meta)...)

	m.fetchTotal.Add(ctx, 1, opt)
	if err != nil {
		m.fetchErrors.Add(ctx, 1, opt)
	}
	m.fetchLatency.Record(ctx, float64(duration.Milliseconds()), opt)
}

func (m *metricsImpl) RecordLookup(ctx context.Context, meta OpMeta, hit, fresh bool) {
	if !hit {
		m.misses.Add(ctx, 1, metric.WithAttributes(opAttrs(meta)...))
		return
	}
	attrs := append(opAttrs(meta), attribute.Bool("cache.fresh", fresh))
	m.hits.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *metricsImpl) RecordOutcome(ctx context.Context, meta OpMeta, outcome string) {
	attrs := append(opAttrs(meta), attribute.String("sync.outcome", outcome))
	m.outcomes.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *metricsImpl) RecordInvalidation(ctx context.Context, pattern string, removed int) {
	m.invalidated.Add(ctx, int64(removed), metric.WithAttributes(attribute.String("cache.pattern", pattern)))
}

// opAttrs keeps metric cardinality bounded: keys and entity IDs stay out.
func opAttrs(meta OpMeta) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("sync.op", meta.Op)}
	if meta.Entity != "" {
		attrs = append(attrs, attribute.String("sync.entity", meta.Entity))
	}
	return attrs
}

// NopMetrics returns a Metrics implementation that does nothing.
func NopMetrics() Metrics {
	return noopMetrics{}
}

type noopMetrics struct{}

func (noopMetrics) RecordFetch(context.Context, OpMeta, time.Duration, error) {}
func (noopMetrics) RecordLookup(context.Context, OpMeta, bool, bool)          {}
func (noopMetrics) RecordOutcome(context.Context, OpMeta, string)             {}
func (noopMetrics) RecordInvalidation(context.Context, string, int)           {}
