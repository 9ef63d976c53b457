// Package swr serves cached reads with stale-while-revalidate semantics.
//
// A fresh entry is returned without touching the network. A stale entry is
// returned immediately and refreshed in the background; subscribers hear
// about the refresh only when the content actually changed. A miss fetches
// in the foreground, sharing one request among all concurrent callers.
package swr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonwraymond/mealsync/cache"
	"github.com/jonwraymond/mealsync/diff"
	"github.com/jonwraymond/mealsync/events"
	"github.com/jonwraymond/mealsync/fetch"
	"github.com/jonwraymond/mealsync/inflight"
	"github.com/jonwraymond/mealsync/observe"
	"github.com/jonwraymond/mealsync/resilience"
)

// Errors returned by New.
var (
	ErrNilStore    = errors.New("swr: store is required")
	ErrNilRegistry = errors.New("swr: registry is required")
)

// Fetcher loads the current remote payload for a key.
type Fetcher func(ctx context.Context) ([]byte, error)

// RefreshRecorder observes background refresh outcomes.
type RefreshRecorder interface {
	RecordSuccess(key string)
	RecordFailure(key string, err error)
}

// Deps are the shared objects a Coordinator works with. They are owned by
// the composition root.
type Deps struct {
	Store    cache.Store
	Registry *inflight.Registry

	// Bus receives Updated events after changed background refreshes.
	// Nil disables events.
	Bus *events.Bus

	// Diff decides whether a refresh changed anything.
	// Default: diff.New()
	Diff *diff.Engine

	// Instrumentation records spans, metrics and logs.
	// Default: observe.NopInstrumentation()
	Instrumentation *observe.Instrumentation

	// Bulkhead caps concurrent background refreshes. A refresh that finds
	// the bulkhead full is skipped; the next stale read retries it.
	// Nil means unbounded.
	Bulkhead *resilience.Bulkhead

	// Tracker records background refresh outcomes. Nil disables tracking.
	Tracker RefreshRecorder

	// OnSessionExpired is called when a background refresh fails with
	// fetch.ErrSessionExpired, so an outer layer can re-authenticate.
	OnSessionExpired func(ctx context.Context, key string, err error)

	// Timeout bounds foreground fetches for callers whose context has no
	// deadline. Zero means no extra bound.
	Timeout time.Duration
}

// Coordinator implements the read path shared by every Resource.
//
// Contract:
//   - Concurrency: safe for concurrent use.
//   - Ordering: at most one network operation per key at a time.
//   - Errors: foreground errors are returned and nothing is cached;
//     background errors are logged and never evict the stale entry.
type Coordinator struct {
	deps   Deps
	logger observe.Logger
	wg     sync.WaitGroup
}

// New creates a Coordinator.
func New(deps Deps) (*Coordinator, error) {
	if deps.Store == nil {
		return nil, ErrNilStore
	}
	if deps.Registry == nil {
		return nil, ErrNilRegistry
	}
	if deps.Diff == nil {
		deps.Diff = diff.New()
	}
	if deps.Instrumentation == nil {
		deps.Instrumentation = observe.NopInstrumentation()
	}
	return &Coordinator{
		deps:   deps,
		logger: deps.Instrumentation.Logger().With(observe.Field{Key: "component", Value: "swr"}),
	}, nil
}

// Store returns the cache store.
func (c *Coordinator) Store() cache.Store { return c.deps.Store }

// Wait blocks until every background refresh started so far has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// decoder turns a raw payload into the value handed to subscribers. It
// also validates the payload; a payload that fails is never cached.
type decoder func(raw []byte) (any, error)

// rawResult is a lookup outcome before decoding.
type rawResult struct {
	value     []byte
	fromCache bool
	fresh     bool
	age       time.Duration
}

func (c *Coordinator) get(ctx context.Context, topic, key string, ttl time.Duration, fetcher Fetcher, dec decoder) (rawResult, error) {
	if err := cache.ValidateKey(key); err != nil {
		return rawResult{}, err
	}
	meta := observe.OpMeta{Op: observe.OpFetch, Entity: topic, Key: key}

	lookup, ok := c.deps.Store.Get(ctx, key)
	c.deps.Instrumentation.Metrics().RecordLookup(ctx, meta, ok, ok && lookup.Fresh)

	if ok {
		if !lookup.Fresh {
			c.revalidate(ctx, topic, key, ttl, fetcher, dec)
		}
		return rawResult{value: lookup.Value, fromCache: true, fresh: lookup.Fresh, age: lookup.Age}, nil
	}

	value, err := c.foreground(ctx, meta, ttl, fetcher, dec)
	if err != nil {
		return rawResult{}, err
	}
	return rawResult{value: value, fresh: true}, nil
}

func (c *Coordinator) foreground(ctx context.Context, meta observe.OpMeta, ttl time.Duration, fetcher Fetcher, dec decoder) ([]byte, error) {
	if _, has := ctx.Deadline(); !has && c.deps.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.deps.Timeout)
		defer cancel()
	}

	key := meta.Key
	value, _, err := c.deps.Registry.Do(ctx, key, func(opCtx context.Context) ([]byte, error) {
		var out []byte
		err := c.deps.Instrumentation.Run(opCtx, meta, func(opCtx context.Context) error {
			gen := c.deps.Store.Generation(key)
			raw, err := fetcher(opCtx)
			if err != nil {
				return err
			}
			if _, err := dec(raw); err != nil {
				return err
			}
			written, err := c.deps.Store.CompareAndSet(opCtx, key, gen, raw, ttl)
			if err != nil {
				return err
			}
			out = raw
			if !written {
				// A confirmed mutation landed while we were fetching.
				if cur, ok := c.deps.Store.Get(opCtx, key); ok {
					out = cur.Value
				}
			}
			return nil
		})
		return out, err
	})
	if err != nil {
		return nil, fetch.NormalizeTimeout(err)
	}
	return value, nil
}

// revalidate starts a background refresh for key unless one is already
// running. It never blocks on the network.
func (c *Coordinator) revalidate(ctx context.Context, topic, key string, ttl time.Duration, fetcher Fetcher, dec decoder) {
	if c.deps.Registry.Pending(key) {
		return
	}
	meta := observe.OpMeta{Op: observe.OpRefresh, Entity: topic, Key: key}
	if c.deps.Bulkhead != nil && !c.deps.Bulkhead.TryAcquire() {
		c.deps.Instrumentation.Metrics().RecordOutcome(ctx, meta, observe.OutcomeSkipped)
		c.logger.Debug(ctx, "background refresh skipped, bulkhead full", meta.Fields()...)
		return
	}

	// The refresh outlives the caller; keep its values, drop its cancellation.
	bg := context.WithoutCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if c.deps.Bulkhead != nil {
			defer c.deps.Bulkhead.Release()
		}

		_, _, err := c.deps.Registry.Do(bg, key, c.refreshOp(meta, ttl, fetcher, dec))
		c.settle(bg, meta, err)
	}()
}

func (c *Coordinator) refreshOp(meta observe.OpMeta, ttl time.Duration, fetcher Fetcher, dec decoder) inflight.Op {
	return func(opCtx context.Context) ([]byte, error) {
		var out []byte
		err := c.deps.Instrumentation.Run(opCtx, meta, func(opCtx context.Context) error {
			var err error
			out, err = c.refresh(opCtx, meta, ttl, fetcher, dec)
			return err
		})
		return out, err
	}
}

// refresh fetches, compares and commits one refresh of a cached key.
func (c *Coordinator) refresh(ctx context.Context, meta observe.OpMeta, ttl time.Duration, fetcher Fetcher, dec decoder) ([]byte, error) {
	key := meta.Key
	gen := c.deps.Store.Generation(key)

	raw, err := fetcher(ctx)
	if err != nil {
		return nil, err
	}
	data, err := dec(raw)
	if err != nil {
		return nil, err
	}

	metrics := c.deps.Instrumentation.Metrics()
	cur, ok := c.deps.Store.Get(ctx, key)
	if ok && cur.Generation == gen && !c.changed(cur, raw) {
		c.deps.Store.Touch(ctx, key, gen)
		metrics.RecordOutcome(ctx, meta, observe.OutcomeUnchanged)
		return raw, nil
	}

	written, err := c.deps.Store.CompareAndSet(ctx, key, gen, raw, ttl)
	if err != nil {
		return nil, err
	}
	if !written {
		metrics.RecordOutcome(ctx, meta, observe.OutcomeSuperseded)
		c.logger.Debug(ctx, "background refresh superseded", meta.Fields()...)
		return raw, nil
	}

	metrics.RecordOutcome(ctx, meta, observe.OutcomeChanged)
	if c.deps.Bus != nil {
		c.deps.Bus.Emit(ctx, events.Event{
			Topic:   meta.Entity,
			Type:    events.Updated,
			Key:     key,
			Payload: data,
		})
	}
	return raw, nil
}

func (c *Coordinator) changed(cur cache.Lookup, raw []byte) bool {
	if cur.Fingerprint != 0 && cur.Fingerprint == c.deps.Diff.Fingerprint(raw) {
		return false
	}
	return c.deps.Diff.Changed(cur.Value, raw)
}

// settle records the outcome of a background refresh.
func (c *Coordinator) settle(ctx context.Context, meta observe.OpMeta, err error) {
	if err == nil {
		if c.deps.Tracker != nil {
			c.deps.Tracker.RecordSuccess(meta.Key)
		}
		return
	}

	err = fetch.NormalizeTimeout(err)
	c.deps.Instrumentation.Metrics().RecordOutcome(ctx, meta, observe.OutcomeFailed)
	if c.deps.Tracker != nil {
		c.deps.Tracker.RecordFailure(meta.Key, err)
	}

	fields := append(meta.Fields(), observe.Field{Key: "error", Value: err.Error()})
	c.logger.Warn(ctx, "background refresh failed, keeping stale entry", fields...)

	if errors.Is(err, fetch.ErrSessionExpired) && c.deps.OnSessionExpired != nil {
		c.deps.OnSessionExpired(ctx, meta.Key, err)
	}
}

// prefetch warms key. A miss is loaded like a foreground read; a stale
// entry is refreshed synchronously with the same change detection as a
// background refresh.
func (c *Coordinator) prefetch(ctx context.Context, topic, key string, ttl time.Duration, fetcher Fetcher, dec decoder) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}

	lookup, ok := c.deps.Store.Get(ctx, key)
	switch {
	case ok && lookup.Fresh:
		return nil
	case ok:
		meta := observe.OpMeta{Op: observe.OpRefresh, Entity: topic, Key: key}
		_, _, err := c.deps.Registry.Do(ctx, key, c.refreshOp(meta, ttl, fetcher, dec))
		if err != nil {
			return fmt.Errorf("swr: prefetch %s: %w", key, fetch.NormalizeTimeout(err))
		}
		return nil
	}

	meta := observe.OpMeta{Op: observe.OpFetch, Entity: topic, Key: key}
	if _, err := c.foreground(ctx, meta, ttl, fetcher, dec); err != nil {
		return fmt.Errorf("swr: prefetch %s: %w", key, err)
	}
	return nil
}
