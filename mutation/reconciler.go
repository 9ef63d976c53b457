// Package mutation applies user edits optimistically and reconciles them
// with the backend.
//
// A mutation patches the visible state at once, then calls the backend.
// Success replaces the state with the authoritative response, writes it to
// the cache, invalidates dependent keys and publishes an event. Failure
// restores the exact pre-image and returns the error. A conflict refetches
// the entity and shows the server's version instead of the stale base.
package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonwraymond/mealsync/cache"
	"github.com/jonwraymond/mealsync/events"
	"github.com/jonwraymond/mealsync/fetch"
	"github.com/jonwraymond/mealsync/invalidate"
	"github.com/jonwraymond/mealsync/observe"
)

// ErrInvalidIntent is returned for an intent missing required fields.
var ErrInvalidIntent = errors.New("mutation: invalid intent")

// Intent describes one user mutation.
type Intent[T any] struct {
	// EntityType is the event topic and rule name, e.g. "shopping-list".
	EntityType string

	// EntityID identifies the mutated entity; mutations with the same type
	// and ID never interleave.
	EntityID string

	// Patch derives the optimistic value. It receives a private copy and
	// may modify it in place.
	Patch func(T) T

	// Remote performs the write and returns the authoritative value.
	Remote func(ctx context.Context) (T, error)

	// Refetch loads the authoritative value after a conflict. Without it a
	// conflict rolls back like any other failure.
	Refetch func(ctx context.Context) (T, error)

	// Key is the cache key of the authoritative value. Empty skips the
	// cache write.
	Key string

	// TTL applies to the cache write. Zero uses the store default.
	TTL time.Duration

	// Invalidate lists dependent key patterns cleared on success and after
	// a conflict refetch. Rules registered for EntityType apply as well.
	Invalidate []cache.Pattern

	// Event is the event type published on success.
	Event events.Type
}

func (in Intent[T]) validate() error {
	switch {
	case in.EntityType == "":
		return fmt.Errorf("%w: entity type is required", ErrInvalidIntent)
	case in.Patch == nil:
		return fmt.Errorf("%w: patch is required", ErrInvalidIntent)
	case in.Remote == nil:
		return fmt.Errorf("%w: remote operation is required", ErrInvalidIntent)
	}
	return nil
}

// Config configures a Reconciler.
type Config struct {
	Store       cache.Store
	Bus         *events.Bus
	Invalidator *invalidate.Invalidator

	// Instrumentation records spans, metrics and logs.
	// Default: observe.NopInstrumentation()
	Instrumentation *observe.Instrumentation
}

// Reconciler holds the shared objects mutations commit into.
//
// Contract:
//   - Concurrency: safe for concurrent use. Optimistic patches apply at
//     once; remote calls on the same entity, or on the same State, run one
//     at a time, in the order their patches were applied to a State.
//   - Errors: failures restore the pre-image and are always returned.
type Reconciler struct {
	config Config
	logger observe.Logger

	mu    sync.Mutex
	locks map[string]*entityLock
}

type entityLock struct {
	mu   sync.Mutex
	refs int
}

// NewReconciler creates a Reconciler. Store, Bus and Invalidator are
// optional.
func NewReconciler(config Config) *Reconciler {
	if config.Instrumentation == nil {
		config.Instrumentation = observe.NopInstrumentation()
	}
	return &Reconciler{
		config: config,
		logger: config.Instrumentation.Logger().With(observe.Field{Key: "component", Value: "mutation"}),
		locks:  make(map[string]*entityLock),
	}
}

func (r *Reconciler) lock(key string) func() {
	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &entityLock{}
		r.locks[key] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, key)
		}
		r.mu.Unlock()
	}
}

// Mutate runs intent against state. On success it returns the
// authoritative value. On a conflict with a successful refetch it returns
// the refetched value together with the conflict error. On any other
// failure it returns the zero value and the error, with state restored.
func Mutate[T any](ctx context.Context, r *Reconciler, state *State[T], intent Intent[T]) (T, error) {
	var zero T
	if err := intent.validate(); err != nil {
		return zero, err
	}

	pending, err := state.apply(intent.Patch)
	if err != nil {
		return zero, fmt.Errorf("mutation: snapshot %s: %w", intent.EntityType, err)
	}

	// Remote calls settle in the order their patches were applied.
	if pending.prev != nil {
		<-pending.prev
	}
	unlock := r.lock(intent.EntityType + ":" + intent.EntityID)
	defer unlock()

	meta := observe.OpMeta{Op: observe.OpMutate, Entity: intent.EntityType, EntityID: intent.EntityID, Key: intent.Key}
	metrics := r.config.Instrumentation.Metrics()

	var result T
	err = r.config.Instrumentation.Run(ctx, meta, func(ctx context.Context) error {
		var err error
		result, err = intent.Remote(ctx)
		return err
	})
	if err == nil {
		state.confirm(pending, result)
		commit(ctx, r, intent, result)
		publish(ctx, r.config.Bus, intent, result)
		metrics.RecordOutcome(ctx, meta, observe.OutcomeCommitted)
		return result, nil
	}

	err = fetch.NormalizeTimeout(err)
	if errors.Is(err, fetch.ErrConflict) && intent.Refetch != nil {
		fresh, rerr := refetch(ctx, r, meta, intent)
		if rerr == nil {
			state.confirm(pending, fresh)
			commit(ctx, r, intent, fresh)
			metrics.RecordOutcome(ctx, meta, observe.OutcomeReconciled)
			r.logger.Info(ctx, "mutation conflict reconciled with server state", meta.Fields()...)
			return fresh, err
		}
		err = errors.Join(err, rerr)
	}

	state.rollback(pending)
	metrics.RecordOutcome(ctx, meta, observe.OutcomeRolledBack)
	fields := append(meta.Fields(), observe.Field{Key: "error", Value: err.Error()})
	r.logger.Warn(ctx, "mutation rolled back", fields...)
	return zero, err
}

func refetch[T any](ctx context.Context, r *Reconciler, meta observe.OpMeta, intent Intent[T]) (T, error) {
	meta.Op = observe.OpRefetch
	var fresh T
	err := r.config.Instrumentation.Run(ctx, meta, func(ctx context.Context) error {
		var err error
		fresh, err = intent.Refetch(ctx)
		return err
	})
	return fresh, fetch.NormalizeTimeout(err)
}

// commit invalidates dependent keys and then writes the authoritative value,
// so the entity's own key survives a prefix that also covers it.
func commit[T any](ctx context.Context, r *Reconciler, intent Intent[T], value T) {
	if r.config.Invalidator != nil {
		r.config.Invalidator.Invalidate(ctx, intent.Invalidate...)
		if _, err := r.config.Invalidator.InvalidateEntity(ctx, intent.EntityType, intent.EntityID); err != nil &&
			!errors.Is(err, invalidate.ErrUnknownEntity) {
			r.logger.Warn(ctx, "invalidation rule failed",
				observe.Field{Key: "sync.entity", Value: intent.EntityType},
				observe.Field{Key: "error", Value: err.Error()},
			)
		}
	} else if r.config.Store != nil {
		for _, p := range intent.Invalidate {
			r.config.Store.ClearByPattern(ctx, p)
		}
	}

	if intent.Key == "" || r.config.Store == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err == nil {
		err = r.config.Store.Set(ctx, intent.Key, raw, intent.TTL)
	}
	if err != nil {
		r.logger.Warn(ctx, "authoritative cache write failed",
			observe.Field{Key: "cache.key", Value: intent.Key},
			observe.Field{Key: "error", Value: err.Error()},
		)
	}
}

func publish[T any](ctx context.Context, bus *events.Bus, intent Intent[T], value T) {
	if bus == nil {
		return
	}
	events.Publish(ctx, bus, intent.EntityType, intent.Event, intent.EntityID, intent.Key, value)
}

// clone returns a deep copy of v through its JSON encoding.
func clone[T any](v T) (T, error) {
	var out T
	raw, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}
