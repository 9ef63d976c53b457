// Package events distributes created/updated/deleted notifications to
// independent UI consumers.
//
// Delivery is synchronous, in subscription order, to exactly the handlers
// registered when Emit is called. There is no queue, persistence, or retry.
package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jonwraymond/mealsync/observe"
)

// Type is the kind of change an event describes.
type Type int

const (
	// Created indicates a new entity.
	Created Type = iota
	// Updated indicates a changed entity or collection.
	Updated
	// Deleted indicates a removed entity.
	Deleted
)

// String returns the string representation of the type.
func (t Type) String() string {
	switch t {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Event is a single notification.
type Event struct {
	// Topic is the entity type, e.g. "shopping-list".
	Topic string

	// Type is the kind of change.
	Type Type

	// EntityID identifies the entity, empty for collection-level events.
	EntityID string

	// Key is the cache key the payload belongs to, if any.
	Key string

	// Payload is the fresh data.
	Payload any
}

// Handler receives events.
type Handler func(ctx context.Context, ev Event)

// Unsubscribe removes a subscription. It is safe to call more than once.
type Unsubscribe func()

type subscription struct {
	id      uint64
	topic   string
	typ     Type
	handler Handler
	active  atomic.Bool
}

// Bus is a typed publish/subscribe hub.
//
// Contract:
// - Concurrency: safe for concurrent use; handlers may subscribe or
//   unsubscribe from inside a delivery.
// - Ordering: handlers run synchronously in subscription order.
// - Errors: a panicking handler is recovered and logged; delivery continues.
type Bus struct {
	mu     sync.Mutex
	subs   []*subscription // copy-on-write; never mutated in place
	nextID uint64
	logger observe.Logger
}

// NewBus creates an empty bus.
func NewBus(logger observe.Logger) *Bus {
	if logger == nil {
		logger = observe.NopLogger()
	}
	return &Bus{logger: logger.With(observe.Field{Key: "component", Value: "events"})}
}

// On registers handler for events of typ on topic.
func (b *Bus) On(topic string, typ Type, handler Handler) Unsubscribe {
	b.mu.Lock()
	b.nextID++
	sub := &subscription{id: b.nextID, topic: topic, typ: typ, handler: handler}
	sub.active.Store(true)

	next := make([]*subscription, len(b.subs), len(b.subs)+1)
	copy(next, b.subs)
	b.subs = append(next, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub) })
	}
}

func (b *Bus) remove(sub *subscription) {
	sub.active.Store(false)

	b.mu.Lock()
	defer b.mu.Unlock()

	next := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s != sub {
			next = append(next, s)
		}
	}
	b.subs = next
}

// Emit delivers ev to every live handler subscribed to its topic and type
// at call time. It returns the number of handlers invoked.
func (b *Bus) Emit(ctx context.Context, ev Event) int {
	b.mu.Lock()
	snapshot := b.subs
	b.mu.Unlock()

	delivered := 0
	for _, sub := range snapshot {
		if sub.topic != ev.Topic || sub.typ != ev.Type {
			continue
		}
		// A handler unsubscribed earlier in this dispatch is skipped.
		if !sub.active.Load() {
			continue
		}
		b.deliver(ctx, sub, ev)
		delivered++
	}
	return delivered
}

func (b *Bus) deliver(ctx context.Context, sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error(ctx, "event handler panicked",
				observe.Field{Key: "event.topic", Value: ev.Topic},
				observe.Field{Key: "event.type", Value: ev.Type.String()},
				observe.Field{Key: "subscription", Value: sub.id},
				observe.Field{Key: "panic", Value: fmt.Sprint(r)},
			)
		}
	}()
	sub.handler(ctx, ev)
}

// Count returns the number of live subscriptions for topic and typ.
func (b *Bus) Count(topic string, typ Type) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, s := range b.subs {
		if s.topic == topic && s.typ == typ {
			n++
		}
	}
	return n
}
