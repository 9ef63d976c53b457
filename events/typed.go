package events

import "context"

// Subscribe registers fn for events of typ on topic whose payload is a T.
// Events carrying another payload type are not delivered to fn.
func Subscribe[T any](b *Bus, topic string, typ Type, fn func(ctx context.Context, id string, payload T)) Unsubscribe {
	return b.On(topic, typ, func(ctx context.Context, ev Event) {
		payload, ok := ev.Payload.(T)
		if !ok {
			return
		}
		fn(ctx, ev.EntityID, payload)
	})
}

// OnCreated subscribes fn to Created events on topic.
func OnCreated[T any](b *Bus, topic string, fn func(ctx context.Context, id string, payload T)) Unsubscribe {
	return Subscribe(b, topic, Created, fn)
}

// OnUpdated subscribes fn to Updated events on topic.
func OnUpdated[T any](b *Bus, topic string, fn func(ctx context.Context, id string, payload T)) Unsubscribe {
	return Subscribe(b, topic, Updated, fn)
}

// OnDeleted subscribes fn to Deleted events on topic.
func OnDeleted[T any](b *Bus, topic string, fn func(ctx context.Context, id string, payload T)) Unsubscribe {
	return Subscribe(b, topic, Deleted, fn)
}

// Publish emits a typed event and returns the number of handlers invoked.
func Publish[T any](ctx context.Context, b *Bus, topic string, typ Type, id, key string, payload T) int {
	return b.Emit(ctx, Event{
		Topic:    topic,
		Type:     typ,
		EntityID: id,
		Key:      key,
		Payload:  payload,
	})
}
