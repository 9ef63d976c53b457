package swr

import (
	"context"
	"time"

	"github.com/jonwraymond/mealsync/fetch"
)

// Result is the outcome of a Resource read.
type Result[T any] struct {
	// Data is a private copy; mutating it never affects the cache.
	Data T

	// FromCache is true when Data came from the store.
	FromCache bool

	// Updated is true when Data was fetched from the network by this call.
	Updated bool

	// Stale is true when Data is past its TTL and a refresh was scheduled.
	Stale bool

	// Age is how long ago Data was fetched.
	Age time.Duration
}

// Resource is a typed view over a Coordinator for one entity type. Updated
// events are published on Topic with a T payload.
type Resource[T any] struct {
	c      *Coordinator
	topic  string
	decode func(raw []byte) (T, error)
}

// NewResource creates a typed resource publishing on topic. Payloads are
// decoded and validated with fetch.Decode.
func NewResource[T any](c *Coordinator, topic string) *Resource[T] {
	return &Resource[T]{c: c, topic: topic, decode: fetch.Decode[T]}
}

// Topic returns the event topic of the resource.
func (r *Resource[T]) Topic() string { return r.topic }

// Get returns the value for key, fetching it when absent and revalidating
// it in the background when stale.
func (r *Resource[T]) Get(ctx context.Context, key string, ttl time.Duration, fetcher Fetcher) (Result[T], error) {
	raw, err := r.c.get(ctx, r.topic, key, ttl, fetcher, r.boxed)
	if err != nil {
		return Result[T]{}, err
	}
	data, err := r.decode(raw.value)
	if err != nil {
		return Result[T]{}, err
	}
	return Result[T]{
		Data:      data,
		FromCache: raw.fromCache,
		Updated:   !raw.fromCache,
		Stale:     !raw.fresh,
		Age:       raw.age,
	}, nil
}

// Prefetch loads key unless it is already fresh.
func (r *Resource[T]) Prefetch(ctx context.Context, key string, ttl time.Duration, fetcher Fetcher) error {
	return r.c.prefetch(ctx, r.topic, key, ttl, fetcher, r.boxed)
}

func (r *Resource[T]) boxed(raw []byte) (any, error) {
	v, err := r.decode(raw)
	if err != nil {
		return nil, err
	}
	return v, nil
}
