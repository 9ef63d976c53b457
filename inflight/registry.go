// Package inflight deduplicates concurrent operations per cache key.
//
// At most one operation runs per key at a time. Every caller that arrives
// while it runs observes the same outcome, and the entry is removed as soon
// as the operation settles, so the next caller always starts a fresh one.
package inflight

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrTimeout is returned to a caller whose own deadline expired while
// waiting for a shared operation.
var ErrTimeout = errors.New("inflight: wait timed out")

// Op is a deduplicated operation. Its context is detached from any single
// caller so one caller giving up never cancels the work for the others.
type Op func(ctx context.Context) ([]byte, error)

// Config configures a Registry.
type Config struct {
	// OpTimeout bounds every operation regardless of its callers.
	// Default: 30 seconds
	OpTimeout time.Duration
}

// Registry is the per-key in-flight table.
type Registry struct {
	config Config
	group  singleflight.Group

	mu      sync.Mutex
	waiters map[string]int

	// calls holds the token of the operation currently registered per key.
	calls map[string]uint64
	next  uint64
}

// New creates a Registry.
func New(config Config) *Registry {
	if config.OpTimeout <= 0 {
		config.OpTimeout = 30 * time.Second
	}
	return &Registry{
		config:  config,
		waiters: make(map[string]int),
		calls:   make(map[string]uint64),
	}
}

// Do runs op for key, or joins the operation already running for key.
// shared reports whether the result was delivered to more than one caller.
//
// If ctx ends before the operation settles, Do returns ErrTimeout (for a
// deadline) or ctx.Err() and forgets the key, so the next caller starts a
// fresh operation instead of joining the abandoned one.
func (r *Registry) Do(ctx context.Context, key string, op Op) (value []byte, shared bool, err error) {
	r.mu.Lock()
	token, ok := r.calls[key]
	if !ok {
		r.next++
		token = r.next
		r.calls[key] = token
	}
	ch := r.group.DoChan(key, func() (any, error) {
		defer r.settle(key, token)
		opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.OpTimeout)
		defer cancel()
		return op(opCtx)
	})
	r.waiters[key]++
	r.mu.Unlock()
	defer r.leave(key)

	select {
	case res := <-ch:
		return unpack(res)
	case <-ctx.Done():
	}

	// A result that is ready wins over the caller giving up.
	select {
	case res := <-ch:
		return unpack(res)
	default:
	}

	r.forget(key, token)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, false, ErrTimeout
	}
	return nil, false, ctx.Err()
}

func unpack(res singleflight.Result) ([]byte, bool, error) {
	if res.Err != nil {
		return nil, res.Shared, res.Err
	}
	b, _ := res.Val.([]byte)
	return b, res.Shared, nil
}

// Forget drops the entry for key. A running operation completes but later
// callers start a new one.
func (r *Registry) Forget(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, key)
	r.group.Forget(key)
}

// forget drops the entry for key only if it is still the operation the
// caller joined. A newer operation started after that one settled is left
// alone.
func (r *Registry) forget(key string, token uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls[key] != token {
		return
	}
	delete(r.calls, key)
	r.group.Forget(key)
}

func (r *Registry) settle(key string, token uint64) {
	r.mu.Lock()
	if r.calls[key] == token {
		delete(r.calls, key)
	}
	r.mu.Unlock()
}

// Pending reports whether any caller is waiting on key.
func (r *Registry) Pending(key string) bool {
	return r.Waiters(key) > 0
}

// Waiters returns the number of callers currently waiting on key.
func (r *Registry) Waiters(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiters[key]
}

func (r *Registry) leave(key string) {
	r.mu.Lock()
	if r.waiters[key] <= 1 {
		delete(r.waiters, key)
	} else {
		r.waiters[key]--
	}
	r.mu.Unlock()
}
