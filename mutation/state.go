package mutation

import "sync"

// State is the value a screen renders. Mutate applies optimistic patches
// to it and restores it on failure.
//
// A State keeps the confirmed value and the optimistic patches still
// waiting on the backend. The visible value is the confirmed value with
// every pending patch applied in order. Patches apply as soon as Mutate is
// called; their remote calls settle one at a time in the same order.
type State[T any] struct {
	mu        sync.RWMutex
	value     T
	confirmed T
	pending   []*pendingPatch[T]
	subs      map[uint64]func(T)
	next      uint64
}

type pendingPatch[T any] struct {
	patch func(T) T

	// prev is closed when the patch before this one has settled.
	prev <-chan struct{}
	done chan struct{}
}

// NewState creates a state holding initial.
func NewState[T any](initial T) *State[T] {
	return &State[T]{value: initial, confirmed: initial, subs: make(map[uint64]func(T))}
}

// Get returns the current value.
func (s *State[T]) Get() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// Set replaces the confirmed value and notifies subscribers. Patches still
// pending are re-applied on top of v.
func (s *State[T]) Set(v T) {
	s.mu.Lock()
	s.confirmed = v
	s.value = s.rebaseLocked(v, s.pending)
	value, fns := s.value, s.subscribersLocked()
	s.mu.Unlock()

	notify(fns, value)
}

// Pending returns the number of optimistic patches waiting on the backend.
func (s *State[T]) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// Subscribe registers fn to be called after every change. The returned
// func removes it and may be called more than once.
func (s *State[T]) Subscribe(fn func(T)) func() {
	s.mu.Lock()
	s.next++
	id := s.next
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// apply patches a private copy of the visible value and queues the patch
// behind those already pending.
func (s *State[T]) apply(patch func(T) T) (*pendingPatch[T], error) {
	p, value, fns, err := s.applyLocked(patch)
	if err != nil {
		return nil, err
	}
	notify(fns, value)
	return p, nil
}

func (s *State[T]) applyLocked(patch func(T) T) (*pendingPatch[T], T, []func(T), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	working, err := clone(s.value)
	if err != nil {
		var zero T
		return nil, zero, nil, err
	}
	if len(s.pending) == 0 {
		s.confirmed = s.value
	}

	p := &pendingPatch[T]{patch: patch, done: make(chan struct{})}
	if n := len(s.pending); n > 0 {
		p.prev = s.pending[n-1].done
	}
	s.pending = append(s.pending, p)
	s.value = patch(working)
	return p, s.value, s.subscribersLocked(), nil
}

// confirm settles p with the authoritative value. Later pending patches are
// re-applied on top of it.
func (s *State[T]) confirm(p *pendingPatch[T], authoritative T) {
	s.settle(p, &authoritative)
}

// rollback settles p as failed. With no later patch pending the confirmed
// value is restored as it was; otherwise the later patches are re-applied
// on top of it.
func (s *State[T]) rollback(p *pendingPatch[T]) {
	s.settle(p, nil)
}

func (s *State[T]) settle(p *pendingPatch[T], authoritative *T) {
	s.mu.Lock()
	for i, q := range s.pending {
		if q == p {
			s.pending = append(s.pending[:i:i], s.pending[i+1:]...)
			break
		}
	}
	if authoritative != nil {
		s.confirmed = *authoritative
	}
	s.value = s.rebaseLocked(s.confirmed, s.pending)
	value, fns := s.value, s.subscribersLocked()
	close(p.done)
	s.mu.Unlock()

	notify(fns, value)
}

// rebaseLocked applies patches in order on top of base. A value that cannot
// be copied is left unpatched.
func (s *State[T]) rebaseLocked(base T, patches []*pendingPatch[T]) T {
	v := base
	for _, p := range patches {
		working, err := clone(v)
		if err != nil {
			continue
		}
		v = p.patch(working)
	}
	return v
}

func (s *State[T]) subscribersLocked() []func(T) {
	fns := make([]func(T), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	return fns
}

func notify[T any](fns []func(T), v T) {
	for _, fn := range fns {
		fn(v)
	}
}
