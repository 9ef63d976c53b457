package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"
)

// DefaultGenerationRetention is how long the generation of a key without
// an entry is kept after its last snapshot or removal.
const DefaultGenerationRetention = 10 * time.Minute

// MemoryStore is an in-memory Store implementation.
//
// Generations come from one store-wide sequence, so a generation pruned
// for an idle key can never be handed out again for that key.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	gens    map[string]uint64
	seq     uint64
	policy  Policy
	clock   clockwork.Clock
	hash    func([]byte) uint64

	// idle records when a key without an entry was last snapshotted or
	// removed. Its generation is pruned once retention has passed.
	idle      map[string]time.Time
	retention time.Duration
	nextPrune time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock sets the clock used for FetchedAt bookkeeping.
func WithClock(clock clockwork.Clock) MemoryOption {
	return func(s *MemoryStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithFingerprinter sets the function used to fingerprint stored values.
// The default is xxhash over the raw bytes.
func WithFingerprinter(fn func([]byte) uint64) MemoryOption {
	return func(s *MemoryStore) {
		if fn != nil {
			s.hash = fn
		}
	}
}

// WithGenerationRetention sets how long generations of keys without an
// entry are kept. It must exceed the longest fetch that snapshots a
// generation; a snapshot older than this may be rejected by CompareAndSet.
// Default: DefaultGenerationRetention
func WithGenerationRetention(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.retention = d
		}
	}
}

// NewMemoryStore creates a new in-memory store with the given policy.
func NewMemoryStore(policy Policy, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries:   make(map[string]*Entry),
		gens:      make(map[string]uint64),
		policy:    policy,
		clock:     clockwork.NewRealClock(),
		hash:      xxhash.Sum64,
		idle:      make(map[string]time.Time),
		retention: DefaultGenerationRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get retrieves an entry. Stale entries are returned with Fresh=false.
func (s *MemoryStore) Get(_ context.Context, key string) (Lookup, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok {
		return Lookup{}, false
	}

	now := s.clock.Now()
	value := make([]byte, len(entry.Value))
	copy(value, entry.Value)

	return Lookup{
		Value:       value,
		FromCache:   true,
		Age:         now.Sub(entry.FetchedAt),
		Fresh:       entry.FreshAt(now),
		Fingerprint: entry.Fingerprint,
		Generation:  s.gens[key],
	}, true
}

// Set stores a value. The TTL is resolved through the store policy.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	s.putLocked(key, value, s.policy.EffectiveTTL(ttl))
	s.mu.Unlock()
	return nil
}

// CompareAndSet stores the value only if nothing has written or removed key
// since gen was observed.
func (s *MemoryStore) CompareAndSet(_ context.Context, key string, gen uint64, value []byte, ttl time.Duration) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.genLocked(key) != gen {
		return false, nil
	}
	s.putLocked(key, value, s.policy.EffectiveTTL(ttl))
	return true, nil
}

// Touch marks an unchanged entry as freshly fetched. The generation is not
// bumped because the content did not change.
func (s *MemoryStore) Touch(_ context.Context, key string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || s.genLocked(key) != gen {
		return false
	}
	entry.FetchedAt = s.clock.Now()
	return true
}

// Generation returns the current generation of key. Reading a generation
// registers the key so a later ClearByPattern invalidates the snapshot even
// if no entry exists yet.
func (s *MemoryStore) Generation(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	gen := s.genLocked(key)
	if _, ok := s.entries[key]; !ok {
		s.gens[key] = gen
		s.idle[key] = s.clock.Now()
	}
	s.pruneLocked()
	return gen
}

// Delete removes a value from the store. Idempotent - no error on miss.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	s.bumpLocked(key)
	s.idle[key] = s.clock.Now()
	s.pruneLocked()
	return nil
}

// ClearByPattern removes every key matching pattern. Removed keys are
// returned sorted.
func (s *MemoryStore) ClearByPattern(_ context.Context, pattern Pattern) []string {
	if pattern == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var removed []string
	for key := range s.gens {
		if !pattern.Match(key) {
			continue
		}
		if _, ok := s.entries[key]; ok {
			delete(s.entries, key)
			removed = append(removed, key)
		}
		s.bumpLocked(key)
		s.idle[key] = now
	}
	s.pruneLocked()
	sort.Strings(removed)
	return removed
}

// Keys returns the keys currently holding an entry, sorted.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of entries, fresh or stale.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// restore inserts an entry with its original FetchedAt and TTL.
func (s *MemoryStore) restore(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[e.Key]; exists {
		return
	}
	cp := e
	cp.Value = append([]byte(nil), e.Value...)
	if cp.Fingerprint == 0 {
		cp.Fingerprint = s.hash(cp.Value)
	}
	s.entries[e.Key] = &cp
	s.bumpLocked(e.Key)
	delete(s.idle, e.Key)
}

func (s *MemoryStore) putLocked(key string, value []byte, ttl time.Duration) {
	stored := append([]byte(nil), value...)
	s.entries[key] = &Entry{
		Key:         key,
		Value:       stored,
		FetchedAt:   s.clock.Now(),
		TTL:         ttl,
		Fingerprint: s.hash(stored),
	}
	s.bumpLocked(key)
	delete(s.idle, key)
}

// genLocked returns the generation of key. A key with no recorded
// generation reports the current sequence, which every earlier snapshot of
// a pruned key is below.
func (s *MemoryStore) genLocked(key string) uint64 {
	if gen, ok := s.gens[key]; ok {
		return gen
	}
	return s.seq
}

func (s *MemoryStore) bumpLocked(key string) {
	s.seq++
	s.gens[key] = s.seq
}

// pruneLocked drops generations of keys that have had no entry and no
// snapshot for the retention period. It scans at most twice per period.
func (s *MemoryStore) pruneLocked() {
	now := s.clock.Now()
	if now.Before(s.nextPrune) {
		return
	}
	s.nextPrune = now.Add(s.retention / 2)
	for key, since := range s.idle {
		if now.Sub(since) >= s.retention {
			delete(s.idle, key)
			delete(s.gens, key)
		}
	}
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
