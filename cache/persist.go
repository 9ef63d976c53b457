package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/jonwraymond/mealsync/observe"
)

// ErrKVNotFound is returned by a KV when a key does not exist.
var ErrKVNotFound = errors.New("cache: kv key not found")

// KV is a persisted key/value backend for cache entries.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: Get returns ErrKVNotFound on miss; Remove is idempotent.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// PersistentStore is a MemoryStore that writes every change through to a KV.
// KV failures are logged and swallowed: the memory store stays authoritative
// and a failed load is treated as a cache miss.
//
// Every KV write mirrors the memory state of its key at the time of the
// write, under a per-key lock, so a late write never resurrects a removed
// entry and concurrent writes never land out of order.
type PersistentStore struct {
	*MemoryStore
	kv     KV
	logger observe.Logger
	locks  [persistStripes]sync.Mutex
}

const persistStripes = 32

// NewPersistentStore wraps mem with write-through persistence to kv.
func NewPersistentStore(mem *MemoryStore, kv KV, logger observe.Logger) *PersistentStore {
	if logger == nil {
		logger = observe.NopLogger()
	}
	return &PersistentStore{
		MemoryStore: mem,
		kv:          kv,
		logger:      logger.With(observe.Field{Key: "component", Value: "cache.persist"}),
	}
}

// Load restores persisted entries into memory. FetchedAt and TTL are kept as
// written, so freshness is re-evaluated against the store clock on every Get.
// It returns the number of entries restored.
func (s *PersistentStore) Load(ctx context.Context) int {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		s.logger.Warn(ctx, "listing persisted entries failed", observe.Field{Key: "error", Value: err.Error()})
		return 0
	}

	restored := 0
	for _, key := range keys {
		raw, err := s.kv.Get(ctx, key)
		if err != nil {
			if !errors.Is(err, ErrKVNotFound) {
				s.logger.Warn(ctx, "reading persisted entry failed",
					observe.Field{Key: "cache.key", Value: key},
					observe.Field{Key: "error", Value: err.Error()},
				)
			}
			continue
		}

		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil || entry.Key != key || ValidateKey(key) != nil {
			s.logger.Warn(ctx, "discarding corrupt persisted entry", observe.Field{Key: "cache.key", Value: key})
			_ = s.kv.Remove(ctx, key)
			continue
		}

		s.MemoryStore.restore(entry)
		restored++
	}

	s.logger.Debug(ctx, "persisted entries loaded", observe.Field{Key: "count", Value: restored})
	return restored
}

// Set stores the value in memory and persists it.
func (s *PersistentStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.MemoryStore.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	s.mirror(ctx, key)
	return nil
}

// CompareAndSet stores and persists the value if the generation matches.
func (s *PersistentStore) CompareAndSet(ctx context.Context, key string, gen uint64, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.MemoryStore.CompareAndSet(ctx, key, gen, value, ttl)
	if ok {
		s.mirror(ctx, key)
	}
	return ok, err
}

// Touch refreshes FetchedAt in memory and on disk.
func (s *PersistentStore) Touch(ctx context.Context, key string, gen uint64) bool {
	ok := s.MemoryStore.Touch(ctx, key, gen)
	if ok {
		s.mirror(ctx, key)
	}
	return ok
}

// Delete removes the key from memory and the KV.
func (s *PersistentStore) Delete(ctx context.Context, key string) error {
	_ = s.MemoryStore.Delete(ctx, key)
	s.mirror(ctx, key)
	return nil
}

// ClearByPattern removes matching keys from memory and the KV.
func (s *PersistentStore) ClearByPattern(ctx context.Context, pattern Pattern) []string {
	removed := s.MemoryStore.ClearByPattern(ctx, pattern)
	for _, key := range removed {
		s.mirror(ctx, key)
	}
	return removed
}

// mirror writes the current memory state of key to the KV: the entry if
// one exists, a removal otherwise.
func (s *PersistentStore) mirror(ctx context.Context, key string) {
	lock := &s.locks[xxhash.Sum64String(key)%persistStripes]
	lock.Lock()
	defer lock.Unlock()

	s.MemoryStore.mu.RLock()
	entry, ok := s.MemoryStore.entries[key]
	var snapshot Entry
	if ok {
		snapshot = *entry
	}
	s.MemoryStore.mu.RUnlock()

	if !ok {
		if err := s.kv.Remove(ctx, key); err != nil {
			s.logger.Warn(ctx, "removing persisted entry failed",
				observe.Field{Key: "cache.key", Value: key},
				observe.Field{Key: "error", Value: err.Error()},
			)
		}
		return
	}

	raw, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	if err := s.kv.Put(ctx, key, raw); err != nil {
		s.logger.Warn(ctx, "persisting entry failed",
			observe.Field{Key: "cache.key", Value: key},
			observe.Field{Key: "error", Value: err.Error()},
		)
	}
}

// FileKV stores one file per key under a directory.
type FileKV struct {
	dir string
}

const fileKVSuffix = ".entry"

// NewFileKV creates the directory if needed and returns a FileKV rooted there.
func NewFileKV(dir string) (*FileKV, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("cache: file kv directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cache: create kv dir: %w", err)
	}
	return &FileKV{dir: dir}, nil
}

func (f *FileKV) path(key string) string {
	return filepath.Join(f.dir, hex.EncodeToString([]byte(key))+fileKVSuffix)
}

// Get reads the file for key.
func (f *FileKV) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrKVNotFound
	}
	return data, err
}

// Put writes the file for key atomically.
func (f *FileKV) Put(_ context.Context, key string, value []byte) error {
	tmp, err := os.CreateTemp(f.dir, "tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.path(key))
}

// Remove deletes the file for key. Idempotent.
func (f *FileKV) Remove(_ context.Context, key string) error {
	err := os.Remove(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Keys lists the keys with a persisted file.
func (f *FileKV) Keys(_ context.Context) ([]string, error) {
	dirEntries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(dirEntries))
	for _, de := range dirEntries {
		name, ok := strings.CutSuffix(de.Name(), fileKVSuffix)
		if de.IsDir() || !ok {
			continue
		}
		raw, err := hex.DecodeString(name)
		if err != nil {
			continue
		}
		keys = append(keys, string(raw))
	}
	return keys, nil
}

// Ensure implementations satisfy their interfaces
var (
	_ Store = (*PersistentStore)(nil)
	_ KV    = (*FileKV)(nil)
)
