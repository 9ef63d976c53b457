package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

// MaxKeyLength is the maximum allowed length for a cache key.
const MaxKeyLength = 512

// Sentinel errors for cache operations.
var (
	ErrInvalidKey = errors.New("cache: key is invalid")
	ErrKeyTooLong = errors.New("cache: key exceeds max length")
)

// Lookup is the result of a successful Get.
type Lookup struct {
	// Value is a private copy of the cached payload.
	Value []byte

	// FromCache is always true for a Lookup returned by a store.
	FromCache bool

	// Age is the time elapsed since the entry was fetched.
	Age time.Duration

	// Fresh reports whether Age is within the entry TTL.
	Fresh bool

	// Fingerprint is the content fingerprint recorded at Set time.
	Fingerprint uint64

	// Generation is the key generation the entry was read at.
	Generation uint64
}

// Entry is a cache entry as held by a store.
type Entry struct {
	Key         string        `json:"key"`
	Value       []byte        `json:"value"`
	FetchedAt   time.Time     `json:"fetched_at"`
	TTL         time.Duration `json:"ttl"`
	Fingerprint uint64        `json:"fingerprint"`
}

// FreshAt reports whether the entry is fresh at the given instant.
func (e Entry) FreshAt(now time.Time) bool {
	return now.Sub(e.FetchedAt) <= e.TTL
}

// Store is the key/entry map behind the synchronization layer.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: Get never errors; it returns (Lookup{}, false) only on a true miss.
// - Staleness: stale entries are returned with Fresh=false, never dropped on read.
// - Generations: every write or removal of a key bumps its generation.
type Store interface {
	// Get retrieves an entry, fresh or stale.
	Get(ctx context.Context, key string) (Lookup, bool)

	// Set stores a value with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// CompareAndSet stores the value only if the key generation equals gen.
	CompareAndSet(ctx context.Context, key string, gen uint64, value []byte, ttl time.Duration) (bool, error)

	// Touch resets FetchedAt of an unchanged entry if the generation equals gen.
	Touch(ctx context.Context, key string, gen uint64) bool

	// Generation returns the current generation of key.
	Generation(key string) uint64

	// Delete removes a cached value. Idempotent - no error on miss.
	Delete(ctx context.Context, key string) error

	// ClearByPattern removes every key matching pattern and returns them.
	ClearByPattern(ctx context.Context, pattern Pattern) []string
}

// ValidateKey checks if a key is valid for caching.
func ValidateKey(key string) error {
	if key == "" || strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	if strings.ContainsAny(key, "\n\r") {
		return ErrInvalidKey
	}
	return nil
}
