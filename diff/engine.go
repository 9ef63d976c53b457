package diff

import (
	"bytes"
	"encoding/json"

	"github.com/cespare/xxhash/v2"
)

// DefaultVolatileFields are server-maintained fields that change on reads
// and never reflect a user-visible change.
var DefaultVolatileFields = []string{
	"last_accessed",
	"last_accessed_at",
	"lastAccessedAt",
	"server_time",
	"updated_at_server",
}

// Engine compares payloads while ignoring volatile fields.
//
// Contract:
// - Purity: methods have no side effects and never fail.
// - Malformed input is always reported as changed.
// - Concurrency: an Engine is immutable and safe for concurrent use.
type Engine struct {
	volatile map[string]struct{}
}

// New creates an Engine ignoring the given field names at every depth.
// With no arguments DefaultVolatileFields is used.
func New(volatile ...string) *Engine {
	if len(volatile) == 0 {
		volatile = DefaultVolatileFields
	}
	e := &Engine{volatile: make(map[string]struct{}, len(volatile))}
	for _, f := range volatile {
		e.volatile[f] = struct{}{}
	}
	return e
}

// Normalize strips volatile fields and returns the canonical form of raw.
func (e *Engine) Normalize(raw []byte) ([]byte, error) {
	tree, err := decode(raw)
	if err != nil {
		return nil, err
	}
	return canonicalize(e.strip(tree))
}

// Changed reports whether next differs meaningfully from prev.
func (e *Engine) Changed(prev, next []byte) bool {
	if bytes.Equal(prev, next) && len(prev) > 0 {
		if _, err := decode(prev); err == nil {
			return false
		}
		return true
	}

	a, err := e.Normalize(prev)
	if err != nil {
		return true
	}
	b, err := e.Normalize(next)
	if err != nil {
		return true
	}
	return !bytes.Equal(a, b)
}

// Fingerprint returns a content hash of raw that ignores volatile fields
// and key order. Malformed payloads hash their raw bytes.
func (e *Engine) Fingerprint(raw []byte) uint64 {
	norm, err := e.Normalize(raw)
	if err != nil {
		return xxhash.Sum64(raw)
	}
	return xxhash.Sum64(norm)
}

// strip removes volatile keys in place and returns v.
func (e *Engine) strip(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			if _, ok := e.volatile[k]; ok {
				delete(val, k)
				continue
			}
			val[k] = e.strip(child)
		}
		return val
	case []any:
		for i, child := range val {
			val[i] = e.strip(child)
		}
		return val
	default:
		return v
	}
}

// Compare reports whether next differs meaningfully from prev.
// Values that cannot be encoded are reported as changed.
func Compare[T any](e *Engine, prev, next T) bool {
	a, err := json.Marshal(prev)
	if err != nil {
		return true
	}
	b, err := json.Marshal(next)
	if err != nil {
		return true
	}
	return e.Changed(a, b)
}
