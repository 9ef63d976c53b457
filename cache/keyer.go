package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/jonwraymond/mealsync/diff"
)

// Key builds a key in the "<domain>:<resource>[:<id>]" namespace.
//
//	Key("calendar", "shopping-lists")        // calendar:shopping-lists
//	Key("calendar", "shopping-list", "42")   // calendar:shopping-list:42
func Key(domain, resource string, id ...string) string {
	parts := make([]string, 0, 2+len(id))
	parts = append(parts, domain, resource)
	for _, p := range id {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ":")
}

// Keyer derives deterministic cache keys for parameterised reads.
//
// Contract:
// - Determinism: same inputs must produce same key, regardless of map iteration order.
// - Concurrency: implementations must be safe for concurrent use.
type Keyer interface {
	// Key derives a key from a base key and request parameters.
	Key(base string, params any) (string, error)
}

// DefaultKeyer appends a SHA-256 digest of the canonical parameters.
type DefaultKeyer struct{}

// NewDefaultKeyer creates a new default keyer.
func NewDefaultKeyer() *DefaultKeyer {
	return &DefaultKeyer{}
}

// Key generates a deterministic cache key.
// Format: <base> when params is empty, otherwise <base>?<hash>
// where hash is the first 16 characters of SHA-256(canonical JSON(params)).
// Keeping base as the prefix lets a Prefix pattern on base clear every
// parameterised variant.
func (k *DefaultKeyer) Key(base string, params any) (string, error) {
	if err := ValidateKey(base); err != nil {
		return "", err
	}
	if isEmptyParams(params) {
		return base, nil
	}

	canonical, err := diff.Canonical(params)
	if err != nil {
		return "", fmt.Errorf("cache: failed to canonicalize params: %w", err)
	}

	hash := sha256.Sum256(canonical)
	return base + "?" + hex.EncodeToString(hash[:8]), nil
}

func isEmptyParams(params any) bool {
	switch p := params.(type) {
	case nil:
		return true
	case map[string]string:
		return len(p) == 0
	case map[string]any:
		return len(p) == 0
	default:
		return false
	}
}

// Ensure DefaultKeyer implements Keyer
var _ Keyer = (*DefaultKeyer)(nil)
