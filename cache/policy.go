package cache

import "time"

// Policy configures TTL resolution for a store.
type Policy struct {
	// DefaultTTL is the TTL to use when a caller passes none.
	DefaultTTL time.Duration

	// MaxTTL is the maximum allowed TTL. Longer TTLs are clamped to this.
	// If zero, no maximum is enforced.
	MaxTTL time.Duration
}

// DefaultPolicy returns the default policy.
// DefaultTTL: 5 minutes, MaxTTL: 24 hours
func DefaultPolicy() Policy {
	return Policy{
		DefaultTTL: 5 * time.Minute,
		MaxTTL:     24 * time.Hour,
	}
}

// EffectiveTTL returns the TTL to use, applying defaults and clamping.
// A zero result means entries are stale as soon as they are written.
func (p Policy) EffectiveTTL(override time.Duration) time.Duration {
	ttl := override
	if ttl <= 0 {
		ttl = p.DefaultTTL
	}
	if ttl < 0 {
		ttl = 0
	}

	if p.MaxTTL > 0 && ttl > p.MaxTTL {
		ttl = p.MaxTTL
	}

	return ttl
}
