package health

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RefreshStats is a snapshot of background refresh outcomes.
type RefreshStats struct {
	Successes int64
	Failures  int64

	// Consecutive is the number of failures since the last success.
	Consecutive int

	// StreakStart is when the current failure streak began.
	StreakStart time.Time

	LastSuccess time.Time
	LastFailure time.Time
	LastError   error

	// FailingKeys are the cache keys whose last refresh failed, sorted.
	FailingKeys []string
}

// RefreshTracker records the outcome of background cache refreshes, which
// never surface to the caller that triggered them.
type RefreshTracker struct {
	clock clockwork.Clock

	mu      sync.Mutex
	stats   RefreshStats
	failing map[string]struct{}
}

// NewRefreshTracker creates a tracker. A nil clock uses the real clock.
func NewRefreshTracker(clock clockwork.Clock) *RefreshTracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RefreshTracker{clock: clock, failing: make(map[string]struct{})}
}

// RecordSuccess records a successful refresh of key.
func (t *RefreshTracker) RecordSuccess(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.Successes++
	t.stats.Consecutive = 0
	t.stats.StreakStart = time.Time{}
	t.stats.LastSuccess = t.clock.Now()
	delete(t.failing, key)
}

// RecordFailure records a failed refresh of key.
func (t *RefreshTracker) RecordFailure(key string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	t.stats.Failures++
	if t.stats.Consecutive == 0 {
		t.stats.StreakStart = now
	}
	t.stats.Consecutive++
	t.stats.LastFailure = now
	t.stats.LastError = err
	t.failing[key] = struct{}{}
}

// Snapshot returns the current statistics.
func (t *RefreshTracker) Snapshot() RefreshStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.stats
	s.FailingKeys = make([]string, 0, len(t.failing))
	for k := range t.failing {
		s.FailingKeys = append(s.FailingKeys, k)
	}
	sort.Strings(s.FailingKeys)
	return s
}
