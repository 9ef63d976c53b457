package health

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jonwraymond/mealsync/resilience"
)

// SyncCheckerConfig configures a SyncChecker.
type SyncCheckerConfig struct {
	// DegradedAfter is the number of consecutive refresh failures after
	// which cached data is reported as degraded.
	// Default: 3
	DegradedAfter int

	// MaxSilence is how long refreshes may keep failing before the sync
	// layer is reported unhealthy.
	// Default: 15 minutes
	MaxSilence time.Duration

	// Clock is used to measure MaxSilence.
	// Default: the real clock
	Clock clockwork.Clock
}

// SyncChecker turns background refresh outcomes into a health status.
type SyncChecker struct {
	config  SyncCheckerConfig
	tracker *RefreshTracker
}

// NewSyncChecker creates a checker over tracker.
func NewSyncChecker(tracker *RefreshTracker, config SyncCheckerConfig) *SyncChecker {
	if config.DegradedAfter <= 0 {
		config.DegradedAfter = 3
	}
	if config.MaxSilence <= 0 {
		config.MaxSilence = 15 * time.Minute
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	return &SyncChecker{config: config, tracker: tracker}
}

// Name returns the name of this checker.
func (c *SyncChecker) Name() string {
	return "sync"
}

// Check reports Unhealthy when refreshes have failed continuously for
// MaxSilence, Degraded after DegradedAfter consecutive failures, and
// Healthy otherwise.
func (c *SyncChecker) Check(context.Context) Result {
	s := c.tracker.Snapshot()
	details := map[string]any{
		"successes":    s.Successes,
		"failures":     s.Failures,
		"consecutive":  s.Consecutive,
		"failing_keys": s.FailingKeys,
	}
	if !s.LastSuccess.IsZero() {
		details["last_success"] = s.LastSuccess.UTC().Format(time.RFC3339)
	}

	if s.Consecutive == 0 {
		return Healthy("background refreshes succeeding").WithDetails(details)
	}

	failingFor := c.config.Clock.Since(s.StreakStart)
	if failingFor >= c.config.MaxSilence {
		r := Unhealthy(fmt.Sprintf("background refreshes failing for %s", failingFor.Round(time.Second)), s.LastError)
		return r.WithDetails(details)
	}
	if s.Consecutive >= c.config.DegradedAfter {
		return Degraded(fmt.Sprintf("%d consecutive background refresh failures", s.Consecutive)).WithDetails(details)
	}
	return Healthy("background refreshes recovering").WithDetails(details)
}

// BreakerChecker reports the state of the backend circuit breaker.
type BreakerChecker struct {
	breaker *resilience.CircuitBreaker
}

// NewBreakerChecker creates a checker for breaker.
func NewBreakerChecker(breaker *resilience.CircuitBreaker) *BreakerChecker {
	return &BreakerChecker{breaker: breaker}
}

// Name returns the name of this checker.
func (c *BreakerChecker) Name() string {
	return "backend"
}

// Check maps open to Unhealthy and half-open to Degraded.
func (c *BreakerChecker) Check(context.Context) Result {
	m := c.breaker.Metrics()
	details := map[string]any{"state": m.State.String(), "failures": m.Failures}

	switch m.State {
	case resilience.StateOpen:
		return Unhealthy("backend circuit open", resilience.ErrCircuitOpen).WithDetails(details)
	case resilience.StateHalfOpen:
		return Degraded("backend circuit probing").WithDetails(details)
	default:
		return Healthy("backend reachable").WithDetails(details)
	}
}
