// Package health reports whether the sync layer is keeping cached data
// current.
//
// Background refreshes never surface their failures to the screen that
// triggered them. RefreshTracker records those outcomes and SyncChecker
// turns them into a status: Degraded after a run of consecutive failures,
// Unhealthy once refreshes have failed for longer than MaxSilence.
//
//	tracker := health.NewRefreshTracker(nil)
//	agg := health.NewAggregator(0)
//	agg.Register(health.NewSyncChecker(tracker, health.SyncCheckerConfig{}))
//
//	status := health.Overall(agg.CheckAll(ctx))
package health
