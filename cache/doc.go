// Package cache provides the entry store behind the synchronization layer.
//
// It provides a Store interface with memory and write-through persistent
// implementations, TTL bookkeeping that keeps stale entries readable,
// per-key generations for compare-and-set writes, and prefix/regex patterns
// for bulk invalidation.
package cache
