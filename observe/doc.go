// Package observe provides observability primitives for the synchronization
// layer.
//
// It is a pure instrumentation library: no caching, no transport, no I/O
// beyond exporter setup. The composition root builds an Observer and hands
// the derived Instrumentation to the store, coordinator, and reconciler.
package observe
