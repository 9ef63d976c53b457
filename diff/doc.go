// Package diff decides whether a freshly fetched payload differs meaningfully
// from the cached one.
//
// Payloads are compared structurally after volatile fields (server-side
// access timestamps and the like) are stripped at every depth and the
// remainder is canonicalised, so key order and ignored fields never cause a
// spurious update.
package diff
