// Package fetch is the boundary to the remote REST backend.
//
// Accessor is the only way the sync layer talks to the network. Every
// failure it returns belongs to one of five categories: ErrSessionExpired,
// NetworkError, ValidationError, ConflictError or ErrTimeout.
package fetch

import (
	"context"
	"net/http"
)

// Accessor performs remote reads and writes and returns raw response bodies.
type Accessor interface {
	// Get reads a resource. params are encoded as the query string.
	Get(ctx context.Context, path string, params map[string]string) ([]byte, error)

	// Mutate sends body with the given method (POST, PUT, PATCH, DELETE).
	// A nil body sends no payload.
	Mutate(ctx context.Context, method, path string, body any) ([]byte, error)
}

// Func adapts a function to a read-only Accessor. Mutate always fails.
type Func func(ctx context.Context, path string, params map[string]string) ([]byte, error)

// Get calls f.
func (f Func) Get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	return f(ctx, path, params)
}

// Mutate reports that f cannot write.
func (f Func) Mutate(_ context.Context, method, path string, _ any) ([]byte, error) {
	return nil, &NetworkError{StatusCode: http.StatusMethodNotAllowed, Path: method + " " + path}
}
