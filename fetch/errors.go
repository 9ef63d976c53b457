package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jonwraymond/mealsync/inflight"
	"github.com/jonwraymond/mealsync/resilience"
)

// Sentinel errors for remote operations.
var (
	// ErrSessionExpired indicates the session is no longer valid (HTTP 401).
	// It is never retried; an outer layer must re-authenticate.
	ErrSessionExpired = errors.New("fetch: session expired")

	// ErrTimeout indicates an operation exceeded its deadline.
	ErrTimeout = errors.New("fetch: operation timed out")

	// ErrNetwork is matched by every NetworkError.
	ErrNetwork = errors.New("fetch: network error")

	// ErrValidation is matched by every ValidationError.
	ErrValidation = errors.New("fetch: validation failed")

	// ErrConflict is matched by every ConflictError.
	ErrConflict = errors.New("fetch: conflict")
)

// NetworkError is a transient failure: transport errors and non-2xx
// responses not covered by a more specific error.
type NetworkError struct {
	StatusCode int // zero for transport failures
	Path       string
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch: %s: unexpected status %d", e.Path, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch: %s: %v", e.Path, e.Err)
	}
	return "fetch: " + e.Path + ": network error"
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Is matches ErrNetwork.
func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// ValidationError means the remote rejected a mutation body. The message is
// surfaced to the user verbatim.
type ValidationError struct {
	Path    string
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	if e.Message == "" {
		return "fetch: " + e.Path + ": validation failed"
	}
	return e.Message
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ConflictError means the entity changed remotely since the optimistic base
// was taken (version or precondition mismatch).
type ConflictError struct {
	Path    string
	Message string
}

func (e *ConflictError) Error() string {
	if e.Message == "" {
		return "fetch: " + e.Path + ": entity changed remotely"
	}
	return "fetch: " + e.Path + ": " + e.Message
}

// Is matches ErrConflict.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// IsRetryable reports whether err is a transient failure worth retrying.
// Session, validation, and conflict errors are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrSessionExpired),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrConflict):
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.StatusCode == 0 || ne.StatusCode >= http.StatusInternalServerError ||
			ne.StatusCode == http.StatusTooManyRequests || ne.StatusCode == http.StatusRequestTimeout
	}
	return isTimeout(err)
}

func isTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, inflight.ErrTimeout) ||
		errors.Is(err, resilience.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

// NormalizeTimeout maps deadline and wait timeouts onto ErrTimeout and
// strips retry markers so callers can type-assert the taxonomy errors.
func NormalizeTimeout(err error) error {
	err = resilience.Unmark(err)
	if err == nil || errors.Is(err, ErrTimeout) || !isTimeout(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTimeout, err)
}
