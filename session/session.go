// Package session supplies the bearer token attached to remote calls and
// detects an expired session before a request leaves the device.
//
// Session renewal is not handled here. When a token is expired, Token
// returns ErrExpired and the outer layer re-authenticates and calls Set.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

// Sentinel errors for session handling.
var (
	// ErrExpired indicates the current token can no longer be used.
	ErrExpired = errors.New("session: token expired")

	// ErrNoToken indicates no token has been set.
	ErrNoToken = errors.New("session: no token")

	// ErrMalformedToken indicates the token could not be parsed as a JWT.
	ErrMalformedToken = errors.New("session: malformed token")
)

// TokenSource supplies the bearer token for a request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token that never expires locally.
type StaticToken string

// Token returns the token, or ErrNoToken if it is empty.
func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// JWTSource holds a JWT and refuses to hand it out once its exp claim has
// passed. The signature is not verified; the backend does that.
type JWTSource struct {
	clock  clockwork.Clock
	leeway time.Duration
	parser *jwt.Parser

	mu      sync.RWMutex
	token   string
	subject string
	expires time.Time
}

// JWTOption configures a JWTSource.
type JWTOption func(*JWTSource)

// WithClock sets the clock used for expiry checks.
func WithClock(c clockwork.Clock) JWTOption {
	return func(s *JWTSource) { s.clock = c }
}

// WithLeeway treats a token as expired this long before its exp claim.
func WithLeeway(d time.Duration) JWTOption {
	return func(s *JWTSource) { s.leeway = d }
}

// NewJWTSource creates a source. An empty token is allowed; Token reports
// ErrNoToken until Set is called.
func NewJWTSource(token string, opts ...JWTOption) (*JWTSource, error) {
	s := &JWTSource{
		clock:  clockwork.NewRealClock(),
		parser: jwt.NewParser(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if token == "" {
		return s, nil
	}
	if err := s.Set(token); err != nil {
		return nil, err
	}
	return s, nil
}

// Set replaces the token after re-authentication.
func (s *JWTSource) Set(token string) error {
	claims := jwt.MapClaims{}
	if _, _, err := s.parser.ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}

	var expires time.Time
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}
	if exp != nil {
		expires = exp.Time
	}
	subject, _ := claims.GetSubject()

	s.mu.Lock()
	s.token = token
	s.subject = subject
	s.expires = expires
	s.mu.Unlock()
	return nil
}

// Token returns the current token, or ErrExpired once its exp claim (minus
// leeway) has passed.
func (s *JWTSource) Token(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.token == "" {
		return "", ErrNoToken
	}
	if !s.expires.IsZero() && !s.clock.Now().Before(s.expires.Add(-s.leeway)) {
		return "", ErrExpired
	}
	return s.token, nil
}

// Subject returns the sub claim of the current token.
func (s *JWTSource) Subject() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subject
}

// ExpiresAt returns the exp claim of the current token, zero if absent.
func (s *JWTSource) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expires
}
