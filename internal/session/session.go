// Package session answers "who is signed in" for client components.
//
// A missing or expired session is not an inline error: callers surface it
// as a redirect to sign-in.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoSession means no authenticated user is available.
var ErrNoSession = errors.New("no active session")

// DefaultSkew is how long before expiry a token is treated as expired.
const DefaultSkew = 30 * time.Second

// Session is the authenticated user and the credential sent with requests.
type Session struct {
	UserID    string
	Token     string
	ExpiresAt time.Time // zero means no expiry claim
}

// Valid reports whether the session can still be used at now.
func (s *Session) Valid(now time.Time, skew time.Duration) bool {
	if s == nil || s.Token == "" || s.UserID == "" {
		return false
	}
	if s.ExpiresAt.IsZero() {
		return true
	}
	return now.Before(s.ExpiresAt.Add(-skew))
}

// Gate resolves the current session.
type Gate interface {
	Current(ctx context.Context) (*Session, error)
}

// TokenGate derives the session from a bearer JWT. The signature is not
// checked here; the backend verifies every request.
type TokenGate struct {
	mu    sync.RWMutex
	token string
	skew  time.Duration
	now   func() time.Time
}

// NewTokenGate creates a gate for token. An empty token yields ErrNoSession.
func NewTokenGate(token string) *TokenGate {
	return &TokenGate{
		token: strings.TrimSpace(strings.TrimPrefix(token, "Bearer ")),
		skew:  DefaultSkew,
		now:   time.Now,
	}
}

// WithSkew overrides the expiry skew.
func (g *TokenGate) WithSkew(d time.Duration) *TokenGate {
	g.skew = d
	return g
}

// SetToken replaces the credential, e.g. after a refresh.
func (g *TokenGate) SetToken(token string) {
	g.mu.Lock()
	g.token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	g.mu.Unlock()
}

// Current parses the held token and returns the session it describes.
func (g *TokenGate) Current(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	token := g.token
	g.mu.RUnlock()
	if token == "" {
		return nil, ErrNoSession
	}

	s, err := Parse(token)
	if err != nil {
		return nil, err
	}
	if !s.Valid(g.now(), g.skew) {
		return nil, fmt.Errorf("%w: token expired", ErrNoSession)
	}
	return s, nil
}

// Parse reads the subject and expiry claims of token without verifying it.
func Parse(token string) (*Session, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrNoSession)
	}
	s := &Session{UserID: claims.Subject, Token: token}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}

// StaticGate always returns the same session; nil means signed out.
type StaticGate struct {
	Session *Session
}

// Current returns the fixed session or ErrNoSession.
func (g StaticGate) Current(context.Context) (*Session, error) {
	if g.Session == nil {
		return nil, ErrNoSession
	}
	cp := *g.Session
	return &cp, nil
}

// IsUnauthenticated reports whether err means the user must sign in.
func IsUnauthenticated(err error) bool {
	return errors.Is(err, ErrNoSession)
}
