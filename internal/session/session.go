// Package session holds the in-memory authentication state shared by the API
// client and everything that logs a user in or out.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// TokenSource loads a previously persisted token pair. Get returns nil, nil
// when nothing is stored under key.
type TokenSource interface {
	Get(ctx context.Context, key string) (*TokenPair, error)
}

// Session caches the current token pair so request construction can read it
// without touching persistent storage. It is safe for concurrent use.
type Session struct {
	mu     sync.RWMutex
	tokens TokenPair
}

// New returns an anonymous session.
func New() *Session {
	return &Session{}
}

// Restore initializes the session from the token source. A missing entry
// leaves the session anonymous.
func (s *Session) Restore(ctx context.Context, src TokenSource, key string) error {
	tokens, err := src.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load tokens: %w", err)
	}
	if tokens == nil || tokens.IsZero() {
		log.Debug().Str("key", key).Msg("no stored session")
		return nil
	}

	s.OnLoginSuccess(*tokens)
	return nil
}

// AccessToken returns the cached access token or an empty string.
func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens.AccessToken
}

// RefreshToken returns the cached refresh token or an empty string.
func (s *Session) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens.RefreshToken
}

// Tokens returns a copy of the cached pair.
func (s *Session) Tokens() TokenPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens
}

// IsLoggedIn returns true if an access token is cached.
func (s *Session) IsLoggedIn() bool {
	return s.AccessToken() != ""
}

// OnLoginSuccess replaces the cached pair. Called after login and after every
// successful token refresh.
func (s *Session) OnLoginSuccess(tokens TokenPair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = tokens
}

// OnLogout clears the cached pair.
func (s *Session) OnLogout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = TokenPair{}
}

// AccessTokenExpiry returns the exp claim of the cached access token. The
// token is parsed without signature verification; only the server can verify
// it. ok is false for anonymous sessions and opaque or exp-less tokens.
func (s *Session) AccessTokenExpiry() (expiry time.Time, ok bool) {
	token := s.AccessToken()
	if token == "" {
		return time.Time{}, false
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
