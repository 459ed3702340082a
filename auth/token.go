// Package auth keeps the access/refresh credential pair for progress sessions
// and refreshes it before or after it expires.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoRefreshToken is returned when a refresh is needed but no refresh
	// credential has been installed.
	ErrNoRefreshToken = errors.New("auth: no refresh token available")
	// ErrRefreshRejected is returned when the refresh endpoint answers 401/403.
	ErrRefreshRejected = errors.New("auth: refresh token rejected")
	// ErrTokenExpired is raised when the access token is past its expiry.
	ErrTokenExpired = errors.New("auth: access token expired")
	// ErrUnauthorized is returned once credentials have been cleared after a
	// terminal authentication failure.
	ErrUnauthorized = errors.New("auth: unauthorized")
)

// Token encapsulates the token value and an optional expiry.
type Token struct {
	Value  string
	Expiry time.Time
}

// ParseToken builds a Token from a raw JWT, reading the exp claim without
// verifying the signature. A token without a decodable expiry keeps a zero
// Expiry and is still usable.
func ParseToken(raw string) Token {
	tok := Token{Value: strings.TrimSpace(raw)}
	if exp, err := ExpiryOf(tok.Value); err == nil {
		tok.Expiry = exp
	}
	return tok
}

// ExpiryOf decodes the exp claim of a JWT.
func ExpiryOf(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("empty token")
	}
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, fmt.Errorf("decode token: %w", err)
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("read exp claim: %w", err)
	}
	if exp == nil {
		return time.Time{}, errors.New("token has no exp claim")
	}
	return exp.Time, nil
}

// Store holds the process-wide credential pair.
type Store interface {
	AccessToken() string
	RefreshToken() string
	// SetTokens installs a new access token. An empty refresh token keeps the
	// one already stored.
	SetTokens(access, refresh string)
	ClearTokens()
}

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	access  string
	refresh string
}

// NewMemoryStore returns a store pre-loaded with the given credentials.
func NewMemoryStore(access, refresh string) *MemoryStore {
	return &MemoryStore{access: access, refresh: refresh}
}

func (s *MemoryStore) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access
}

func (s *MemoryStore) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refresh
}

func (s *MemoryStore) SetTokens(access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = access
	if refresh != "" {
		s.refresh = refresh
	}
}

func (s *MemoryStore) ClearTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = ""
	s.refresh = ""
}
