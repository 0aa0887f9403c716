// Package auth holds the current access token and the identity derived from it.
package auth

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gridlink/gridlink/internal/apperr"
	"github.com/gridlink/gridlink/internal/store"
)

// Persister keeps non-ephemeral tokens across restarts. *store.Store implements it.
type Persister interface {
	SaveToken(store.SavedToken) error
	LoadToken() (*store.SavedToken, error)
	ClearToken() error
}

// TokenStore is the in-memory holder of the current token. It is owned by
// the application root and passed to the components that need it.
type TokenStore struct {
	mu      sync.Mutex
	current *Token

	parser  *Parser
	persist Persister
	now     func() time.Time
	logger  *slog.Logger
}

// NewTokenStore builds a store. persist may be nil (nothing survives restart).
func NewTokenStore(parser *Parser, persist Persister, logger *slog.Logger) *TokenStore {
	if parser == nil {
		parser = &Parser{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenStore{parser: parser, persist: persist, now: time.Now, logger: logger}
}

// SetClock replaces the time source, for tests.
func (s *TokenStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Restore loads a persisted token on cold start. Ephemeral tokens are never
// restored; an expired one is cleared.
func (s *TokenStore) Restore() error {
	if s.persist == nil {
		return nil
	}
	saved, err := s.persist.LoadToken()
	if err != nil {
		return err
	}
	if saved == nil {
		return nil
	}
	tok, err := s.parser.Parse(saved.Raw)
	if err != nil || !tok.Class.Persistent() {
		s.logger.Info("discarding stored token", "reason", "not restorable")
		return s.persist.ClearToken()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.Expired(s.now()) {
		s.logger.Info("discarding stored token", "reason", "expired")
		return s.persist.ClearToken()
	}
	s.current = tok
	return nil
}

// Set decodes raw and makes it current, persisting it unless ephemeral.
func (s *TokenStore) Set(raw string) (*Token, error) {
	tok, err := s.parser.Parse(raw)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.Expired(s.now()) {
		return nil, apperr.E(apperr.NotAuthenticated, "auth.set", "token already expired")
	}
	s.current = tok
	if s.persist != nil {
		if tok.Class.Persistent() {
			err = s.persist.SaveToken(store.SavedToken{
				Raw: tok.Raw, Class: string(tok.Class), UserID: tok.UserID, ExpiresAt: tok.ExpiresAt,
			})
		} else {
			err = s.persist.ClearToken()
		}
		if err != nil {
			return tok, fmt.Errorf("persist token: %w", err)
		}
	}
	return tok, nil
}

// Get returns the current token. An expired token is cleared, including its
// persisted copy, and reported as NotAuthenticated.
func (s *TokenStore) Get() (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, apperr.E(apperr.NotAuthenticated, "auth.get", "no token")
	}
	if s.current.Expired(s.now()) {
		s.clearLocked()
		return nil, apperr.E(apperr.NotAuthenticated, "auth.get", "token expired")
	}
	cp := *s.current
	return &cp, nil
}

// Bearer returns the raw current token for an Authorization header.
func (s *TokenStore) Bearer() (string, error) {
	tok, err := s.Get()
	if err != nil {
		return "", err
	}
	return tok.Raw, nil
}

// Clear drops the current token (logout, 401, shutdown).
func (s *TokenStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

func (s *TokenStore) clearLocked() {
	s.current = nil
	if s.persist != nil {
		if err := s.persist.ClearToken(); err != nil {
			s.logger.Warn("clear persisted token failed", "error", err)
		}
	}
}
