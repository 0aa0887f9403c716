package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const tokenSlot = "current"

// SavedToken is the persisted form of an access token.
type SavedToken struct {
	Raw       string
	Class     string
	UserID    string
	ExpiresAt time.Time
}

// SaveToken replaces the persisted token.
func (s *Store) SaveToken(t SavedToken) error {
	_, err := s.db.Exec(`INSERT INTO auth_tokens (slot, token, class, user_id, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET token = excluded.token, class = excluded.class,
			user_id = excluded.user_id, expires_at = excluded.expires_at, saved_at = CURRENT_TIMESTAMP`,
		tokenSlot, t.Raw, t.Class, t.UserID, t.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// LoadToken returns the persisted token, or nil if there is none.
func (s *Store) LoadToken() (*SavedToken, error) {
	var t SavedToken
	var exp int64
	err := s.db.QueryRow(`SELECT token, class, user_id, expires_at FROM auth_tokens WHERE slot = ?`, tokenSlot).
		Scan(&t.Raw, &t.Class, &t.UserID, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	t.ExpiresAt = time.Unix(exp, 0)
	return &t, nil
}

// ClearToken deletes the persisted token.
func (s *Store) ClearToken() error {
	if _, err := s.db.Exec(`DELETE FROM auth_tokens WHERE slot = ?`, tokenSlot); err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	return nil
}
