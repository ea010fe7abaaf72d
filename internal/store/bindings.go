package store

import (
	"context"
	"database/sql"
	"time"
)

// BindSession records the provider-native token for a session, replacing
// any previous binding for the same provider.
func (s *sqliteStore) BindSession(ctx context.Context, sessionID, providerName, token string) error {
	_, err := s.stmtBindSession.ExecContext(ctx, sessionID, providerName, token, time.Now().Unix())
	return err
}

// SessionToken returns the provider-native token bound to the session, or
// ErrNotFound when the session has never talked to this provider.
func (s *sqliteStore) SessionToken(ctx context.Context, sessionID, providerName string) (string, error) {
	var token string
	err := s.stmtSessionToken.QueryRowContext(ctx, sessionID, providerName).Scan(&token)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return token, err
}

// UnbindSession drops every provider binding for the session. Called when
// a provider reports its token stale so the next turn starts clean.
func (s *sqliteStore) UnbindSession(ctx context.Context, sessionID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM session_bindings WHERE session_id = ?`, sessionID)
	return err
}
