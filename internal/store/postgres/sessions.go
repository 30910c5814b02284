package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/osokin/sitebrief/internal/session"
)

// EnsureUser returns the id for externalID, creating the user on first sight.
func (s *Store) EnsureUser(ctx context.Context, externalID, username, firstName string) (int64, error) {
	if _, err := s.db.Exec(ctx,
		`INSERT INTO users (external_id, username, first_name) VALUES ($1, $2, $3)
		 ON CONFLICT (external_id) DO NOTHING`,
		externalID, username, firstName,
	); err != nil {
		return 0, fmt.Errorf("insert user: %w", err)
	}

	var id int64
	if err := s.db.QueryRow(ctx,
		`SELECT id FROM users WHERE external_id = $1`, externalID,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("select user: %w", err)
	}
	return id, nil
}

// CreateSession opens a new active session for userID.
func (s *Store) CreateSession(ctx context.Context, userID int64, documentText string) (int64, error) {
	now := s.now()
	var id int64
	if err := s.db.QueryRow(ctx,
		`INSERT INTO ai_sessions (user_id, document_text, created_at, last_activity, is_active, request_count)
		 VALUES ($1, $2, $3, $4, TRUE, 0) RETURNING id`,
		userID, documentText, now, now,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

// ActiveSession returns the user's active session, or nil when none exists.
func (s *Store) ActiveSession(ctx context.Context, externalID string) (*session.Session, error) {
	var sess session.Session
	err := s.db.QueryRow(ctx,
		`SELECT s.id, s.user_id, s.document_text, s.created_at, s.last_activity, s.is_active, s.request_count
		 FROM ai_sessions s
		 JOIN users u ON u.id = s.user_id
		 WHERE u.external_id = $1 AND s.is_active
		 ORDER BY s.last_activity DESC LIMIT 1`,
		externalID,
	).Scan(&sess.ID, &sess.UserID, &sess.DocumentText, &sess.CreatedAt,
		&sess.LastActivity, &sess.Active, &sess.RequestCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select active session: %w", err)
	}
	return &sess, nil
}

// CloseSession deletes the session's messages and marks it inactive.
func (s *Store) CloseSession(ctx context.Context, sessionID int64) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM messages WHERE session_id = $1`, sessionID,
	); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE ai_sessions SET is_active = FALSE WHERE id = $1`, sessionID,
	); err != nil {
		return fmt.Errorf("deactivate session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// PruneClosedSessions deletes all but the keep most recently active closed
// sessions for userID.
func (s *Store) PruneClosedSessions(ctx context.Context, userID int64, keep int) error {
	if keep < 0 {
		keep = 0
	}
	_, err := s.db.Exec(ctx,
		`DELETE FROM ai_sessions
		 WHERE user_id = $1 AND NOT is_active AND id NOT IN (
			SELECT id FROM ai_sessions
			WHERE user_id = $1 AND NOT is_active
			ORDER BY last_activity DESC LIMIT $2
		 )`,
		userID, keep,
	)
	if err != nil {
		return fmt.Errorf("prune sessions: %w", err)
	}
	return nil
}

// AppendMessage records a turn and bumps session activity. A user turn also
// consumes one unit of the request quota.
func (s *Store) AppendMessage(ctx context.Context, sessionID int64, role, content string) error {
	now := s.now()
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO messages (session_id, role, content, created_at) VALUES ($1, $2, $3, $4)`,
		sessionID, role, content, now,
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	increment := 0
	if role == session.RoleUser {
		increment = 1
	}
	if _, err := tx.Exec(ctx,
		`UPDATE ai_sessions SET last_activity = $1, request_count = request_count + $2 WHERE id = $3`,
		now, increment, sessionID,
	); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Messages returns the session's turns in chronological order.
func (s *Store) Messages(ctx context.Context, sessionID int64) ([]session.Message, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, session_id, role, content, created_at
		 FROM messages WHERE session_id = $1 ORDER BY created_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	var msgs []session.Message
	for rows.Next() {
		var m session.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}
