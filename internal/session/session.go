// Package session manages bounded per-user conversation state: one active
// session per user, an idle timeout, a per-session request quota, and a short
// tail of retained closed sessions.
package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Session is one grounded conversation over a crawled document.
type Session struct {
	ID           int64
	UserID       int64
	DocumentText string
	CreatedAt    time.Time
	LastActivity time.Time
	Active       bool
	RequestCount int
}

// Message is a single conversation turn.
type Message struct {
	ID        int64
	SessionID int64
	Role      string
	Content   string
	CreatedAt time.Time
}

// UserInfo identifies the external user creating a session.
type UserInfo struct {
	ExternalID string
	Username   string
	FirstName  string
}

// Policy bounds session lifetime and size.
type Policy struct {
	IdleTimeout time.Duration
	MaxRequests int
	// KeepClosed is how many closed sessions are retained per user.
	KeepClosed int
}

// Store provides the persistence primitives the Manager composes. A nil
// session with a nil error means "none".
type Store interface {
	EnsureUser(ctx context.Context, externalID, username, firstName string) (int64, error)
	CreateSession(ctx context.Context, userID int64, documentText string) (int64, error)
	ActiveSession(ctx context.Context, externalID string) (*Session, error)
	// CloseSession deletes the session's messages and marks it inactive.
	CloseSession(ctx context.Context, sessionID int64) error
	// PruneClosedSessions deletes all but the keep most recent closed sessions.
	PruneClosedSessions(ctx context.Context, userID int64, keep int) error
	// AppendMessage adds a turn, bumps last activity, and increments the
	// request counter when the role is "user".
	AppendMessage(ctx context.Context, sessionID int64, role, content string) error
	Messages(ctx context.Context, sessionID int64) ([]Message, error)
}

// Manager applies Policy on top of a Store.
type Manager struct {
	store  Store
	policy Policy
	logger *zap.Logger
	now    func() time.Time
}

// NewManager builds a Manager. A nil logger is replaced with a nop logger.
func NewManager(store Store, policy Policy, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, policy: policy, logger: logger, now: time.Now}
}

// Start opens a fresh session grounded on documentText, closing any active
// session the user has and pruning old closed ones.
func (m *Manager) Start(ctx context.Context, user UserInfo, documentText string) (int64, error) {
	userID, err := m.store.EnsureUser(ctx, user.ExternalID, user.Username, user.FirstName)
	if err != nil {
		return 0, fmt.Errorf("ensure user: %w", err)
	}

	if active, err := m.store.ActiveSession(ctx, user.ExternalID); err != nil {
		return 0, fmt.Errorf("lookup active session: %w", err)
	} else if active != nil {
		if err := m.store.CloseSession(ctx, active.ID); err != nil {
			return 0, fmt.Errorf("close previous session: %w", err)
		}
	}

	if err := m.store.PruneClosedSessions(ctx, userID, m.policy.KeepClosed); err != nil {
		return 0, fmt.Errorf("prune closed sessions: %w", err)
	}

	id, err := m.store.CreateSession(ctx, userID, documentText)
	if err != nil {
		return 0, fmt.Errorf("create session: %w", err)
	}
	m.logger.Info("session started", zap.Int64("session_id", id), zap.String("user", user.ExternalID))
	return id, nil
}

// Resume returns the user's active session, or nil when there is none or the
// session has aged out or exhausted its quota (in which case it is closed).
func (m *Manager) Resume(ctx context.Context, externalID string) (*Session, error) {
	s, err := m.store.ActiveSession(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("lookup active session: %w", err)
	}
	if s == nil {
		return nil, nil
	}

	idleDeadline := m.now().Add(-m.policy.IdleTimeout)
	expired := !s.LastActivity.After(idleDeadline)
	exhausted := s.RequestCount >= m.policy.MaxRequests
	if expired || exhausted {
		reason := "timeout"
		if exhausted {
			reason = "request quota exhausted"
		}
		if err := m.store.CloseSession(ctx, s.ID); err != nil {
			return nil, fmt.Errorf("close stale session: %w", err)
		}
		m.logger.Info("session closed", zap.Int64("session_id", s.ID), zap.String("reason", reason))
		return nil, nil
	}
	return s, nil
}

// Append records one conversation turn.
func (m *Manager) Append(ctx context.Context, sessionID int64, role, content string) error {
	if err := m.store.AppendMessage(ctx, sessionID, role, content); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// History returns the session's turns in chronological order.
func (m *Manager) History(ctx context.Context, sessionID int64) ([]Message, error) {
	msgs, err := m.store.Messages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	return msgs, nil
}

// End closes the user's active session. It reports whether one was open.
func (m *Manager) End(ctx context.Context, externalID string) (bool, error) {
	s, err := m.store.ActiveSession(ctx, externalID)
	if err != nil {
		return false, fmt.Errorf("lookup active session: %w", err)
	}
	if s == nil {
		return false, nil
	}
	if err := m.store.CloseSession(ctx, s.ID); err != nil {
		return false, fmt.Errorf("close session: %w", err)
	}
	return true, nil
}

// Remaining reports how many asks the session has left under the quota.
func (m *Manager) Remaining(s *Session) int {
	left := m.policy.MaxRequests - s.RequestCount
	if left < 0 {
		return 0
	}
	return left
}
