package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	active *Session
	closed []int64
}

func (f *fakeStore) EnsureUser(context.Context, string, string, string) (int64, error) {
	return 1, nil
}

func (f *fakeStore) CreateSession(context.Context, int64, string) (int64, error) {
	return 42, nil
}

func (f *fakeStore) ActiveSession(context.Context, string) (*Session, error) {
	return f.active, nil
}

func (f *fakeStore) CloseSession(_ context.Context, id int64) error {
	f.closed = append(f.closed, id)
	f.active = nil
	return nil
}

func (f *fakeStore) PruneClosedSessions(context.Context, int64, int) error { return nil }

func (f *fakeStore) AppendMessage(context.Context, int64, string, string) error { return nil }

func (f *fakeStore) Messages(context.Context, int64) ([]Message, error) { return nil, nil }

func newTestManager(store Store) *Manager {
	m := NewManager(store, Policy{
		IdleTimeout: 30 * time.Minute,
		MaxRequests: 5,
		KeepClosed:  2,
	}, nil)
	m.now = func() time.Time { return time.Unix(1700000000, 0).UTC() }
	return m
}

func TestResumeReturnsNilWithoutSession(t *testing.T) {
	t.Parallel()
	m := newTestManager(&fakeStore{})

	s, err := m.Resume(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestResumeClosesExpiredSession(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 0).UTC()
	store := &fakeStore{active: &Session{
		ID:           7,
		LastActivity: now.Add(-31 * time.Minute),
		RequestCount: 1,
	}}
	m := newTestManager(store)

	s, err := m.Resume(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Equal(t, []int64{7}, store.closed)
}

func TestResumeClosesExhaustedSession(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 0).UTC()
	store := &fakeStore{active: &Session{
		ID:           8,
		LastActivity: now.Add(-time.Minute),
		RequestCount: 5,
	}}
	m := newTestManager(store)

	s, err := m.Resume(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Equal(t, []int64{8}, store.closed)
}

func TestResumeKeepsLiveSession(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 0).UTC()
	store := &fakeStore{active: &Session{
		ID:           9,
		LastActivity: now.Add(-time.Minute),
		RequestCount: 4,
	}}
	m := newTestManager(store)

	s, err := m.Resume(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.EqualValues(t, 9, s.ID)
	assert.Empty(t, store.closed)
}

func TestRemainingClampsAtZero(t *testing.T) {
	t.Parallel()
	m := newTestManager(&fakeStore{})

	assert.Equal(t, 5, m.Remaining(&Session{RequestCount: 0}))
	assert.Equal(t, 1, m.Remaining(&Session{RequestCount: 4}))
	assert.Equal(t, 0, m.Remaining(&Session{RequestCount: 5}))
	assert.Equal(t, 0, m.Remaining(&Session{RequestCount: 9}))
}
