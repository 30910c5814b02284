package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osokin/sitebrief/internal/cache"
	"github.com/osokin/sitebrief/internal/session"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store := NewWithDB(mock)
	store.now = func() time.Time { return time.Unix(1700000000, 0).UTC() }
	return store, mock
}

func TestPutDocumentInsertsFreshRow(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	url := "https://example.com"
	hash := cache.Fingerprint(url)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM cached_documents WHERE url_hash IN").
		WithArgs(hash, cache.VariantFingerprint(url, cache.VariantFull), "full").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(hash, "full").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`INSERT INTO cached_documents(?s:.*)ON CONFLICT \(url_hash, variant\) DO UPDATE`).
		WithArgs(url, hash, "full", "content", 12, now, now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectCommit()

	id, err := store.PutDocument(context.Background(), url, "content", 12, cache.VariantFull)
	require.NoError(t, err)
	assert.EqualValues(t, 7, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPutDocumentAbsorbsConcurrentInsert(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	url := "https://example.com"
	hash := cache.Fingerprint(url)

	// Another writer commits the same key after the select but before the
	// insert. The conflict clause turns the insert into an update and the
	// existing row's id comes back instead of a unique-violation error.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM cached_documents WHERE url_hash IN").
		WithArgs(hash, cache.VariantFingerprint(url, cache.VariantFull), "full").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(hash, "full").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`INSERT INTO cached_documents(?s:.*)ON CONFLICT \(url_hash, variant\) DO UPDATE`).
		WithArgs(url, hash, "full", "content", 12, now, now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(41)))
	mock.ExpectCommit()

	id, err := store.PutDocument(context.Background(), url, "content", 12, cache.VariantFull)
	require.NoError(t, err)
	assert.EqualValues(t, 41, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPutDocumentVariantCollisionUsesCompositeKey(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	url := "https://example.com"
	hash := cache.Fingerprint(url)
	composite := cache.VariantFingerprint(url, cache.VariantSingle)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM cached_documents WHERE url_hash IN").
		WithArgs(hash, composite, "single").
		WillReturnError(pgx.ErrNoRows)
	// The other variant already owns the primary fingerprint.
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(hash, "single").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("INSERT INTO cached_documents").
		WithArgs(url, composite, "single", "content", 1, now, now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(8)))
	mock.ExpectCommit()

	id, err := store.PutDocument(context.Background(), url, "content", 1, cache.VariantSingle)
	require.NoError(t, err)
	assert.EqualValues(t, 8, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPutDocumentUpdatesExistingRow(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM cached_documents WHERE url_hash IN").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectExec("UPDATE cached_documents").
		WithArgs("new content", 20, now, int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	id, err := store.PutDocument(context.Background(), "https://example.com", "new content", 20, cache.VariantFull)
	require.NoError(t, err)
	assert.EqualValues(t, 3, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDocumentHitBumpsStats(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	created := now.Add(-time.Hour)

	url := "https://example.com"
	hash := cache.Fingerprint(url)

	mock.ExpectQuery("SELECT id, url, url_hash, variant, content").
		WithArgs(hash, "full").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "url", "url_hash", "variant", "content",
			"pages_processed", "created_at", "last_accessed", "access_count",
		}).AddRow(int64(5), url, hash, cache.VariantFull, "text", 9, created, created, int64(2)))
	mock.ExpectExec("UPDATE cached_documents SET last_accessed").
		WithArgs(now, int64(5)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	doc, err := store.GetDocument(context.Background(), url, cache.VariantFull)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "text", doc.Content)
	assert.Equal(t, now, doc.LastAccessed)
	assert.EqualValues(t, 3, doc.AccessCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDocumentMissFallsBackThenReturnsNil(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	url := "https://example.com"
	mock.ExpectQuery("SELECT id, url, url_hash, variant, content").
		WithArgs(cache.Fingerprint(url), "full").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT id, url, url_hash, variant, content").
		WithArgs(cache.VariantFingerprint(url, cache.VariantFull), "full").
		WillReturnError(pgx.ErrNoRows)

	doc, err := store.GetDocument(context.Background(), url, cache.VariantFull)
	require.NoError(t, err)
	assert.Nil(t, doc)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEvictOlderThan(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	cutoff := time.Unix(1700000000, 0).UTC().AddDate(0, 0, -30)

	mock.ExpectExec("DELETE FROM cached_documents").
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	removed, err := store.EvictOlderThan(context.Background(), 30)
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSummaryMiss(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, content FROM cached_summaries").
		WithArgs(int64(4), "full").
		WillReturnError(pgx.ErrNoRows)

	content, ok, err := store.GetSummary(context.Background(), 4, cache.VariantFull)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, content)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendMessageIncrementsQuotaForUserTurns(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO messages").
		WithArgs(int64(2), session.RoleUser, "question", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE ai_sessions SET last_activity").
		WithArgs(now, 1, int64(2)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, store.AppendMessage(context.Background(), 2, session.RoleUser, "question"))
	require.NoError(t, mock.ExpectationsWereMet())
}
