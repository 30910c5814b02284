// Package postgres implements the cache and session stores on PostgreSQL
// via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/osokin/sitebrief/internal/cache"
	"github.com/osokin/sitebrief/internal/session"
)

var (
	_ cache.Store   = (*Store)(nil)
	_ session.Store = (*Store)(nil)
)

// DB is the subset of pgxpool.Pool the store needs; pgxmock satisfies it in
// tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	external_id TEXT NOT NULL UNIQUE,
	username TEXT,
	first_name TEXT
);

CREATE TABLE IF NOT EXISTS ai_sessions (
	id BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	document_text TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	last_activity TIMESTAMPTZ NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	request_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
	id BIGSERIAL PRIMARY KEY,
	session_id BIGINT NOT NULL REFERENCES ai_sessions(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS cached_documents (
	id BIGSERIAL PRIMARY KEY,
	url TEXT NOT NULL,
	url_hash TEXT NOT NULL,
	variant TEXT NOT NULL,
	content TEXT NOT NULL,
	pages_processed INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	last_accessed TIMESTAMPTZ NOT NULL,
	access_count BIGINT NOT NULL DEFAULT 1,
	UNIQUE(url_hash, variant)
);
CREATE INDEX IF NOT EXISTS idx_cached_documents_last_accessed
	ON cached_documents(last_accessed);

CREATE TABLE IF NOT EXISTS cached_summaries (
	id BIGSERIAL PRIMARY KEY,
	document_id BIGINT NOT NULL REFERENCES cached_documents(id) ON DELETE CASCADE,
	content TEXT NOT NULL,
	variant TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	last_accessed TIMESTAMPTZ NOT NULL,
	access_count BIGINT NOT NULL DEFAULT 1,
	UNIQUE(document_id, variant)
);
`

// Store is a Postgres-backed cache and session store.
type Store struct {
	db  DB
	now func() time.Time
}

// New connects to dsn, pings the server, and applies the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return NewWithDB(pool), nil
}

// NewWithDB wraps an existing pool or mock without applying the schema.
func NewWithDB(db DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// PutDocument upserts the document for (url, variant) inside a transaction so
// concurrent writers cannot produce two rows for the same key.
func (s *Store) PutDocument(ctx context.Context, url, content string, pagesProcessed int, variant cache.Variant) (int64, error) {
	hash := cache.Fingerprint(url)
	now := s.now()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	err = tx.QueryRow(ctx,
		`SELECT id FROM cached_documents WHERE url_hash IN ($1, $2) AND variant = $3`,
		hash, cache.VariantFingerprint(url, variant), string(variant),
	).Scan(&id)
	switch {
	case err == nil:
		if _, err := tx.Exec(ctx,
			`UPDATE cached_documents
			 SET content = $1, pages_processed = $2, last_accessed = $3, access_count = access_count + 1
			 WHERE id = $4`,
			content, pagesProcessed, now, id,
		); err != nil {
			return 0, fmt.Errorf("update document: %w", err)
		}
	case errors.Is(err, pgx.ErrNoRows):
		var otherCount int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM cached_documents WHERE url_hash = $1 AND variant != $2`,
			hash, string(variant),
		).Scan(&otherCount); err != nil {
			return 0, fmt.Errorf("check variant collision: %w", err)
		}
		if otherCount > 0 {
			hash = cache.VariantFingerprint(url, variant)
		}
		// A concurrent writer may commit the same key between the select
		// and the insert; fold that case into an update instead of
		// surfacing the unique violation.
		if err := tx.QueryRow(ctx,
			`INSERT INTO cached_documents (url, url_hash, variant, content, pages_processed, created_at, last_accessed)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (url_hash, variant) DO UPDATE SET
				content = EXCLUDED.content,
				pages_processed = EXCLUDED.pages_processed,
				last_accessed = EXCLUDED.last_accessed,
				access_count = cached_documents.access_count + 1
			 RETURNING id`,
			url, hash, string(variant), content, pagesProcessed, now, now,
		).Scan(&id); err != nil {
			return 0, fmt.Errorf("insert document: %w", err)
		}
	default:
		return 0, fmt.Errorf("find document: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// GetDocument looks up (url, variant) by the primary fingerprint, then by the
// composite fallback. A hit bumps access stats; a miss returns (nil, nil).
func (s *Store) GetDocument(ctx context.Context, url string, variant cache.Variant) (*cache.Document, error) {
	for _, hash := range []string{cache.Fingerprint(url), cache.VariantFingerprint(url, variant)} {
		doc, err := s.getByFingerprint(ctx, hash, variant)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			return doc, nil
		}
	}
	return nil, nil
}

func (s *Store) getByFingerprint(ctx context.Context, hash string, variant cache.Variant) (*cache.Document, error) {
	var doc cache.Document
	err := s.db.QueryRow(ctx,
		`SELECT id, url, url_hash, variant, content, pages_processed, created_at, last_accessed, access_count
		 FROM cached_documents WHERE url_hash = $1 AND variant = $2`,
		hash, string(variant),
	).Scan(&doc.ID, &doc.URL, &doc.Fingerprint, &doc.Variant, &doc.Content,
		&doc.PagesProcessed, &doc.CreatedAt, &doc.LastAccessed, &doc.AccessCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select document: %w", err)
	}

	now := s.now()
	if _, err := s.db.Exec(ctx,
		`UPDATE cached_documents SET last_accessed = $1, access_count = access_count + 1 WHERE id = $2`,
		now, doc.ID,
	); err != nil {
		return nil, fmt.Errorf("bump access stats: %w", err)
	}
	doc.LastAccessed = now
	doc.AccessCount++
	return &doc, nil
}

// PutSummary upserts the single summary per (document, variant).
func (s *Store) PutSummary(ctx context.Context, documentID int64, content string, variant cache.Variant) (int64, error) {
	now := s.now()
	var id int64
	err := s.db.QueryRow(ctx,
		`INSERT INTO cached_summaries (document_id, content, variant, created_at, last_accessed)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (document_id, variant) DO UPDATE SET
			content = EXCLUDED.content,
			last_accessed = EXCLUDED.last_accessed,
			access_count = cached_summaries.access_count + 1
		 RETURNING id`,
		documentID, content, string(variant), now, now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert summary: %w", err)
	}
	return id, nil
}

// GetSummary returns the summary text for (document, variant), bumping access
// stats on a hit.
func (s *Store) GetSummary(ctx context.Context, documentID int64, variant cache.Variant) (string, bool, error) {
	var (
		id      int64
		content string
	)
	err := s.db.QueryRow(ctx,
		`SELECT id, content FROM cached_summaries WHERE document_id = $1 AND variant = $2`,
		documentID, string(variant),
	).Scan(&id, &content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("select summary: %w", err)
	}

	if _, err := s.db.Exec(ctx,
		`UPDATE cached_summaries SET last_accessed = $1, access_count = access_count + 1 WHERE id = $2`,
		s.now(), id,
	); err != nil {
		return "", false, fmt.Errorf("bump summary stats: %w", err)
	}
	return content, true, nil
}

// EvictOlderThan deletes documents idle for more than the given number of
// days; summaries cascade.
func (s *Store) EvictOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := s.now().AddDate(0, 0, -days)
	tag, err := s.db.Exec(ctx,
		`DELETE FROM cached_documents WHERE last_accessed < $1`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("evict documents: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats aggregates cache counters.
func (s *Store) Stats(ctx context.Context) (cache.Stats, error) {
	var st cache.Stats

	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN variant = $1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN variant = $2 THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(LENGTH(content)) / 1024.0, 0)
		FROM cached_documents`,
		string(cache.VariantSingle), string(cache.VariantFull),
	).Scan(&st.Documents, &st.SinglePageDocs, &st.FullCrawlDocs, &st.AvgDocSizeKB)
	if err != nil {
		return cache.Stats{}, fmt.Errorf("document stats: %w", err)
	}

	err = s.db.QueryRow(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN variant = $1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN variant = $2 THEN 1 ELSE 0 END), 0)
		FROM cached_summaries`,
		string(cache.VariantSingle), string(cache.VariantFull),
	).Scan(&st.Summaries, &st.SinglePageSums, &st.FullCrawlSums)
	if err != nil {
		return cache.Stats{}, fmt.Errorf("summary stats: %w", err)
	}

	if st.Documents > 0 {
		var oldest, newest time.Time
		if err := s.db.QueryRow(ctx,
			`SELECT MIN(created_at), MAX(created_at) FROM cached_documents`,
		).Scan(&oldest, &newest); err != nil {
			return cache.Stats{}, fmt.Errorf("created range: %w", err)
		}
		st.OldestDocCreated = &oldest
		st.NewestDocCreated = &newest
	}

	top := func(where string, args ...any) (string, error) {
		var url string
		err := s.db.QueryRow(ctx,
			`SELECT url FROM cached_documents `+where+` ORDER BY access_count DESC LIMIT 1`,
			args...,
		).Scan(&url)
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return url, err
	}

	if st.MostAccessedDoc, err = top(""); err != nil {
		return cache.Stats{}, fmt.Errorf("top document: %w", err)
	}
	if st.MostAccessedPage, err = top("WHERE variant = $1", string(cache.VariantSingle)); err != nil {
		return cache.Stats{}, fmt.Errorf("top page: %w", err)
	}
	if st.MostAccessedCrawl, err = top("WHERE variant = $1", string(cache.VariantFull)); err != nil {
		return cache.Stats{}, fmt.Errorf("top crawl: %w", err)
	}
	return st, nil
}
