// Package sqlite implements the cache and session stores on an embedded
// SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/osokin/sitebrief/internal/cache"
	"github.com/osokin/sitebrief/internal/session"
)

// Store satisfies both persistence contracts.
var (
	_ cache.Store   = (*Store)(nil)
	_ session.Store = (*Store)(nil)
)

const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	external_id TEXT NOT NULL UNIQUE,
	username TEXT,
	first_name TEXT
);

CREATE TABLE IF NOT EXISTS ai_sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	document_text TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	last_activity DATETIME NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT 1,
	request_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES ai_sessions(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS cached_documents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT NOT NULL,
	url_hash TEXT NOT NULL,
	variant TEXT NOT NULL,
	content TEXT NOT NULL,
	pages_processed INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	last_accessed DATETIME NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 1,
	UNIQUE(url_hash, variant)
);
CREATE INDEX IF NOT EXISTS idx_cached_documents_last_accessed
	ON cached_documents(last_accessed);

CREATE TABLE IF NOT EXISTS cached_summaries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id INTEGER NOT NULL REFERENCES cached_documents(id) ON DELETE CASCADE,
	content TEXT NOT NULL,
	variant TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	last_accessed DATETIME NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 1,
	UNIQUE(document_id, variant)
);
`

// Store is a SQLite-backed cache and session store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New opens (or creates) the database at dsn and applies the schema.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The modernc driver serializes writes; a single connection avoids
	// SQLITE_BUSY under interleaved tasks.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutDocument upserts the document for (url, variant) and returns its id.
// When the other variant already owns the primary fingerprint, the new row is
// keyed by the composite fingerprint so both variants coexist.
func (s *Store) PutDocument(ctx context.Context, url, content string, pagesProcessed int, variant cache.Variant) (int64, error) {
	hash := cache.Fingerprint(url)
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM cached_documents WHERE url_hash IN (?, ?) AND variant = ?`,
		hash, cache.VariantFingerprint(url, variant), variant,
	).Scan(&id)
	switch {
	case err == nil:
		_, err = tx.ExecContext(ctx,
			`UPDATE cached_documents
			 SET content = ?, pages_processed = ?, last_accessed = ?, access_count = access_count + 1
			 WHERE id = ?`,
			content, pagesProcessed, now, id,
		)
		if err != nil {
			return 0, fmt.Errorf("update document: %w", err)
		}
	case errors.Is(err, sql.ErrNoRows):
		var otherCount int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM cached_documents WHERE url_hash = ? AND variant != ?`,
			hash, variant,
		).Scan(&otherCount); err != nil {
			return 0, fmt.Errorf("check variant collision: %w", err)
		}
		if otherCount > 0 {
			hash = cache.VariantFingerprint(url, variant)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO cached_documents (url, url_hash, variant, content, pages_processed, created_at, last_accessed)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			url, hash, variant, content, pagesProcessed, now, now,
		)
		if err != nil {
			return 0, fmt.Errorf("insert document: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return 0, fmt.Errorf("last insert id: %w", err)
		}
	default:
		return 0, fmt.Errorf("find document: %w", err)
	}

	if err := tx.Commit(); err != nil {
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
	err := s.db.QueryRowContext(ctx,
		`SELECT id, url, url_hash, variant, content, pages_processed, created_at, last_accessed, access_count
		 FROM cached_documents WHERE url_hash = ? AND variant = ?`,
		hash, variant,
	).Scan(&doc.ID, &doc.URL, &doc.Fingerprint, &doc.Variant, &doc.Content,
		&doc.PagesProcessed, &doc.CreatedAt, &doc.LastAccessed, &doc.AccessCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select document: %w", err)
	}

	now := s.now()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE cached_documents SET last_accessed = ?, access_count = access_count + 1 WHERE id = ?`,
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
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cached_summaries (document_id, content, variant, created_at, last_accessed)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(document_id, variant) DO UPDATE SET
			content = excluded.content,
			last_accessed = excluded.last_accessed,
			access_count = access_count + 1`,
		documentID, content, variant, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert summary: %w", err)
	}
	if _, err := res.RowsAffected(); err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT id FROM cached_summaries WHERE document_id = ? AND variant = ?`,
		documentID, variant,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("select summary id: %w", err)
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
	err := s.db.QueryRowContext(ctx,
		`SELECT id, content FROM cached_summaries WHERE document_id = ? AND variant = ?`,
		documentID, variant,
	).Scan(&id, &content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("select summary: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE cached_summaries SET last_accessed = ?, access_count = access_count + 1 WHERE id = ?`,
		s.now(), id,
	); err != nil {
		return "", false, fmt.Errorf("bump summary stats: %w", err)
	}
	return content, true, nil
}

// EvictOlderThan deletes documents idle for more than the given number of
// days. Summaries go with their documents via the cascade.
func (s *Store) EvictOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := s.now().AddDate(0, 0, -days)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cached_documents WHERE last_accessed < ?`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("evict documents: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return removed, nil
}

// Stats aggregates cache counters.
func (s *Store) Stats(ctx context.Context) (cache.Stats, error) {
	var st cache.Stats

	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN variant = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN variant = ? THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(LENGTH(content)) / 1024.0, 0)
		FROM cached_documents`,
		cache.VariantSingle, cache.VariantFull,
	)
	if err := row.Scan(&st.Documents, &st.SinglePageDocs, &st.FullCrawlDocs, &st.AvgDocSizeKB); err != nil {
		return cache.Stats{}, fmt.Errorf("document stats: %w", err)
	}

	row = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN variant = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN variant = ? THEN 1 ELSE 0 END), 0)
		FROM cached_summaries`,
		cache.VariantSingle, cache.VariantFull,
	)
	if err := row.Scan(&st.Summaries, &st.SinglePageSums, &st.FullCrawlSums); err != nil {
		return cache.Stats{}, fmt.Errorf("summary stats: %w", err)
	}

	if st.Documents > 0 {
		var oldest, newest time.Time
		if err := s.db.QueryRowContext(ctx,
			`SELECT MIN(created_at), MAX(created_at) FROM cached_documents`,
		).Scan(&oldest, &newest); err != nil {
			return cache.Stats{}, fmt.Errorf("created range: %w", err)
		}
		st.OldestDocCreated = &oldest
		st.NewestDocCreated = &newest
	}

	top := func(where string, args ...any) (string, error) {
		var url string
		err := s.db.QueryRowContext(ctx,
			`SELECT url FROM cached_documents `+where+` ORDER BY access_count DESC LIMIT 1`,
			args...,
		).Scan(&url)
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return url, err
	}

	var err error
	if st.MostAccessedDoc, err = top(""); err != nil {
		return cache.Stats{}, fmt.Errorf("top document: %w", err)
	}
	if st.MostAccessedPage, err = top("WHERE variant = ?", cache.VariantSingle); err != nil {
		return cache.Stats{}, fmt.Errorf("top page: %w", err)
	}
	if st.MostAccessedCrawl, err = top("WHERE variant = ?", cache.VariantFull); err != nil {
		return cache.Stats{}, fmt.Errorf("top crawl: %w", err)
	}
	return st, nil
}
