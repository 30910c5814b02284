// Package cache defines the content-addressed document cache contract shared
// by the sqlite and postgres stores.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Variant distinguishes a single-page fetch from a full-site crawl of the
// same URL.
type Variant string

// Cached artifact variants.
const (
	VariantSingle Variant = "single"
	VariantFull   Variant = "full"
)

// Valid reports whether v is a known variant.
func (v Variant) Valid() bool {
	return v == VariantSingle || v == VariantFull
}

// Fingerprint is the primary cache key: a deterministic hash of the URL.
func Fingerprint(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

// VariantFingerprint is the fallback composite key used when both variants of
// one URL must coexist under distinct rows.
func VariantFingerprint(url string, variant Variant) string {
	return Fingerprint(url + "_" + string(variant))
}

// Document is a cached crawl result.
type Document struct {
	ID             int64
	URL            string
	Fingerprint    string
	Variant        Variant
	Content        string
	PagesProcessed int
	CreatedAt      time.Time
	LastAccessed   time.Time
	AccessCount    int64
}

// Stats aggregates cache counters for the admin surface.
type Stats struct {
	Documents         int64      `json:"documents"`
	SinglePageDocs    int64      `json:"single_page_docs"`
	FullCrawlDocs     int64      `json:"full_crawl_docs"`
	Summaries         int64      `json:"summaries"`
	SinglePageSums    int64      `json:"single_page_summaries"`
	FullCrawlSums     int64      `json:"full_crawl_summaries"`
	AvgDocSizeKB      float64    `json:"avg_doc_size_kb"`
	OldestDocCreated  *time.Time `json:"oldest_doc_created,omitempty"`
	NewestDocCreated  *time.Time `json:"newest_doc_created,omitempty"`
	MostAccessedDoc   string     `json:"most_accessed_doc,omitempty"`
	MostAccessedPage  string     `json:"most_accessed_page,omitempty"`
	MostAccessedCrawl string     `json:"most_accessed_crawl,omitempty"`
}

// Store is the content cache. Implementations must serialize concurrent
// upserts for the same (fingerprint, variant) so no duplicate rows appear.
type Store interface {
	// PutDocument upserts the document for (url, variant) and returns its id.
	// Re-crawls overwrite content and page count in place.
	PutDocument(ctx context.Context, url, content string, pagesProcessed int, variant Variant) (int64, error)

	// GetDocument looks up (url, variant), falling back to the composite
	// fingerprint. A hit bumps access stats. A miss returns (nil, nil).
	GetDocument(ctx context.Context, url string, variant Variant) (*Document, error)

	// PutSummary upserts the single summary per (document, variant).
	PutSummary(ctx context.Context, documentID int64, content string, variant Variant) (int64, error)

	// GetSummary returns the summary text, or ("", false, nil) on miss.
	GetSummary(ctx context.Context, documentID int64, variant Variant) (string, bool, error)

	// EvictOlderThan deletes documents whose last access precedes now-days,
	// cascading to their summaries, and returns how many were removed.
	EvictOlderThan(ctx context.Context, days int) (int64, error)

	// Stats returns aggregate cache counters.
	Stats(ctx context.Context) (Stats, error)

	Close() error
}
