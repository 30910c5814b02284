// Package app wires admission control, the crawl engine, the content cache,
// sessions, and the AI client into the operations the API and CLI expose.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/osokin/sitebrief/internal/admission"
	"github.com/osokin/sitebrief/internal/ai"
	"github.com/osokin/sitebrief/internal/cache"
	"github.com/osokin/sitebrief/internal/crawler"
	"github.com/osokin/sitebrief/internal/metrics"
	"github.com/osokin/sitebrief/internal/progress"
	"github.com/osokin/sitebrief/internal/session"
)

// Sentinel errors mapped to API status codes.
var (
	ErrInvalidURL       = errors.New("invalid url")
	ErrNoActiveSession  = errors.New("no active session")
	ErrDocumentNotFound = errors.New("document not found")
)

// RateLimitError carries the admission decision for a rejected request.
type RateLimitError struct {
	Decision admission.Decision
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %s (retry in %s)", e.Decision.Reason, e.Decision.RetryAfter)
}

// Limits bound crawl sizes requested by clients.
type Limits struct {
	DefaultMaxPages int
	MaxPagesCeiling int
}

// Service exposes the high-level operations.
type Service struct {
	limiter  *admission.Limiter
	store    cache.Store
	sessions *session.Manager
	engine   *crawler.Engine
	ai       *ai.Client
	sink     progress.Sink
	limits   Limits
	logger   *zap.Logger
}

// New assembles the service. sink may be nil when no progress consumer is
// wired.
func New(limiter *admission.Limiter, store cache.Store, sessions *session.Manager,
	engine *crawler.Engine, aiClient *ai.Client, sink progress.Sink,
	limits Limits, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		limiter:  limiter,
		store:    store,
		sessions: sessions,
		engine:   engine,
		ai:       aiClient,
		sink:     sink,
		limits:   limits,
		logger:   logger,
	}
}

// ProcessResult is the outcome of turning a URL into a grounded session.
type ProcessResult struct {
	SessionID      int64
	DocumentID     int64
	Document       string
	URL            string
	Variant        cache.Variant
	PagesProcessed int
	PageErrors     int
	Cached         bool
}

// Process turns a URL into a structured document and opens a session grounded
// on it. A cached document for the same (url, variant) skips the crawl.
func (s *Service) Process(ctx context.Context, user session.UserInfo, rawURL string, single bool, maxPages int) (*ProcessResult, error) {
	if err := s.admit(user.ExternalID, admission.BucketURL); err != nil {
		return nil, err
	}

	target, err := crawler.NormalizeURL(crawler.CoerceScheme(rawURL))
	if err != nil {
		return nil, ErrInvalidURL
	}

	variant := cache.VariantFull
	if single {
		variant = cache.VariantSingle
		maxPages = 1
	} else {
		maxPages = s.clampPages(maxPages)
	}

	out := &ProcessResult{URL: target, Variant: variant}

	cached, err := s.store.GetDocument(ctx, target, variant)
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	metrics.ObserveCacheLookup(string(variant), cached != nil)

	if cached != nil {
		out.DocumentID = cached.ID
		out.Document = cached.Content
		out.PagesProcessed = cached.PagesProcessed
		out.Cached = true
	} else {
		res, err := s.engine.Crawl(ctx, target, maxPages, s.sink)
		if err != nil {
			if errors.Is(err, crawler.ErrInvalidStartURL) {
				return nil, ErrInvalidURL
			}
			return nil, fmt.Errorf("crawl: %w", err)
		}
		out.Document = res.Document()
		out.PagesProcessed = res.PagesProcessed
		out.PageErrors = len(res.Errors)

		id, err := s.store.PutDocument(ctx, target, out.Document, res.PagesProcessed, variant)
		if err != nil {
			return nil, fmt.Errorf("cache document: %w", err)
		}
		out.DocumentID = id
	}

	sessionID, err := s.sessions.Start(ctx, user, out.Document)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	out.SessionID = sessionID
	return out, nil
}

// Answer is one grounded reply plus the remaining question quota.
type Answer struct {
	SessionID int64
	Text      string
	Remaining int
}

// Ask sends a question against the user's active session.
func (s *Service) Ask(ctx context.Context, user session.UserInfo, question string) (*Answer, error) {
	if err := s.admit(user.ExternalID, admission.BucketAI); err != nil {
		return nil, err
	}

	sess, err := s.sessions.Resume(ctx, user.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("resume session: %w", err)
	}
	if sess == nil {
		return nil, ErrNoActiveSession
	}

	if err := s.sessions.Append(ctx, sess.ID, session.RoleUser, question); err != nil {
		return nil, err
	}

	history, err := s.sessions.History(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	turns := make([]ai.Message, 0, len(history))
	for _, m := range history {
		turns = append(turns, ai.Message{Role: m.Role, Content: m.Content})
	}

	started := time.Now()
	reply, err := s.ai.Complete(ctx, turns, ai.SystemPrompt(sess.DocumentText))
	if err != nil {
		metrics.ObserveAIRequest("ask", "error", time.Since(started))
		return nil, fmt.Errorf("completion: %w", err)
	}
	metrics.ObserveAIRequest("ask", "ok", time.Since(started))

	if err := s.sessions.Append(ctx, sess.ID, session.RoleAssistant, reply); err != nil {
		return nil, err
	}

	sess.RequestCount++
	return &Answer{
		SessionID: sess.ID,
		Text:      reply,
		Remaining: s.sessions.Remaining(sess),
	}, nil
}

// Summary returns the study summary for a previously processed document,
// generating and caching it on first request.
func (s *Service) Summary(ctx context.Context, user session.UserInfo, rawURL string, single bool) (string, bool, error) {
	if err := s.admit(user.ExternalID, admission.BucketAI); err != nil {
		return "", false, err
	}

	target, err := crawler.NormalizeURL(crawler.CoerceScheme(rawURL))
	if err != nil {
		return "", false, ErrInvalidURL
	}
	variant := cache.VariantFull
	if single {
		variant = cache.VariantSingle
	}

	doc, err := s.store.GetDocument(ctx, target, variant)
	if err != nil {
		return "", false, fmt.Errorf("cache lookup: %w", err)
	}
	if doc == nil {
		return "", false, ErrDocumentNotFound
	}

	if summary, ok, err := s.store.GetSummary(ctx, doc.ID, variant); err != nil {
		return "", false, fmt.Errorf("summary lookup: %w", err)
	} else if ok {
		return summary, true, nil
	}

	started := time.Now()
	summary, err := s.ai.Complete(ctx,
		[]ai.Message{{Role: ai.RoleUser, Content: ai.SummaryRequest}},
		ai.SummaryPrompt(doc.Content))
	if err != nil {
		metrics.ObserveAIRequest("summary", "error", time.Since(started))
		return "", false, fmt.Errorf("completion: %w", err)
	}
	metrics.ObserveAIRequest("summary", "ok", time.Since(started))

	if _, err := s.store.PutSummary(ctx, doc.ID, summary, variant); err != nil {
		s.logger.Warn("caching summary failed", zap.Int64("document_id", doc.ID), zap.Error(err))
	}
	return summary, false, nil
}

// Document returns a previously processed document without crawling.
func (s *Service) Document(ctx context.Context, rawURL string, single bool) (*cache.Document, error) {
	target, err := crawler.NormalizeURL(crawler.CoerceScheme(rawURL))
	if err != nil {
		return nil, ErrInvalidURL
	}
	variant := cache.VariantFull
	if single {
		variant = cache.VariantSingle
	}
	doc, err := s.store.GetDocument(ctx, target, variant)
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	if doc == nil {
		return nil, ErrDocumentNotFound
	}
	return doc, nil
}

// StartSession opens a session grounded on an already cached document.
func (s *Service) StartSession(ctx context.Context, user session.UserInfo, rawURL string, single bool) (int64, error) {
	if err := s.admit(user.ExternalID, admission.BucketGeneral); err != nil {
		return 0, err
	}
	doc, err := s.Document(ctx, rawURL, single)
	if err != nil {
		return 0, err
	}
	id, err := s.sessions.Start(ctx, user, doc.Content)
	if err != nil {
		return 0, fmt.Errorf("start session: %w", err)
	}
	return id, nil
}

// EndSession closes the user's active session. It reports whether one was
// open.
func (s *Service) EndSession(ctx context.Context, externalID string) (bool, error) {
	return s.sessions.End(ctx, externalID)
}

// CacheStats returns cache aggregates for the admin surface.
func (s *Service) CacheStats(ctx context.Context) (cache.Stats, error) {
	return s.store.Stats(ctx)
}

// LimiterStats returns admission-control aggregates for the admin surface.
func (s *Service) LimiterStats() admission.Stats {
	return s.limiter.Stats()
}

// EvictCache removes documents idle longer than days and returns the count.
func (s *Service) EvictCache(ctx context.Context, days int) (int64, error) {
	removed, err := s.store.EvictOlderThan(ctx, days)
	if err != nil {
		return 0, err
	}
	s.logger.Info("cache eviction completed", zap.Int("days", days), zap.Int64("removed", removed))
	return removed, nil
}

func (s *Service) admit(userID string, bucket admission.Bucket) error {
	d := s.limiter.Admit(userID, bucket)
	metrics.ObserveAdmission(string(bucket), d.Allowed)
	if !d.Allowed {
		return &RateLimitError{Decision: d}
	}
	return nil
}

func (s *Service) clampPages(maxPages int) int {
	if maxPages <= 0 {
		maxPages = s.limits.DefaultMaxPages
	}
	if s.limits.MaxPagesCeiling > 0 && maxPages > s.limits.MaxPagesCeiling {
		maxPages = s.limits.MaxPagesCeiling
	}
	return maxPages
}
