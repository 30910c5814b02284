package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osokin/sitebrief/internal/admission"
	"github.com/osokin/sitebrief/internal/ai"
	"github.com/osokin/sitebrief/internal/crawler"
	"github.com/osokin/sitebrief/internal/metrics"
	"github.com/osokin/sitebrief/internal/session"
	"github.com/osokin/sitebrief/internal/store/sqlite"
)

var testUser = session.UserInfo{ExternalID: "u1", Username: "tester", FirstName: "Test"}

type harness struct {
	svc       *Service
	siteHits  *atomic.Int64
	aiCalls   *atomic.Int64
	siteURL   string
	teardowns []func()
}

func (h *harness) close() {
	for i := len(h.teardowns) - 1; i >= 0; i-- {
		h.teardowns[i]()
	}
}

func newHarness(t *testing.T, windows map[admission.Bucket]admission.Window) *harness {
	t.Helper()
	metrics.Init()

	h := &harness{siteHits: &atomic.Int64{}, aiCalls: &atomic.Int64{}}

	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.siteHits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>Docs</title></head><body><p>All about widgets.</p><a href="/faq">faq</a></body></html>`)
	}))
	h.teardowns = append(h.teardowns, site.Close)
	h.siteURL = site.URL

	aiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.aiCalls.Add(1)
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "widgets are covered"}},
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	h.teardowns = append(h.teardowns, aiSrv.Close)

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	h.teardowns = append(h.teardowns, func() { _ = store.Close() })

	if windows == nil {
		windows = map[admission.Bucket]admission.Window{
			admission.BucketGeneral: {Period: time.Minute, MaxCount: 100},
			admission.BucketURL:     {Period: time.Minute, MaxCount: 50},
			admission.BucketAI:      {Period: time.Minute, MaxCount: 50},
		}
	}
	limiter := admission.New(admission.Config{Windows: windows, BanDuration: 5 * time.Minute})

	sessions := session.NewManager(store, session.Policy{
		IdleTimeout: 30 * time.Minute,
		MaxRequests: 5,
		KeepClosed:  2,
	}, nil)

	engine := crawler.NewEngine(crawler.Options{Delay: time.Millisecond}, nil)
	aiClient := ai.New(aiSrv.URL, "key", "model", 5*time.Second, nil)

	h.svc = New(limiter, store, sessions, engine, aiClient, nil,
		Limits{DefaultMaxPages: 100, MaxPagesCeiling: 500}, nil)
	return h
}

func TestProcessThenAsk(t *testing.T) {
	h := newHarness(t, nil)
	defer h.close()
	ctx := context.Background()

	res, err := h.svc.Process(ctx, testUser, h.siteURL, false, 0)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, 2, res.PagesProcessed)
	assert.Contains(t, res.Document, "All about widgets.")
	assert.NotZero(t, res.SessionID)

	ans, err := h.svc.Ask(ctx, testUser, "what is this site about?")
	require.NoError(t, err)
	assert.Equal(t, "widgets are covered", ans.Text)
	assert.Equal(t, 4, ans.Remaining)
	assert.EqualValues(t, 1, h.aiCalls.Load())
}

func TestProcessServesFromCache(t *testing.T) {
	h := newHarness(t, nil)
	defer h.close()
	ctx := context.Background()

	first, err := h.svc.Process(ctx, testUser, h.siteURL, false, 0)
	require.NoError(t, err)
	fetched := h.siteHits.Load()

	second, err := h.svc.Process(ctx, testUser, h.siteURL, false, 0)
	require.NoError(t, err)

	assert.True(t, second.Cached)
	assert.Equal(t, first.Document, second.Document)
	assert.Equal(t, fetched, h.siteHits.Load())
	assert.NotEqual(t, first.SessionID, second.SessionID)
}

func TestSingleAndFullVariantsAreCachedSeparately(t *testing.T) {
	h := newHarness(t, nil)
	defer h.close()
	ctx := context.Background()

	single, err := h.svc.Process(ctx, testUser, h.siteURL, true, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, single.PagesProcessed)

	full, err := h.svc.Process(ctx, testUser, h.siteURL, false, 0)
	require.NoError(t, err)
	assert.False(t, full.Cached)
	assert.Equal(t, 2, full.PagesProcessed)
}

func TestAskWithoutSession(t *testing.T) {
	h := newHarness(t, nil)
	defer h.close()

	_, err := h.svc.Ask(context.Background(), testUser, "anyone there?")
	require.ErrorIs(t, err, ErrNoActiveSession)
}

func TestProcessRateLimited(t *testing.T) {
	h := newHarness(t, map[admission.Bucket]admission.Window{
		admission.BucketGeneral: {Period: time.Minute, MaxCount: 100},
		admission.BucketURL:     {Period: time.Minute, MaxCount: 1},
		admission.BucketAI:      {Period: time.Minute, MaxCount: 50},
	})
	defer h.close()
	ctx := context.Background()

	_, err := h.svc.Process(ctx, testUser, h.siteURL, true, 0)
	require.NoError(t, err)

	_, err = h.svc.Process(ctx, testUser, h.siteURL, true, 0)
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.False(t, rle.Decision.Allowed)
	assert.Contains(t, rle.Decision.Reason, "rate_limit_exceeded")
}

func TestSummaryGeneratedOnceThenCached(t *testing.T) {
	h := newHarness(t, nil)
	defer h.close()
	ctx := context.Background()

	_, err := h.svc.Process(ctx, testUser, h.siteURL, true, 0)
	require.NoError(t, err)

	text, cached, err := h.svc.Summary(ctx, testUser, h.siteURL, true)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "widgets are covered", text)

	again, cached, err := h.svc.Summary(ctx, testUser, h.siteURL, true)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, text, again)
	assert.EqualValues(t, 1, h.aiCalls.Load())
}

func TestSummaryForUnknownDocument(t *testing.T) {
	h := newHarness(t, nil)
	defer h.close()

	_, _, err := h.svc.Summary(context.Background(), testUser, "https://never-crawled.example", true)
	require.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestEndSession(t *testing.T) {
	h := newHarness(t, nil)
	defer h.close()
	ctx := context.Background()

	closed, err := h.svc.EndSession(ctx, testUser.ExternalID)
	require.NoError(t, err)
	assert.False(t, closed)

	_, err = h.svc.Process(ctx, testUser, h.siteURL, true, 0)
	require.NoError(t, err)

	closed, err = h.svc.EndSession(ctx, testUser.ExternalID)
	require.NoError(t, err)
	assert.True(t, closed)

	_, err = h.svc.Ask(ctx, testUser, "still there?")
	require.ErrorIs(t, err, ErrNoActiveSession)
}

func TestProcessRejectsInvalidStartURL(t *testing.T) {
	h := newHarness(t, nil)
	defer h.close()

	_, err := h.svc.Process(context.Background(), testUser, "https://", false, 0)
	require.ErrorIs(t, err, ErrInvalidURL)
}
