package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osokin/sitebrief/internal/admission"
	"github.com/osokin/sitebrief/internal/ai"
	"github.com/osokin/sitebrief/internal/app"
	"github.com/osokin/sitebrief/internal/crawler"
	"github.com/osokin/sitebrief/internal/session"
	"github.com/osokin/sitebrief/internal/store/sqlite"
)

type testStack struct {
	api     *httptest.Server
	siteURL string
}

func newTestStack(t *testing.T, urlBucketMax int) *testStack {
	t.Helper()

	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>Docs</title></head><body><p>Widget manual.</p></body></html>`)
	}))
	t.Cleanup(site.Close)

	aiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "from the manual"}},
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(aiSrv.Close)

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	limiter := admission.New(admission.Config{
		Windows: map[admission.Bucket]admission.Window{
			admission.BucketGeneral: {Period: time.Minute, MaxCount: 100},
			admission.BucketURL:     {Period: time.Minute, MaxCount: urlBucketMax},
			admission.BucketAI:      {Period: time.Minute, MaxCount: 50},
		},
		BanDuration: 5 * time.Minute,
	})
	sessions := session.NewManager(store, session.Policy{
		IdleTimeout: 30 * time.Minute, MaxRequests: 5, KeepClosed: 2,
	}, nil)
	engine := crawler.NewEngine(crawler.Options{Delay: time.Millisecond}, nil)
	aiClient := ai.New(aiSrv.URL, "key", "model", 5*time.Second, nil)

	svc := app.New(limiter, store, sessions, engine, aiClient, nil,
		app.Limits{DefaultMaxPages: 100, MaxPagesCeiling: 500}, nil)

	apiSrv := httptest.NewServer(NewServer(svc, nil).Handler())
	t.Cleanup(apiSrv.Close)

	return &testStack{api: apiSrv, siteURL: site.URL}
}

func (ts *testStack) do(t *testing.T, method, path, userID string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.api.URL+path, &buf)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealthz(t *testing.T) {
	ts := newTestStack(t, 50)
	resp, body := ts.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestCrawlRequiresUser(t *testing.T) {
	ts := newTestStack(t, 50)
	resp, _ := ts.do(t, http.MethodPost, "/v1/crawl", "", map[string]any{"url": ts.siteURL})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCrawlAskSummaryFlow(t *testing.T) {
	ts := newTestStack(t, 50)

	resp, body := ts.do(t, http.MethodPost, "/v1/crawl", "u1",
		map[string]any{"url": ts.siteURL, "single": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body["document"], "Widget manual.")
	assert.Equal(t, false, body["cached"])
	assert.NotZero(t, body["session_id"])

	resp, body = ts.do(t, http.MethodPost, "/v1/sessions/ask", "u1",
		map[string]any{"question": "what is a widget?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "from the manual", body["answer"])
	assert.EqualValues(t, 4, body["remaining"])

	resp, body = ts.do(t, http.MethodGet, "/v1/documents?url="+ts.siteURL+"&variant=single", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body["document"], "Widget manual.")

	resp, body = ts.do(t, http.MethodPost, "/v1/documents/summary", "u1",
		map[string]any{"url": ts.siteURL, "single": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "from the manual", body["summary"])
	assert.Equal(t, false, body["cached"])

	resp, body = ts.do(t, http.MethodDelete, "/v1/sessions", "u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["closed"])

	resp, _ = ts.do(t, http.MethodPost, "/v1/sessions/ask", "u1",
		map[string]any{"question": "still there?"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartSessionFromCachedDocument(t *testing.T) {
	ts := newTestStack(t, 50)

	resp, _ := ts.do(t, http.MethodPost, "/v1/sessions", "u1",
		map[string]any{"url": ts.siteURL, "single": true})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/v1/crawl", "u1",
		map[string]any{"url": ts.siteURL, "single": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := ts.do(t, http.MethodPost, "/v1/sessions", "u2",
		map[string]any{"url": ts.siteURL, "single": true})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotZero(t, body["session_id"])
}

func TestRateLimitMapsTo429(t *testing.T) {
	ts := newTestStack(t, 1)

	resp, _ := ts.do(t, http.MethodPost, "/v1/crawl", "u1",
		map[string]any{"url": ts.siteURL, "single": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := ts.do(t, http.MethodPost, "/v1/crawl", "u1",
		map[string]any{"url": ts.siteURL, "single": true})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Contains(t, body["error"], "rate_limit_exceeded")
}

func TestGetUnknownDocument(t *testing.T) {
	ts := newTestStack(t, 50)
	resp, _ := ts.do(t, http.MethodGet, "/v1/documents?url=https://nowhere.example", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminCacheEndpoints(t *testing.T) {
	ts := newTestStack(t, 50)

	resp, _ := ts.do(t, http.MethodPost, "/v1/crawl", "u1",
		map[string]any{"url": ts.siteURL, "single": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := ts.do(t, http.MethodGet, "/v1/admin/cache/stats", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["documents"])

	resp, body = ts.do(t, http.MethodPost, "/v1/admin/cache/evict", "", map[string]any{"days": 30})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, body["removed"])

	resp, _ = ts.do(t, http.MethodPost, "/v1/admin/cache/evict", "", map[string]any{"days": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/v1/admin/limits/stats", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["total_users"])
	assert.EqualValues(t, 0, body["banned_users"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestStack(t, 50)
	resp, err := http.Get(ts.api.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
