// Package api exposes the HTTP interface for the service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/osokin/sitebrief/internal/app"
	"github.com/osokin/sitebrief/internal/metrics"
	"github.com/osokin/sitebrief/internal/session"
)

// Server wires HTTP handlers to the application service.
type Server struct {
	router chi.Router
	svc    *app.Service
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc *app.Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{svc: svc, logger: logger}
	metrics.Init()

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/crawl", s.crawl)
		r.Get("/documents", s.getDocument)
		r.Post("/documents/summary", s.summarize)
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.startSession)
			r.Post("/ask", s.ask)
			r.Delete("/", s.endSession)
		})
		r.Route("/admin", func(r chi.Router) {
			r.Get("/cache/stats", s.cacheStats)
			r.Post("/cache/evict", s.evictCache)
			r.Get("/limits/stats", s.limiterStats)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type crawlRequest struct {
	URL      string `json:"url"`
	Single   bool   `json:"single"`
	MaxPages int    `json:"max_pages"`
	Username string `json:"username"`
}

func (s *Server) crawl(w http.ResponseWriter, r *http.Request) {
	user, ok := requestUser(w, r)
	if !ok {
		return
	}
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	user.Username = req.Username

	res, err := s.svc.Process(r.Context(), user, req.URL, req.Single, req.MaxPages)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":      res.SessionID,
		"document_id":     res.DocumentID,
		"url":             res.URL,
		"variant":         string(res.Variant),
		"pages_processed": res.PagesProcessed,
		"page_errors":     res.PageErrors,
		"cached":          res.Cached,
		"document":        res.Document,
	})
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	single := r.URL.Query().Get("variant") == "single"

	doc, err := s.svc.Document(r.Context(), rawURL, single)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document_id":     doc.ID,
		"url":             doc.URL,
		"variant":         string(doc.Variant),
		"pages_processed": doc.PagesProcessed,
		"created_at":      doc.CreatedAt,
		"access_count":    doc.AccessCount,
		"document":        doc.Content,
	})
}

type summaryRequest struct {
	URL    string `json:"url"`
	Single bool   `json:"single"`
}

func (s *Server) summarize(w http.ResponseWriter, r *http.Request) {
	user, ok := requestUser(w, r)
	if !ok {
		return
	}
	var req summaryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}

	summary, cached, err := s.svc.Summary(r.Context(), user, req.URL, req.Single)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary, "cached": cached})
}

type startSessionRequest struct {
	URL      string `json:"url"`
	Single   bool   `json:"single"`
	Username string `json:"username"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	user, ok := requestUser(w, r)
	if !ok {
		return
	}
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	user.Username = req.Username

	id, err := s.svc.StartSession(r.Context(), user, req.URL, req.Single)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session_id": id})
}

type askRequest struct {
	Question string `json:"question"`
}

func (s *Server) ask(w http.ResponseWriter, r *http.Request) {
	user, ok := requestUser(w, r)
	if !ok {
		return
	}
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Question == "" {
		writeError(w, http.StatusBadRequest, "question required")
		return
	}

	ans, err := s.svc.Ask(r.Context(), user, req.Question)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": ans.SessionID,
		"answer":     ans.Text,
		"remaining":  ans.Remaining,
	})
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	user, ok := requestUser(w, r)
	if !ok {
		return
	}
	closed, err := s.svc.EndSession(r.Context(), user.ExternalID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"closed": closed})
}

func (s *Server) cacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.CacheStats(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) limiterStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.LimiterStats())
}

type evictRequest struct {
	Days int `json:"days"`
}

func (s *Server) evictCache(w http.ResponseWriter, r *http.Request) {
	var req evictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Days <= 0 {
		writeError(w, http.StatusBadRequest, "days must be positive")
		return
	}
	removed, err := s.svc.EvictCache(r.Context(), req.Days)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

// requestUser resolves the caller from the X-User-ID header. User-scoped
// endpoints reject requests without one.
func requestUser(w http.ResponseWriter, r *http.Request) (session.UserInfo, bool) {
	id := r.Header.Get("X-User-ID")
	if id == "" {
		writeError(w, http.StatusBadRequest, "X-User-ID header required")
		return session.UserInfo{}, false
	}
	return session.UserInfo{ExternalID: id}, true
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var rle *app.RateLimitError
	switch {
	case errors.As(err, &rle):
		seconds := int(rle.Decision.RetryAfter / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       rle.Decision.Reason,
			"retry_after": seconds,
		})
	case errors.Is(err, app.ErrInvalidURL):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrDocumentNotFound), errors.Is(err, app.ErrNoActiveSession):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
