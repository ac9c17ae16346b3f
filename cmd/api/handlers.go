package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/folio-press/folio/engine/domain"
	"github.com/folio-press/folio/engine/ingest"
	"github.com/folio-press/folio/engine/pipeline"
	"github.com/folio-press/folio/engine/reindex"
	"github.com/folio-press/folio/engine/semantic"
	"github.com/folio-press/folio/pkg/contentstore"
	"github.com/folio-press/folio/pkg/mid"
)

// eventSink hands a content event off the request path. queued is false
// when the event was dropped.
type eventSink func(ctx context.Context, ev domain.Event) (queued bool, err error)

func publishTo(p *ingest.Publisher) eventSink {
	return func(ctx context.Context, ev domain.Event) (bool, error) {
		if err := p.Publish(ctx, ev); err != nil {
			return false, err
		}
		return true, nil
	}
}

func enqueueTo(d *ingest.Dispatcher) eventSink {
	return func(_ context.Context, ev domain.Event) (bool, error) {
		if err := domain.ValidateEvent(ev); err != nil {
			return false, err
		}
		return d.Enqueue(ev)
	}
}

// contentSource enumerates canonical content for admin reindex.
type contentSource interface {
	ListAll(ctx context.Context, pageSize int) ([]domain.Content, error)
	ListByIDs(ctx context.Context, ids []string) ([]domain.Content, error)
}

var _ contentSource = (*contentstore.Store)(nil)

type server struct {
	base    context.Context
	p       *pipeline.Pipeline
	events  eventSink
	content contentSource
	log     *slog.Logger

	mu      sync.Mutex
	running bool
	last    *reindexStatus
}

type reindexStatus struct {
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Force      bool            `json:"force"`
	Summary    reindex.Summary `json:"summary"`
	Error      string          `json:"error,omitempty"`
}

func newServer(base context.Context, p *pipeline.Pipeline, events eventSink, content contentSource, log *slog.Logger) *server {
	return &server{base: base, p: p, events: events, content: content, log: log}
}

func (s *server) routes(adminToken string) *http.ServeMux {
	admin := mid.BearerToken(adminToken)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("GET /api/search", s.handleSearch)
	mux.HandleFunc("GET /api/content/{id}/related", s.handleRelated)
	mux.HandleFunc("GET /api/index/stats", s.handleStats)
	mux.HandleFunc("POST /api/events", s.handleEvent)
	mux.Handle("POST /api/admin/delete", admin(http.HandlerFunc(s.handleDelete)))
	mux.Handle("POST /api/admin/reindex", admin(http.HandlerFunc(s.handleReindex)))
	mux.Handle("GET /api/admin/reindex", admin(http.HandlerFunc(s.handleReindexStatus)))
	mux.Handle("GET /metrics", s.p.Metrics.Handler())
	return mux
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeMsg(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// statusFor maps pipeline error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case domain.IsUnavailable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrContentNotIndexed):
		return http.StatusNotFound
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	switch code {
	case http.StatusServiceUnavailable:
		msg = "semantic search temporarily disabled"
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		s.log.Error("request failed", "path", r.URL.Path, "err", err, "request_id", mid.RequestIDFrom(r.Context()))
		msg = "upstream error"
	}
	writeMsg(w, code, msg)
}

func limitParam(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, domain.NewValidationError("limit", v, domain.ErrInvalidQuery)
	}
	return n, nil
}

// filterParams turns optional category/author query parameters into
// metadata conditions.
func filterParams(r *http.Request) semantic.Filter {
	var f semantic.Filter
	q := r.URL.Query()
	if v := q.Get("category"); v != "" {
		f = f.And(semantic.Eq(semantic.KeyCategoryID, semantic.String(v)))
	}
	if v := q.Get("author"); v != "" {
		f = f.And(semantic.Eq(semantic.KeyAuthorID, semantic.String(v)))
	}
	return f
}

// Hit is one search result as returned over HTTP.
type Hit struct {
	ID           string     `json:"id"`
	Score        float32    `json:"score"`
	Title        string     `json:"title"`
	Slug         string     `json:"slug,omitempty"`
	Excerpt      string     `json:"excerpt,omitempty"`
	CategoryID   string     `json:"category_id,omitempty"`
	CategoryName string     `json:"category_name,omitempty"`
	AuthorID     string     `json:"author_id,omitempty"`
	PublishedAt  *time.Time `json:"published_at,omitempty"`
	Tags         []string   `json:"tags,omitempty"`
}

func toHits(ms []semantic.Match) []Hit {
	hits := make([]Hit, len(ms))
	for i, m := range ms {
		md := m.Metadata
		hits[i] = Hit{
			ID:           m.ID,
			Score:        m.Score,
			Title:        md.Title,
			Slug:         md.Slug,
			Excerpt:      md.Excerpt,
			CategoryID:   md.CategoryID,
			CategoryName: md.CategoryName,
			AuthorID:     md.AuthorID,
			Tags:         semantic.SplitTags(md.Tags),
		}
		if md.PublishedAt > 0 {
			t := time.UnixMilli(md.PublishedAt).UTC()
			hits[i].PublishedAt = &t
		}
	}
	return hits
}

// --- Handlers ---

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SearchResponse is the JSON response for search and related endpoints.
type SearchResponse struct {
	Results []Hit `json:"results"`
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	matches, err := s.p.Search.SemanticSearch(r.Context(), r.URL.Query().Get("q"), limit, filterParams(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: toHits(matches)})
}

func (s *server) handleRelated(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	matches, err := s.p.Search.RecommendationsFor(r.Context(), r.PathValue("id"), limit, filterParams(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: toHits(matches)})
}

// StatsResponse reports index health.
type StatsResponse struct {
	Available bool           `json:"available"`
	Embedder  string         `json:"embedder"`
	Index     semantic.Stats `json:"index"`
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Available: s.p.Sync.Available(), Embedder: s.p.Embedder.Name()}
	if s.p.Index.Available() {
		st, err := s.p.Stats(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp.Index = st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev domain.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeMsg(w, http.StatusBadRequest, "invalid request body")
		return
	}
	queued, err := s.events(r.Context(), ev)
	if err != nil {
		if domain.IsValidation(err) {
			writeMsg(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("event intake failed", "content_id", ev.Content.ID, "err", err)
		writeMsg(w, http.StatusServiceUnavailable, "event intake unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": queued})
}

// DeleteRequest is the JSON body for POST /api/admin/delete.
type DeleteRequest struct {
	IDs []string `json:"ids"`
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req DeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.IDs) == 0 {
		writeMsg(w, http.StatusBadRequest, "ids are required")
		return
	}
	ids := make([]string, 0, len(req.IDs))
	for _, id := range req.IDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if err := s.p.Sync.DeleteMany(r.Context(), ids); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": len(ids)})
}

// ReindexRequest is the JSON body for POST /api/admin/reindex. An empty
// IDs list reindexes everything.
type ReindexRequest struct {
	IDs   []string `json:"ids,omitempty"`
	Force bool     `json:"force"`
}

func (s *server) handleReindex(w http.ResponseWriter, r *http.Request) {
	if s.content == nil {
		writeMsg(w, http.StatusServiceUnavailable, "content store not configured")
		return
	}
	if !s.p.Sync.Available() {
		writeMsg(w, http.StatusServiceUnavailable, "semantic indexing disabled")
		return
	}
	var req ReindexRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeMsg(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		writeMsg(w, http.StatusConflict, "reindex already running")
		return
	}
	s.running = true
	status := &reindexStatus{StartedAt: time.Now().UTC(), Force: req.Force}
	s.last = status
	s.mu.Unlock()

	go s.runReindex(req, status)
	writeJSON(w, http.StatusAccepted, status)
}

func (s *server) runReindex(req ReindexRequest, status *reindexStatus) {
	ctx := s.base
	var items []domain.Content
	var err error
	if len(req.IDs) > 0 {
		items, err = s.content.ListByIDs(ctx, req.IDs)
	} else {
		items, err = s.content.ListAll(ctx, 0)
	}

	var sum reindex.Summary
	if err == nil {
		sum, err = s.p.Reindexer(req.Force, func(b reindex.BatchReport) {
			s.mu.Lock()
			status.Summary = b.Summary
			s.mu.Unlock()
		}).Run(ctx, items)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	status.FinishedAt = &now
	status.Summary = sum
	if err != nil {
		status.Error = err.Error()
		s.log.Error("reindex failed", "err", err)
	}
	s.running = false
}

func (s *server) handleReindexStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		writeMsg(w, http.StatusNotFound, "no reindex has run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"running": s.running, "last": s.last})
}
