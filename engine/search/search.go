// Package search serves similarity queries against the vector index: free
// text semantic search and related-content recommendations. Both are
// always restricted to published content.
package search

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/folio-press/folio/engine/domain"
	"github.com/folio-press/folio/engine/semantic"
	"github.com/folio-press/folio/pkg/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultLimit     = 10
	MaxLimit         = 100
	DefaultCacheSize = 512
)

// Embedder turns query text into an embedding.
type Embedder interface {
	Available() bool
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Options configures the Service.
type Options struct {
	// CacheSize bounds the query embedding cache. Zero disables it.
	CacheSize    int
	DefaultLimit int
	MaxLimit     int
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// DefaultOptions returns the defaults used by the commands.
func DefaultOptions() Options {
	return Options{
		CacheSize:    DefaultCacheSize,
		DefaultLimit: DefaultLimit,
		MaxLimit:     MaxLimit,
	}
}

// Service answers semantic search and recommendation requests.
type Service struct {
	embed  Embedder
	index  semantic.Index
	cache  *lru.Cache[string, []float32]
	opts   Options
	logger *slog.Logger
}

// New creates a Service.
func New(e Embedder, idx semantic.Index, opts Options) *Service {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = DefaultLimit
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = MaxLimit
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Service{embed: e, index: idx, opts: opts, logger: opts.Logger}
	if opts.CacheSize > 0 {
		// lru.New only fails for a non-positive size.
		s.cache, _ = lru.New[string, []float32](opts.CacheSize)
	}
	return s
}

// Available reports whether both the embedding provider and the index are
// usable.
func (s *Service) Available() bool {
	return s.embed.Available() && s.index.Available()
}

// Limit applies the default and clamps n to [1, MaxLimit].
func (s *Service) Limit(n int) int {
	if n <= 0 {
		n = s.opts.DefaultLimit
	}
	return min(n, s.opts.MaxLimit)
}

// PublishedOnly is the filter every query carries.
func PublishedOnly() semantic.Filter {
	return semantic.Eq(semantic.KeyStatus, semantic.String(string(domain.StatusPublished)))
}

// SemanticSearch embeds query and returns up to limit published matches
// ordered by score. It fails with ErrIndexUnavailable when either
// dependency is unavailable; there is no keyword fallback here.
func (s *Service) SemanticSearch(ctx context.Context, query string, limit int, extra semantic.Filter) (matches []semantic.Match, err error) {
	start := time.Now()
	defer func() { s.observe("semantic", start, err) }()

	if err := domain.ValidateQuery(query); err != nil {
		return nil, err
	}
	if !s.Available() {
		return nil, domain.NewError(domain.ErrIndexUnavailable, "search.semantic", nil)
	}

	vec, err := s.queryEmbedding(ctx, query)
	if err != nil {
		return nil, err
	}
	matches, err = s.index.Query(ctx, vec, s.Limit(limit), PublishedOnly().And(extra))
	if err != nil {
		return nil, err
	}
	s.logger.Debug("search: semantic", "results", len(matches))
	return matches, nil
}

// RecommendationsFor returns up to limit published items similar to the
// indexed item id, never including id itself. It fails with
// ErrContentNotIndexed when id has no vector record.
func (s *Service) RecommendationsFor(ctx context.Context, id string, limit int, extra semantic.Filter) (matches []semantic.Match, err error) {
	start := time.Now()
	defer func() { s.observe("related", start, err) }()

	if strings.TrimSpace(id) == "" {
		return nil, domain.NewValidationError("id", id, domain.ErrInvalidQuery)
	}
	if !s.index.Available() {
		return nil, domain.NewError(domain.ErrIndexUnavailable, "search.related", nil)
	}

	rec, ok, err := s.index.FetchByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok || len(rec.Embedding) == 0 {
		return nil, domain.NewErrorID(domain.ErrContentNotIndexed, "search.related", id, nil)
	}

	limit = s.Limit(limit)
	filter := PublishedOnly().And(semantic.Ne(semantic.KeyContentID, semantic.String(id)), extra)
	found, err := s.index.Query(ctx, rec.Embedding, limit+1, filter)
	if err != nil {
		return nil, err
	}

	matches = make([]semantic.Match, 0, limit)
	for _, m := range found {
		if m.ID == id {
			continue
		}
		matches = append(matches, m)
		if len(matches) == limit {
			break
		}
	}
	return matches, nil
}

func (s *Service) queryEmbedding(ctx context.Context, query string) ([]float32, error) {
	key := normalize(query)
	if s.cache != nil {
		if vec, ok := s.cache.Get(key); ok {
			s.opts.Metrics.QueryCacheHits.Inc()
			return vec, nil
		}
		s.opts.Metrics.QueryCacheMiss.Inc()
	}
	// The provider sees the cache key, so a cached vector is exactly what a
	// fresh call would return.
	vec, err := s.embed.Embed(ctx, key)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Add(key, vec)
	}
	return vec, nil
}

func (s *Service) observe(kind string, start time.Time, err error) {
	result := "ok"
	switch {
	case err == nil:
	case domain.IsUnavailable(err):
		result = "unavailable"
	case domain.IsValidation(err):
		result = "invalid"
	case errors.Is(err, domain.ErrContentNotIndexed):
		result = "not_indexed"
	default:
		result = "error"
	}
	s.opts.Metrics.SearchRequests.WithLabelValues(kind, result).Inc()
	metrics.Since(s.opts.Metrics.SearchDuration.WithLabelValues(kind), start)
}

// normalize folds case and whitespace so equivalent queries share a cache entry.
func normalize(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}
