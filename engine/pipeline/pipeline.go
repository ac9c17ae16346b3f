// Package pipeline wires the semantic indexing components from
// configuration. Commands build one Pipeline at startup and share it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/folio-press/folio/engine/ingest"
	"github.com/folio-press/folio/engine/reindex"
	"github.com/folio-press/folio/engine/search"
	"github.com/folio-press/folio/engine/semantic"
	"github.com/folio-press/folio/pkg/config"
	"github.com/folio-press/folio/pkg/embed"
	"github.com/folio-press/folio/pkg/fn"
	"github.com/folio-press/folio/pkg/ledger"
	"github.com/folio-press/folio/pkg/metrics"
	"github.com/folio-press/folio/pkg/resilience"
)

// Pipeline holds the constructed clients and services.
type Pipeline struct {
	Config   config.Config
	Metrics  *metrics.Metrics
	Embedder *embed.Client
	Index    semantic.Index
	Ledger   *ledger.Bolt // nil when no ledger path is configured
	Sync     *ingest.Synchronizer
	Search   *search.Service

	// qdrant is set for the qdrant backend; admin commands need the
	// collection-level operations.
	qdrant  *semantic.VectorStore
	closers []func() error
	log     *slog.Logger
}

// Build constructs every component. Index provisioning failures are logged
// and leave the index unavailable rather than failing startup; only
// configuration errors are returned.
func Build(ctx context.Context, cfg config.Config, m *metrics.Metrics, log *slog.Logger) (*Pipeline, error) {
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{Config: cfg, Metrics: m, log: log}

	emb, err := embed.New(cfg.Embedding, m, log)
	if err != nil {
		return nil, err
	}
	p.Embedder = emb
	if !emb.Available() {
		log.Warn("pipeline: embedding provider not configured, semantic indexing disabled",
			"provider", cfg.Embedding.Provider)
	}

	metric := semantic.Metric(cfg.Index.Metric)
	switch cfg.Index.Backend {
	case "memory":
		mem := semantic.NewMemoryStore().WithLogger(log)
		if err := mem.EnsureIndex(ctx, cfg.Embedding.Dimension, metric); err != nil {
			return nil, err
		}
		p.Index = mem
	case "qdrant":
		vs, err := semantic.New(cfg.Index.Addr, cfg.Index.Collection, semantic.Options{
			Timeout:      cfg.Index.Timeout,
			ReadyTimeout: cfg.Index.ReadyTimeout,
			Logger:       log,
		})
		if err != nil {
			return nil, fmt.Errorf("pipeline: qdrant: %w", err)
		}
		p.closers = append(p.closers, vs.Close)
		if err := vs.EnsureIndex(ctx, cfg.Embedding.Dimension, metric); err != nil {
			log.Error("pipeline: vector index unavailable", "collection", cfg.Index.Collection, "error", err)
		}
		p.qdrant = vs
		p.Index = vs
	default:
		return nil, fmt.Errorf("pipeline: unknown index backend %q", cfg.Index.Backend)
	}

	deps := ingest.Deps{
		Embedder:   emb,
		Index:      p.Index,
		Metrics:    m,
		Logger:     log,
		ExcerptLen: cfg.Sync.ExcerptLen,
		BodyPrefix: cfg.Sync.BodyPrefix,
	}
	if cfg.Sync.LedgerPath != "" {
		l, err := ledger.Open(cfg.Sync.LedgerPath)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.Ledger = l
		p.closers = append(p.closers, l.Close)
		deps.Ledger = l
	}
	p.Sync = ingest.NewSynchronizer(deps)

	p.Search = search.New(emb, p.Index, search.Options{
		CacheSize:    cfg.Search.CacheSize,
		DefaultLimit: cfg.Search.DefaultLimit,
		MaxLimit:     cfg.Search.MaxLimit,
		Metrics:      m,
		Logger:       log,
	})
	return p, nil
}

// Reindexer returns a bulk reindexer configured from the reindex section.
// A positive reindex.rps paces item starts with a token bucket.
func (p *Pipeline) Reindexer(force bool, onBatch func(reindex.BatchReport)) *reindex.Reindexer {
	retry := fn.DefaultRetry
	retry.MaxAttempts = p.Config.Reindex.MaxAttempts
	opts := reindex.Options{
		BatchSize: p.Config.Reindex.BatchSize,
		Delay:     p.Config.Reindex.Delay,
		Force:     force,
		Retry:     retry,
		OnBatch:   onBatch,
		Metrics:   p.Metrics,
		Logger:    p.log,
	}
	if rps := p.Config.Reindex.RPS; rps > 0 {
		opts.Limiter = resilience.NewLimiter(resilience.LimiterOpts{Rate: rps, Burst: max(1, int(rps))})
	}
	return reindex.New(p.Sync, opts)
}

// Stats reports index statistics.
func (p *Pipeline) Stats(ctx context.Context) (semantic.Stats, error) {
	return p.Index.Stats(ctx)
}

// ResetIndex drops and recreates the collection and clears the ledger.
func (p *Pipeline) ResetIndex(ctx context.Context) error {
	if p.qdrant != nil {
		if err := p.qdrant.DeleteCollection(ctx); err != nil {
			return err
		}
		if err := p.qdrant.EnsureIndex(ctx, p.Config.Embedding.Dimension, semantic.Metric(p.Config.Index.Metric)); err != nil {
			return err
		}
	}
	if mem, ok := p.Index.(*semantic.MemoryStore); ok {
		mem.Reset()
	}
	if p.Ledger != nil {
		return p.Ledger.Reset()
	}
	return nil
}

// Close releases connections and files in reverse order of acquisition.
func (p *Pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		errs = append(errs, p.closers[i]())
	}
	p.closers = nil
	return errors.Join(errs...)
}
