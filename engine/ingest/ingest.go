// Package ingest keeps the vector index in step with the content store. The
// Synchronizer indexes or removes one item at a time through a staged
// pipeline (validate, prepare, check, embed, store); the Dispatcher and the
// NATS consumer hand content events to it off the write path.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/folio-press/folio/engine/domain"
	"github.com/folio-press/folio/engine/semantic"
	"github.com/folio-press/folio/pkg/fn"
	"github.com/folio-press/folio/pkg/metrics"
)

// Embedder produces embeddings for item text.
type Embedder interface {
	Available() bool
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Ledger remembers the fingerprint last written for each content id.
type Ledger interface {
	Fingerprint(id string) (string, bool, error)
	Record(id, fingerprint string) error
	Forget(ids ...string) error
}

// Deps holds the external dependencies for the synchronizer.
type Deps struct {
	Embedder Embedder
	Index    semantic.Index
	// Ledger is optional; without it every sync writes.
	Ledger  Ledger
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	ExcerptLen int
	BodyPrefix int
}

// --- Pipeline Stages ---

// Validate checks the content item via domain validation.
var Validate fn.Stage[Request, Request] = func(_ context.Context, req Request) fn.Result[Request] {
	if err := domain.ValidateContent(req.Content); err != nil {
		return fn.Err[Request](err)
	}
	return fn.Ok(req)
}

// NewPrepare builds the embedding input and flattened metadata.
func NewPrepare(excerptLen, bodyPrefix int) fn.Stage[Request, Prepared] {
	return func(_ context.Context, req Request) fn.Result[Prepared] {
		c := req.Content
		excerpt := excerptOf(c, excerptLen)
		md, err := flatten(c, excerpt)
		if err != nil {
			return fn.Err[Prepared](domain.NewErrorID(domain.ErrIndexWriteFailed, "ingest.prepare", c.ID, err))
		}
		text := embeddingText(c, excerpt, bodyPrefix)
		return fn.Ok(Prepared{
			ID:          c.ID,
			Text:        text,
			Metadata:    md,
			Fingerprint: fingerprint(text, md),
		})
	}
}

// NewCheck marks items whose fingerprint matches the ledger as unchanged.
// Ledger read errors are logged and treated as a miss.
func NewCheck(l Ledger, force bool, log *slog.Logger) fn.Stage[Prepared, Prepared] {
	return func(_ context.Context, p Prepared) fn.Result[Prepared] {
		if l == nil || force {
			return fn.Ok(p)
		}
		fp, ok, err := l.Fingerprint(p.ID)
		if err != nil {
			log.Warn("ingest: ledger read failed", "content_id", p.ID, "error", err)
			return fn.Ok(p)
		}
		p.Unchanged = ok && fp == p.Fingerprint
		return fn.Ok(p)
	}
}

// NewEmbed creates an Embed stage. Nothing is written when embedding fails.
func NewEmbed(e Embedder) fn.Stage[Prepared, Embedded] {
	return func(ctx context.Context, p Prepared) fn.Result[Embedded] {
		if p.Unchanged {
			return fn.Ok(Embedded{Prepared: p})
		}
		vec, err := e.Embed(ctx, p.Text)
		if err != nil {
			return fn.Err[Embedded](err)
		}
		return fn.Ok(Embedded{Prepared: p, Embedding: vec})
	}
}

// NewStore creates a Store stage that upserts into the index and records
// the fingerprint on success.
func NewStore(idx semantic.Index, l Ledger, m *metrics.Metrics, log *slog.Logger) fn.Stage[Embedded, Outcome] {
	return func(ctx context.Context, e Embedded) fn.Result[Outcome] {
		if e.Unchanged {
			return fn.Ok(OutcomeUnchanged)
		}
		start := time.Now()
		err := idx.Upsert(ctx, e.ID, e.Embedding, e.Metadata)
		metrics.Since(m.IndexDuration.WithLabelValues("upsert"), start)
		if err != nil {
			return fn.Err[Outcome](err)
		}
		if l != nil {
			if err := l.Record(e.ID, e.Fingerprint); err != nil {
				log.Warn("ingest: ledger write failed", "content_id", e.ID, "error", err)
			}
		}
		return fn.Ok(OutcomeIndexed)
	}
}

// NewPipeline constructs the full sync pipeline with all stages wired.
func NewPipeline(deps Deps, force bool) fn.Stage[Request, Outcome] {
	deps = deps.withDefaults()
	log := deps.Logger

	// Compose: Validate → Prepare → Check → Embed → Store
	prepared := fn.Then(
		fn.TracedStage("ingest.validate", Validate),
		fn.TracedStage("ingest.prepare", NewPrepare(deps.ExcerptLen, deps.BodyPrefix)),
	)
	checked := fn.Then(prepared, fn.TracedStage("ingest.check", NewCheck(deps.Ledger, force, log)))
	embedded := fn.Then(checked, fn.TracedStage("ingest.embed", NewEmbed(deps.Embedder)))
	return fn.Then(embedded, fn.TracedStage("ingest.store", NewStore(deps.Index, deps.Ledger, deps.Metrics, log)))
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.ExcerptLen <= 0 {
		d.ExcerptLen = DefaultExcerptLen
	}
	if d.BodyPrefix <= 0 {
		d.BodyPrefix = DefaultBodyPrefix
	}
	return d
}

// Synchronizer indexes and removes single content items. Indexing is a
// best-effort enhancement: unavailability of the embedding provider or the
// index is logged and never returned as an error.
type Synchronizer struct {
	deps   Deps
	normal fn.Stage[Request, Outcome]
	forced fn.Stage[Request, Outcome]
}

// NewSynchronizer wires a Synchronizer.
func NewSynchronizer(deps Deps) *Synchronizer {
	deps = deps.withDefaults()
	return &Synchronizer{
		deps:   deps,
		normal: NewPipeline(deps, false),
		forced: NewPipeline(deps, true),
	}
}

// Available reports whether both the embedding provider and the index can
// be used.
func (s *Synchronizer) Available() bool {
	return s.deps.Embedder.Available() && s.deps.Index.Available()
}

// SyncItem embeds and upserts one content item.
func (s *Synchronizer) SyncItem(ctx context.Context, c domain.Content) error {
	_, err := s.Sync(ctx, c, false)
	return err
}

// Sync is SyncItem with the outcome reported and an optional ledger bypass.
func (s *Synchronizer) Sync(ctx context.Context, c domain.Content, force bool) (Outcome, error) {
	log := s.deps.Logger
	if !s.Available() {
		log.Warn("ingest: semantic indexing unavailable, skipping sync",
			"content_id", c.ID,
			"embedder", s.deps.Embedder.Available(),
			"index", s.deps.Index.Available(),
		)
		s.deps.Metrics.SyncTotal.WithLabelValues(string(OutcomeSkipped)).Inc()
		return OutcomeSkipped, nil
	}

	pipeline := s.normal
	if force {
		pipeline = s.forced
	}
	outcome, err := pipeline(ctx, Request{Content: c, Force: force}).Unwrap()
	if err != nil {
		// Availability can flip mid-flight (e.g. a collection deleted under us).
		if domain.IsUnavailable(err) {
			log.Warn("ingest: dependency became unavailable", "content_id", c.ID, "error", err)
			s.deps.Metrics.SyncTotal.WithLabelValues(string(OutcomeSkipped)).Inc()
			return OutcomeSkipped, nil
		}
		s.deps.Metrics.SyncTotal.WithLabelValues(string(OutcomeFailed)).Inc()
		log.Error("ingest: sync failed", "content_id", c.ID, "error", err)
		return OutcomeFailed, err
	}
	s.deps.Metrics.SyncTotal.WithLabelValues(string(outcome)).Inc()
	log.Debug("ingest: synced", "content_id", c.ID, "outcome", outcome)
	return outcome, nil
}

// DeleteItem removes one item from the index. Deleting an id that was never
// indexed is not an error, and an unavailable index is tolerated silently.
func (s *Synchronizer) DeleteItem(ctx context.Context, id string) error {
	return s.DeleteMany(ctx, []string{id})
}

// DeleteMany removes several items in one index call.
func (s *Synchronizer) DeleteMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if !s.deps.Index.Available() {
		s.deps.Metrics.DeleteTotal.WithLabelValues("skipped").Add(float64(len(ids)))
		return nil
	}
	start := time.Now()
	err := s.deps.Index.DeleteMany(ctx, ids)
	metrics.Since(s.deps.Metrics.IndexDuration.WithLabelValues("delete"), start)
	if err != nil {
		s.deps.Metrics.DeleteTotal.WithLabelValues("failed").Add(float64(len(ids)))
		return err
	}
	if s.deps.Ledger != nil {
		if err := s.deps.Ledger.Forget(ids...); err != nil {
			s.deps.Logger.Warn("ingest: ledger forget failed", "count", len(ids), "error", err)
		}
	}
	s.deps.Metrics.DeleteTotal.WithLabelValues("deleted").Add(float64(len(ids)))
	return nil
}

// Apply routes a content event to SyncItem or DeleteItem.
func (s *Synchronizer) Apply(ctx context.Context, ev domain.Event) error {
	if err := domain.ValidateEvent(ev); err != nil {
		return err
	}
	switch ev.Type {
	case domain.EventDeleted:
		return s.DeleteItem(ctx, ev.Content.ID)
	default:
		return s.SyncItem(ctx, ev.Content)
	}
}

// Retryable reports whether a failed sync may succeed on another attempt.
func Retryable(err error) bool {
	return err != nil && !domain.IsUnavailable(err) && !domain.IsValidation(err) &&
		!errors.Is(err, semantic.ErrUnsupportedValue) && !errors.Is(err, context.Canceled)
}
