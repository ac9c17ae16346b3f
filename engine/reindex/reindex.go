// Package reindex drives the content synchronizer over a whole corpus in
// rate-limited batches.
package reindex

import (
	"context"
	"log/slog"
	"time"

	"github.com/folio-press/folio/engine/domain"
	"github.com/folio-press/folio/engine/ingest"
	"github.com/folio-press/folio/pkg/fn"
	"github.com/folio-press/folio/pkg/metrics"
	"github.com/folio-press/folio/pkg/resilience"
)

const (
	DefaultBatchSize = 100
	DefaultDelay     = time.Second
)

// Syncer indexes one content item.
type Syncer interface {
	Available() bool
	Sync(ctx context.Context, c domain.Content, force bool) (ingest.Outcome, error)
}

// Options configures a Reindexer.
type Options struct {
	BatchSize int
	// Delay separates consecutive batches. It is not applied after the last.
	Delay time.Duration
	// Workers bounds concurrency inside a batch; zero means one per item.
	Workers int
	// Force bypasses the sync ledger.
	Force bool
	// Retry applies per item. MaxAttempts of zero or one disables retries;
	// unavailability and validation errors are never retried.
	Retry fn.RetryOpts
	// Limiter, when set, paces item syncs on top of the batch delay.
	Limiter *resilience.Limiter
	// OnBatch is called after every completed batch.
	OnBatch func(BatchReport)
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Summary is the aggregate result of a run. Success + Errors + Pending
// always equals Total.
type Summary struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Errors  int `json:"errors"`
	// Unchanged counts the successes the ledger short-circuited.
	Unchanged int `json:"unchanged"`
	// Pending counts items never attempted because the run was cancelled.
	Pending int `json:"pending"`
}

// BatchReport describes one finished batch.
type BatchReport struct {
	Batch    int
	Batches  int
	Size     int
	Success  int
	Errors   int
	Duration time.Duration
	Summary  Summary
}

// Reindexer runs bulk synchronization.
type Reindexer struct {
	sync Syncer
	opts Options
	item fn.Stage[domain.Content, ingest.Outcome]
}

// New creates a Reindexer.
func New(s Syncer, opts Options) *Reindexer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Retry.Retryable == nil {
		opts.Retry.Retryable = ingest.Retryable
	}

	r := &Reindexer{sync: s, opts: opts}
	var item fn.Stage[domain.Content, ingest.Outcome] = func(ctx context.Context, c domain.Content) fn.Result[ingest.Outcome] {
		out, err := s.Sync(ctx, c, opts.Force)
		return fn.FromPair(out, err)
	}
	item = fn.RetryStage(opts.Retry, item)
	if opts.Limiter != nil {
		item = resilience.LimiterStageWait(opts.Limiter, item)
	}
	r.item = fn.TracedStage("reindex.item", item)
	return r
}

// ReindexAll is a one-shot Run with the given batch size and default options.
func ReindexAll(ctx context.Context, s Syncer, items []domain.Content, batchSize int) (Summary, error) {
	return New(s, Options{BatchSize: batchSize, Delay: DefaultDelay}).Run(ctx, items)
}

// Run synchronizes items batch by batch. Item failures are counted and
// logged, never returned. An unavailable pipeline is not an error either:
// every item is counted as skipped. The only error is cancellation of ctx,
// which stops the run between batches; a batch already in flight always
// finishes.
func (r *Reindexer) Run(ctx context.Context, items []domain.Content) (Summary, error) {
	sum := Summary{Total: len(items), Pending: len(items)}
	if len(items) == 0 {
		return sum, nil
	}

	log := r.opts.Logger
	if !r.sync.Available() {
		log.Warn("reindex: semantic indexing unavailable, skipping run", "items", len(items))
		r.opts.Metrics.ReindexItems.WithLabelValues("skipped").Add(float64(len(items)))
		sum.Errors, sum.Pending = len(items), 0
		return sum, nil
	}

	batches := fn.Chunk(items, r.opts.BatchSize)
	log.Info("reindex: starting", "items", len(items), "batches", len(batches), "force", r.opts.Force)

	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			log.Warn("reindex: cancelled", "batch", i+1, "pending", sum.Pending)
			return sum, err
		}

		start := time.Now()
		rep := r.runBatch(context.WithoutCancel(ctx), batch)
		rep.Batch, rep.Batches, rep.Duration = i+1, len(batches), time.Since(start)

		sum.Success += rep.Success
		sum.Errors += rep.Errors
		sum.Unchanged += rep.Summary.Unchanged
		sum.Pending -= len(batch)
		rep.Summary = sum
		r.opts.Metrics.ReindexBatches.Inc()

		log.Info("reindex: batch done",
			"batch", rep.Batch,
			"of", rep.Batches,
			"success", rep.Success,
			"errors", rep.Errors,
			"duration", rep.Duration,
		)
		if r.opts.OnBatch != nil {
			r.opts.OnBatch(rep)
		}

		if i < len(batches)-1 && r.opts.Delay > 0 {
			if err := sleep(ctx, r.opts.Delay); err != nil {
				log.Warn("reindex: cancelled", "batch", i+2, "pending", sum.Pending)
				return sum, err
			}
		}
	}

	log.Info("reindex: finished",
		"total", sum.Total,
		"success", sum.Success,
		"errors", sum.Errors,
		"unchanged", sum.Unchanged,
	)
	return sum, nil
}

func (r *Reindexer) runBatch(ctx context.Context, batch []domain.Content) BatchReport {
	results := fn.ParMapResult(batch, r.opts.Workers, func(c domain.Content) fn.Result[ingest.Outcome] {
		return r.item(ctx, c)
	})

	rep := BatchReport{Size: len(batch)}
	for i, res := range results {
		out, err := res.Unwrap()
		switch {
		case err != nil:
			rep.Errors++
			r.opts.Metrics.ReindexItems.WithLabelValues("failed").Inc()
			r.opts.Logger.Error("reindex: item failed", "content_id", batch[i].ID, "error", err)
		case out == ingest.OutcomeSkipped:
			// Availability flipped mid-run; the item was not written.
			rep.Errors++
			r.opts.Metrics.ReindexItems.WithLabelValues("skipped").Inc()
		default:
			rep.Success++
			if out == ingest.OutcomeUnchanged {
				rep.Summary.Unchanged++
			}
			r.opts.Metrics.ReindexItems.WithLabelValues(string(out)).Inc()
		}
	}
	return rep
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
