package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/folio-press/folio/engine/domain"
	"github.com/folio-press/folio/pkg/metrics"
)

// ErrDispatcherClosed is returned by Enqueue after Close.
var ErrDispatcherClosed = errors.New("ingest: dispatcher closed")

// Applier applies one content event to the index.
type Applier interface {
	Apply(ctx context.Context, ev domain.Event) error
}

// DispatcherOpts configures a Dispatcher.
type DispatcherOpts struct {
	Workers   int
	QueueSize int
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Dispatcher moves index synchronization off the content write path: events
// are queued without blocking and applied by a fixed pool of workers. A full
// queue drops the event; the next bulk reindex repairs the index.
type Dispatcher struct {
	apply Applier
	queue chan domain.Event
	met   *metrics.Metrics
	log   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts the worker pool.
func NewDispatcher(a Applier, opts DispatcherOpts) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		apply:  a,
		queue:  make(chan domain.Event, opts.QueueSize),
		met:    opts.Metrics,
		log:    opts.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Enqueue hands ev to the workers without blocking. It reports false when
// the event was dropped.
func (d *Dispatcher) Enqueue(ev domain.Event) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false, ErrDispatcherClosed
	}
	select {
	case d.queue <- ev:
		d.met.QueueDepth.Inc()
		return true, nil
	default:
		d.met.QueueDropped.Inc()
		d.log.Warn("ingest: sync queue full, dropping event",
			"content_id", ev.Content.ID,
			"type", ev.Type,
		)
		return false, nil
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for ev := range d.queue {
		d.met.QueueDepth.Dec()
		if err := d.apply.Apply(d.ctx, ev); err != nil {
			d.log.Error("ingest: background sync failed",
				"content_id", ev.Content.ID,
				"type", ev.Type,
				"error", err,
			)
		}
	}
}

// Close stops accepting events and waits for queued work to drain. If ctx
// expires first, in-flight work is cancelled and ctx's error returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}
