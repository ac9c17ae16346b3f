package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/folio-press/folio/engine/domain"
	"github.com/folio-press/folio/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type recordingApplier struct {
	mu    sync.Mutex
	seen  []string
	block chan struct{}
}

func (r *recordingApplier) Apply(ctx context.Context, ev domain.Event) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	r.seen = append(r.seen, ev.Content.ID)
	r.mu.Unlock()
	return nil
}

func (r *recordingApplier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func event(id string) domain.Event {
	return domain.Event{Type: domain.EventUpdated, Content: domain.Content{ID: id}}
}

func TestDispatcher_DrainsOnClose(t *testing.T) {
	app := &recordingApplier{}
	d := NewDispatcher(app, DispatcherOpts{Workers: 2, QueueSize: 16})

	for _, id := range []string{"a", "b", "c", "d"} {
		if ok, err := d.Enqueue(event(id)); !ok || err != nil {
			t.Fatalf("enqueue %s: %v %v", id, ok, err)
		}
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if app.count() != 4 {
		t.Fatalf("expected 4 applied, got %d", app.count())
	}
	if _, err := d.Enqueue(event("e")); !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("expected ErrDispatcherClosed, got %v", err)
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	app := &recordingApplier{block: make(chan struct{})}
	m := metrics.New()
	d := NewDispatcher(app, DispatcherOpts{Workers: 1, QueueSize: 1, Metrics: m})

	// One in flight, one queued; keep going until the queue is certainly full.
	dropped := 0
	for i := 0; i < 10; i++ {
		ok, err := d.Enqueue(event("x"))
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			dropped++
		}
	}
	if dropped < 8 {
		t.Fatalf("expected at least 8 drops, got %d", dropped)
	}
	if got := testutil.ToFloat64(m.QueueDropped); int(got) != dropped {
		t.Fatalf("dropped metric = %v, want %d", got, dropped)
	}

	close(app.block)
	if err := d.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if app.count()+dropped != 10 {
		t.Fatalf("applied %d + dropped %d != 10", app.count(), dropped)
	}
}

func TestDispatcher_CloseTimeout(t *testing.T) {
	app := &recordingApplier{block: make(chan struct{})}
	d := NewDispatcher(app, DispatcherOpts{Workers: 1, QueueSize: 4})
	_, _ = d.Enqueue(event("stuck"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
