package reindex

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/folio-press/folio/engine/domain"
	"github.com/folio-press/folio/engine/ingest"
	"github.com/folio-press/folio/engine/semantic"
	"github.com/folio-press/folio/pkg/fn"
	"github.com/folio-press/folio/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// everyNth fails embedding for items whose numeric suffix is a multiple of n.
type everyNth struct {
	n     int
	calls atomic.Int32
}

func (e *everyNth) Available() bool { return true }

func (e *everyNth) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	title, _, _ := strings.Cut(text, "\n")
	num, _ := strconv.Atoi(strings.TrimPrefix(title, "item "))
	if e.n > 0 && num%e.n == 0 {
		return nil, domain.NewError(domain.ErrEmbeddingRequestFailed, "embed", errors.New("provider error"))
	}
	return []float32{1, float32(num), 0}, nil
}

func corpus(n int) []domain.Content {
	items := make([]domain.Content, n)
	for i := range items {
		items[i] = domain.Content{
			ID:     fmt.Sprintf("i%d", i+1),
			Title:  fmt.Sprintf("item %d", i+1),
			Body:   "body",
			Status: domain.StatusPublished,
		}
	}
	return items
}

func newSync(t *testing.T, emb ingest.Embedder) (*ingest.Synchronizer, *semantic.MemoryStore) {
	t.Helper()
	idx := semantic.NewMemoryStore()
	if err := idx.EnsureIndex(context.Background(), 3, semantic.MetricCosine); err != nil {
		t.Fatal(err)
	}
	return ingest.NewSynchronizer(ingest.Deps{Embedder: emb, Index: idx}), idx
}

func TestRun_PartialFailures(t *testing.T) {
	s, idx := newSync(t, &everyNth{n: 10})
	m := metrics.New()
	var batches []BatchReport
	r := New(s, Options{
		BatchSize: 100,
		Delay:     time.Millisecond,
		Metrics:   m,
		OnBatch:   func(b BatchReport) { batches = append(batches, b) },
	})

	sum, err := r.Run(context.Background(), corpus(250))
	if err != nil {
		t.Fatal(err)
	}
	want := Summary{Total: 250, Success: 225, Errors: 25}
	if sum != want {
		t.Fatalf("summary = %+v, want %+v", sum, want)
	}
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}
	if batches[2].Size != 50 || batches[2].Batches != 3 {
		t.Fatalf("last batch = %+v", batches[2])
	}
	if idx.Len() != 225 {
		t.Fatalf("index holds %d records, want 225", idx.Len())
	}
	if v := testutil.ToFloat64(m.ReindexItems.WithLabelValues("failed")); v != 25 {
		t.Fatalf("failed metric = %v", v)
	}
	if v := testutil.ToFloat64(m.ReindexBatches); v != 3 {
		t.Fatalf("batches metric = %v", v)
	}
}

func TestRun_TotalsConsistent(t *testing.T) {
	for _, n := range []int{1, 7, 100, 101} {
		s, _ := newSync(t, &everyNth{n: 3})
		r := New(s, Options{BatchSize: 10})
		sum, err := r.Run(context.Background(), corpus(n))
		if err != nil {
			t.Fatal(err)
		}
		if sum.Success+sum.Errors != sum.Total || sum.Total != n || sum.Pending != 0 {
			t.Fatalf("n=%d: inconsistent summary %+v", n, sum)
		}
	}
}

func TestReindexAll(t *testing.T) {
	s, _ := newSync(t, &everyNth{n: 2})
	sum, err := ReindexAll(context.Background(), s, corpus(8), 100)
	if err != nil {
		t.Fatal(err)
	}
	if sum != (Summary{Total: 8, Success: 4, Errors: 4}) {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestRun_Empty(t *testing.T) {
	s, _ := newSync(t, &everyNth{})
	sum, err := New(s, Options{}).Run(context.Background(), nil)
	if err != nil || sum != (Summary{}) {
		t.Fatalf("got %+v, %v", sum, err)
	}
}

func TestRun_SkipsDelayAfterLastBatch(t *testing.T) {
	s, _ := newSync(t, &everyNth{})
	r := New(s, Options{BatchSize: 10, Delay: 300 * time.Millisecond})

	start := time.Now()
	if _, err := r.Run(context.Background(), corpus(10)); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Fatalf("single batch should not wait, took %v", elapsed)
	}

	start = time.Now()
	if _, err := r.Run(context.Background(), corpus(20)); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Fatalf("two batches should wait once, took %v", elapsed)
	}
}

func TestRun_CancelBetweenBatches(t *testing.T) {
	s, idx := newSync(t, &everyNth{})
	ctx, cancel := context.WithCancel(context.Background())
	r := New(s, Options{
		BatchSize: 10,
		Delay:     time.Second,
		OnBatch: func(b BatchReport) {
			if b.Batch == 1 {
				cancel()
			}
		},
	})

	start := time.Now()
	sum, err := r.Run(ctx, corpus(30))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("cancellation should interrupt the inter-batch delay")
	}
	if sum.Success != 10 || sum.Pending != 20 {
		t.Fatalf("summary = %+v", sum)
	}
	if idx.Len() != 10 {
		t.Fatalf("first batch should complete, index has %d", idx.Len())
	}
}

func TestRun_Unavailable(t *testing.T) {
	idx := semantic.NewMemoryStore()
	s := ingest.NewSynchronizer(ingest.Deps{Embedder: &everyNth{}, Index: idx})
	m := metrics.New()
	sum, err := New(s, Options{Metrics: m}).Run(context.Background(), corpus(5))
	if err != nil {
		t.Fatalf("write side must degrade silently, got %v", err)
	}
	if sum.Total != 5 || sum.Success != 0 || sum.Errors != 5 || sum.Pending != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.Success+sum.Errors != sum.Total {
		t.Fatalf("totals do not add up: %+v", sum)
	}
	if idx.Len() != 0 {
		t.Fatal("nothing should be written")
	}
	if got := testutil.ToFloat64(m.ReindexItems.WithLabelValues("skipped")); got != 5 {
		t.Fatalf("skipped metric = %v", got)
	}

	sum, err = ReindexAll(context.Background(), s, corpus(3), 100)
	if err != nil || sum.Success+sum.Errors != 3 {
		t.Fatalf("ReindexAll: %+v %v", sum, err)
	}
}

// flaky fails the first attempt for every item.
type flaky struct {
	mu   sync.Mutex
	seen map[string]int
}

func (f *flaky) Available() bool { return true }

func (f *flaky) Sync(_ context.Context, c domain.Content, _ bool) (ingest.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen[c.ID]++
	if c.ID == "bad" {
		return ingest.OutcomeFailed, domain.NewValidationError("status", "", domain.ErrInvalidContent)
	}
	if f.seen[c.ID] == 1 {
		return ingest.OutcomeFailed, domain.NewError(domain.ErrIndexWriteFailed, "upsert", errors.New("timeout"))
	}
	return ingest.OutcomeIndexed, nil
}

func TestRun_RetriesTransientFailures(t *testing.T) {
	f := &flaky{seen: map[string]int{}}
	items := append(corpus(3), domain.Content{ID: "bad"})

	sum, err := New(f, Options{}).Run(context.Background(), items)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Success != 0 || sum.Errors != 4 {
		t.Fatalf("without retry every item fails once: %+v", sum)
	}

	f = &flaky{seen: map[string]int{}}
	r := New(f, Options{Retry: fn.RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond}})
	sum, err = r.Run(context.Background(), items)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Success != 3 || sum.Errors != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if f.seen["bad"] != 1 {
		t.Fatalf("validation errors must not be retried, saw %d attempts", f.seen["bad"])
	}
}

func TestRun_LedgerUnchanged(t *testing.T) {
	emb := &everyNth{}
	idx := semantic.NewMemoryStore()
	_ = idx.EnsureIndex(context.Background(), 3, semantic.MetricCosine)
	s := ingest.NewSynchronizer(ingest.Deps{Embedder: emb, Index: idx, Ledger: newMemLedger()})

	items := corpus(5)
	if _, err := New(s, Options{}).Run(context.Background(), items); err != nil {
		t.Fatal(err)
	}
	sum, _ := New(s, Options{}).Run(context.Background(), items)
	if sum.Success != 5 || sum.Unchanged != 5 {
		t.Fatalf("re-run should be a no-op: %+v", sum)
	}
	if emb.calls.Load() != 5 {
		t.Fatalf("embed calls = %d, want 5", emb.calls.Load())
	}

	sum, _ = New(s, Options{Force: true}).Run(context.Background(), items)
	if sum.Unchanged != 0 || emb.calls.Load() != 10 {
		t.Fatalf("forced run should re-embed: %+v calls=%d", sum, emb.calls.Load())
	}
}

type memLedger struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemLedger() *memLedger { return &memLedger{m: map[string]string{}} }

func (l *memLedger) Fingerprint(id string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fp, ok := l.m[id]
	return fp, ok, nil
}

func (l *memLedger) Record(id, fp string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.m[id] = fp
	return nil
}

func (l *memLedger) Forget(ids ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		delete(l.m, id)
	}
	return nil
}
