package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/folio-press/folio/engine/domain"
	"github.com/folio-press/folio/engine/reindex"
	"github.com/folio-press/folio/engine/semantic"
	"github.com/folio-press/folio/pkg/config"
)

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Embedding.Provider = "hash"
	cfg.Embedding.Dimension = 32
	cfg.Index.Backend = "memory"
	cfg.Reindex.Delay = 0
	cfg.Sync.LedgerPath = filepath.Join(t.TempDir(), "ledger.db")
	return cfg
}

func build(t *testing.T, cfg config.Config) *Pipeline {
	t.Helper()
	p, err := Build(context.Background(), cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestBuild_MemoryEndToEnd(t *testing.T) {
	p := build(t, memoryConfig(t))
	ctx := context.Background()

	items := []domain.Content{
		{ID: "a", Title: "Go generics in practice", Body: "type parameters", Status: domain.StatusPublished},
		{ID: "b", Title: "Go generics deep dive", Body: "constraints", Status: domain.StatusPublished},
		{ID: "c", Title: "Go generics draft", Body: "wip", Status: domain.StatusDraft},
	}
	var batches int
	sum, err := p.Reindexer(false, func(reindex.BatchReport) { batches++ }).Run(ctx, items)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Success != 3 || batches != 1 {
		t.Fatalf("summary = %+v, batches = %d", sum, batches)
	}
	if n, _ := p.Ledger.Len(); n != 3 {
		t.Fatalf("ledger holds %d entries", n)
	}

	got, err := p.Search.SemanticSearch(ctx, "generics", 10, semantic.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 published results, got %d", len(got))
	}

	related, err := p.Search.RecommendationsFor(ctx, "a", 5, semantic.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(related) != 1 || related[0].ID != "b" {
		t.Fatalf("related = %+v", related)
	}

	st, err := p.Stats(ctx)
	if err != nil || st.Count != 3 || st.Dimension != 32 {
		t.Fatalf("stats = %+v, %v", st, err)
	}

	if err := p.ResetIndex(ctx); err != nil {
		t.Fatal(err)
	}
	if st, _ := p.Stats(ctx); st.Count != 0 {
		t.Fatalf("reset left %d records", st.Count)
	}
	if n, _ := p.Ledger.Len(); n != 0 {
		t.Fatalf("reset left %d ledger entries", n)
	}
}

func TestBuild_NoCredential(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Embedding.Provider = "openai"
	cfg.Embedding.APIKey = ""
	p := build(t, cfg)
	ctx := context.Background()

	if p.Embedder.Available() || p.Sync.Available() {
		t.Fatal("pipeline should report unavailable without a credential")
	}
	err := p.Sync.SyncItem(ctx, domain.Content{ID: "a", Title: "t", Status: domain.StatusPublished})
	if err != nil {
		t.Fatalf("write side must degrade silently, got %v", err)
	}
	if _, err := p.Search.SemanticSearch(ctx, "x", 5, semantic.Filter{}); !errors.Is(err, domain.ErrIndexUnavailable) {
		t.Fatalf("expected ErrIndexUnavailable, got %v", err)
	}
	sum, err := p.Reindexer(false, nil).Run(ctx, []domain.Content{{ID: "a", Title: "t", Status: domain.StatusPublished}})
	if err != nil || sum.Success+sum.Errors != sum.Total {
		t.Fatalf("reindex must degrade silently: %+v, %v", sum, err)
	}
}

func TestReindexer_RateLimited(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Sync.LedgerPath = ""
	cfg.Reindex.RPS = 10
	p := build(t, cfg)

	items := make([]domain.Content, 14)
	for i := range items {
		items[i] = domain.Content{ID: fmt.Sprintf("p%d", i), Title: "paced", Status: domain.StatusPublished}
	}
	start := time.Now()
	sum, err := p.Reindexer(false, nil).Run(context.Background(), items)
	if err != nil || sum.Success != 14 {
		t.Fatalf("summary = %+v, %v", sum, err)
	}
	// A burst of 10 goes at once; the remaining 4 wait ~100ms each.
	if d := time.Since(start); d < 300*time.Millisecond {
		t.Fatalf("run took %v, limiter not applied", d)
	}
}

func TestBuild_Errors(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Embedding.Provider = "cohere"
	if _, err := Build(context.Background(), cfg, nil, nil); err == nil {
		t.Fatal("expected unknown provider error")
	}

	cfg = memoryConfig(t)
	cfg.Index.Backend = "pinecone"
	if _, err := Build(context.Background(), cfg, nil, nil); err == nil {
		t.Fatal("expected unknown backend error")
	}
}
