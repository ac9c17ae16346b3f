package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "folio.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Reindex.BatchSize != 100 || cfg.Reindex.Delay != time.Second {
		t.Fatalf("unexpected reindex defaults: %+v", cfg.Reindex)
	}
	if cfg.Sync.ExcerptLen != 200 || cfg.Sync.BodyPrefix != 2000 {
		t.Fatalf("unexpected sync defaults: %+v", cfg.Sync)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, `
embedding:
  provider: ollama
  model: nomic-embed-text
  dimension: 768
  timeout: 10s
index:
  backend: memory
  metric: dot
reindex:
  batch_size: 25
  delay: 250ms
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Embedding.Provider != "ollama" || cfg.Embedding.Dimension != 768 || cfg.Embedding.Timeout != 10*time.Second {
		t.Fatalf("embedding = %+v", cfg.Embedding)
	}
	if cfg.Index.Backend != "memory" || cfg.Index.Metric != "dot" {
		t.Fatalf("index = %+v", cfg.Index)
	}
	if cfg.Reindex.BatchSize != 25 || cfg.Reindex.Delay != 250*time.Millisecond {
		t.Fatalf("reindex = %+v", cfg.Reindex)
	}
	// Untouched sections keep their defaults.
	if cfg.Search.MaxLimit != 100 {
		t.Fatalf("search = %+v", cfg.Search)
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	path := writeFile(t, "reindex:\n  batch_size: 25\n")
	t.Setenv("REINDEX_BATCH_SIZE", "50")
	t.Setenv("REINDEX_DELAY", "2s")
	t.Setenv("EMBEDDING_API_KEY", "sk-test")
	t.Setenv("EMBEDDING_RPS", "2.5")
	t.Setenv("REINDEX_RPS", "40")
	t.Setenv("QDRANT_COLLECTION", "posts_v2")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Reindex.BatchSize != 50 || cfg.Reindex.Delay != 2*time.Second || cfg.Reindex.RPS != 40 {
		t.Fatalf("reindex = %+v", cfg.Reindex)
	}
	if cfg.Embedding.APIKey != "sk-test" || cfg.Embedding.RPS != 2.5 {
		t.Fatalf("embedding = %+v", cfg.Embedding)
	}
	if cfg.Index.Collection != "posts_v2" {
		t.Fatalf("collection = %q", cfg.Index.Collection)
	}
}

func TestEmbeddingKeyPrecedence(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-openai")
	t.Setenv("EMBEDDING_API_KEY", "sk-explicit")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Embedding.APIKey != "sk-explicit" {
		t.Fatalf("api key = %q", cfg.Embedding.APIKey)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		path string
		env  map[string]string
		want string
	}{
		{name: "missing file", path: "/nonexistent/folio.yaml", want: "no such file"},
		{name: "bad yaml", path: "bad", want: "parse"},
		{name: "bad int", env: map[string]string{"SYNC_WORKERS": "many"}, want: "SYNC_WORKERS"},
		{name: "bad duration", env: map[string]string{"REINDEX_DELAY": "soon"}, want: "REINDEX_DELAY"},
		{name: "bad backend", env: map[string]string{"INDEX_BACKEND": "pinecone"}, want: "index.backend"},
		{name: "bad metric", env: map[string]string{"INDEX_METRIC": "manhattan"}, want: "index.metric"},
		{name: "bad batch", env: map[string]string{"REINDEX_BATCH_SIZE": "0"}, want: "batch_size"},
		{name: "bad rps", env: map[string]string{"REINDEX_RPS": "fast"}, want: "REINDEX_RPS"},
		{name: "negative rps", env: map[string]string{"REINDEX_RPS": "-1"}, want: "rps must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tt.path
			if path == "bad" {
				path = writeFile(t, "index: [unterminated")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range tests {
		if got := (Config{LogLevel: in}).SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
