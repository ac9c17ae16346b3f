package embed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/folio-press/folio/engine/domain"
	"github.com/folio-press/folio/pkg/metrics"
	"github.com/folio-press/folio/pkg/resilience"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func openAIServer(t *testing.T, hits *atomic.Int32, handler func(w http.ResponseWriter, req openAIRequest)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req openAIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing credential header")
		}
		handler(w, req)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEmbed_UnavailableWithoutCredential(t *testing.T) {
	var hits atomic.Int32
	srv := openAIServer(t, &hits, func(w http.ResponseWriter, _ openAIRequest) {})

	c := NewClient(NewOpenAI(srv.URL, "", "m", 0, nil), Options{})
	if c.Available() {
		t.Fatal("client without key must be unavailable")
	}
	_, err := c.Embed(context.Background(), "hello")
	if !errors.Is(err, domain.ErrEmbeddingUnavailable) {
		t.Fatalf("expected ErrEmbeddingUnavailable, got %v", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("expected no network call, got %d", hits.Load())
	}
}

func TestEmbed_OpenAISuccessAndTruncation(t *testing.T) {
	var hits atomic.Int32
	var gotInput string
	srv := openAIServer(t, &hits, func(w http.ResponseWriter, req openAIRequest) {
		gotInput = req.Input
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{0.1, 0.2, 0.3}, "index": 0}},
		})
	})

	c := NewClient(NewOpenAI(srv.URL, "sk-test", "m", 0, nil), Options{MaxChars: 5, Dimension: 3})
	vec, err := c.Embed(context.Background(), "héllo world")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 3 || vec[2] != 0.3 {
		t.Fatalf("wrong vector %v", vec)
	}
	if gotInput != "héllo" {
		t.Fatalf("input not truncated: %q", gotInput)
	}
}

func TestEmbed_ProviderErrorMessage(t *testing.T) {
	var hits atomic.Int32
	srv := openAIServer(t, &hits, func(w http.ResponseWriter, _ openAIRequest) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"model not found","type":"invalid_request_error"}}`))
	})

	m := metrics.New()
	c := NewClient(NewOpenAI(srv.URL, "sk-test", "m", 0, nil), Options{Metrics: m})
	_, err := c.Embed(context.Background(), "hello")
	if !errors.Is(err, domain.ErrEmbeddingRequestFailed) {
		t.Fatalf("expected ErrEmbeddingRequestFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("provider message lost: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("request must not be retried, got %d calls", hits.Load())
	}
	if got := testutil.ToFloat64(m.EmbedErrors.WithLabelValues("openai")); got != 1 {
		t.Fatalf("embed errors = %v", got)
	}
}

func TestEmbed_Timeout(t *testing.T) {
	var hits atomic.Int32
	srv := openAIServer(t, &hits, func(w http.ResponseWriter, _ openAIRequest) {
		time.Sleep(200 * time.Millisecond)
	})

	c := NewClient(NewOpenAI(srv.URL, "sk-test", "m", 0, nil), Options{Timeout: 20 * time.Millisecond})
	_, err := c.Embed(context.Background(), "hello")
	if !errors.Is(err, domain.ErrEmbeddingRequestFailed) {
		t.Fatalf("timeout should surface as request failure, got %v", err)
	}
}

func TestEmbed_DimensionMismatch(t *testing.T) {
	c := NewClient(NewHash(8), Options{Dimension: 16})
	if _, err := c.Embed(context.Background(), "hello"); !errors.Is(err, domain.ErrEmbeddingRequestFailed) {
		t.Fatalf("expected request failure, got %v", err)
	}
}

func TestEmbed_BreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := openAIServer(t, &hits, func(w http.ResponseWriter, _ openAIRequest) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	c := NewClient(NewOpenAI(srv.URL, "sk-test", "m", 0, nil), Options{
		Breaker: resilience.BreakerOpts{FailThreshold: 2, Timeout: time.Minute},
	})
	for i := 0; i < 3; i++ {
		_, _ = c.Embed(context.Background(), "hello")
	}
	_, err := c.Embed(context.Background(), "hello")
	if !errors.Is(err, resilience.ErrCircuitOpen) || !errors.Is(err, domain.ErrEmbeddingRequestFailed) {
		t.Fatalf("expected open circuit request failure, got %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected 2 provider calls, got %d", hits.Load())
	}
}

func TestOllama(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedReq
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model == "missing" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"model \"missing\" not found"}`))
			return
		}
		json.NewEncoder(w).Encode(ollamaEmbedResp{Embedding: []float64{1, 2}})
	}))
	defer srv.Close()

	vec, err := NewOllama(srv.URL, "nomic-embed-text", nil).Embed(context.Background(), "hi")
	if err != nil || len(vec) != 2 || vec[1] != 2 {
		t.Fatalf("Embed = %v, %v", vec, err)
	}

	_, err = NewOllama(srv.URL, "missing", nil).Embed(context.Background(), "hi")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected provider error message, got %v", err)
	}

	if NewOllama("", "", nil).Configured() {
		t.Fatal("ollama without a model must be unconfigured")
	}
}

func TestHash(t *testing.T) {
	h := NewHash(64)
	ctx := context.Background()
	a, _ := h.Embed(ctx, "Rust memory safety")
	b, _ := h.Embed(ctx, "rust memory safety")
	c, _ := h.Embed(ctx, "gardening tomatoes in spring")

	if cosine(a, b) < 0.999 {
		t.Fatal("hash embedding should be case-insensitive and deterministic")
	}
	if cosine(a, c) >= cosine(a, b) {
		t.Fatal("unrelated text should be less similar")
	}
	empty, err := h.Embed(ctx, "")
	if err != nil || len(empty) != 64 {
		t.Fatalf("empty input: %v %v", empty, err)
	}
}

func cosine(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		{"日本語テキスト", 3, "日本語"},
		{"abc", 0, "abc"},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestNew(t *testing.T) {
	m := metrics.New()
	if _, err := New(Config{Provider: "bogus"}, m, nil); err == nil {
		t.Fatal("expected error for unknown provider")
	}
	for _, cfg := range []Config{{Provider: ""}, {Provider: "none"}, {Provider: "openai"}} {
		c, err := New(cfg, m, nil)
		if err != nil {
			t.Fatal(err)
		}
		if c.Available() {
			t.Fatalf("%q without credential should be unavailable", cfg.Provider)
		}
	}
	c, err := New(Config{Provider: "hash", Dimension: 32}, m, nil)
	if err != nil || !c.Available() || c.Dimension() != 32 {
		t.Fatalf("hash client: %v", err)
	}
	vec, err := c.Embed(context.Background(), "hello")
	if err != nil || len(vec) != 32 {
		t.Fatalf("Embed = %d, %v", len(vec), err)
	}
}
