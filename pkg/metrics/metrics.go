// Package metrics holds the Prometheus collectors for the indexing and
// retrieval pipeline and serves them on /metrics.
package metrics

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "folio"

// DefaultBuckets are the default latency buckets (in seconds).
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Metrics is the set of pipeline collectors, registered on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	// Synchronizer
	SyncTotal   *prometheus.CounterVec // result: indexed|unchanged|skipped|failed
	DeleteTotal *prometheus.CounterVec // result: deleted|skipped|failed

	// Providers
	EmbedDuration *prometheus.HistogramVec // provider
	EmbedErrors   *prometheus.CounterVec   // provider
	IndexDuration *prometheus.HistogramVec // op

	// Bulk reindex
	ReindexItems   *prometheus.CounterVec // result: indexed|unchanged|skipped|failed
	ReindexBatches prometheus.Counter

	// Query service
	SearchRequests *prometheus.CounterVec   // kind, result
	SearchDuration *prometheus.HistogramVec // kind
	QueryCacheHits prometheus.Counter
	QueryCacheMiss prometheus.Counter

	// Background handoff
	QueueDepth   prometheus.Gauge
	QueueDropped prometheus.Counter
	EventsTotal  *prometheus.CounterVec // type, result: processed|retried|dead_lettered

	// HTTP
	HTTPRequests *prometheus.CounterVec   // route, code
	HTTPDuration *prometheus.HistogramVec // route
}

// New creates and registers all collectors, plus Go runtime and process
// collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,

		SyncTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_items_total",
			Help:      "Content items processed by the synchronizer, by result",
		}, []string{"result"}),
		DeleteTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_deletes_total",
			Help:      "Index deletions requested by the synchronizer, by result",
		}, []string{"result"}),

		EmbedDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "embed_duration_seconds",
			Help:      "Embedding request latency",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"provider"}),
		EmbedErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embed_errors_total",
			Help:      "Failed embedding requests",
		}, []string{"provider"}),
		IndexDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "index_duration_seconds",
			Help:      "Vector index operation latency",
			Buckets:   DefaultBuckets,
		}, []string{"op"}),

		ReindexItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reindex_items_total",
			Help:      "Items attempted by bulk reindex, by result",
		}, []string{"result"}),
		ReindexBatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reindex_batches_total",
			Help:      "Batches completed by bulk reindex",
		}),

		SearchRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_requests_total",
			Help:      "Semantic queries served, by kind and result",
		}, []string{"kind", "result"}),
		SearchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Semantic query latency",
			Buckets:   DefaultBuckets,
		}, []string{"kind"}),
		QueryCacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_cache_hits_total",
			Help:      "Query embeddings served from cache",
		}),
		QueryCacheMiss: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_cache_misses_total",
			Help:      "Query embeddings computed by the provider",
		}),

		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_depth",
			Help:      "Content events waiting for a sync worker",
		}),
		QueueDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_dropped_total",
			Help:      "Content events dropped because the sync queue was full",
		}),
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "content_events_total",
			Help:      "Content events consumed from NATS, by type and result",
		}, []string{"type", "result"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by route and status code",
		}, []string{"route", "code"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   DefaultBuckets,
		}, []string{"route"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Since observes the duration since t.
func Since(o prometheus.Observer, t time.Time) {
	o.Observe(time.Since(t).Seconds())
}

// Handler returns an http.Handler that serves the registry in the
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Serve starts an HTTP server on the given port serving /metrics.
func (m *Metrics) Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}

// ServeAsync starts the metrics server in a goroutine. Errors are logged.
func (m *Metrics) ServeAsync(port int) {
	go func() {
		if err := m.Serve(port); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "port", port, "error", err)
		}
	}()
}
