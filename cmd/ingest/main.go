// Command ingest is the NATS worker that keeps the vector index in step with
// the content store. It consumes content events, applies them through the
// synchronizer, and dead-letters events that keep failing.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/folio-press/folio/engine/ingest"
	"github.com/folio-press/folio/engine/pipeline"
	"github.com/folio-press/folio/pkg/config"
	"github.com/folio-press/folio/pkg/metrics"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("FOLIO_CONFIG"), "path to YAML config")
		queue      = flag.String("queue", ingest.WorkerQueue, "NATS queue group")
		timeout    = flag.Duration("timeout", 2*time.Minute, "per-event handling timeout")
	)
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(log)

	if err := run(cfg, *queue, *timeout, log); err != nil {
		log.Error("ingest worker exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, queue string, timeout time.Duration, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if cfg.Metrics.Port > 0 {
		m.ServeAsync(cfg.Metrics.Port)
	}

	p, err := pipeline.Build(ctx, cfg, m, log)
	if err != nil {
		return err
	}
	defer p.Close()
	if !p.Sync.Available() {
		// Keep consuming so events are acknowledged; the next bulk reindex
		// repairs the index once the dependency is back.
		log.Warn("semantic indexing unavailable, events will be skipped")
	}

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name("folio-ingest"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return err
	}
	defer nc.Close()

	sub, err := ingest.StartConsumer(nc, p.Sync, ingest.ConsumerOpts{
		Subject:    cfg.NATS.Subject,
		DLQSubject: cfg.NATS.DLQSubject,
		Queue:      queue,
		Timeout:    timeout,
		Metrics:    m,
		Logger:     log,
	})
	if err != nil {
		return err
	}
	log.Info("ingest worker started",
		"subject", sub.Subject,
		"queue", queue,
		"embedder", p.Embedder.Name(),
		"index", cfg.Index.Backend,
	)

	<-ctx.Done()
	log.Info("shutting down, draining subscription")
	// Drain lets in-flight handlers finish before the connection closes.
	if err := nc.Drain(); err != nil {
		return err
	}
	deadline := time.Now().Add(30 * time.Second)
	for !nc.IsClosed() && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}
