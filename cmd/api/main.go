// Command api serves the semantic search HTTP surface: search, related
// content, index stats, content event intake and admin operations.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/folio-press/folio/engine/ingest"
	"github.com/folio-press/folio/engine/pipeline"
	"github.com/folio-press/folio/pkg/config"
	"github.com/folio-press/folio/pkg/contentstore"
	"github.com/folio-press/folio/pkg/metrics"
	"github.com/folio-press/folio/pkg/mid"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
)

func main() {
	configPath := flag.String("config", os.Getenv("FOLIO_CONFIG"), "path to YAML config")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	p, err := pipeline.Build(ctx, cfg, m, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	// --- Event intake: NATS when reachable, otherwise the in-process queue ---
	var events eventSink
	var dispatcher *ingest.Dispatcher
	if nc, err := connectNATS(cfg.NATS.URL, logger); err == nil {
		defer nc.Drain()
		events = publishTo(ingest.NewPublisher(nc, cfg.NATS.Subject))
		logger.Info("events published to NATS", "subject", cfg.NATS.Subject)
	} else {
		if cfg.NATS.URL != "" {
			logger.Warn("NATS unavailable, applying events in-process", "err", err)
		}
		dispatcher = ingest.NewDispatcher(p.Sync, ingest.DispatcherOpts{
			Workers:   cfg.Sync.Workers,
			QueueSize: cfg.Sync.QueueSize,
			Metrics:   m,
			Logger:    logger,
		})
		events = enqueueTo(dispatcher)
	}

	// --- Content store for admin reindex (optional) ---
	var content contentSource
	if cfg.Postgres.DSN != "" {
		cs, err := contentstore.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			logger.Warn("content store unavailable, admin reindex disabled", "err", err)
		} else {
			defer cs.Close()
			content = cs
		}
	}

	srv := newServer(ctx, p, events, content, logger)
	handler := mid.Chain(srv.routes(cfg.HTTP.AdminToken),
		mid.Recover(logger),
		mid.RequestID(),
		mid.OTel("folio-api"),
		mid.Logger(logger),
		mid.CORS(cfg.HTTP.CORSOrigin),
		mid.Metrics(m),
	)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.HTTP.Port)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = httpSrv.Shutdown(shutCtx)
	if dispatcher != nil {
		if derr := dispatcher.Close(shutCtx); derr != nil {
			logger.Warn("dispatcher did not drain", "err", derr)
		}
	}
	return err
}

func connectNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	if url == "" {
		return nil, errors.New("no NATS url configured")
	}
	nc, err := nats.Connect(url,
		nats.Name("folio-api"),
		nats.Timeout(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "err", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}
