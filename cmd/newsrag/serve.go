package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/newsrag/internal/conversation"
	httpserver "github.com/fyrsmithlabs/newsrag/internal/http"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		Long: `Run the REST and websocket chat server.

When ingestion.feeds is set, the feeds are indexed at startup
(ingestion.on_startup) and then every ingestion.interval.

Examples:
  newsrag serve
  SESSION_BACKEND=redis REDIS_URL=redis://cache:6379/0 newsrag serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, opts.configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return runServe(ctx, a)
		},
	}
}

// runServe blocks until ctx is done or the server fails, then shuts down
// within the configured timeout.
func runServe(ctx context.Context, a *app) error {
	store, err := a.sessionStore(ctx)
	if err != nil {
		return err
	}
	engine, err := a.engine()
	if err != nil {
		return err
	}
	pub, err := a.publisher(ctx)
	if err != nil {
		return err
	}
	job, err := a.ingestJob()
	if err != nil {
		return err
	}

	orch := conversation.New(store, engine, conversation.Config{
		TopK:       a.cfg.RAG.TopK,
		ChunkDelay: a.cfg.Stream.ChunkDelay.Duration(),
		ChunkSize:  a.cfg.Stream.ChunkSize,
		Publisher:  pub,
	}, a.logger)

	srv, err := httpserver.NewServer(orch, a.logger, &httpserver.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		// promauto collectors live in the default registry, the bridged
		// OpenTelemetry instruments in the telemetry one.
		Gatherer: prometheus.Gatherers{prometheus.DefaultGatherer, a.telemetry.Registry()},
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error(shutdownCtx, "error during shutdown", zap.Error(err))
			return err
		}
		return nil
	})
	if job != nil {
		g.Go(func() error {
			if a.cfg.Ingestion.OnStartup {
				if _, err := job.RunOnce(gctx); err != nil && gctx.Err() == nil {
					a.logger.Error(gctx, "startup ingestion failed", zap.Error(err))
				}
			}
			if interval := a.cfg.Ingestion.Interval.Duration(); interval > 0 {
				return job.Run(gctx, interval)
			}
			return nil
		})
	}

	a.logger.Info(ctx, "newsrag started",
		zap.String("version", version),
		zap.Int("port", a.cfg.Server.Port),
		zap.Int("feeds", len(a.cfg.Ingestion.Feeds)))

	err = g.Wait()
	a.logger.Info(context.WithoutCancel(ctx), "newsrag stopped")
	return err
}
