// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PuzzleHub Contributors

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/puzzlehub/puzzlehub/internal/catalog"
	"github.com/puzzlehub/puzzlehub/internal/config"
	"github.com/puzzlehub/puzzlehub/internal/hub"
	"github.com/puzzlehub/puzzlehub/internal/logging"
	"github.com/puzzlehub/puzzlehub/internal/observability"
	"github.com/puzzlehub/puzzlehub/internal/realtime"
	"github.com/puzzlehub/puzzlehub/internal/solve"
	"github.com/puzzlehub/puzzlehub/internal/store"
)

// serveShutdownTimeout bounds graceful shutdown of the HTTP/websocket and
// observability servers once a shutdown signal arrives.
const serveShutdownTimeout = 5 * time.Second

// NewServeCmd creates the serve subcommand: it runs the websocket
// real-time server, the solve/catalog HTTP-less services behind it, and
// the observability server, until a shutdown signal arrives.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the PuzzleHub real-time server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logging.SetDefault("puzzlehubd", version, cfg.LogFormat)
			return runServe(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("database_url", "", "PostgreSQL connection string (overrides PUZZLEHUB_DATABASE_URL)")
	flags.String("listen_addr", "127.0.0.1:8080", "websocket listen address")
	flags.String("metrics_addr", "127.0.0.1:9100", "metrics/health HTTP listen address")
	flags.String("log_format", "json", "log format (json or text)")
	flags.Int("hub.queue_size", 1024, "per-subscriber outbound queue depth")
	flags.Duration("hub.reorder_window", 250*time.Millisecond, "cross-instance delivery reorder window")
	flags.Int("append.max_retries", store.DefaultAppendMaxRetries, "max retry attempts for a sequence-number append conflict")
	flags.Duration("append.retry_base", store.DefaultAppendRetryBase, "exponential backoff base for append retries")

	return cmd
}

// runServe wires the event store, the solve/catalog repositories, the
// stream hub, the websocket transport, and the observability server, then
// blocks until a shutdown signal or a fatal server error.
func runServe(ctx context.Context, cfg *config.Config) error {
	obsServer := observability.NewServer(cfg.MetricsAddr, func() bool { return true })
	metrics := obsServer.Metrics()

	eventStore, err := store.NewPostgresEventStore(ctx, cfg.DatabaseURL,
		store.WithAppendRetry(cfg.AppendMaxRetries, cfg.AppendRetryBase),
		store.WithMetrics(metrics),
	)
	if err != nil {
		return oops.Code("SERVE_EVENTSTORE_CONNECT_FAILED").Wrap(err)
	}
	defer eventStore.Close()

	// A second pool, separate from the event store's internal one, backs
	// the notifier/catalog/solve repositories: those are a distinct
	// concern from the append-path pool tuning inside PostgresEventStore.
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return oops.Code("SERVE_POOL_CONNECT_FAILED").Wrap(err)
	}
	defer pool.Close()

	notifier := store.NewNotifier(cfg.DatabaseURL, pool)
	catalogRepo := catalog.NewRepository(pool)
	solveService := solve.NewService(eventStore, pool, catalogRepo, solve.WithMetrics(metrics))

	h := hub.New(eventStore, notifier,
		hub.WithQueueSize(cfg.HubQueueSize),
		hub.WithReorderWindow(cfg.HubReorderWindow),
		hub.WithMetrics(metrics),
	)

	realtimeServer := realtime.NewServer(h, realtime.WithSolveService(solveService))
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           realtimeServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		slog.Info("websocket server listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
		}
	}()

	obsErrCh, err := obsServer.Start()
	if err != nil {
		return oops.Code("SERVE_OBSERVABILITY_START_FAILED").Wrap(err)
	}
	slog.Info("observability server listening", "addr", cfg.MetricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-serveErrCh:
		return oops.Code("SERVE_WEBSOCKET_FAILED").Wrap(err)
	case err, ok := <-obsErrCh:
		if ok && err != nil {
			return oops.Code("SERVE_OBSERVABILITY_FAILED").Wrap(err)
		}
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("error shutting down websocket server", "error", err)
	}
	if err := obsServer.Stop(shutdownCtx); err != nil {
		slog.Warn("error shutting down observability server", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
