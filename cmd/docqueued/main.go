package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/calder-env/docqueue/internal/auth"
	"github.com/calder-env/docqueue/internal/backfill"
	"github.com/calder-env/docqueue/internal/common"
	"github.com/calder-env/docqueue/internal/extract"
	"github.com/calder-env/docqueue/internal/index"
	"github.com/calder-env/docqueue/internal/metrics"
	"github.com/calder-env/docqueue/internal/processor"
	"github.com/calder-env/docqueue/internal/queue"
	"github.com/calder-env/docqueue/internal/repository"
	"github.com/calder-env/docqueue/internal/server"
	"github.com/calder-env/docqueue/internal/storage"
	"github.com/calder-env/docqueue/internal/stream"
)

func main() {
	root := &cobra.Command{
		Use:   "docqueued",
		Short: "Environmental-compliance document processing queue",
	}
	root.AddCommand(serveCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger()
			cfg := common.LoadConfig()
			if cfg.Database.DSN == "" {
				return fmt.Errorf("DB_URL is required")
			}
			return repository.Migrate(cfg.Database.DSN, cfg.Database.MigrationsDir, logger)
		},
	}
}

func serveCmd() *cobra.Command {
	var storageRoot string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the queue API, change-stream listener and processors",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), storageRoot)
		},
	}
	cmd.Flags().StringVar(&storageRoot, "storage-root", "./data", "root directory of the local object store")
	return cmd
}

func serve(ctx context.Context, storageRoot string) error {
	logger := newLogger()
	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := repository.Open(ctx, repository.Config{
		DSN:              cfg.Database.DSN,
		MaxConns:         cfg.Database.MaxConns,
		MinConns:         cfg.Database.MinConns,
		MaxConnLifetime:  cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:  cfg.Database.MaxConnIdleTime,
		DialTimeout:      cfg.Database.DialTimeout,
		StatementTimeout: cfg.Database.StatementTimeout,
	}, logger)
	if err != nil {
		return err
	}
	defer repository.Close(pool, logger)

	repo := repository.NewQueueEntryRepository(pool, logger)
	m := metrics.New(nil)

	cache := queue.NewCache(repo, logger)
	if err := cache.Resync(ctx); err != nil {
		return err
	}

	listener := stream.NewListener(pool, logger)
	events, unsubscribe := listener.Subscribe()
	defer unsubscribe()
	go func() {
		if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("listener stopped", "error", err)
		}
	}()
	go cache.Follow(ctx, events)

	tokens := auth.NewHTTPSource(cfg.Auth, logger)
	extractor := extract.NewClient(cfg.Extract.BaseURL, logger)
	indexer := index.NewClient(cfg.Index.BaseURL, cfg.Index.Timeout, logger)
	store := storage.NewFSStore(storageRoot)
	builder := processor.NewRequestBuilder(store, logger)
	slots := processor.NewSlots(cfg.Extract.PoolSlots)

	dispatcher := processor.NewDispatcher(tokens, extractor, builder, slots, m, logger,
		processor.WithKickoffTimeout(cfg.Extract.SingleTimeout),
	)
	single := processor.NewSingle(cache, dispatcher, "", logger)
	batch := processor.NewBatch(repo, cache, tokens, extractor, builder, slots, m, cfg.Extract, logger)
	job := backfill.NewJob(repo, indexer, tokens, m, cfg.Backfill, logger)

	dbHealth := func(r *http.Request) error {
		return repository.HealthCheck(r.Context(), pool, 2*time.Second, logger)
	}
	srv := server.New(repo, cache, single, batch, job, cfg.Backfill.Secret, dbHealth, logger)

	httpSrv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  time.Minute,
	}

	shutdown := make(chan error, 1)
	go func() {
		<-ctx.Done()
		logger.Info("signal caught, shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		dispatcher.Shutdown(sctx)
		shutdown <- httpSrv.Shutdown(sctx)
	}()

	logger.Info("server started", "addr", cfg.Server.Addr)
	if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	if err := <-shutdown; err != nil {
		return err
	}
	logger.Info("server stopped", "addr", cfg.Server.Addr)
	return nil
}

func newLogger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	return logger
}
