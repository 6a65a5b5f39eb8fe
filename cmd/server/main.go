// Package main is the entrypoint for the forensicd API server.
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

	"github.com/dfirlabs/forensicd/internal/api"
	"github.com/dfirlabs/forensicd/internal/api/handler"
	mw "github.com/dfirlabs/forensicd/internal/api/middleware"
	"github.com/dfirlabs/forensicd/internal/api/response"
	"github.com/dfirlabs/forensicd/internal/cache"
	"github.com/dfirlabs/forensicd/internal/config"
	"github.com/dfirlabs/forensicd/internal/jobs"
	"github.com/dfirlabs/forensicd/internal/locker"
	"github.com/dfirlabs/forensicd/internal/runner"
	"github.com/dfirlabs/forensicd/internal/store"
	"github.com/dfirlabs/forensicd/pkg/models"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "workers", cfg.Worker.Concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Redis: lock store + status cache share one URL
	lockStore, err := locker.NewRedisStore(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create lock store: %w", err)
	}
	defer lockStore.Close()
	if err := lockStore.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	// 5. Core components
	pgStore := store.NewPostgresStore(pool)
	locks := locker.NewManager(lockStore, cfg.Locks.TTL, cfg.Locks.PollInterval)
	jobRunner := runner.NewRunner(pgStore, locks, redisCache, cfg.Analyzer,
		cfg.Locks.AcquireTimeout, cfg.Worker.PersistEvery)
	workerPool := runner.NewPool(jobRunner, pgStore,
		cfg.Worker.Concurrency, cfg.Worker.QueueDepth, cfg.Analyzer.JobTimeout)
	defer workerPool.Close()

	resolver := runner.NewResolver(pgStore, cfg.Analyzer.CleanupTimeout)
	svc := jobs.NewService(pgStore, workerPool, resolver, redisCache)
	bulk := jobs.NewCoordinator(svc)

	// Re-enqueue jobs left pending by a previous run
	if err := requeuePending(ctx, pgStore, workerPool); err != nil {
		slog.Warn("requeue pending jobs", "error", err)
	}

	// 6. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, 60)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler: healthHandler(pgStore, lockStore),

		CreateJobHandler:     handler.NewCreateJobHandler(svc),
		ListJobsHandler:      handler.NewListJobsHandler(svc),
		GetJobHandler:        handler.NewGetJobHandler(svc),
		JobStatusHandler:     handler.NewJobStatusHandler(svc),
		DeleteJobHandler:     handler.NewDeleteJobHandler(svc),
		CancelJobHandler:     handler.NewJobActionHandler(svc.Cancel),
		RestartJobHandler:    handler.NewJobActionHandler(svc.Restart),
		ArchiveJobHandler:    handler.NewJobActionHandler(svc.Archive),
		BulkJobsHandler:      handler.NewBulkJobsHandler(bulk),
		PendingActionHandler: handler.NewPendingActionHandler(svc),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// requeuePending resubmits jobs that were pending when the previous process
// exited. Their image locks have expired or been released, so they run fresh.
func requeuePending(ctx context.Context, s store.Store, pool *runner.Pool) error {
	pending, _, err := s.ListJobs(ctx, store.JobFilter{
		Status: models.JobStatusPending,
		Limit:  100,
	})
	if err != nil {
		return err
	}
	for _, job := range pending {
		if _, err := pool.Submit(ctx, job.ID); err != nil {
			slog.Warn("requeue job", "job_id", job.ID, "error", err)
			continue
		}
		slog.Info("requeued pending job", "job_id", job.ID)
	}
	return nil
}

// healthHandler checks database and lock-store connectivity.
func healthHandler(s store.Store, locks locker.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database":   "ok",
			"lock_store": "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := locks.Ping(r.Context()); err != nil {
			checks["lock_store"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["lock_store"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
