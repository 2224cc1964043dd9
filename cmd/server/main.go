// Package main is the entrypoint for the Melodia API server.
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

	"github.com/melodia-app/melodia/internal/api"
	"github.com/melodia-app/melodia/internal/api/handler"
	mw "github.com/melodia-app/melodia/internal/api/middleware"
	"github.com/melodia-app/melodia/internal/api/response"
	"github.com/melodia-app/melodia/internal/cache"
	"github.com/melodia-app/melodia/internal/config"
	"github.com/melodia-app/melodia/internal/lyrics"
	"github.com/melodia-app/melodia/internal/songgen"
	"github.com/melodia-app/melodia/internal/store"
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
	slog.Info("config loaded", "lyrics_provider", cfg.Lyrics.Provider, "env", cfg.Server.Env)

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

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create lyrics provider and service
	lyricsProvider, err := lyrics.NewProvider(cfg.Lyrics)
	if err != nil {
		return fmt.Errorf("create lyrics provider: %w", err)
	}
	slog.Info("lyrics provider initialized", "provider", lyricsProvider.Name())

	// 6. Create store
	pgStore := store.NewPostgresStore(pool)

	lyricsService := lyrics.NewService(lyricsProvider, redisCache,
		cfg.Lyrics.InferenceTimeout, cfg.Lyrics.CacheTTL)

	// 7. Create generation client, hub and coordinator
	genClient := songgen.NewHTTPClient(cfg.SongGen.BaseURL, cfg.SongGen.APIKey,
		cfg.SongGen.RequestTimeout)
	hub := songgen.NewHub()
	coordinator := songgen.NewCoordinator(genClient, pgStore, hub, songgen.Settings{
		PollInterval:   cfg.SongGen.PollInterval,
		PollMaxRetries: cfg.SongGen.PollMaxRetries,
		TaskTimeout:    cfg.SongGen.TaskTimeout,
	})

	// Re-arm pollers for tasks that were in flight when the previous
	// process stopped.
	resumed, err := coordinator.ResumeActive(ctx)
	if err != nil {
		return fmt.Errorf("resume active tasks: %w", err)
	}
	if resumed > 0 {
		slog.Info("resumed active generation tasks", "count", resumed)
	}

	// 8. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, 60)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler: healthHandler(pgStore, redisCache),

		GenerateLyricsHandler: handler.NewGenerateLyricsHandler(lyricsService),

		CreateTaskHandler: handler.NewCreateTaskHandler(coordinator),
		GetTaskHandler:    handler.NewGetTaskHandler(pgStore),
		ListTasksHandler:  handler.NewListTasksHandler(pgStore),
		SetPrimaryHandler: handler.NewSetPrimaryHandler(pgStore),
		SubscribeHandler:  handler.NewSubscribeHandler(pgStore, hub),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout. The HTTP server drains first so no
	// new tasks arrive, then the coordinator stops its pollers; unfinished
	// tasks stay queued or processing in the store and are resumed on the
	// next boot.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("coordinator shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
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
