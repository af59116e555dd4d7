// Package main is the entry point for the zonemind control plane API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/omniforge/zonemind/internal/artifact"
	"github.com/omniforge/zonemind/internal/command"
	"github.com/omniforge/zonemind/internal/config"
	"github.com/omniforge/zonemind/internal/database"
	"github.com/omniforge/zonemind/internal/executor"
	"github.com/omniforge/zonemind/internal/handler"
	"github.com/omniforge/zonemind/internal/logstream"
	"github.com/omniforge/zonemind/internal/middleware"
	"github.com/omniforge/zonemind/internal/repository"
	"github.com/omniforge/zonemind/internal/sshclient"
	"github.com/omniforge/zonemind/internal/taskqueue"
)

const (
	exitConfigError = 1
	exitStoreError  = 2
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(exitConfigError)
	}

	logger.Info("starting zonemind control plane",
		slog.String("environment", cfg.Server.Environment),
		slog.Int("port", cfg.Server.Port),
	)

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(exitStoreError)
	}
	defer db.Close()
	logger.Info("connected to PostgreSQL")

	if err := db.RunMigrations(cfg.Database); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(exitStoreError)
	}
	logger.Info("database migrations completed")

	// Redis only backs API rate limiting; the control plane runs without it.
	var redis *database.Redis
	if cfg.Redis.Enabled {
		redis, err = database.NewRedis(cfg.Redis)
		if err != nil {
			logger.Error("failed to connect to Redis", "error", err)
			os.Exit(exitStoreError)
		}
		defer redis.Close()
		logger.Info("connected to Redis")
	}

	pool := db.Pool()
	taskRepo := repository.NewTaskRepository(pool)
	locationRepo := repository.NewLocationRepository(pool)
	artifactRepo := repository.NewArtifactRepository(pool)
	sessionRepo := repository.NewLogSessionRepository(pool)
	projectionRepo := repository.NewProjectionRepository(pool)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	runner := command.NewRunner(logger)
	ssh := sshclient.New(runner, logger)

	registry := taskqueue.NewRegistry()
	queue := taskqueue.NewQueue(cfg.TaskQueue, taskRepo, registry, logger)

	engine := artifact.NewEngine(cfg.ArtifactStorage, locationRepo, artifactRepo, runner, queue, logger)
	exec := executor.New(runner, ssh, projectionRepo, cfg.Provisioning, hostname, logger)

	exec.RegisterAll(registry)
	artifact.RegisterHandlers(registry, engine, cfg.TaskQueue.DownloadMaxRunning)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := queue.Start(ctx); err != nil {
		logger.Error("failed to start task queue", "error", err)
		os.Exit(exitStoreError)
	}

	logs := logstream.NewManager(cfg.SystemLogs, sessionRepo, logger)
	logs.Start()

	taskHandler := handler.NewTaskHandler(queue, taskRepo)
	artifactHandler := handler.NewArtifactHandler(engine, queue, taskRepo, cfg.ArtifactStorage)
	hostHandler := handler.NewHostHandler(exec, queue, projectionRepo)
	updateHandler := handler.NewUpdateHandler(exec, queue)
	accountHandler := handler.NewAccountHandler(exec, queue)
	logStreamHandler := handler.NewLogStreamHandler(logs)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())
	r.Use(middleware.Metrics())

	r.Get("/health", healthHandler())
	r.Get("/ready", readyHandler(db, redis))
	r.Handle("/metrics", promhttp.Handler())

	// The WebSocket endpoint authenticates with the one-time session cookie
	// instead of the API key; browser clients cannot set headers here.
	r.Get("/logs/stream/{sessionId}", logStreamHandler.Stream)

	r.Group(func(r chi.Router) {
		if redis != nil {
			r.Use(middleware.RateLimit(redis, middleware.DefaultRateLimitConfig()))
		}
		r.Use(middleware.APIKeyAuth(cfg.Auth.APIKeys))

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(30 * time.Second))
			r.Mount("/tasks", taskHandler.Routes())
			r.Mount("/artifacts", artifactHandler.Routes())
		})

		r.Route("/system", func(r chi.Router) {
			// Update checks shell out to a pkg dry run that can take
			// minutes; everything else answers fast.
			r.Group(func(r chi.Router) {
				r.Use(chimiddleware.Timeout(15 * time.Minute))
				r.Mount("/updates", updateHandler.Routes())
			})
			r.Group(func(r chi.Router) {
				r.Use(chimiddleware.Timeout(30 * time.Second))
				r.Mount("/host", hostHandler.Routes())
				r.Mount("/logs", logStreamHandler.Routes())
				r.Mount("/", accountHandler.Routes())
			})
		})
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           r,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       time.Minute,
	}

	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(exitStoreError)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("shutting down", slog.String("signal", sig.String()))

	// Drain HTTP first so no new tasks arrive, then let running tasks and
	// log sessions wind down.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := queue.Stop(shutdownCtx); err != nil {
		logger.Warn("task queue shutdown incomplete", "error", err)
	}
	if err := logs.Shutdown(shutdownCtx); err != nil {
		logger.Warn("log stream shutdown incomplete", "error", err)
	}

	logger.Info("server stopped")
}

// healthHandler reports process liveness.
func healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}
}

// readyHandler verifies the backing stores are reachable.
func readyHandler(db *database.Postgres, redis *database.Redis) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")

		if err := db.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"database"}`))
			return
		}
		if redis != nil {
			if err := redis.Ping(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"error","component":"redis"}`))
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","database":"connected"}`))
	}
}
