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

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"flowlens/internal/api"
	"flowlens/internal/config"
	"flowlens/internal/detector"
	"flowlens/internal/engine"
	"flowlens/internal/github"
	"flowlens/internal/hub"
	"flowlens/internal/orchestrator"
	"flowlens/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Application startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Initialize structured logger
	logLevel := new(slog.LevelVar)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setLogLevel(cfg.LogLevel, logLevel)
	logger.Info("Configuration loaded successfully")

	// 3. Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Initialize database connection and run migrations
	dbpool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer dbpool.Close()
	logger.Info("Database connection established")

	if err := runMigrations(cfg.DBURL); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}
	logger.Info("Database migrations applied successfully")

	// 5. Initialize pipeline components
	db := store.NewPostgres(dbpool, logger.With("component", "store"))

	broadcastHub := hub.New(hub.Options{
		QueueSize:   cfg.QueueSize,
		SendTimeout: cfg.SendTimeout,
	}, logger.With("component", "hub"))

	analyzer := engine.NewClient(cfg.EngineURL, cfg.EngineTimeout, cfg.EngineMaxRetries, logger.With("component", "engine"))
	orch := orchestrator.New(db, analyzer, broadcastHub, cfg.EnrichConcurrency, logger.With("component", "orchestrator"))

	var source detector.ChangeSource
	switch cfg.DetectorMode {
	case config.ModeNotify:
		source = detector.NewNotifySource(db, orch, db.Listen, cfg.SafetyScanInterval, logger.With("component", "detector"))
	default:
		source = detector.NewPollingSource(db, orch, cfg.ScanInterval, logger.With("component", "detector"))
	}

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.NewRouter(db, broadcastHub, logger.With("component", "api")),
	}

	// 6. Start the pipeline and the HTTP server
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error { return source.Run(gctx) })
	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.GithubToken != "" {
		ghClient := github.NewClient(cfg.GithubToken, logger.With("component", "github"))
		refresher := github.NewRefresher(db, ghClient, cfg.RepoRefreshInterval, logger.With("component", "refresher"))
		g.Go(func() error { return refresher.Run(gctx) })
	} else {
		logger.Info("GITHUB_TOKEN not set, repository metadata refresh disabled")
	}

	// 7. Wait for shutdown signal, then stop each piece within its own
	// grace period.
	<-gctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	broadcastHub.Shutdown(shutdownCtx)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

func runMigrations(dbURL string) error {
	m, err := migrate.New("file://migrations", dbURL)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
