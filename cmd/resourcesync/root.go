package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fpmdigital/resourcesync/internal/api"
	"github.com/fpmdigital/resourcesync/internal/config"
	"github.com/fpmdigital/resourcesync/internal/engine"
	"github.com/fpmdigital/resourcesync/internal/files"
	"github.com/fpmdigital/resourcesync/internal/notify"
	"github.com/fpmdigital/resourcesync/internal/reconcile"
	"github.com/fpmdigital/resourcesync/internal/remote"
	"github.com/fpmdigital/resourcesync/internal/store"
	"github.com/fpmdigital/resourcesync/internal/terms"
	"github.com/fpmdigital/resourcesync/internal/webhook"
	"github.com/fpmdigital/resourcesync/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "resourcesync",
	Short: "Resource Sync - keeps the local content store aligned with the system of record",
	RunE:  run,
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 3. Initialize logger
	logger := slog.New(newLogHandler(cfg.Log))
	slog.SetDefault(logger)
	slog.Info("configuration loaded")

	// 4. Initialize store (migrations, WAL mode)
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	// 5. Term resolver with seeded resource types
	resolver := terms.NewResolver(db)
	if err := resolver.SeedDefaults(ctx); err != nil {
		return fmt.Errorf("seed resource types: %w", err)
	}

	// 6. File materializer (Noop storage when no bucket is configured)
	storage, err := files.NewStorage(files.StorageConfig{
		Endpoint:  cfg.Storage.Endpoint,
		Region:    cfg.Storage.Region,
		Bucket:    cfg.Storage.Bucket,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
	})
	if err != nil {
		return err
	}
	materializer := files.NewMaterializer(db, storage, nil)

	// 7. Upsert engine and ingestion queue
	eng := engine.NewEngine(db, db, resolver, materializer, db,
		time.Duration(cfg.Engine.LockTTL))
	queue := engine.NewQueue(eng, cfg.Engine.Workers, cfg.Engine.QueueDepth)

	// 8. Remote source client and reconciliation orchestrator
	remoteClient := remote.NewClient(remote.Options{
		BaseURL:    cfg.Remote.BaseURL,
		APIKey:     cfg.Remote.APIKey,
		BaseID:     cfg.Remote.BaseID,
		Table:      cfg.Remote.Table,
		TagsTable:  cfg.Remote.TagsTable,
		PageSize:   cfg.Remote.PageSize,
		Timeout:    time.Duration(cfg.Remote.Timeout),
		MaxRetries: uint64(cfg.Remote.MaxRetries),
	})
	notifier := notify.NewNotifier(cfg.Notify.WebhookURL)
	orchestrator := reconcile.NewOrchestrator(remoteClient, queue, db, notifier,
		cfg.Reconcile.MaxItems, nil)

	// 9. Webhook authenticator backed by the store's replay guard
	auth := webhook.NewAuthenticator(webhook.Options{
		MaxBodyBytes:    cfg.Webhook.MaxBodyBytes,
		PrimarySecret:   cfg.Webhook.Secret,
		SecondarySecret: cfg.Webhook.SecondarySecret,
		PastTolerance:   time.Duration(cfg.Webhook.PastTolerance),
		FutureTolerance: time.Duration(cfg.Webhook.FutureTolerance),
		ReplayTTL:       time.Duration(cfg.Webhook.ReplayTTL),
	}, db, nil)

	// 10. HTTP router
	handler := api.NewHandler(auth, queue, db, orchestrator,
		cfg.Auth.AdminAPIKey, cfg.Webhook.MaxBodyBytes, Version)
	router := api.NewRouter(handler)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 11. Worker lifecycle
	var wg sync.WaitGroup
	startWorker(ctx, &wg, "queue", queue.Run)
	startWorker(ctx, &wg, "reconcile",
		reconcile.NewCoordinator(orchestrator, time.Duration(cfg.Reconcile.Interval)).Run)
	startWorker(ctx, &wg, "allowlist-refresh",
		terms.NewRefreshCoordinator(db, remoteClient, time.Duration(cfg.Allowlist.RefreshInterval)).Run)
	startWorker(ctx, &wg, "maintenance",
		worker.NewMaintenanceCoordinator(db, time.Duration(cfg.Retention.SweepInterval), cfg.Retention.LogDays).Run)

	// 12. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called
		// gracefully. Anything else is a real failure.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 13. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 14. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 14a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 14b. Wait for workers to complete
	wg.Wait()

	// 14c. Close store
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func newLogHandler(cfg config.LogConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.NewJSONHandler(os.Stdout, opts)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context
// cancellation. Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn(ctx)
		slog.Info("worker exited", "worker", name)
	}()
}
