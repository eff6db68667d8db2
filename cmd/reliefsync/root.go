package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/reliefsync/internal/api"
	"github.com/hyperengineering/reliefsync/internal/config"
	"github.com/hyperengineering/reliefsync/internal/conflict"
	"github.com/hyperengineering/reliefsync/internal/connectivity"
	"github.com/hyperengineering/reliefsync/internal/emergency"
	"github.com/hyperengineering/reliefsync/internal/engine"
	"github.com/hyperengineering/reliefsync/internal/entity"
	"github.com/hyperengineering/reliefsync/internal/oplog"
	"github.com/hyperengineering/reliefsync/internal/snapshot"
	"github.com/hyperengineering/reliefsync/internal/store"
	"github.com/hyperengineering/reliefsync/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:          "reliefsync",
	Short:        "ReliefSync - offline sync and emergency dispatch for relief operations",
	RunE:         run,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync API server (default)",
	Args:  cobra.NoArgs,
	RunE:  run,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(recordsCmd)
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
	slog.Info("configuration loaded")

	// 3. Initialize logger
	slog.SetDefault(newLogger(os.Stdout, cfg.Log))
	slog.Info("logger initialized", "level", cfg.Log.Level, "format", cfg.Log.Format)

	// 4. Initialize store (migrations, WAL mode)
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	// 5. Initialize sync services
	resolver, err := conflict.New(cfg.Sync.ConflictResolution)
	if err != nil {
		db.Close()
		return err
	}
	oplogSvc := oplog.New(db, cfg.Sync.MaxOfflineQueueSize)
	syncEngine := engine.New(oplogSvc, db, entity.DefaultRegistry(), resolver, engine.Config{
		BatchSize:        cfg.Sync.BatchSize,
		MaxEntryAttempts: cfg.Sync.MaxEntryAttempts,
	})
	slog.Info("sync engine initialized",
		"strategy", resolver.Strategy(),
		"batch_size", cfg.Sync.BatchSize,
	)

	// 6. Initialize connectivity and emergency dispatch
	monitor := connectivity.NewMonitor(newProbe(cfg.Connectivity), time.Duration(cfg.Connectivity.Timeout))
	dispatcher, err := newDispatcher(cfg)
	if err != nil {
		db.Close()
		return err
	}
	queue := emergency.NewQueue(db, dispatcher, monitor, emergency.QueueConfig{
		MaxRetries: cfg.Sync.MaxRetries,
		MaxSize:    cfg.Sync.MaxOfflineQueueSize,
	})
	slog.Info("emergency queue initialized", "dispatch_mode", cfg.Dispatch.Mode)

	// 7. Initialize snapshot publishing
	uploader, err := snapshot.NewUploader(cfg.Snapshot)
	if err != nil {
		db.Close()
		return err
	}

	// 8. Initialize HTTP router
	handler := api.NewHandler(api.Services{
		Store:    db,
		Log:      oplogSvc,
		Engine:   syncEngine,
		Queue:    queue,
		Monitor:  monitor,
		Uploader: uploader,
	}, cfg.Auth.APIKey, Version, cfg.Sync.MaxOfflineQueueSize)
	router := api.NewRouter(handler)
	slog.Info("router initialized")

	// 9. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 10. Start background workers
	var wg sync.WaitGroup
	scheduler := worker.NewSyncScheduler(monitor, queue, time.Duration(cfg.Sync.Interval))
	startWorker(ctx, &wg, "sync-scheduler", scheduler.Run)
	snapshotWorker := worker.NewSnapshotWorker(db, uploader, cfg.Snapshot.Path, time.Duration(cfg.Snapshot.Interval))
	startWorker(ctx, &wg, "snapshot", snapshotWorker.Run)

	// 11. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 12. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 13. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 13a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 13b. Wait for workers to complete
	wg.Wait()

	// 13c. Close store
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// newLogger builds the process logger. Format "text" selects a text
// handler; anything else is JSON.
func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
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

func newProbe(cfg config.ConnectivityConfig) connectivity.Probe {
	if cfg.Probe == "http" {
		return connectivity.NewHTTPProbe(cfg.Target)
	}
	return connectivity.NewDNSProbe(cfg.Target)
}

func newDispatcher(cfg *config.Config) (emergency.Dispatcher, error) {
	if cfg.Dispatch.Mode != "twilio" {
		return emergency.LogDispatcher{}, nil
	}
	return emergency.NewTwilioDispatcher(emergency.TwilioConfig{
		AccountSID:       cfg.Dispatch.TwilioAccountSID,
		AuthToken:        cfg.Dispatch.TwilioAuthToken,
		FromNumber:       cfg.Dispatch.TwilioFromNumber,
		BaseURL:          cfg.Dispatch.TwilioBaseURL,
		TransportRetries: cfg.Dispatch.TransportRetries,
		RetryDelay:       time.Duration(cfg.Sync.RetryDelay),
	}, nil)
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
