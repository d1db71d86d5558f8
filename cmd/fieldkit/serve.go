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

	"github.com/hyperengineering/fieldkit/internal/api"
	"github.com/hyperengineering/fieldkit/internal/backup"
	"github.com/hyperengineering/fieldkit/internal/config"
	"github.com/hyperengineering/fieldkit/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local HTTP API and background workers",
	RunE:  runServe,
}

func loadServeConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

func runServe(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := loadServeConfig()
	if err != nil {
		return err
	}
	slog.Info("configuration loaded")

	// 3. Initialize logger
	logger, logCloser := newLogger(cfg.Log, os.Stdout)
	defer logCloser.Close()
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level, "format", cfg.Log.Format)

	// 4. Wire store, remote client and the sync core
	a, err := newApp(cfg, forceOffline, logger)
	if err != nil {
		return err
	}

	// 5. Backup storage
	uploader, err := backup.NewUploader(cfg.Backup)
	if err != nil {
		a.Close()
		return err
	}
	slog.Info("backup uploader initialized", "bucket", cfg.Backup.Bucket)

	// 6. Initialize HTTP router
	handler := api.NewHandler(api.Services{
		Fields:     a.resolver,
		Sync:       a.manager,
		Validator:  a.validator,
		Completion: a.completion,
		Monitor:    a.monitor,
	}, cfg.Auth.APIKey, Version)
	router := api.NewRouter(handler)
	slog.Info("router initialized")

	// 7. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 8. Workers
	var wg sync.WaitGroup
	drain := worker.NewSyncDrainWorker(a.manager, a.monitor, time.Duration(cfg.Worker.SyncDrainInterval))
	startWorker(ctx, &wg, "sync-drain", drain.Run)
	backups := worker.NewBackupCoordinator(a.store, uploader, deviceID(cfg),
		cfg.Worker.BackupPath, time.Duration(cfg.Worker.BackupInterval))
	startWorker(ctx, &wg, "backup", backups.Run)

	// 9. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 10. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 11. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 11a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 11b. Wait for workers to complete
	wg.Wait()

	// 11c. Stop detached sync runs, then close the store
	if err := a.Close(); err != nil {
		slog.Error("shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
