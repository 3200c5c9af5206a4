package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/pahe-extract-go/api"
	"github.com/yourusername/pahe-extract-go/api/handlers"
	"github.com/yourusername/pahe-extract-go/internal/app"
	"github.com/yourusername/pahe-extract-go/internal/infrastructure"
	"github.com/yourusername/pahe-extract-go/internal/kwik"
	"github.com/yourusername/pahe-extract-go/pkg/logger"
)

var (
	version    = "dev"
	configPath = flag.String("config", "", "Path to config file (default: ./configs, ~/.pahe-extract, /etc/pahe-extract)")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	config, err := app.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:      config.Logging.Level,
		Format:     config.Logging.Format,
		OutputPath: config.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	// queue, resolver and error categories, one JSON file per day
	multiLog, err := logger.NewMultiLogger(logger.MultiLoggerConfig{
		Level:   config.Logging.Level,
		LogsDir: config.Download.LogsDir(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize category logs: %w", err)
	}
	defer multiLog.Close()

	log.Info("Starting pahe-extract server",
		zap.String("version", version),
		zap.String("host", config.Server.Host),
		zap.Int("port", config.Server.Port),
		zap.String("download_dir", config.Download.BaseDir),
		zap.Int("workers", config.Queue.Workers))

	if err := os.MkdirAll(config.Download.BaseDir, 0755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}

	repo, err := infrastructure.NewSQLiteHistoryRepository(config.Queue.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize history: %w", err)
	}
	defer repo.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resolver := kwik.NewResolver(config.Resolver, multiLog.Resolver())
	transfer := app.NewTransfer(&config.Download, log.Named("transfer"))
	bus := app.NewProgressBus(config.Queue.BusBuffer, log.Named("progress"))
	defer bus.Close()

	queueMgr := app.NewQueueManager(config, transfer, bus, repo, multiLog)

	if config.Notification.Enabled {
		notifier := infrastructure.NewNotificationService(&config.Notification, log.Named("notify"))
		bus.Subscribe(notifier.HandleProgress)
	}

	if config.Queue.AutoStartWorkers {
		if err := queueMgr.Start(ctx, 0); err != nil {
			return fmt.Errorf("failed to start queue manager: %w", err)
		}
	}

	catalog := kwik.NewCatalog(resolver)
	batches := app.NewBatchManager(ctx, resolver, queueMgr, config.Queue.BatchConcurrency, log.Named("batch"))
	batches.SetOptionSource(catalog)

	handlers.Version = version
	gin.SetMode(gin.ReleaseMode)
	router := api.SetupRouter(api.Dependencies{
		Context:     ctx,
		Queue:       queueMgr,
		Resolver:    resolver,
		Batches:     batches,
		Catalog:     catalog,
		History:     repo,
		Logger:      log,
		MultiLogger: multiLog,
		LogsDir:     config.Download.LogsDir(),
	})

	addr := fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Received shutdown signal")
	case err := <-serverErr:
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	if queueMgr.IsRunning() {
		if err := queueMgr.Stop(); err != nil {
			log.Error("Error stopping queue manager", zap.Error(err))
		}
	}

	log.Info("Server exited")
	return nil
}
