// voice-service runs the audio processing backend: HTTP and WebSocket
// endpoints in front of the priority queue, the worker pool and the shared
// Redis store.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"

	"github.com/voiceforge/voice-service/internal/audio"
	"github.com/voiceforge/voice-service/internal/config"
	"github.com/voiceforge/voice-service/internal/httpapi"
	"github.com/voiceforge/voice-service/internal/notify"
	"github.com/voiceforge/voice-service/internal/pool"
	"github.com/voiceforge/voice-service/internal/queue"
	"github.com/voiceforge/voice-service/internal/scheduler"
	"github.com/voiceforge/voice-service/internal/store"
)

const (
	logFileName     = "voice-service.log"
	shutdownTimeout = 10 * time.Second
	startupTimeout  = 5 * time.Second
	dirPermissions  = 0o755
)

func main() {
	err := run()
	if err != nil {
		// The logger may not be initialized yet, so use the standard log
		// package.
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	for _, dir := range []string{cfg.Paths.UploadDir, cfg.Paths.OutputDir, cfg.Paths.BaseLogsDir} {
		if err := os.MkdirAll(dir, dirPermissions); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	svcLogger, err := logger.New(cfg.Paths.BaseLogsDir, logFileName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer svcLogger.Close()

	svcLogger.System("voice-service starting on %s", cfg.ListenAddr())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	jobStore, err := store.New(startCtx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, svcLogger)
	if err != nil {
		return fmt.Errorf("failed to connect to store: %w", err)
	}
	defer jobStore.Close()

	workerPool, err := pool.New(cfg.Pool.Workers, svcLogger)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}

	if err := workerPool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	defer workerPool.Stop()

	jobQueue := queue.New(workerPool.Size(), svcLogger,
		queue.WithMaxSize(cfg.Queue.MaxSize),
		queue.WithRetention(cfg.Retention()),
		queue.WithAvgProcessing(cfg.AvgProcessing()),
	)

	processor := audio.NewProcessor(svcLogger)

	sched := scheduler.New(jobQueue, workerPool, jobStore, nil, processor, svcLogger,
		scheduler.Config{
			Workers:   workerPool.Size(),
			Backoff:   cfg.Backoff(),
			Retention: cfg.Retention(),
			OutputDir: cfg.Paths.OutputDir,
		})

	notifier := notify.NewManager(sched, svcLogger)
	sched.SetNotifier(notifier)

	go sched.Run(ctx)
	go notifier.Run(ctx)

	server := httpapi.NewServer(sched, jobStore, notifier, cfg, svcLogger)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		svcLogger.Info("Listening on %s", cfg.ListenAddr())

		if err := httpServer.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	svcLogger.System("Shutdown signal received, draining")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		svcLogger.Warn("HTTP shutdown incomplete: %v", err)
	}

	svcLogger.System("voice-service stopped")

	return nil
}
