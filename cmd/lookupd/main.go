package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/VsevolodSauta/lookuppool"
	"github.com/VsevolodSauta/lookuppool/automation"
	"github.com/VsevolodSauta/lookuppool/delivery"
	"github.com/VsevolodSauta/lookuppool/httpapi"
	"github.com/VsevolodSauta/lookuppool/telemetry"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env: %v\n", err)
	}
	cfg := lookuppool.LoadConfig()

	base, closer, err := telemetry.NewLogger(telemetry.LoggerOptions{Dir: cfg.LogDir, Level: slog.LevelInfo})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	forward := telemetry.NewForwardHandler(base.Handler(), cfg.DeveloperID)
	defer forward.Close()
	logger := slog.New(forward)
	slog.SetDefault(logger)

	if err := run(cfg, logger, forward); err != nil {
		logger.Error("critical error", "error", err)
		// Give the forwarder a moment to reach the developer.
		time.Sleep(500 * time.Millisecond)
		os.Exit(1)
	}
}

func run(cfg *lookuppool.Config, logger *slog.Logger, forward *telemetry.ForwardHandler) error {
	release, err := acquireLock(cfg.LockFile)
	if err != nil {
		return err
	}
	defer release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsInterval > 0 {
		shutdown, err := telemetry.SetupMetrics(os.Stdout, cfg.MetricsInterval)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("metric shutdown failed", "error", err)
			}
		}()
	}

	backend, err := openBackend(cfg, logger)
	if err != nil {
		return fmt.Errorf("open history backend: %w", err)
	}
	defer backend.Close()

	history := lookuppool.NewHistoryStore(backend, logger)
	queue := lookuppool.NewJobQueue(logger)
	registry := lookuppool.NewCancelRegistry()
	hub := delivery.NewHub(logger)
	defer hub.Close()
	forward.SetNotifier(hub)

	driver := automation.NewScriptDriver(cfg.Automation, cfg.ArtifactDir, logger)
	worker := lookuppool.NewWorker(queue, registry, history, driver, hub, hub, cfg, logger)
	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	defer worker.Stop()

	coord := lookuppool.NewCoordinator(queue, registry, history, worker, cfg, logger)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpapi.New(coord, hub, cfg.LogDir, cfg.DeveloperID, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("lookupd listening", "addr", cfg.ListenAddr, "backend", cfg.HistoryBackend)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}
	return nil
}

func openBackend(cfg *lookuppool.Config, logger *slog.Logger) (lookuppool.HistoryBackend, error) {
	switch cfg.HistoryBackend {
	case "badger", "":
		return lookuppool.NewBadgerBackend(cfg.HistoryPath, logger)
	case "sqlite":
		return openSQLite(cfg.HistoryPath, logger)
	case "memory":
		return lookuppool.NewInMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown history backend %q", cfg.HistoryBackend)
	}
}

// acquireLock creates the lock file exclusively so only one instance drives
// the application at a time.
func acquireLock(path string) (func(), error) {
	if path == "" {
		return func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("another instance is already running (lock file %s)", path)
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
	_ = f.Close()
	return func() { _ = os.Remove(path) }, nil
}
