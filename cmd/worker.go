package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/ensembleworks/ensemble/internal/app"
	"github.com/ensembleworks/ensemble/internal/config"
)

// runWorker initializes and starts the task worker pool. Workers scale
// horizontally: the queue's claim leases keep concurrent instances from
// double-running a task, so no instance lock is taken here.
func runWorker() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	// Workers embed and call models too, so the provider key checks
	// apply to them as much as to serve mode.
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	logger := newLogger(true)
	logger.Info("starting task workers", "version", Version, "workers", cfg.Queue.Workers)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	pool, err := a.WorkerPool()
	if err != nil {
		return fmt.Errorf("creating worker pool: %w", err)
	}

	if err := pool.Run(ctx); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}

	logger.Info("workers drained, exiting")
	return nil
}
