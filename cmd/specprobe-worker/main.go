// Package main is the entry point for the specprobe worker: a stateless
// process that drains chunk jobs from the shared Redis queue until signalled.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmylchreest/specprobe/internal/config"
	"github.com/jmylchreest/specprobe/internal/logging"
	"github.com/jmylchreest/specprobe/internal/queue"
	"github.com/jmylchreest/specprobe/internal/shutdown"
	"github.com/jmylchreest/specprobe/internal/storage"
	"github.com/jmylchreest/specprobe/internal/version"
	"github.com/jmylchreest/specprobe/internal/worker"
)

func main() {
	logger := logging.SetDefault()

	v := version.Get()
	logger.Info("starting specprobe-worker",
		"version", v.Version,
		"commit", v.Commit,
		"built", v.Date,
		"go_version", v.GoVersion,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	q, err := queue.NewRedis(cfg.RedisURL, logger)
	if err != nil {
		logger.Error("failed to connect to queue", "error", err)
		os.Exit(1)
	}
	defer func() { _ = q.Close() }()

	store, err := storage.FromConfig(cfg, logger)
	if err != nil {
		logger.Error("failed to open blob store", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := worker.New(q, store, worker.Config{
		ReserveTimeout:     cfg.WorkerReserveTimeout,
		Heartbeat:          cfg.WorkerHeartbeat,
		CancelPoll:         cfg.ScanPollInterval,
		HTTPTimeout:        cfg.HTTPTimeout,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}, logger)
	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}
	logger.Info("worker running", "worker_id", w.ID(), "redis", cfg.RedisURL)

	// scale-to-zero: exit when no job has arrived for the configured window
	idle := shutdown.NewIdleMonitor(cfg.WorkerIdleTimeout, w.Busy, logger)
	idle.Start()
	defer idle.Stop()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-idle.ShutdownChan():
		logger.Info("idle timeout reached, shutting down")
	}
	w.Stop()
}
