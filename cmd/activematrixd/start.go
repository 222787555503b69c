package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/basket/activematrix/internal/config"
	"github.com/basket/activematrix/internal/daemon"
)

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	workers := fs.Int("workers", 1, "number of worker processes to shard agents across")
	probeAddr := fs.String("probe-addr", "", "address for the health/status/metrics server (default: config bind_addr)")
	pidfile := fs.String("pidfile", "", "path to write the daemon's PID to")
	logLevel := fs.String("log-level", "", "override the configured log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logger := newLogger(cfg.LogLevel)

	// A shard index in the environment means this process is a re-exec'd
	// worker child spawned by a parent Coordinator, not a top-level daemon.
	if shardIdxStr := os.Getenv(daemon.ShardIndexEnv); shardIdxStr != "" {
		return runWorkerChild(cfg, logger, shardIdxStr)
	}

	addr := *probeAddr
	if addr == "" {
		addr = cfg.BindAddr
	}

	if *pidfile != "" {
		if err := daemon.WritePIDFile(*pidfile); err != nil {
			logger.Error("failed to write pidfile", slog.Any("error", err))
			return 1
		}
		defer func() { _ = daemon.RemovePIDFile(*pidfile) }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coord := daemon.New(daemon.Config{
		ActiveMatrix: cfg,
		WorkerCount:  *workers,
		ProbeAddr:    addr,
		Logger:       logger,
	})

	logger.Info("daemon starting", slog.Int("workers", *workers), slog.String("probe_addr", addr))
	if err := coord.Run(ctx); err != nil {
		logger.Error("daemon exited with error", slog.Any("error", err))
		return 1
	}
	logger.Info("daemon stopped")
	return 0
}

// runWorkerChild is the entry point for a re-exec'd worker process: it runs
// a single Worker for its assigned shard and nothing else. The parent
// Coordinator owns the probe server; a sharded child exposes no HTTP
// surface of its own.
func runWorkerChild(cfg config.Config, logger *slog.Logger, shardIdxStr string) int {
	shardIdx, err := strconv.Atoi(shardIdxStr)
	if err != nil {
		logger.Error("invalid shard index", slog.String("value", shardIdxStr))
		return 1
	}
	shardCount, _ := strconv.Atoi(os.Getenv(daemon.ShardCountEnv))
	if shardCount <= 0 {
		shardCount = 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	worker, err := daemon.NewWorker(cfg, shardIdx, shardCount, logger.With(slog.Int("shard", shardIdx)))
	if err != nil {
		logger.Error("failed to build worker", slog.Any("error", err))
		return 1
	}
	if err := worker.Run(ctx); err != nil {
		logger.Error("worker exited with error", slog.Any("error", err))
		return 1
	}
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
