// Command icmpbatchd runs the batched probing service: a scheduler that
// sweeps configured tiers, batching dispatchers that front probeworker
// subprocesses, and a shipper that streams results into Redis.
//
// # Usage
//
//	icmpbatchd --config /etc/icmpbatch/agent.yaml
//
// # Configuration
//
// Configuration can be provided via:
// - A YAML config file (--config)
// - Environment variables (ICMPBATCH_*)
// - Command-line flags
//
// # Examples
//
// Run with a config file:
//
//	icmpbatchd --config /etc/icmpbatch/agent.yaml
//
// Run with environment variables:
//
//	ICMPBATCH_WORKER_BINARY=/usr/local/bin/probeworker \
//	ICMPBATCH_REDIS_URL=redis://localhost:6379/0 \
//	icmpbatchd
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pilot-net/icmp-batch/agent"
	"github.com/pilot-net/icmp-batch/agent/internal/config"
)

func main() {
	var (
		configFile   = flag.String("config", "", "path to config file")
		workerBinary = flag.String("worker-binary", "", "path to the probeworker binary")
		redisURL     = flag.String("redis-url", "", "redis URL for the result buffer")
		debug        = flag.Bool("debug", false, "enable debug logging")
		version      = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("icmpbatchd %s\n", agent.Version)
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg := config.DefaultConfig()
	if *configFile != "" {
		fileCfg, err := config.LoadFromFile(*configFile)
		if err != nil {
			logger.Error("failed to load config file", "error", err)
			os.Exit(1)
		}
		cfg = fileCfg
	}

	cfg.ApplyEnvOverrides()

	if *workerBinary != "" {
		cfg.Dispatcher.WorkerBinary = *workerBinary
	}
	if *redisURL != "" {
		cfg.Storage.RedisURL = *redisURL
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	a, err := agent.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to create agent", "error", err)
		os.Exit(1)
	}

	logger.Info("starting icmpbatchd",
		"worker_binary", cfg.Dispatcher.WorkerBinary,
		"redis_url", cfg.Storage.RedisURL)

	if err := a.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("agent exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("icmpbatchd shutdown complete")
}
