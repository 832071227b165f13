// Package agent wires together the configured dispatchers, scheduler, and
// shipper into a runnable monitoring service.
//
// # Lifecycle
//
//  1. Load configuration
//  2. Start one Dispatcher (one worker subprocess) per distinct probe type
//  3. Start the scheduler's per-tier probing loops
//  4. Start the shipper's streaming pipeline into the result buffer
//  5. Run until a shutdown signal
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pilot-net/icmp-batch/agent/internal/config"
	"github.com/pilot-net/icmp-batch/agent/internal/scheduler"
	"github.com/pilot-net/icmp-batch/agent/internal/shipper"
	"github.com/pilot-net/icmp-batch/control-plane/internal/buffer"
	"github.com/pilot-net/icmp-batch/control-plane/internal/secrets"
	"github.com/pilot-net/icmp-batch/pkg/dispatch"
	"github.com/pilot-net/icmp-batch/pkg/types"
)

// Version is set at build time.
var Version = "dev"

// Agent owns the dispatchers, scheduler, and shipper for one monitoring
// process and coordinates their startup and shutdown.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	dispatchers map[string]*dispatch.Dispatcher
	scheduler   *scheduler.Scheduler
	shipper     *shipper.Shipper
	resultBuf   *buffer.ResultBuffer
	flusher     *buffer.Flusher
	pgPool      *pgxpool.Pool

	startTime time.Time
}

// New creates an agent from cfg. It starts a Dispatcher (and its worker
// subprocess) for every distinct probe type referenced by cfg.Tiers,
// and connects to the configured Redis result buffer.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := resolveSecrets(ctx, cfg, logger); err != nil {
		return nil, fmt.Errorf("resolving secrets: %w", err)
	}

	resultBuf, err := buffer.NewResultBuffer(cfg.Storage.RedisURL, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to result buffer: %w", err)
	}

	var pgPool *pgxpool.Pool
	var flusher *buffer.Flusher
	if cfg.Storage.PostgresDSN != "" {
		pgPool, err = pgxpool.New(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		flusher = buffer.NewFlusher(resultBuf, pgPool, logger)
	}

	dispatchers := make(map[string]*dispatch.Dispatcher, len(cfg.ProbeTypes()))
	for _, probeType := range cfg.ProbeTypes() {
		workerArgs := []string{"--executor=" + probeType}
		if cfg.Dispatcher.FpingPath != "" {
			workerArgs = append(workerArgs, "--fping-path="+cfg.Dispatcher.FpingPath)
		}
		if cfg.Dispatcher.MTRPath != "" {
			workerArgs = append(workerArgs, "--mtr-path="+cfg.Dispatcher.MTRPath)
		}

		d, err := dispatch.New(cfg.Dispatcher.WorkerBinary, dispatch.Options{
			MaxBatchSize:     cfg.Dispatcher.MaxBatchSize,
			Timeout:          cfg.Dispatcher.Timeout,
			MaxQueueSize:     cfg.Dispatcher.MaxQueueSize,
			WorkerInitKwargs: cfg.Dispatcher.WorkerInitKwargs,
			Logger:           logger.With("probe_type", probeType),
		}, workerArgs...)
		if err != nil {
			return nil, fmt.Errorf("creating dispatcher for probe type %q: %w", probeType, err)
		}
		if err := d.Start(ctx); err != nil {
			return nil, fmt.Errorf("starting dispatcher for probe type %q: %w", probeType, err)
		}
		dispatchers[probeType] = d
	}

	tiers := make(map[string]types.Tier, len(cfg.Tiers))
	for name, tc := range cfg.Tiers {
		tiers[name] = types.Tier{
			Name:          name,
			DisplayName:   name,
			ProbeInterval: tc.ProbeInterval,
			ProbeTimeout:  tc.ProbeTimeout,
			ProbeRetries:  tc.ProbeRetries,
			ProbeType:     tc.ProbeType,
			BulkSweep:     tc.BulkSweep,
		}
	}

	shp := shipper.New(resultBuf, shipper.Options{
		BatchSize: cfg.Storage.ResultBatchSize,
	}, logger)

	sched := scheduler.New(tiers, dispatchers, shp.Push, logger)
	for name, tc := range cfg.Tiers {
		targets := make([]types.Target, len(tc.Targets))
		for i, t := range tc.Targets {
			targets[i] = types.Target{ID: t.ID, IP: t.IP, Tier: name}
		}
		sched.SetTargets(name, targets)
	}

	return &Agent{
		cfg:         cfg,
		logger:      logger,
		dispatchers: dispatchers,
		scheduler:   sched,
		shipper:     shp,
		resultBuf:   resultBuf,
		flusher:     flusher,
		pgPool:      pgPool,
	}, nil
}

// Run starts the scheduler and shipper and blocks until ctx is canceled,
// then shuts both down and stops every dispatcher's worker subprocess.
func (a *Agent) Run(ctx context.Context) error {
	a.startTime = time.Now()
	a.logger.Info("agent starting",
		"version", Version,
		"probe_types", a.cfg.ProbeTypes(),
		"tiers", len(a.cfg.Tiers),
	)

	if a.flusher != nil {
		a.flusher.Start()
	}

	go a.reportWorkerHealth(ctx)

	shipErrCh := make(chan error, 1)
	go func() {
		shipErrCh <- a.shipper.Run(ctx)
	}()

	schedErr := a.scheduler.Run(ctx)

	a.shipper.Close()
	shipErr := <-shipErrCh

	a.Stop()

	pushed, dropped := a.shipper.Stats()
	a.logger.Info("agent stopped", "uptime", time.Since(a.startTime), "results_pushed", pushed, "results_dropped", dropped)

	if schedErr != nil && schedErr != context.Canceled {
		return schedErr
	}
	if shipErr != nil && shipErr != context.Canceled {
		return shipErr
	}
	return nil
}

// reportWorkerHealth periodically samples each dispatcher's worker
// subprocess with gopsutil and logs it, the same signal the teacher's
// infrastructure collector used to mark a process "degraded" - here
// against the worker pool rather than the control plane's own PID.
func (a *Agent) reportWorkerHealth(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for probeType, d := range a.dispatchers {
				stats, err := d.WorkerStats()
				if err != nil {
					continue
				}
				logger := a.logger.With("probe_type", probeType, "pid", stats.PID)
				logger.Info("worker health",
					"cpu_percent", stats.CPUPercent,
					"memory_mb", stats.MemoryMB,
					"memory_percent", stats.MemoryPercent,
				)
				if stats.CPUPercent > 90 || stats.MemoryPercent > 90 {
					logger.Warn("worker subprocess degraded", "cpu_percent", stats.CPUPercent, "memory_percent", stats.MemoryPercent)
				}
			}
		}
	}
}

// Stop stops every dispatcher's worker subprocess and closes the
// result buffer connection. Safe to call more than once.
func (a *Agent) Stop() {
	for probeType, d := range a.dispatchers {
		a.logger.Debug("stopping dispatcher", "probe_type", probeType)
		d.Stop()
	}
	if a.flusher != nil {
		a.flusher.Stop()
		a.flusher = nil
	}
	if a.pgPool != nil {
		a.pgPool.Close()
	}
	if err := a.resultBuf.Close(); err != nil {
		a.logger.Warn("failed to close result buffer", "error", err)
	}
}

// resolveSecrets fills in any Storage DSNs that were left blank in cfg by
// resolving them from the configured secrets backend (the 1Password op
// CLI, with a local-file fallback), the same KeyStore the teacher used to
// resolve agent-enrollment SSH keys.
func resolveSecrets(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Storage.RedisURL != "" && cfg.Storage.PostgresDSN != "" {
		return nil
	}

	secretsCfg := secrets.ConfigFromEnv()
	if cfg.Secrets.Backend != "" {
		secretsCfg.Backend = cfg.Secrets.Backend
	}
	if cfg.Secrets.OnePasswordVault != "" {
		secretsCfg.OnePasswordVault = cfg.Secrets.OnePasswordVault
	}
	if cfg.Secrets.LocalKeyDir != "" {
		secretsCfg.LocalKeyDir = cfg.Secrets.LocalKeyDir
	}

	ks, err := secrets.NewKeyStore(secretsCfg, logger)
	if err != nil {
		return fmt.Errorf("initializing secrets backend: %w", err)
	}
	defer ks.Close()

	if cfg.Storage.RedisURL == "" {
		dsn, err := ks.GetPrivateKey(ctx, "storage-redis-dsn")
		if err != nil {
			return fmt.Errorf("resolving redis DSN: %w", err)
		}
		if len(dsn) > 0 {
			cfg.Storage.RedisURL = string(dsn)
		}
	}
	if cfg.Storage.PostgresDSN == "" {
		dsn, err := ks.GetPrivateKey(ctx, "storage-postgres-dsn")
		if err != nil {
			return fmt.Errorf("resolving postgres DSN: %w", err)
		}
		if len(dsn) > 0 {
			cfg.Storage.PostgresDSN = string(dsn)
		}
	}
	return nil
}
