// Package scheduler runs the per-tier probing loops: for each configured
// tier it wakes up every ProbeInterval and submits that tier's targets
// through the batching dispatcher for the tier's probe type.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pilot-net/icmp-batch/pkg/dispatch"
	"github.com/pilot-net/icmp-batch/pkg/probe"
	"github.com/pilot-net/icmp-batch/pkg/types"
)

// ResultHandler receives each probe result as it completes.
type ResultHandler func(types.ProbeResult)

// Scheduler drives tier probing loops against a set of dispatchers, one
// per probe type.
type Scheduler struct {
	logger *slog.Logger

	mu          sync.RWMutex
	tiers       map[string]types.Tier
	targets     map[string][]types.Target      // tier name -> targets
	dispatchers map[string]*dispatch.Dispatcher // probe type -> dispatcher

	onResult ResultHandler

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New creates a scheduler. dispatchers maps probe type (e.g. "icmp_ping",
// "mtr") to the Dispatcher that fronts that probe's worker subprocesses.
func New(tiers map[string]types.Tier, dispatchers map[string]*dispatch.Dispatcher, onResult ResultHandler, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		logger:      logger.With("component", "scheduler"),
		tiers:       tiers,
		targets:     make(map[string][]types.Target),
		dispatchers: dispatchers,
		onResult:    onResult,
		stopCh:      make(chan struct{}),
	}
}

// SetTargets replaces the target list for a tier. Safe to call while the
// scheduler is running; the next tick for that tier picks up the change.
func (s *Scheduler) SetTargets(tierName string, targets []types.Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[tierName] = targets
}

// Run starts one probing loop per configured tier and blocks until ctx is
// canceled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.RLock()
	tiers := make([]types.Tier, 0, len(s.tiers))
	for _, t := range s.tiers {
		tiers = append(tiers, t)
	}
	s.mu.RUnlock()

	for _, tier := range tiers {
		if _, ok := s.dispatchers[tier.ProbeType]; !ok {
			return fmt.Errorf("tier %q: no dispatcher configured for probe type %q", tier.Name, tier.ProbeType)
		}
	}

	for _, tier := range tiers {
		s.wg.Add(1)
		go s.runTierLoop(ctx, tier)
	}

	select {
	case <-ctx.Done():
	case <-s.stopCh:
	}
	s.Stop()
	return ctx.Err()
}

// Stop signals all tier loops to exit and waits for them.
func (s *Scheduler) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.wg.Wait()
}

func (s *Scheduler) runTierLoop(ctx context.Context, tier types.Tier) {
	defer s.wg.Done()

	ticker := time.NewTicker(tier.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runTierTick(ctx, tier)
		}
	}
}

func (s *Scheduler) runTierTick(ctx context.Context, tier types.Tier) {
	s.mu.RLock()
	targets := append([]types.Target(nil), s.targets[tier.Name]...)
	d := s.dispatchers[tier.ProbeType]
	s.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	tickCtx, cancel := context.WithTimeout(ctx, tier.ProbeTimeout+5*time.Second)
	defer cancel()

	if tier.BulkSweep {
		s.sweepBulk(tickCtx, tier, d, targets)
		return
	}
	s.sweepOne(tickCtx, tier, d, targets)
}

// sweepBulk submits the whole tier's target list as a single SubmitBulk
// call, which reaches the worker as one batch even when it is larger than
// MaxBatchSize.
func (s *Scheduler) sweepBulk(ctx context.Context, tier types.Tier, d *dispatch.Dispatcher, targets []types.Target) {
	items := make([]any, len(targets))
	for i, t := range targets {
		items[i] = toProbeTarget(t, tier)
	}

	results, err := d.SubmitBulk(ctx, items)
	if err != nil {
		s.logger.Error("bulk sweep failed", "tier", tier.Name, "targets", len(targets), "error", err)
		return
	}

	for _, r := range results {
		s.deliver(tier, r)
	}
}

// sweepOne submits each target independently, letting the Batch Former
// coalesce concurrent submissions from this (and any other) tier sharing
// the same dispatcher.
func (s *Scheduler) sweepOne(ctx context.Context, tier types.Tier, d *dispatch.Dispatcher, targets []types.Target) {
	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(target types.Target) {
			defer wg.Done()
			result, err := d.SubmitOne(ctx, toProbeTarget(target, tier))
			if err != nil {
				s.logger.Error("probe submission failed", "tier", tier.Name, "target", target.ID, "error", err)
				return
			}
			s.deliver(tier, result)
		}(t)
	}
	wg.Wait()
}

func (s *Scheduler) deliver(tier types.Tier, raw any) {
	pr, ok := raw.(*probe.Result)
	if !ok {
		s.logger.Error("unexpected result type from dispatcher", "tier", tier.Name, "type", fmt.Sprintf("%T", raw))
		return
	}
	if s.onResult == nil {
		return
	}
	s.onResult(types.ProbeResult{
		TargetID:  pr.TargetID,
		Timestamp: pr.Timestamp,
		Duration:  pr.Duration,
		Success:   pr.Success,
		Error:     pr.Error,
		ProbeType: tier.ProbeType,
		Payload:   pr.Payload,
	})
}

func toProbeTarget(t types.Target, tier types.Tier) probe.ProbeTarget {
	return probe.ProbeTarget{
		ID:      t.ID,
		IP:      t.IP,
		Timeout: tier.ProbeTimeout,
		Retries: tier.ProbeRetries,
	}
}
