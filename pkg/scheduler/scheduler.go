// Package scheduler runs the periodic maintenance loop: expired-lease
// requeue, artifact retention pruning, and baseline refresh.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/somatechlat/voyant/internal/clock"
	"github.com/somatechlat/voyant/pkg/artifact"
	"github.com/somatechlat/voyant/pkg/queue"
	"github.com/somatechlat/voyant/pkg/quota"
)

// BaselineRefresher recomputes stored baselines for drift detection.
// Optional; a nil refresher skips the hook.
type BaselineRefresher interface {
	RefreshBaselines(ctx context.Context) error
}

// Metrics holds the optional collectors the scheduler records into.
type Metrics struct {
	Requeued prometheus.Counter
	Pruned   prometheus.Counter
	Depth    *prometheus.GaugeVec // queued jobs by tenant
}

// Scheduler drives the periodic maintenance jobs on a cron.
type Scheduler struct {
	clk       clock.Clock
	logger    *slog.Logger
	queue     queue.Queue
	artifacts artifact.Store
	quotas    *quota.Manager
	refresher BaselineRefresher
	metrics   Metrics

	interval  time.Duration
	retention time.Duration

	cron *cron.Cron
}

// New creates a scheduler. interval is the tick period; retention is
// the artifact age threshold for pruning.
func New(clk clock.Clock, logger *slog.Logger, q queue.Queue, artifacts artifact.Store, quotas *quota.Manager, refresher BaselineRefresher, interval, retention time.Duration, metrics Metrics) *Scheduler {
	return &Scheduler{
		clk:       clk,
		logger:    logger,
		queue:     q,
		artifacts: artifacts,
		quotas:    quotas,
		refresher: refresher,
		metrics:   metrics,
		interval:  interval,
		retention: retention,
	}
}

// Run starts the cron and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron = cron.New()

	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, func() { s.Tick(ctx) }); err != nil {
		return fmt.Errorf("scheduling maintenance tick: %w", err)
	}
	// Baselines refresh on a coarser cadence than lease maintenance.
	if s.refresher != nil {
		if _, err := s.cron.AddFunc("@every 6h", func() { s.refreshBaselines(ctx) }); err != nil {
			return fmt.Errorf("scheduling baseline refresh: %w", err)
		}
	}

	s.logger.Info("scheduler started", "interval", s.interval, "retention", s.retention)
	s.cron.Start()

	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// Tick performs one maintenance pass. Exposed so tests and the ops
// endpoint can trigger it directly.
func (s *Scheduler) Tick(ctx context.Context) {
	requeued, err := s.queue.RequeueExpiredLeases(ctx)
	if err != nil {
		s.logger.Error("requeueing expired leases", "error", err)
	} else if requeued > 0 {
		s.logger.Warn("requeued jobs with expired leases", "count", requeued)
		if s.metrics.Requeued != nil {
			s.metrics.Requeued.Add(float64(requeued))
		}
	}

	s.pruneArtifacts(ctx)
	s.exportQueueDepth(ctx)
}

// exportQueueDepth refreshes the per-tenant queue depth gauge.
func (s *Scheduler) exportQueueDepth(ctx context.Context) {
	if s.metrics.Depth == nil {
		return
	}
	tenants, err := s.queue.Tenants(ctx)
	if err != nil {
		s.logger.Error("listing tenants for queue depth", "error", err)
		return
	}
	for _, tenantID := range tenants {
		stats, err := s.queue.Stats(ctx, tenantID)
		if err != nil {
			continue
		}
		s.metrics.Depth.WithLabelValues(tenantID).Set(float64(stats.Queued))
	}
}

func (s *Scheduler) pruneArtifacts(ctx context.Context) {
	if s.retention <= 0 {
		return
	}
	cutoff := s.clk.Now().Add(-s.retention)
	pruned, err := s.artifacts.PruneOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("pruning artifacts", "error", err)
		return
	}
	if len(pruned) == 0 {
		return
	}

	// Release the reclaimed bytes from each tenant's quota.
	for _, ref := range pruned {
		if ref.SizeBytes > 0 {
			s.quotas.RecordArtifactBytes(ref.TenantID, -ref.SizeBytes)
		}
	}
	s.logger.Info("pruned artifacts", "count", len(pruned), "cutoff", cutoff)
	if s.metrics.Pruned != nil {
		s.metrics.Pruned.Add(float64(len(pruned)))
	}
}

func (s *Scheduler) refreshBaselines(ctx context.Context) {
	if err := s.refresher.RefreshBaselines(ctx); err != nil {
		s.logger.Error("refreshing baselines", "error", err)
	}
}
