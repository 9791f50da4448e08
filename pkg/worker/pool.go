// Package worker runs the parallel worker loop that drains the job
// queue fairly across tenants.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/somatechlat/voyant/pkg/queue"
	"github.com/somatechlat/voyant/pkg/quota"
)

// Runner executes one acquired job to completion.
type Runner interface {
	RunJob(ctx context.Context, job *queue.Job)
}

// Pool is a fixed set of workers. Each worker round-robins over tenants
// with queued work so a single heavy tenant cannot starve the rest, and
// renews its job's lease while the workflow runs.
type Pool struct {
	queue    queue.Queue
	quotas   *quota.Manager
	runner   Runner
	logger   *slog.Logger
	size     int
	fallback int // concurrency cap when tier lookup fails
	leaseTTL time.Duration
	backoff  time.Duration

	mu     sync.Mutex
	cursor int // round-robin position across the tenant list
}

// NewPool creates a worker pool of the given size.
func NewPool(q queue.Queue, quotas *quota.Manager, runner Runner, logger *slog.Logger, size, fallbackConcurrency int, leaseTTL time.Duration) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		queue:    q,
		quotas:   quotas,
		runner:   runner,
		logger:   logger,
		size:     size,
		fallback: fallbackConcurrency,
		leaseTTL: leaseTTL,
		backoff:  500 * time.Millisecond,
	}
}

// Run starts the workers and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started", "workers", p.size)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			p.loop(ctx, workerID)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

// loop is one worker: acquire a job from the next tenant in rotation,
// run it, repeat; sleep briefly when no tenant has admissible work.
func (p *Pool) loop(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.acquireAny(ctx, workerID)
		if err != nil {
			p.logger.Error("acquiring next job", "worker", workerID, "error", err)
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.backoff):
			}
			continue
		}

		p.runOne(ctx, workerID, job)
	}
}

// acquireAny tries each tenant with queued work once, starting from the
// shared round-robin cursor.
func (p *Pool) acquireAny(ctx context.Context, workerID string) (*queue.Job, error) {
	tenants, err := p.queue.Tenants(ctx)
	if err != nil || len(tenants) == 0 {
		return nil, err
	}

	p.mu.Lock()
	start := p.cursor % len(tenants)
	p.cursor++
	p.mu.Unlock()

	for i := 0; i < len(tenants); i++ {
		tenantID := tenants[(start+i)%len(tenants)]
		maxConcurrent := int(p.quotas.TierOf(tenantID).MaxConcurrentJobs)
		if maxConcurrent <= 0 {
			maxConcurrent = p.fallback
		}

		job, err := p.queue.AcquireNext(ctx, tenantID, workerID, maxConcurrent)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
	}
	return nil, nil
}

// runOne executes an acquired job with lease renewal running alongside.
// The quota start/end pair brackets the run; a crash in between is
// recovered by lease-expiry reconciliation.
func (p *Pool) runOne(ctx context.Context, workerID string, job *queue.Job) {
	p.logger.Info("job acquired",
		"worker", workerID, "job_id", job.ID, "tenant", job.TenantID, "type", job.Type)

	if err := p.quotas.RecordJobStart(job.TenantID); err != nil {
		// The tenant is at its daily budget or its concurrent-job limit
		// when the job starts; the job fails without consuming quota.
		p.logger.Warn("quota exhausted at start, failing job",
			"job_id", job.ID, "tenant", job.TenantID, "error", err)
		if _, relErr := p.queue.Release(ctx, job.ID, queue.StatusFailed, &queue.Result{
			ErrorKind:    "quota_exceeded",
			ErrorCode:    "quota_exceeded",
			ErrorMessage: err.Error(),
		}); relErr != nil {
			p.logger.Error("releasing quota-rejected job", "job_id", job.ID, "error", relErr)
		}
		return
	}

	renewCtx, stopRenewal := context.WithCancel(ctx)
	defer stopRenewal()
	go p.renewLoop(renewCtx, job.ID)

	p.runner.RunJob(ctx, job)
	p.quotas.RecordJobEnd(job.TenantID)
}

// renewLoop extends the job's lease at half the TTL until the job is
// released or the context ends.
func (p *Pool) renewLoop(ctx context.Context, jobID string) {
	if p.leaseTTL <= 0 {
		return
	}
	ticker := time.NewTicker(p.leaseTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := p.queue.RenewLease(ctx, jobID)
			if err != nil {
				p.logger.Error("renewing lease", "job_id", jobID, "error", err)
				continue
			}
			if !ok {
				// Released or requeued elsewhere; stop renewing.
				return
			}
		}
	}
}
