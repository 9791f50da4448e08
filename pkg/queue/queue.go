package queue

import (
	"context"
	"errors"
)

// ErrNotFound is returned for operations on an unknown job ID.
var ErrNotFound = errors.New("job not found")

// Queue is the job queue contract. Implementations must be safe for
// concurrent use; acquire and release are serializable per tenant.
type Queue interface {
	// Enqueue adds a newly persisted job (status=queued) to its
	// tenant's queue and returns the 0-based position at insertion.
	Enqueue(ctx context.Context, job *Job) (int, error)

	// AcquireNext returns the next queued job for the tenant, or nil
	// when the queue is empty or the tenant is at maxConcurrent running
	// jobs. On success the job is running with a fresh lease.
	AcquireNext(ctx context.Context, tenantID, workerID string, maxConcurrent int) (*Job, error)

	// RenewLease extends the lease of a running job by the lease TTL.
	// Returns false if the job is not running anymore.
	RenewLease(ctx context.Context, jobID string) (bool, error)

	// Release transitions a running job to a terminal status and clears
	// its lease. Re-releasing a terminal job is a no-op returning true;
	// the first terminal status wins.
	Release(ctx context.Context, jobID string, status Status, result *Result) (bool, error)

	// RequeueExpiredLeases moves every running job whose lease has
	// expired back to the front of its tenant queue, incrementing
	// retry_count. Returns the number of jobs requeued.
	RequeueExpiredLeases(ctx context.Context) (int, error)

	// Cancel cancels a queued or running job. Queued jobs are removed
	// from the queue; running jobs are marked cancelled and the caller
	// is responsible for signalling the workflow.
	Cancel(ctx context.Context, jobID string) (bool, error)

	// Get returns a job snapshot by ID.
	Get(ctx context.Context, jobID string) (*Job, error)

	// Position returns the 0-based queue position of a queued job, or
	// -1 when the job is not queued.
	Position(ctx context.Context, jobID string) (int, error)

	// Stats summarizes the tenant's queue.
	Stats(ctx context.Context, tenantID string) (Stats, error)

	// Tenants lists tenant IDs that currently have queued work.
	Tenants(ctx context.Context) ([]string, error)
}
