package core

import (
	"context"

	"github.com/somatechlat/voyant/internal/clock"
	"github.com/somatechlat/voyant/pkg/artifact"
	"github.com/somatechlat/voyant/pkg/events"
	"github.com/somatechlat/voyant/pkg/fault"
	"github.com/somatechlat/voyant/pkg/queue"
	"github.com/somatechlat/voyant/pkg/quota"
	"github.com/somatechlat/voyant/pkg/workflow"
)

// SubmitRequest is a declarative analysis request from the API
// collaborator.
type SubmitRequest struct {
	JobType  string         `json:"job_type" validate:"required"`
	TenantID string         `json:"tenant_id" validate:"required"`
	Priority int            `json:"priority"`
	Params   map[string]any `json:"params"`
}

// SubmitResponse reports the admitted job and its queue position.
type SubmitResponse struct {
	JobID    string `json:"job_id"`
	Position int    `json:"position"`
}

// JobStatus is the snapshot returned by Status, including the queue
// position for queued jobs and the recent activity attempts for
// running ones.
type JobStatus struct {
	Job         *queue.Job            `json:"job"`
	Position    int                   `json:"queue_position"` // -1 unless queued
	Invocations []workflow.Invocation `json:"recent_activity,omitempty"`
}

// knownJobTypes gates admission; unknown types never reach the queue.
var knownJobTypes = map[string]bool{
	queue.TypeIngest:  true,
	queue.TypeProfile: true,
	queue.TypeAnalyze: true,
	queue.TypeScrape:  true,
	queue.TypePreset:  true,
}

// Submit admits a request: quota check, persist, enqueue, job.created
// event. The daily-jobs check here is a pure read; the authoritative
// counter pair is recorded by the worker when the job starts and ends,
// so a crash in between is recovered by lease-expiry reconciliation.
func (c *Context) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	if req.TenantID == "" {
		return SubmitResponse{}, fault.Validation("missing_tenant", "tenant_id is required")
	}
	if !knownJobTypes[req.JobType] {
		return SubmitResponse{}, fault.Validation("unknown_job_type", "unknown job type %q", req.JobType)
	}

	if allowed, _ := c.Quotas.Check(req.TenantID, quota.LimitJobsPerDay); !allowed {
		if c.QuotaRejectionsMetric != nil {
			c.QuotaRejectionsMetric.WithLabelValues(quota.LimitJobsPerDay).Inc()
		}
		tier := c.Quotas.TierOf(req.TenantID)
		usage := c.Quotas.UsageOf(req.TenantID)
		return SubmitResponse{}, fault.Quota(quota.LimitJobsPerDay, usage.JobsToday, tier.MaxJobsPerDay, usage.UntilRollover)
	}

	job := &queue.Job{
		ID:         clock.NewID(),
		TenantID:   req.TenantID,
		Type:       req.JobType,
		Priority:   req.Priority,
		CreatedAt:  c.Clock.Now(),
		Parameters: req.Params,
	}

	position, err := c.Queue.Enqueue(ctx, job)
	if err != nil {
		return SubmitResponse{}, fault.Wrap(fault.KindInternal, "enqueue_failed", err)
	}

	if c.SubmittedMetric != nil {
		c.SubmittedMetric.WithLabelValues(job.Type).Inc()
	}
	c.Bus.Emit(ctx, events.TopicJobs, events.Event{
		Type:     events.TypeJobCreated,
		TenantID: req.TenantID,
		Payload: map[string]any{
			"job_id":         job.ID,
			"job_type":       job.Type,
			"status":         string(queue.StatusQueued),
			"priority":       job.Priority,
			"queue_position": position,
		},
	})
	return SubmitResponse{JobID: job.ID, Position: position}, nil
}

// Status returns a job snapshot with its queue position and recent
// activity attempts.
func (c *Context) Status(ctx context.Context, jobID string) (JobStatus, error) {
	job, err := c.Queue.Get(ctx, jobID)
	if err != nil {
		return JobStatus{}, fault.NotFound("job_not_found", "job %s not found", jobID)
	}

	position := -1
	if job.Status == queue.StatusQueued {
		if p, err := c.Queue.Position(ctx, jobID); err == nil {
			position = p
		}
	}

	status := JobStatus{Job: job, Position: position}
	if job.Status == queue.StatusRunning && c.Runtime != nil {
		status.Invocations = c.Runtime.Executor().Invocations(jobID)
	}
	return status, nil
}

// Cancel cancels a queued or running job. Queued jobs leave the queue
// immediately; running jobs receive an asynchronous cancellation signal
// delivered at the next activity boundary or heartbeat checkpoint.
func (c *Context) Cancel(ctx context.Context, jobID string) (bool, error) {
	job, err := c.Queue.Get(ctx, jobID)
	if err != nil {
		return false, fault.NotFound("job_not_found", "job %s not found", jobID)
	}
	if job.Status.Terminal() {
		return false, nil
	}

	if job.Status == queue.StatusRunning && c.Runtime != nil {
		// The workflow observes the flag and releases the job itself.
		if c.Runtime.Cancel(jobID) {
			return true, nil
		}
		// Running in another process or already finished; broadcast the
		// signal and fall through to the queue-level cancel.
		if c.CancelBroadcast != nil {
			c.CancelBroadcast(ctx, jobID)
		}
	}

	ok, err := c.Queue.Cancel(ctx, jobID)
	if err != nil {
		return false, err
	}
	if ok {
		c.Bus.Emit(ctx, events.TopicJobs, events.Event{
			Type:     events.TypeJobCancelled,
			TenantID: job.TenantID,
			Payload: map[string]any{
				"job_id":   job.ID,
				"job_type": job.Type,
				"status":   string(queue.StatusCancelled),
			},
		})
	}
	return ok, nil
}

// ListArtifacts returns a job's artifact references.
func (c *Context) ListArtifacts(ctx context.Context, jobID string) ([]artifact.Reference, error) {
	if _, err := c.Queue.Get(ctx, jobID); err != nil {
		return nil, fault.NotFound("job_not_found", "job %s not found", jobID)
	}
	return c.Store.ListByJob(ctx, jobID)
}

// RecentEvents returns the last events from the in-memory ring.
func (c *Context) RecentEvents(limit int) []events.Event {
	return c.Bus.Recent(limit)
}
