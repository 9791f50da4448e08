package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/somatechlat/voyant/internal/clock"
	"github.com/somatechlat/voyant/internal/redact"
	"github.com/somatechlat/voyant/pkg/events"
	"github.com/somatechlat/voyant/pkg/fault"
	"github.com/somatechlat/voyant/pkg/queue"
)

// errorMessageMax bounds Job.error_message after masking.
const errorMessageMax = 512

// Func is a workflow definition: a deterministic function that, given
// the run handle, invokes activities in order and returns the result
// summary. Workflow code must not perform blocking I/O outside
// activities.
type Func func(ctx context.Context, run *Run) (map[string]any, error)

// Run is the per-execution handle a workflow drives its activities
// through.
type Run struct {
	Job     *queue.Job
	Logger  *slog.Logger
	Timeout time.Duration // overall workflow timeout; 0 means none

	runtime *Runtime
	actx    *ActivityContext
}

// Execute invokes a named activity with the given parameters and
// options, suspending the workflow until it completes. Cancellation is
// delivered here, at the activity boundary.
func (r *Run) Execute(ctx context.Context, activity string, params map[string]any, opts Options) (map[string]any, error) {
	if r.actx.cancelled.Load() {
		return nil, fault.Cancelled("cancelled", "job %s cancelled", r.Job.ID)
	}
	r.actx.Params = params
	return r.runtime.executor.Execute(ctx, activity, opts, r.actx)
}

// Progress emits a job.progress event for the given stage.
func (r *Run) Progress(ctx context.Context, stage string, detail map[string]any) {
	payload := map[string]any{
		"job_id": r.Job.ID,
		"stage":  stage,
	}
	if detail != nil {
		payload["detail"] = detail
	}
	r.runtime.bus.Emit(ctx, events.TopicJobs, events.Event{
		Type:     events.TypeJobProgress,
		TenantID: r.Job.TenantID,
		Payload:  payload,
	})
}

// Cancelled reports whether cancellation has been requested for the run.
func (r *Run) Cancelled() bool { return r.actx.cancelled.Load() }

// Runtime owns workflow execution: it resolves the workflow for a job
// type, executes it, emits lifecycle events in causal order, persists
// the outcome, and releases the job.
type Runtime struct {
	clk      clock.Clock
	logger   *slog.Logger
	queue    queue.Queue
	bus      *events.Bus
	executor *Executor

	// CompletedMetric counts finished jobs by terminal status. Optional;
	// set before the runtime starts serving jobs.
	CompletedMetric *prometheus.CounterVec

	mu        sync.Mutex
	workflows map[string]Definition   // job type -> workflow
	running   map[string]*atomic.Bool // job_id -> cancellation flag
}

// NewRuntime creates a workflow runtime.
func NewRuntime(clk clock.Clock, logger *slog.Logger, q queue.Queue, bus *events.Bus, executor *Executor) *Runtime {
	return &Runtime{
		clk:       clk,
		logger:    logger,
		queue:     q,
		bus:       bus,
		executor:  executor,
		workflows: make(map[string]Definition),
		running:   make(map[string]*atomic.Bool),
	}
}

// Executor exposes the activity executor for attempt-history reads.
func (rt *Runtime) Executor() *Executor { return rt.executor }

// Definition binds a workflow function to its overall timeout. A zero
// timeout means the workflow runs unbounded; activities still enforce
// their own start-to-close deadlines.
type Definition struct {
	Fn      Func
	Timeout time.Duration
}

// RegisterWorkflow binds a job type to its workflow definition.
func (rt *Runtime) RegisterWorkflow(jobType string, def Definition) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, ok := rt.workflows[jobType]; ok {
		return fmt.Errorf("workflow for job type %q already registered", jobType)
	}
	rt.workflows[jobType] = def
	return nil
}

// Cancel requests cooperative cancellation of a running job. Delivery
// happens at the next activity boundary or heartbeat checkpoint.
func (rt *Runtime) Cancel(jobID string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	flag, ok := rt.running[jobID]
	if !ok {
		return false
	}
	flag.Store(true)
	return true
}

// RunJob executes the workflow for an acquired job and releases it with
// the outcome. Events for the run are emitted in causal order:
// started, progress…, then exactly one terminal event.
func (rt *Runtime) RunJob(ctx context.Context, job *queue.Job) {
	def, ok := rt.lookup(job.Type)
	if !ok {
		rt.finish(ctx, job, nil, fault.Validation("unknown_job_type", "no workflow registered for job type %q", job.Type), time.Duration(0))
		return
	}

	cancelled := &atomic.Bool{}
	rt.mu.Lock()
	rt.running[job.ID] = cancelled
	rt.mu.Unlock()
	defer func() {
		rt.mu.Lock()
		delete(rt.running, job.ID)
		rt.mu.Unlock()
	}()

	rt.bus.Emit(ctx, events.TopicJobs, events.Event{
		Type:     events.TypeJobStarted,
		TenantID: job.TenantID,
		Payload: map[string]any{
			"job_id":    job.ID,
			"job_type":  job.Type,
			"status":    string(queue.StatusRunning),
			"worker_id": job.WorkerID,
			"attempt":   job.RetryCount + 1,
		},
	})

	run := &Run{
		Job:     job,
		Logger:  rt.logger.With("job_id", job.ID, "workflow", job.Type),
		Timeout: def.Timeout,
		runtime: rt,
		actx: &ActivityContext{
			JobID:       job.ID,
			TenantID:    job.TenantID,
			Logger:      rt.logger.With("job_id", job.ID),
			cancelled:   cancelled,
			lastBeat:    &atomic.Int64{},
			clk:         rt.clk,
			cancelGrace: rt.executor.cancelGrace,
		},
	}

	started := rt.clk.Now()
	runCtx := ctx
	var cancel context.CancelFunc
	if run.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, run.Timeout)
		defer cancel()
	}

	summary, err := def.Fn(runCtx, run)
	if err != nil && runCtx.Err() != nil && ctx.Err() == nil {
		err = fault.Timeout("workflow_timeout", "workflow %s exceeded overall timeout", job.Type)
	}
	if err == nil && cancelled.Load() {
		err = fault.Cancelled("cancelled", "job %s cancelled", job.ID)
	}
	rt.finish(ctx, job, summary, err, rt.clk.Now().Sub(started))
}

func (rt *Runtime) lookup(jobType string) (Definition, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	def, ok := rt.workflows[jobType]
	return def, ok
}

// finish releases the job with its terminal status and emits the
// terminal event.
func (rt *Runtime) finish(ctx context.Context, job *queue.Job, summary map[string]any, err error, elapsed time.Duration) {
	defer rt.executor.forget(job.ID)
	defer func() {
		if rt.CompletedMetric != nil {
			status := queue.StatusCompleted
			switch fault.KindOf(err) {
			case fault.KindCancelled:
				status = queue.StatusCancelled
			case "":
			default:
				status = queue.StatusFailed
			}
			rt.CompletedMetric.WithLabelValues(string(status)).Inc()
		}
	}()

	if err == nil {
		released, relErr := rt.queue.Release(ctx, job.ID, queue.StatusCompleted, &queue.Result{Summary: summary})
		if relErr != nil {
			rt.logger.Error("releasing completed job", "job_id", job.ID, "error", relErr)
		}
		if released {
			rt.bus.Emit(ctx, events.TopicJobs, events.Event{
				Type:     events.TypeJobCompleted,
				TenantID: job.TenantID,
				Payload: map[string]any{
					"job_id":           job.ID,
					"job_type":         job.Type,
					"status":           string(queue.StatusCompleted),
					"summary":          anyMap(summary),
					"duration_seconds": elapsed.Seconds(),
				},
			})
			// Meter the completed run for billing.
			rt.bus.Emit(ctx, events.TopicBilling, events.Event{
				Type:     events.TypeBillingUsage,
				TenantID: job.TenantID,
				Payload: map[string]any{
					"metric_name": events.MetricQueriesExecuted,
					"value":       float64(1),
					"job_id":      job.ID,
					"job_type":    job.Type,
				},
			})
		}
		return
	}

	kind := fault.KindOf(err)
	if kind == fault.KindCancelled {
		if _, relErr := rt.queue.Release(ctx, job.ID, queue.StatusCancelled, nil); relErr != nil {
			rt.logger.Error("releasing cancelled job", "job_id", job.ID, "error", relErr)
		}
		rt.bus.Emit(ctx, events.TopicJobs, events.Event{
			Type:     events.TypeJobCancelled,
			TenantID: job.TenantID,
			Payload: map[string]any{
				"job_id":   job.ID,
				"job_type": job.Type,
				"status":   string(queue.StatusCancelled),
			},
		})
		return
	}

	result := &queue.Result{
		Summary:      summary,
		ErrorKind:    string(kind),
		ErrorCode:    fault.Code(err),
		ErrorMessage: redact.Bounded(err.Error(), errorMessageMax),
	}
	if _, relErr := rt.queue.Release(ctx, job.ID, queue.StatusFailed, result); relErr != nil {
		rt.logger.Error("releasing failed job", "job_id", job.ID, "error", relErr)
	}
	rt.logger.Error("workflow failed",
		"job_id", job.ID, "workflow", job.Type, "kind", kind, "error", err)
	rt.bus.Emit(ctx, events.TopicJobs, events.Event{
		Type:     events.TypeJobFailed,
		TenantID: job.TenantID,
		Payload: map[string]any{
			"job_id":        job.ID,
			"job_type":      job.Type,
			"status":        string(queue.StatusFailed),
			"error_kind":    string(kind),
			"error_code":    result.ErrorCode,
			"error_message": result.ErrorMessage,
		},
	})
}

// anyMap normalizes a nil summary for the event payload.
func anyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
