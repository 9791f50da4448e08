// Package workflow drives a job through its named workflow: a
// deterministic sequence of activities executed with timeouts, retry
// policies, heartbeats, and cooperative cancellation.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/somatechlat/voyant/internal/clock"
	"github.com/somatechlat/voyant/pkg/fault"
)

// RetryPolicy controls re-invocation of a failed activity.
type RetryPolicy struct {
	InitialInterval   time.Duration
	MaxInterval       time.Duration
	Multiplier        float64
	MaxAttempts       int
	NonRetryableKinds []fault.Kind
}

// DefaultRetryPolicy matches the external-service profile: a handful of
// attempts with exponential backoff capped at a minute.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		Multiplier:      2,
		MaxAttempts:     5,
		NonRetryableKinds: []fault.Kind{
			fault.KindValidation,
			fault.KindNotFound,
			fault.KindConflict,
			fault.KindQuotaExceeded,
			fault.KindCircuitOpen,
			fault.KindCancelled,
			fault.KindInternal,
		},
	}
}

// retryable reports whether the policy allows retrying err.
func (p RetryPolicy) retryable(err error) bool {
	kind := fault.KindOf(err)
	for _, k := range p.NonRetryableKinds {
		if kind == k {
			return false
		}
	}
	switch kind {
	case fault.KindCancelled, fault.KindCircuitOpen:
		return false
	}
	return true
}

// backoff computes the sleep before the given retry attempt (1-based)
// using full jitter so colliding retries spread out instead of
// thundering together.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	interval := float64(p.InitialInterval)
	for i := 1; i < attempt; i++ {
		interval *= p.Multiplier
		if interval >= float64(p.MaxInterval) {
			interval = float64(p.MaxInterval)
			break
		}
	}
	return time.Duration(rand.Float64() * interval)
}

// Options declares an activity's execution envelope.
type Options struct {
	StartToClose     time.Duration
	HeartbeatTimeout time.Duration // 0 disables heartbeat monitoring
	Retry            RetryPolicy
}

// ActivityFunc is one side-effectful unit invoked by a workflow.
type ActivityFunc func(ctx context.Context, act *ActivityContext) (map[string]any, error)

// ActivityContext is the per-invocation handle passed to an activity.
type ActivityContext struct {
	JobID    string
	TenantID string
	Attempt  int
	Params   map[string]any
	Logger   *slog.Logger

	cancelled   *atomic.Bool
	lastBeat    *atomic.Int64 // unix nanos of the last heartbeat
	clk         clock.Clock
	cancelGrace time.Duration
}

// Heartbeat records liveness and checks for cancellation. Cooperative
// activities call it at their checkpoints; a Cancelled error tells the
// activity to release resources and return within the grace period.
func (a *ActivityContext) Heartbeat() error {
	a.lastBeat.Store(a.clk.Now().UnixNano())
	if a.cancelled.Load() {
		return fault.Cancelled("cancelled", "job %s cancellation requested", a.JobID)
	}
	return nil
}

// Invocation records one activity attempt for observability.
type Invocation struct {
	JobID     string    `json:"job_id"`
	Activity  string    `json:"activity_name"`
	Attempt   int       `json:"attempt"`
	StartedAt time.Time `json:"started_at"`
	Status    string    `json:"status"` // completed | failed | timed_out | cancelled
	Error     string    `json:"error,omitempty"`
}

// invocationsKept bounds the per-job attempt history.
const invocationsKept = 20

// ExecutorMetrics holds the optional collectors the executor records into.
type ExecutorMetrics struct {
	Duration *prometheus.HistogramVec // by activity, outcome
	Retries  *prometheus.CounterVec   // by activity
}

// Executor invokes registered activities with retry, timeout, and
// heartbeat enforcement.
type Executor struct {
	clk              clock.Clock
	logger           *slog.Logger
	metrics          ExecutorMetrics
	heartbeatTimeout time.Duration
	cancelGrace      time.Duration

	mu          sync.Mutex
	activities  map[string]ActivityFunc
	invocations map[string][]Invocation // job_id -> recent attempts
}

// NewExecutor creates an activity executor. heartbeatTimeout is the
// default deadline applied when an activity's options leave it unset.
func NewExecutor(clk clock.Clock, logger *slog.Logger, heartbeatTimeout, cancelGrace time.Duration, metrics ExecutorMetrics) *Executor {
	return &Executor{
		clk:              clk,
		logger:           logger,
		metrics:          metrics,
		heartbeatTimeout: heartbeatTimeout,
		cancelGrace:      cancelGrace,
		activities:       make(map[string]ActivityFunc),
		invocations:      make(map[string][]Invocation),
	}
}

// RegisterActivity adds a named activity implementation. Registering a
// duplicate name fails so wiring mistakes surface at startup.
func (e *Executor) RegisterActivity(name string, fn ActivityFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.activities[name]; ok {
		return fmt.Errorf("activity %q already registered", name)
	}
	e.activities[name] = fn
	return nil
}

// Invocations returns the retained attempt history for a job.
func (e *Executor) Invocations(jobID string) []Invocation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Invocation, len(e.invocations[jobID]))
	copy(out, e.invocations[jobID])
	return out
}

// forget drops a job's attempt history once the job is terminal.
func (e *Executor) forget(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.invocations, jobID)
}

// Execute runs a named activity under its options, retrying per policy.
// The job-level cancellation flag carried by act is checked between
// attempts and at heartbeat checkpoints.
func (e *Executor) Execute(ctx context.Context, name string, opts Options, act *ActivityContext) (map[string]any, error) {
	e.mu.Lock()
	fn, ok := e.activities[name]
	e.mu.Unlock()
	if !ok {
		return nil, fault.Internal("unknown_activity", "activity %q is not registered", name)
	}

	policy := opts.Retry
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	hbTimeout := opts.HeartbeatTimeout
	if hbTimeout == 0 {
		hbTimeout = e.heartbeatTimeout
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if act.cancelled.Load() {
			return nil, fault.Cancelled("cancelled", "job %s cancelled before activity %s", act.JobID, name)
		}
		if err := ctx.Err(); err != nil {
			return nil, fault.Wrap(fault.KindOf(err), "context", err)
		}

		act.Attempt = attempt
		result, err := e.attempt(ctx, name, fn, opts.StartToClose, hbTimeout, act)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !policy.retryable(err) {
			return nil, err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		if e.metrics.Retries != nil {
			e.metrics.Retries.WithLabelValues(name).Inc()
		}
		delay := policy.backoff(attempt)
		e.logger.Warn("activity failed, retrying",
			"activity", name, "job_id", act.JobID,
			"attempt", attempt, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return nil, fault.Wrap(fault.KindOf(ctx.Err()), "context", ctx.Err())
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("activity %s exhausted %d attempts: %w", name, policy.MaxAttempts, lastErr)
}

// attempt runs one invocation with its start-to-close timeout and
// heartbeat watchdog.
func (e *Executor) attempt(ctx context.Context, name string, fn ActivityFunc, startToClose, hbTimeout time.Duration, act *ActivityContext) (map[string]any, error) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if startToClose > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, startToClose)
	} else {
		attemptCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	started := e.clk.Now()
	act.lastBeat.Store(started.UnixNano())

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := fn(attemptCtx, act)
		done <- outcome{result, err}
	}()

	// Heartbeat watchdog: a stale heartbeat fails the attempt; a
	// cancellation request cancels the attempt context and then waits
	// out the grace period for the activity's cleanup path.
	watchdog := time.NewTicker(watchdogInterval(hbTimeout))
	defer watchdog.Stop()

	var cancelDeadline time.Time
	for {
		select {
		case out := <-done:
			e.record(act, name, started, out.err)
			if out.err != nil {
				return nil, e.classify(out.err, attemptCtx, startToClose, name)
			}
			return out.result, nil

		case <-watchdog.C:
			now := e.clk.Now()
			if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
				// The activity ignored its deadline; charge the timeout
				// without waiting for it to return.
				err := fault.Timeout("start_to_close",
					"activity %s exceeded start-to-close timeout %s", name, startToClose)
				e.record(act, name, started, err)
				return nil, err
			}
			if act.cancelled.Load() {
				if cancelDeadline.IsZero() {
					cancelDeadline = now.Add(e.cancelGrace)
					cancel()
				} else if now.After(cancelDeadline) {
					// Policy-level fatal: the activity ignored its grace period.
					e.logger.Error("activity exceeded cancellation grace period",
						"activity", name, "job_id", act.JobID, "grace", e.cancelGrace)
					err := fault.Cancelled("cancel_grace_exceeded",
						"activity %s did not yield within the cancellation grace period", name)
					e.record(act, name, started, err)
					return nil, err
				}
				continue
			}
			if hbTimeout > 0 {
				last := time.Unix(0, act.lastBeat.Load())
				if now.Sub(last) > hbTimeout {
					cancel()
					err := fault.Timeout("heartbeat_timeout",
						"activity %s heartbeat older than %s", name, hbTimeout)
					e.record(act, name, started, err)
					return nil, err
				}
			}
		}
	}
}

// classify maps an activity error to the taxonomy, folding the attempt
// deadline into a Timeout kind.
func (e *Executor) classify(err error, attemptCtx context.Context, startToClose time.Duration, name string) error {
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fault.Timeout("start_to_close", "activity %s exceeded start-to-close timeout %s", name, startToClose)
	}
	return err
}

func (e *Executor) record(act *ActivityContext, name string, started time.Time, err error) {
	status := "completed"
	msg := ""
	switch fault.KindOf(err) {
	case "":
	case fault.KindTimeout:
		status = "timed_out"
		msg = err.Error()
	case fault.KindCancelled:
		status = "cancelled"
		msg = err.Error()
	default:
		status = "failed"
		msg = err.Error()
	}

	if e.metrics.Duration != nil {
		e.metrics.Duration.WithLabelValues(name, status).Observe(e.clk.Now().Sub(started).Seconds())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	inv := append(e.invocations[act.JobID], Invocation{
		JobID:     act.JobID,
		Activity:  name,
		Attempt:   act.Attempt,
		StartedAt: started,
		Status:    status,
		Error:     msg,
	})
	if len(inv) > invocationsKept {
		inv = inv[len(inv)-invocationsKept:]
	}
	e.invocations[act.JobID] = inv
}

// watchdogInterval picks a check cadence well under the heartbeat
// deadline without busy-looping for very long deadlines.
func watchdogInterval(hbTimeout time.Duration) time.Duration {
	if hbTimeout <= 0 {
		return time.Second
	}
	iv := hbTimeout / 4
	if iv < 10*time.Millisecond {
		iv = 10 * time.Millisecond
	}
	if iv > time.Second {
		iv = time.Second
	}
	return iv
}
