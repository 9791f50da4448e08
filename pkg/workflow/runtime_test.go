package workflow

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/somatechlat/voyant/internal/clock"
	"github.com/somatechlat/voyant/pkg/events"
	"github.com/somatechlat/voyant/pkg/fault"
	"github.com/somatechlat/voyant/pkg/queue"
)

// testHarness wires a runtime against in-memory stores.
type testHarness struct {
	clk   clock.Clock
	queue *queue.Memory
	bus   *events.Bus
	rt    *Runtime
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	clk := clock.System{}
	q := queue.NewMemory(clk, time.Minute)

	schemas := events.NewSchemaRegistry()
	events.RegisterCanonicalSchemas(schemas)
	bus := events.NewBus(schemas, nil, clk, testLogger(), events.BusMetrics{})

	executor := NewExecutor(clk, testLogger(), time.Minute, 100*time.Millisecond, ExecutorMetrics{})
	rt := NewRuntime(clk, testLogger(), q, bus, executor)
	return &testHarness{clk: clk, queue: q, bus: bus, rt: rt}
}

// startJob enqueues and acquires a job so it is running.
func (h *testHarness) startJob(t *testing.T, jobType string, params map[string]any) *queue.Job {
	t.Helper()
	ctx := context.Background()
	job := &queue.Job{ID: "job-" + jobType, TenantID: "t1", Type: jobType, Parameters: params}
	if _, err := h.queue.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	acquired, err := h.queue.AcquireNext(ctx, "t1", "w1", 10)
	if err != nil || acquired == nil {
		t.Fatalf("acquire: %v %v", acquired, err)
	}
	return acquired
}

// eventTypes returns the run's emitted event types oldest-first.
func (h *testHarness) eventTypes() []string {
	recent := h.bus.Recent(0)
	out := make([]string, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		out = append(out, recent[i].Type)
	}
	return out
}

func TestRunJobSuccess(t *testing.T) {
	h := newHarness(t)
	mustRegisterActivity(t, h.rt.executor, "step", func(context.Context, *ActivityContext) (map[string]any, error) {
		return map[string]any{"rows": 10}, nil
	})
	err := h.rt.RegisterWorkflow("unit", Definition{Fn: func(ctx context.Context, run *Run) (map[string]any, error) {
		out, err := run.Execute(ctx, "step", nil, Options{StartToClose: time.Second})
		if err != nil {
			return nil, err
		}
		return map[string]any{"rows": out["rows"]}, nil
	}})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	job := h.startJob(t, "unit", nil)
	h.rt.RunJob(context.Background(), job)

	final, _ := h.queue.Get(context.Background(), job.ID)
	if final.Status != queue.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if final.ResultSummary["rows"] != 10 {
		t.Errorf("summary = %v", final.ResultSummary)
	}

	types := h.eventTypes()
	want := []string{events.TypeJobStarted, events.TypeJobCompleted, events.TypeBillingUsage}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event order = %v, want %v", types, want)
		}
	}
}

func TestRunJobFailureRecordsMaskedError(t *testing.T) {
	h := newHarness(t)
	mustRegisterActivity(t, h.rt.executor, "leaky", func(context.Context, *ActivityContext) (map[string]any, error) {
		return nil, fault.Validation("bad_creds", "rejected key for ops@example.com")
	})
	h.rt.RegisterWorkflow("failing", Definition{Fn: func(ctx context.Context, run *Run) (map[string]any, error) {
		return run.Execute(ctx, "leaky", nil, Options{StartToClose: time.Second})
	}})

	job := h.startJob(t, "failing", nil)
	h.rt.RunJob(context.Background(), job)

	final, _ := h.queue.Get(context.Background(), job.ID)
	if final.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if final.ErrorKind != string(fault.KindValidation) {
		t.Errorf("error_kind = %q", final.ErrorKind)
	}
	if strings.Contains(final.ErrorMessage, "ops@example.com") {
		t.Errorf("error message leaked PII: %q", final.ErrorMessage)
	}

	types := h.eventTypes()
	if types[len(types)-1] != events.TypeJobFailed {
		t.Errorf("terminal event = %s, want job.failed", types[len(types)-1])
	}
}

func TestRunJobUnknownTypeFails(t *testing.T) {
	h := newHarness(t)
	job := h.startJob(t, "mystery", nil)
	h.rt.RunJob(context.Background(), job)

	final, _ := h.queue.Get(context.Background(), job.ID)
	if final.Status != queue.StatusFailed {
		t.Errorf("status = %s, want failed", final.Status)
	}
}

func TestRunJobCancellation(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	mustRegisterActivity(t, h.rt.executor, "long", func(_ context.Context, act *ActivityContext) (map[string]any, error) {
		close(started)
		for {
			if err := act.Heartbeat(); err != nil {
				return nil, err
			}
			time.Sleep(5 * time.Millisecond)
		}
	})
	h.rt.RegisterWorkflow("cancellable", Definition{Fn: func(ctx context.Context, run *Run) (map[string]any, error) {
		return run.Execute(ctx, "long", nil, Options{StartToClose: time.Minute})
	}})

	job := h.startJob(t, "cancellable", nil)

	go func() {
		<-started
		if !h.rt.Cancel(job.ID) {
			t.Error("cancel should find the running job")
		}
	}()
	h.rt.RunJob(context.Background(), job)

	final, _ := h.queue.Get(context.Background(), job.ID)
	if final.Status != queue.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}

	types := h.eventTypes()
	if types[len(types)-1] != events.TypeJobCancelled {
		t.Errorf("terminal event = %s, want job.cancelled", types[len(types)-1])
	}

	// The flag is gone once the run finished.
	if h.rt.Cancel(job.ID) {
		t.Error("cancel after completion should return false")
	}
}

func TestRunJobWorkflowTimeout(t *testing.T) {
	h := newHarness(t)
	mustRegisterActivity(t, h.rt.executor, "sleepy", func(ctx context.Context, _ *ActivityContext) (map[string]any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return map[string]any{}, nil
		}
	})
	h.rt.RegisterWorkflow("bounded", Definition{
		Timeout: 30 * time.Millisecond,
		Fn: func(ctx context.Context, run *Run) (map[string]any, error) {
			return run.Execute(ctx, "sleepy", nil, Options{
				StartToClose: time.Minute,
				Retry:        RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, MaxAttempts: 1, NonRetryableKinds: []fault.Kind{fault.KindTimeout, fault.KindCancelled}},
			})
		},
	})

	job := h.startJob(t, "bounded", nil)
	h.rt.RunJob(context.Background(), job)

	final, _ := h.queue.Get(context.Background(), job.ID)
	if final.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want failed(TimedOut)", final.Status)
	}
	if final.ErrorKind != string(fault.KindTimeout) {
		t.Errorf("error_kind = %q, want timeout", final.ErrorKind)
	}
}

func TestProgressEventsBetweenActivities(t *testing.T) {
	h := newHarness(t)
	mustRegisterActivity(t, h.rt.executor, "noop", func(context.Context, *ActivityContext) (map[string]any, error) {
		return map[string]any{}, nil
	})
	h.rt.RegisterWorkflow("staged", Definition{Fn: func(ctx context.Context, run *Run) (map[string]any, error) {
		run.Progress(ctx, "phase-one", nil)
		if _, err := run.Execute(ctx, "noop", nil, Options{StartToClose: time.Second}); err != nil {
			return nil, err
		}
		run.Progress(ctx, "phase-two", map[string]any{"n": 1})
		return map[string]any{}, nil
	}})

	job := h.startJob(t, "staged", nil)
	h.rt.RunJob(context.Background(), job)

	types := h.eventTypes()
	want := []string{events.TypeJobStarted, events.TypeJobProgress, events.TypeJobProgress, events.TypeJobCompleted, events.TypeBillingUsage}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
}
