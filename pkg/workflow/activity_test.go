package workflow

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/somatechlat/voyant/internal/clock"
	"github.com/somatechlat/voyant/pkg/fault"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestExecutor() *Executor {
	return NewExecutor(clock.System{}, testLogger(), time.Minute, 100*time.Millisecond, ExecutorMetrics{})
}

func newActx(jobID string) *ActivityContext {
	return &ActivityContext{
		JobID:       jobID,
		TenantID:    "t1",
		Logger:      testLogger(),
		cancelled:   &atomic.Bool{},
		lastBeat:    &atomic.Int64{},
		clk:         clock.System{},
		cancelGrace: 100 * time.Millisecond,
	}
}

func fastRetry(maxAttempts int) RetryPolicy {
	return RetryPolicy{
		InitialInterval:   time.Millisecond,
		MaxInterval:       5 * time.Millisecond,
		Multiplier:        2,
		MaxAttempts:       maxAttempts,
		NonRetryableKinds: DefaultRetryPolicy().NonRetryableKinds,
	}
}

func TestExecuteSuccess(t *testing.T) {
	e := newTestExecutor()
	mustRegisterActivity(t, e, "echo", func(_ context.Context, act *ActivityContext) (map[string]any, error) {
		return map[string]any{"got": act.Params["in"]}, nil
	})

	act := newActx("job1")
	act.Params = map[string]any{"in": "hello"}
	out, err := e.Execute(context.Background(), "echo", Options{StartToClose: time.Second}, act)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out["got"] != "hello" {
		t.Errorf("out = %v", out)
	}
}

func TestExecuteUnknownActivity(t *testing.T) {
	e := newTestExecutor()
	_, err := e.Execute(context.Background(), "ghost", Options{}, newActx("j"))
	if err == nil {
		t.Fatal("unknown activity should fail")
	}
	if fault.KindOf(err) != fault.KindInternal {
		t.Errorf("kind = %s", fault.KindOf(err))
	}
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	e := newTestExecutor()
	var attempts atomic.Int32
	mustRegisterActivity(t, e, "flaky", func(context.Context, *ActivityContext) (map[string]any, error) {
		if attempts.Add(1) < 3 {
			return nil, fault.Transient("ext", "still warming up")
		}
		return map[string]any{"ok": true}, nil
	})

	out, err := e.Execute(context.Background(), "flaky",
		Options{StartToClose: time.Second, Retry: fastRetry(5)}, newActx("j"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out["ok"] != true {
		t.Errorf("out = %v", out)
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

func TestExecuteExhaustsAttempts(t *testing.T) {
	e := newTestExecutor()
	var attempts atomic.Int32
	mustRegisterActivity(t, e, "dead", func(context.Context, *ActivityContext) (map[string]any, error) {
		attempts.Add(1)
		return nil, fault.Transient("ext", "service down")
	})

	_, err := e.Execute(context.Background(), "dead",
		Options{StartToClose: time.Second, Retry: fastRetry(3)}, newActx("j"))
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

func TestExecuteNonRetryableAbortsImmediately(t *testing.T) {
	e := newTestExecutor()
	var attempts atomic.Int32
	mustRegisterActivity(t, e, "bad-input", func(context.Context, *ActivityContext) (map[string]any, error) {
		attempts.Add(1)
		return nil, fault.Validation("bad", "malformed parameters")
	})

	_, err := e.Execute(context.Background(), "bad-input",
		Options{StartToClose: time.Second, Retry: fastRetry(5)}, newActx("j"))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if fault.KindOf(err) != fault.KindValidation {
		t.Errorf("kind = %s", fault.KindOf(err))
	}
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1 (no retry)", attempts.Load())
	}
}

func TestExecuteCircuitOpenNotRetried(t *testing.T) {
	e := newTestExecutor()
	var attempts atomic.Int32
	mustRegisterActivity(t, e, "guarded", func(context.Context, *ActivityContext) (map[string]any, error) {
		attempts.Add(1)
		return nil, fault.New(fault.KindCircuitOpen, "circuit_open", "breaker open")
	})

	_, err := e.Execute(context.Background(), "guarded",
		Options{StartToClose: time.Second, Retry: fastRetry(5)}, newActx("j"))
	if fault.KindOf(err) != fault.KindCircuitOpen {
		t.Fatalf("kind = %s, want circuit_open", fault.KindOf(err))
	}
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1", attempts.Load())
	}
}

func TestExecuteStartToCloseTimeout(t *testing.T) {
	e := newTestExecutor()
	mustRegisterActivity(t, e, "slow", func(ctx context.Context, _ *ActivityContext) (map[string]any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
			return map[string]any{}, nil
		}
	})

	start := time.Now()
	_, err := e.Execute(context.Background(), "slow", Options{
		StartToClose: 30 * time.Millisecond,
		Retry:        RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, MaxAttempts: 1, NonRetryableKinds: []fault.Kind{fault.KindTimeout}},
	}, newActx("j"))
	if fault.KindOf(err) != fault.KindTimeout {
		t.Fatalf("kind = %s, want timeout (err: %v)", fault.KindOf(err), err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout enforcement took %s", elapsed)
	}
}

func TestExecuteHeartbeatTimeout(t *testing.T) {
	e := newTestExecutor()
	mustRegisterActivity(t, e, "silent", func(ctx context.Context, _ *ActivityContext) (map[string]any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
			return map[string]any{}, nil
		}
	})

	_, err := e.Execute(context.Background(), "silent", Options{
		StartToClose:     time.Minute,
		HeartbeatTimeout: 40 * time.Millisecond,
		Retry:            RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, MaxAttempts: 1, NonRetryableKinds: []fault.Kind{fault.KindTimeout}},
	}, newActx("j"))
	if fault.KindOf(err) != fault.KindTimeout {
		t.Fatalf("kind = %s, want timeout (err: %v)", fault.KindOf(err), err)
	}
}

func TestHeartbeatKeepsActivityAlive(t *testing.T) {
	e := newTestExecutor()
	mustRegisterActivity(t, e, "beating", func(_ context.Context, act *ActivityContext) (map[string]any, error) {
		for i := 0; i < 10; i++ {
			if err := act.Heartbeat(); err != nil {
				return nil, err
			}
			time.Sleep(10 * time.Millisecond)
		}
		return map[string]any{"done": true}, nil
	})

	out, err := e.Execute(context.Background(), "beating", Options{
		StartToClose:     time.Minute,
		HeartbeatTimeout: 60 * time.Millisecond,
	}, newActx("j"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out["done"] != true {
		t.Errorf("out = %v", out)
	}
}

func TestCancellationDeliveredAtHeartbeat(t *testing.T) {
	e := newTestExecutor()
	started := make(chan struct{})
	mustRegisterActivity(t, e, "cooperative", func(_ context.Context, act *ActivityContext) (map[string]any, error) {
		close(started)
		for {
			if err := act.Heartbeat(); err != nil {
				// Cleanup path, then propagate.
				return nil, err
			}
			time.Sleep(5 * time.Millisecond)
		}
	})

	act := newActx("j")
	go func() {
		<-started
		act.cancelled.Store(true)
	}()

	_, err := e.Execute(context.Background(), "cooperative", Options{StartToClose: time.Minute}, act)
	if fault.KindOf(err) != fault.KindCancelled {
		t.Fatalf("kind = %s, want cancelled (err: %v)", fault.KindOf(err), err)
	}
}

func TestCancellationBeforeAttempt(t *testing.T) {
	e := newTestExecutor()
	var ran atomic.Bool
	mustRegisterActivity(t, e, "never", func(context.Context, *ActivityContext) (map[string]any, error) {
		ran.Store(true)
		return map[string]any{}, nil
	})

	act := newActx("j")
	act.cancelled.Store(true)
	_, err := e.Execute(context.Background(), "never", Options{StartToClose: time.Second}, act)
	if fault.KindOf(err) != fault.KindCancelled {
		t.Fatalf("kind = %s, want cancelled", fault.KindOf(err))
	}
	if ran.Load() {
		t.Error("cancelled job must not start new activities")
	}
}

func TestInvocationHistoryRetained(t *testing.T) {
	e := newTestExecutor()
	mustRegisterActivity(t, e, "flappy", func(context.Context, *ActivityContext) (map[string]any, error) {
		return nil, fault.Transient("ext", "nope")
	})

	act := newActx("job-hist")
	_, _ = e.Execute(context.Background(), "flappy",
		Options{StartToClose: time.Second, Retry: fastRetry(3)}, act)

	invs := e.Invocations("job-hist")
	if len(invs) != 3 {
		t.Fatalf("invocations = %d, want 3", len(invs))
	}
	for i, inv := range invs {
		if inv.Attempt != i+1 {
			t.Errorf("attempt %d recorded as %d", i+1, inv.Attempt)
		}
		if inv.Status != "failed" {
			t.Errorf("status = %q, want failed", inv.Status)
		}
	}

	e.forget("job-hist")
	if len(e.Invocations("job-hist")) != 0 {
		t.Error("history should be dropped after forget")
	}
}

func TestBackoffJitterBounded(t *testing.T) {
	p := RetryPolicy{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2,
		MaxAttempts:     10,
	}

	for attempt := 1; attempt <= 10; attempt++ {
		for i := 0; i < 50; i++ {
			d := p.backoff(attempt)
			if d < 0 || d > time.Second {
				t.Fatalf("backoff(%d) = %s outside [0, max]", attempt, d)
			}
		}
	}
}

func TestDuplicateActivityRegistration(t *testing.T) {
	e := newTestExecutor()
	fn := func(context.Context, *ActivityContext) (map[string]any, error) { return nil, nil }
	mustRegisterActivity(t, e, "a", fn)
	if err := e.RegisterActivity("a", fn); err == nil {
		t.Error("duplicate registration should fail")
	}
}

func mustRegisterActivity(t *testing.T, e *Executor, name string, fn ActivityFunc) {
	t.Helper()
	if err := e.RegisterActivity(name, fn); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}
