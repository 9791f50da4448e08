package worker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/somatechlat/voyant/internal/clock"
	"github.com/somatechlat/voyant/pkg/queue"
	"github.com/somatechlat/voyant/pkg/quota"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingRunner releases jobs immediately and records the order.
type recordingRunner struct {
	mu    sync.Mutex
	queue queue.Queue
	seen  []string
	done  chan struct{} // closed when target count reached
	want  int
}

func (r *recordingRunner) RunJob(ctx context.Context, job *queue.Job) {
	r.mu.Lock()
	r.seen = append(r.seen, job.ID)
	reached := len(r.seen) == r.want
	r.mu.Unlock()

	_, _ = r.queue.Release(ctx, job.ID, queue.StatusCompleted, nil)
	if reached {
		close(r.done)
	}
}

func (r *recordingRunner) jobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.seen))
	copy(out, r.seen)
	return out
}

func TestPoolDrainsQueueAcrossTenants(t *testing.T) {
	clk := clock.System{}
	q := queue.NewMemory(clk, time.Minute)
	quotas := quota.NewManager(clk)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, j := range []struct{ tenant, id string }{
		{"alpha", "a1"}, {"alpha", "a2"}, {"beta", "b1"}, {"gamma", "c1"},
	} {
		if _, err := q.Enqueue(ctx, &queue.Job{ID: j.id, TenantID: j.tenant, Type: queue.TypeAnalyze}); err != nil {
			t.Fatal(err)
		}
	}

	runner := &recordingRunner{queue: q, done: make(chan struct{}), want: 4}
	pool := NewPool(q, quotas, runner, testLogger(), 2, 1, time.Minute)
	pool.backoff = 5 * time.Millisecond

	poolCtx, stopPool := context.WithCancel(ctx)
	go pool.Run(poolCtx)

	select {
	case <-runner.done:
	case <-ctx.Done():
		t.Fatalf("pool did not drain the queue; ran %v", runner.jobs())
	}
	stopPool()

	if got := len(runner.jobs()); got != 4 {
		t.Errorf("jobs run = %d, want 4", got)
	}
}

func TestPoolRespectsTenantConcurrencyCap(t *testing.T) {
	clk := clock.System{}
	q := queue.NewMemory(clk, time.Minute)
	quotas := quota.NewManager(clk) // free tier: 1 concurrent
	ctx := context.Background()

	for _, id := range []string{"j1", "j2"} {
		if _, err := q.Enqueue(ctx, &queue.Job{ID: id, TenantID: "t1", Type: queue.TypeAnalyze}); err != nil {
			t.Fatal(err)
		}
	}

	pool := NewPool(q, quotas, nil, testLogger(), 1, 4, time.Minute)

	first, err := pool.acquireAny(ctx, "w1")
	if err != nil || first == nil {
		t.Fatalf("first acquire: %v %v", first, err)
	}

	// The free tier allows a single running job; the second stays queued.
	second, err := pool.acquireAny(ctx, "w2")
	if err != nil {
		t.Fatal(err)
	}
	if second != nil {
		t.Fatalf("second acquire = %s, want nil at tier cap", second.ID)
	}

	if _, err := q.Release(ctx, first.ID, queue.StatusCompleted, nil); err != nil {
		t.Fatal(err)
	}
	third, _ := pool.acquireAny(ctx, "w2")
	if third == nil {
		t.Fatal("acquire after release should succeed")
	}
}

func TestPoolQuotaPairBracketsRun(t *testing.T) {
	clk := clock.System{}
	q := queue.NewMemory(clk, time.Minute)
	quotas := quota.NewManager(clk)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, &queue.Job{ID: "j1", TenantID: "t1", Type: queue.TypeAnalyze}); err != nil {
		t.Fatal(err)
	}

	runner := &recordingRunner{queue: q, done: make(chan struct{}), want: 1}
	pool := NewPool(q, quotas, runner, testLogger(), 1, 4, time.Minute)

	job, _ := pool.acquireAny(ctx, "w1")
	if job == nil {
		t.Fatal("acquire failed")
	}
	pool.runOne(ctx, "w1", job)

	usage := quotas.UsageOf("t1")
	if usage.JobsToday != 1 {
		t.Errorf("jobs_today = %d, want 1", usage.JobsToday)
	}
	if usage.ConcurrentJobs != 0 {
		t.Errorf("concurrent_jobs = %d, want 0 after run", usage.ConcurrentJobs)
	}
}
