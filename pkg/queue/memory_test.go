package queue

import (
	"context"
	"testing"
	"time"

	"github.com/somatechlat/voyant/internal/clock"
)

func newTestQueue(leaseTTL time.Duration) (*Memory, *clock.Frozen) {
	clk := clock.NewFrozen(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewMemory(clk, leaseTTL), clk
}

func enqueue(t *testing.T, q *Memory, clk *clock.Frozen, tenantID, id string, priority int) {
	t.Helper()
	_, err := q.Enqueue(context.Background(), &Job{
		ID:       id,
		TenantID: tenantID,
		Type:     TypeAnalyze,
		Priority: priority,
	})
	if err != nil {
		t.Fatalf("enqueue %s: %v", id, err)
	}
	// Distinct created_at per job so ordering is deterministic.
	clk.Advance(time.Millisecond)
}

func TestPriorityOrdering(t *testing.T) {
	q, clk := newTestQueue(time.Minute)
	ctx := context.Background()

	enqueue(t, q, clk, "T1", "A", 10)
	enqueue(t, q, clk, "T1", "B", 5)
	enqueue(t, q, clk, "T1", "C", 10)

	var got []string
	for i := 0; i < 3; i++ {
		job, err := q.AcquireNext(ctx, "T1", "w1", 10)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if job == nil {
			t.Fatalf("acquire %d returned nil", i)
		}
		got = append(got, job.ID)
	}

	want := []string{"B", "A", "C"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("draw order = %v, want %v", got, want)
		}
	}
}

func TestTieBreakByJobID(t *testing.T) {
	q, _ := newTestQueue(time.Minute)
	ctx := context.Background()

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for _, id := range []string{"zzz", "aaa"} {
		if _, err := q.Enqueue(ctx, &Job{ID: id, TenantID: "T1", Priority: 1, CreatedAt: at}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	job, _ := q.AcquireNext(ctx, "T1", "w1", 10)
	if job.ID != "aaa" {
		t.Errorf("first draw = %s, want aaa (lexicographic tie-break)", job.ID)
	}
}

func TestEnqueuePosition(t *testing.T) {
	q, clk := newTestQueue(time.Minute)
	ctx := context.Background()

	pos, _ := q.Enqueue(ctx, &Job{ID: "A", TenantID: "T1", Priority: 10})
	if pos != 0 {
		t.Errorf("first position = %d, want 0", pos)
	}
	clk.Advance(time.Millisecond)

	pos, _ = q.Enqueue(ctx, &Job{ID: "B", TenantID: "T1", Priority: 5})
	if pos != 0 {
		t.Errorf("higher-priority position = %d, want 0", pos)
	}

	got, _ := q.Position(ctx, "A")
	if got != 1 {
		t.Errorf("A position after B = %d, want 1", got)
	}
}

func TestConcurrencyCap(t *testing.T) {
	q, clk := newTestQueue(time.Minute)
	ctx := context.Background()

	enqueue(t, q, clk, "T1", "J1", 0)
	enqueue(t, q, clk, "T1", "J2", 0)

	first, _ := q.AcquireNext(ctx, "T1", "w1", 1)
	if first == nil {
		t.Fatal("first acquire should succeed")
	}

	second, _ := q.AcquireNext(ctx, "T1", "w1", 1)
	if second != nil {
		t.Fatalf("second acquire = %s, want nil at cap", second.ID)
	}

	if ok, _ := q.Release(ctx, first.ID, StatusCompleted, nil); !ok {
		t.Fatal("release failed")
	}

	second, _ = q.AcquireNext(ctx, "T1", "w1", 1)
	if second == nil {
		t.Fatal("acquire after release should succeed")
	}
}

func TestLeaseExpiryRequeue(t *testing.T) {
	q, clk := newTestQueue(0)
	ctx := context.Background()

	enqueue(t, q, clk, "T1", "J", 0)

	job, _ := q.AcquireNext(ctx, "T1", "w1", 10)
	if job == nil || job.Status != StatusRunning {
		t.Fatal("acquire should return the running job")
	}

	clk.Advance(time.Nanosecond)
	count, err := q.RequeueExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if count != 1 {
		t.Fatalf("requeued = %d, want 1", count)
	}

	stats, _ := q.Stats(ctx, "T1")
	if stats.Queued != 1 {
		t.Errorf("queued = %d, want 1", stats.Queued)
	}

	j, _ := q.Get(ctx, "J")
	if j.Status != StatusQueued {
		t.Errorf("status = %s, want queued", j.Status)
	}
	if j.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", j.RetryCount)
	}
	if j.LeaseExpiresAt != nil {
		t.Error("lease should be cleared on requeue")
	}
}

func TestRequeueInsertsAtFront(t *testing.T) {
	q, clk := newTestQueue(0)
	ctx := context.Background()

	enqueue(t, q, clk, "T1", "OLD", 0)
	job, _ := q.AcquireNext(ctx, "T1", "w1", 10)
	if job.ID != "OLD" {
		t.Fatalf("acquired %s, want OLD", job.ID)
	}

	enqueue(t, q, clk, "T1", "NEW", 0)

	clk.Advance(time.Nanosecond)
	if _, err := q.RequeueExpiredLeases(ctx); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	// Recovery wins over new work.
	next, _ := q.AcquireNext(ctx, "T1", "w1", 10)
	if next.ID != "OLD" {
		t.Errorf("next draw = %s, want OLD at front of queue", next.ID)
	}
}

func TestReleaseFirstWins(t *testing.T) {
	q, clk := newTestQueue(time.Minute)
	ctx := context.Background()

	enqueue(t, q, clk, "T1", "J", 0)
	if _, err := q.AcquireNext(ctx, "T1", "w1", 10); err != nil {
		t.Fatal(err)
	}

	ok, _ := q.Release(ctx, "J", StatusCompleted, nil)
	if !ok {
		t.Fatal("first release failed")
	}

	// Re-release with a different terminal status is a no-op returning true.
	ok, _ = q.Release(ctx, "J", StatusFailed, nil)
	if !ok {
		t.Error("re-release should return true")
	}

	j, _ := q.Get(ctx, "J")
	if j.Status != StatusCompleted {
		t.Errorf("status = %s, want completed (first wins)", j.Status)
	}
	if j.LeaseExpiresAt != nil {
		t.Error("terminal job must have no lease")
	}
}

func TestReleaseUnknownJob(t *testing.T) {
	q, _ := newTestQueue(time.Minute)
	ok, _ := q.Release(context.Background(), "ghost", StatusCompleted, nil)
	if ok {
		t.Error("release of unknown job should return false")
	}
}

func TestCancelQueuedRemovesFromQueue(t *testing.T) {
	q, clk := newTestQueue(time.Minute)
	ctx := context.Background()

	enqueue(t, q, clk, "T1", "J", 0)

	ok, _ := q.Cancel(ctx, "J")
	if !ok {
		t.Fatal("cancel failed")
	}

	if job, _ := q.AcquireNext(ctx, "T1", "w1", 10); job != nil {
		t.Errorf("acquire returned cancelled job %s", job.ID)
	}

	j, _ := q.Get(ctx, "J")
	if j.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", j.Status)
	}
}

func TestRenewLease(t *testing.T) {
	q, clk := newTestQueue(time.Minute)
	ctx := context.Background()

	enqueue(t, q, clk, "T1", "J", 0)
	job, _ := q.AcquireNext(ctx, "T1", "w1", 10)
	firstLease := *job.LeaseExpiresAt

	clk.Advance(30 * time.Second)
	ok, _ := q.RenewLease(ctx, "J")
	if !ok {
		t.Fatal("renew failed for running job")
	}
	j, _ := q.Get(ctx, "J")
	if !j.LeaseExpiresAt.After(firstLease) {
		t.Error("lease was not extended")
	}

	q.Release(ctx, "J", StatusCompleted, nil)
	if ok, _ := q.RenewLease(ctx, "J"); ok {
		t.Error("renew after release should return false")
	}
}

func TestAcquireEmptyQueue(t *testing.T) {
	q, _ := newTestQueue(time.Minute)
	job, err := q.AcquireNext(context.Background(), "nobody", "w1", 10)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if job != nil {
		t.Error("empty queue should return nil without error")
	}
}

func TestStats(t *testing.T) {
	q, clk := newTestQueue(time.Minute)
	ctx := context.Background()

	enqueue(t, q, clk, "T1", "A", 0)
	enqueue(t, q, clk, "T1", "B", 0)
	if _, err := q.AcquireNext(ctx, "T1", "w1", 10); err != nil {
		t.Fatal(err)
	}
	clk.Advance(10 * time.Second)

	stats, _ := q.Stats(ctx, "T1")
	if stats.Queued != 1 || stats.Running != 1 {
		t.Errorf("stats = %+v, want 1 queued / 1 running", stats)
	}
	if stats.OldestAgeSeconds <= 0 {
		t.Errorf("oldest age = %f, want positive", stats.OldestAgeSeconds)
	}
	if len(stats.RunningIDs) != 1 || stats.RunningIDs[0] != "A" {
		t.Errorf("running ids = %v, want [A]", stats.RunningIDs)
	}
}

func TestTenantsListsQueuedWork(t *testing.T) {
	q, clk := newTestQueue(time.Minute)
	ctx := context.Background()

	enqueue(t, q, clk, "T2", "X", 0)
	enqueue(t, q, clk, "T1", "Y", 0)

	tenants, _ := q.Tenants(ctx)
	if len(tenants) != 2 || tenants[0] != "T1" || tenants[1] != "T2" {
		t.Errorf("tenants = %v, want [T1 T2]", tenants)
	}

	if _, err := q.AcquireNext(ctx, "T1", "w1", 10); err != nil {
		t.Fatal(err)
	}
	tenants, _ = q.Tenants(ctx)
	if len(tenants) != 1 || tenants[0] != "T2" {
		t.Errorf("tenants = %v, want [T2]", tenants)
	}
}
