package scheduler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/somatechlat/voyant/internal/clock"
	"github.com/somatechlat/voyant/pkg/artifact"
	"github.com/somatechlat/voyant/pkg/queue"
	"github.com/somatechlat/voyant/pkg/quota"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTickRequeuesExpiredLeases(t *testing.T) {
	clk := clock.NewFrozen(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	q := queue.NewMemory(clk, time.Minute)
	quotas := quota.NewManager(clk)
	artifacts := artifact.NewMemory(clk)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, &queue.Job{ID: "J", TenantID: "t1", Type: queue.TypeAnalyze}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.AcquireNext(ctx, "t1", "w1", 10); err != nil {
		t.Fatal(err)
	}

	s := New(clk, testLogger(), q, artifacts, quotas, nil, time.Minute, 30*24*time.Hour, Metrics{})

	// Before expiry nothing moves.
	s.Tick(ctx)
	j, _ := q.Get(ctx, "J")
	if j.Status != queue.StatusRunning {
		t.Fatalf("status = %s, want running before expiry", j.Status)
	}

	clk.Advance(2 * time.Minute)
	s.Tick(ctx)

	j, _ = q.Get(ctx, "J")
	if j.Status != queue.StatusQueued {
		t.Errorf("status = %s, want queued after expiry tick", j.Status)
	}
	if j.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", j.RetryCount)
	}
}

func TestTickPrunesOldArtifactsAndReleasesQuota(t *testing.T) {
	clk := clock.NewFrozen(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	q := queue.NewMemory(clk, time.Minute)
	quotas := quota.NewManager(clk)
	artifacts := artifact.NewMemory(clk)
	ctx := context.Background()

	quotas.RecordArtifactBytes("t1", 500)
	if err := artifacts.Link(ctx, artifact.Reference{
		JobID: "j1", TenantID: "t1", Kind: "profile.json", URI: "u", SizeBytes: 500,
	}); err != nil {
		t.Fatal(err)
	}

	s := New(clk, testLogger(), q, artifacts, quotas, nil, time.Minute, 24*time.Hour, Metrics{})

	clk.Advance(48 * time.Hour)
	s.Tick(ctx)

	if refs, _ := artifacts.ListByJob(ctx, "j1"); len(refs) != 0 {
		t.Error("expired artifact not pruned")
	}
	if usage := quotas.UsageOf("t1"); usage.ArtifactBytes != 0 {
		t.Errorf("artifact_bytes = %d, want 0 after prune", usage.ArtifactBytes)
	}
}

type countingRefresher struct{ calls int }

func (c *countingRefresher) RefreshBaselines(context.Context) error {
	c.calls++
	return nil
}

func TestBaselineRefreshHook(t *testing.T) {
	clk := clock.NewFrozen(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	q := queue.NewMemory(clk, time.Minute)
	refresher := &countingRefresher{}

	s := New(clk, testLogger(), q, artifact.NewMemory(clk), quota.NewManager(clk),
		refresher, time.Minute, time.Hour, Metrics{})

	s.refreshBaselines(context.Background())
	if refresher.calls != 1 {
		t.Errorf("refresh calls = %d, want 1", refresher.calls)
	}
}
