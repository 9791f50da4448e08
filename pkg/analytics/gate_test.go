package analytics

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGateSerializesAccess(t *testing.T) {
	g := NewGate(nil)

	var inside atomic.Int32
	var maxInside atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.With(context.Background(), func() error {
				n := inside.Add(1)
				if n > maxInside.Load() {
					maxInside.Store(n)
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("With: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInside.Load() != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxInside.Load())
	}
	if g.Waiters() != 0 {
		t.Errorf("waiters = %d after drain, want 0", g.Waiters())
	}
}

func TestGateAcquireRespectsContext(t *testing.T) {
	g := NewGate(nil)

	release, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.Acquire(ctx); err == nil {
		t.Error("second acquire should fail when the context expires")
	}

	release()
	release() // double release is a no-op

	release2, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
}
