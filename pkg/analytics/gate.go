// Package analytics serializes access to the shared embedded analytical
// store. The store's driver tolerates a single writer, so acquirers
// queue on an async lock and the queue depth is exported as a gauge for
// contention monitoring.
package analytics

import (
	"context"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Gate is the process-wide serialization queue for the analytical
// store. Acquire blocks until the holder releases or the context ends.
type Gate struct {
	slot    chan struct{}
	waiters atomic.Int64
	gauge   prometheus.Gauge // optional
}

// NewGate creates a gate with a single slot.
func NewGate(gauge prometheus.Gauge) *Gate {
	g := &Gate{
		slot:  make(chan struct{}, 1),
		gauge: gauge,
	}
	return g
}

// Acquire waits for the slot. The returned release function must be
// called exactly once.
func (g *Gate) Acquire(ctx context.Context) (release func(), err error) {
	n := g.waiters.Add(1)
	if g.gauge != nil {
		g.gauge.Set(float64(n))
	}
	defer func() {
		n := g.waiters.Add(-1)
		if g.gauge != nil {
			g.gauge.Set(float64(n))
		}
	}()

	select {
	case g.slot <- struct{}{}:
		var done atomic.Bool
		return func() {
			if done.CompareAndSwap(false, true) {
				<-g.slot
			}
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Waiters returns the number of goroutines currently queued on the gate.
func (g *Gate) Waiters() int64 {
	return g.waiters.Load()
}

// With runs fn while holding the gate.
func (g *Gate) With(ctx context.Context, fn func() error) error {
	release, err := g.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}
