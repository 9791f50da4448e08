// Package clock provides the time source and ID minting used across the
// execution core, so tests can freeze both.
package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock is the time source for lease expiry, day rollover, and backoff.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// NewID mints a globally unique identifier for jobs, events, and
// artifacts.
func NewID() string {
	return uuid.NewString()
}

// Frozen is a manually advanced clock for tests.
type Frozen struct {
	mu  sync.Mutex
	now time.Time
}

// NewFrozen creates a frozen clock starting at t.
func NewFrozen(t time.Time) *Frozen {
	return &Frozen{now: t.UTC()}
}

func (f *Frozen) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the frozen clock forward by d.
func (f *Frozen) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set pins the frozen clock to t.
func (f *Frozen) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}
