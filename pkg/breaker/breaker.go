// Package breaker guards external-service calls with a three-state
// circuit breaker per named service.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/somatechlat/voyant/internal/clock"
	"github.com/somatechlat/voyant/pkg/fault"
)

// State of a circuit breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned when a call is rejected because the breaker is
// open. It carries the CircuitOpen fault kind: not retryable for the
// caller, though the surrounding workflow may retry at a coarser level.
var ErrOpen = &fault.Error{Kind: fault.KindCircuitOpen, Code: "circuit_open", Message: "circuit breaker is open"}

// Config for one breaker.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	Timeout          time.Duration // time in open before probing
	SuccessThreshold int           // successes in half-open to close
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Timeout:          60 * time.Second,
		SuccessThreshold: 2,
	}
}

// Transition is one recorded state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// transitionRingSize bounds the retained transition history.
const transitionRingSize = 10

// Snapshot is the observable state of a breaker.
type Snapshot struct {
	Name          string       `json:"name"`
	State         State        `json:"state"`
	FailureCount  int          `json:"failure_count"`
	SuccessCount  int          `json:"success_count"`
	OpenedAt      *time.Time   `json:"opened_at,omitempty"`
	LastFailureAt *time.Time   `json:"last_failure_at,omitempty"`
	Transitions   []Transition `json:"transitions"`
}

// Breaker is a three-state circuit breaker. The per-breaker lock is
// held only for state transitions; the guarded call runs outside it.
type Breaker struct {
	name   string
	cfg    Config
	clk    clock.Clock
	logger *slog.Logger

	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	trialInFlight bool
	openedAt      time.Time
	lastFailureAt time.Time
	transitions   []Transition

	onTransition func(name string, to State)
}

// New creates a breaker in the closed state.
func New(name string, cfg Config, clk clock.Clock, logger *slog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		clk:    clk,
		logger: logger,
		state:  StateClosed,
	}
}

// Call executes fn under breaker protection. When the breaker is open
// the call fails immediately with ErrOpen. In half-open a single trial
// call passes through; every other caller is rejected until that trial
// resolves. The underlying call runs outside the critical section.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	isTrial := false
	b.mu.Lock()
	switch b.currentStateLocked() {
	case StateOpen:
		b.mu.Unlock()
		return ErrOpen
	case StateHalfOpen:
		if b.trialInFlight {
			b.mu.Unlock()
			return ErrOpen
		}
		b.trialInFlight = true
		isTrial = true
	}
	b.mu.Unlock()

	err := fn(ctx)
	if err != nil && !errors.Is(err, ErrOpen) {
		b.onFailure(isTrial)
		return err
	}
	b.onSuccess(isTrial)
	return err
}

// State returns the current state, applying the open-timeout check.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked()
}

// currentStateLocked applies the open → half_open timeout transition.
// Callers must hold mu.
func (b *Breaker) currentStateLocked() State {
	if b.state == StateOpen && b.clk.Now().Sub(b.openedAt) >= b.cfg.Timeout {
		b.transitionLocked(StateHalfOpen)
		b.successCount = 0
	}
	return b.state
}

func (b *Breaker) onSuccess(isTrial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if isTrial {
		b.trialInFlight = false
	}
	switch b.state {
	case StateHalfOpen:
		// Only the trial outcome counts; calls admitted before the
		// state flipped do not advance the probe.
		if !isTrial {
			return
		}
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed)
			b.failureCount = 0
			b.successCount = 0
		}
	case StateClosed:
		b.failureCount = 0
	}
}

func (b *Breaker) onFailure(isTrial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if isTrial {
		b.trialInFlight = false
	}
	b.lastFailureAt = b.clk.Now()
	switch b.state {
	case StateHalfOpen:
		if !isTrial {
			return
		}
		b.transitionLocked(StateOpen)
		b.openedAt = b.clk.Now()
		b.successCount = 0
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
			b.openedAt = b.clk.Now()
		}
	}
}

// Reset manually returns the breaker to closed with cleared counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.transitionLocked(StateClosed)
	}
	b.failureCount = 0
	b.successCount = 0
	b.trialInFlight = false
	b.openedAt = time.Time{}
}

// transitionLocked records a state change. Callers must hold mu.
func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.transitions = append(b.transitions, Transition{From: from, To: to, At: b.clk.Now()})
	if len(b.transitions) > transitionRingSize {
		b.transitions = b.transitions[len(b.transitions)-transitionRingSize:]
	}
	b.logger.Warn("circuit breaker state change",
		"breaker", b.name, "from", from, "to", to)
	if b.onTransition != nil {
		b.onTransition(b.name, to)
	}
}

// Snapshot returns the breaker's observable state for monitoring.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Name:         b.name,
		State:        b.currentStateLocked(),
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
	}
	if !b.openedAt.IsZero() {
		t := b.openedAt
		s.OpenedAt = &t
	}
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		s.LastFailureAt = &t
	}
	s.Transitions = append(s.Transitions, b.transitions...)
	return s
}
