package breaker

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/somatechlat/voyant/internal/clock"
)

// Metrics holds the optional gauges the registry maintains.
type Metrics struct {
	State       *prometheus.GaugeVec   // by service: 0 closed, 1 open, 2 half-open
	Transitions *prometheus.CounterVec // by service, to-state
}

// Registry is the named-breaker store. Get-or-create per service name.
type Registry struct {
	mu       sync.Mutex
	clk      clock.Clock
	logger   *slog.Logger
	metrics  Metrics
	def      Config
	breakers map[string]*Breaker
}

// NewRegistry creates a breaker registry with a default config applied
// to breakers created without an explicit one.
func NewRegistry(def Config, clk clock.Clock, logger *slog.Logger, metrics Metrics) *Registry {
	return &Registry{
		clk:      clk,
		logger:   logger,
		metrics:  metrics,
		def:      def,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a service, creating it with the default
// config on first use.
func (r *Registry) Get(name string) *Breaker {
	return r.GetWithConfig(name, r.def)
}

// GetWithConfig returns the breaker for a service, creating it with cfg
// on first use. An existing breaker's config is not changed.
func (r *Registry) GetWithConfig(name string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = New(name, cfg, r.clk, r.logger)
		b.onTransition = r.recordTransition
		r.breakers[name] = b
		r.recordTransition(name, StateClosed)
	}
	return b
}

// Snapshots returns the observable state of every breaker, sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for n := range r.breakers {
		names = append(names, n)
	}
	breakers := make([]*Breaker, 0, len(names))
	sort.Strings(names)
	for _, n := range names {
		breakers = append(breakers, r.breakers[n])
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	return out
}

// ResetAll manually resets every breaker. For operators and tests.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	for _, b := range breakers {
		b.Reset()
	}
}

func (r *Registry) recordTransition(name string, to State) {
	if r.metrics.State != nil {
		var v float64
		switch to {
		case StateOpen:
			v = 1
		case StateHalfOpen:
			v = 2
		}
		r.metrics.State.WithLabelValues(name).Set(v)
	}
	if r.metrics.Transitions != nil {
		r.metrics.Transitions.WithLabelValues(name, string(to)).Inc()
	}
}
