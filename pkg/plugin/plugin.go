// Package plugin holds the generator/analyzer registry and the ordered
// pipelines that execute them. Core plugins fail fast; extended plugin
// failures are isolated.
package plugin

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Category groups plugins by what they produce.
type Category string

const (
	CategoryVisualization Category = "visualization"
	CategoryReport        Category = "report"
	CategorySecurity      Category = "security"
	CategoryStatistics    Category = "statistics"
	CategoryQuality       Category = "quality"
)

// Context is the input handed to every generator and analyzer.
type Context struct {
	JobID    string
	TenantID string
	SourceID string
	Table    string
	Tables   []string
	Profile  map[string]any
	KPIs     []map[string]any
	Data     map[string]any
}

// Settings carries the feature flags that gate plugin execution.
type Settings struct {
	Flags map[string]bool
}

// FlagEnabled reports whether a named feature flag is on. Unset flags
// default to enabled so new plugins are opt-out.
func (s Settings) FlagEnabled(name string) bool {
	if s.Flags == nil {
		return true
	}
	v, ok := s.Flags[name]
	if !ok {
		return true
	}
	return v
}

// GenerateFunc produces artifacts: a map of canonical artifact key to URI.
type GenerateFunc func(ctx context.Context, pc Context) (map[string]string, error)

// AnalyzeFunc produces named analysis results.
type AnalyzeFunc func(ctx context.Context, pc Context) (map[string]any, error)

// Descriptor describes one registered plugin. Registered once at
// process start; immutable thereafter.
type Descriptor struct {
	Name        string
	Category    Category
	Version     string
	IsCore      bool
	Order       int // lower runs first
	FeatureFlag string
	Generate    GenerateFunc
	Analyze     AnalyzeFunc
}

// Registry stores plugin descriptors. Lookup is O(1) by name; ordered
// iteration sorts by (order, name).
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Descriptor
	ordered []*Descriptor
	sealed  bool
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Descriptor)}
}

// Register adds a plugin descriptor. Registration is idempotent by
// name: registering the identical descriptor again is a no-op, while a
// name collision with a different descriptor fails.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("plugin name is required")
	}
	if d.Generate == nil && d.Analyze == nil {
		return fmt.Errorf("plugin %q must provide a generate or analyze function", d.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("plugin registry is sealed; register before serving the queue")
	}
	if existing, ok := r.byName[d.Name]; ok {
		if existing.Order == d.Order && existing.IsCore == d.IsCore && existing.Category == d.Category &&
			reflect.ValueOf(existing.Generate).Pointer() == reflect.ValueOf(d.Generate).Pointer() &&
			reflect.ValueOf(existing.Analyze).Pointer() == reflect.ValueOf(d.Analyze).Pointer() {
			return nil
		}
		return fmt.Errorf("duplicate plugin %q with conflicting descriptor", d.Name)
	}

	copied := d
	r.byName[d.Name] = &copied
	r.ordered = append(r.ordered, &copied)
	sort.SliceStable(r.ordered, func(i, j int) bool {
		if r.ordered[i].Order != r.ordered[j].Order {
			return r.ordered[i].Order < r.ordered[j].Order
		}
		return r.ordered[i].Name < r.ordered[j].Name
	})
	return nil
}

// Seal freezes the registry. Called once startup registration is done;
// updates are forbidden while the scheduler loop is running.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Get returns a descriptor by name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// Generators returns registered generators in execution order.
func (r *Registry) Generators() []*Descriptor {
	return r.filter(func(d *Descriptor) bool { return d.Generate != nil })
}

// Analyzers returns registered analyzers in execution order.
func (r *Registry) Analyzers() []*Descriptor {
	return r.filter(func(d *Descriptor) bool { return d.Analyze != nil })
}

func (r *Registry) filter(keep func(*Descriptor) bool) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.ordered))
	for _, d := range r.ordered {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}
