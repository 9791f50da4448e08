package artifact

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/somatechlat/voyant/internal/clock"
	"github.com/somatechlat/voyant/pkg/plugin"
)

// Memory is the in-memory artifact store for tests and single-node builds.
type Memory struct {
	mu   sync.Mutex
	clk  clock.Clock
	refs map[string]Reference // artifact_id -> reference
}

// NewMemory creates an in-memory artifact store.
func NewMemory(clk clock.Clock) *Memory {
	return &Memory{clk: clk, refs: make(map[string]Reference)}
}

func (m *Memory) Link(_ context.Context, ref Reference) error {
	if !plugin.ValidArtifactKey(ref.Kind) {
		return ErrInvalidKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = m.clk.Now()
	}
	if ref.ID == "" {
		ref.ID = clock.NewID()
	}
	m.refs[ref.ID] = ref
	return nil
}

func (m *Memory) ListByJob(_ context.Context, jobID string) ([]Reference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Reference
	for _, ref := range m.refs {
		if ref.JobID == jobID {
			out = append(out, ref)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) PruneOlderThan(_ context.Context, cutoff time.Time) ([]Reference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pruned []Reference
	for id, ref := range m.refs {
		if ref.CreatedAt.Before(cutoff) {
			pruned = append(pruned, ref)
			delete(m.refs, id)
		}
	}
	return pruned, nil
}
