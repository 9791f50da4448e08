// Package artifact stores references to the immutable outputs produced
// by the generator pipeline.
package artifact

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidKey is returned when a reference's kind falls outside the
// canonical artifact taxonomy.
var ErrInvalidKey = errors.New("artifact key outside canonical taxonomy")

// Reference points at one stored artifact. Immutable once created; the
// URI is an opaque string resolvable by the artifact-store collaborator.
type Reference struct {
	ID        string    `json:"artifact_id"`
	JobID     string    `json:"job_id"`
	TenantID  string    `json:"tenant_id"`
	Kind      string    `json:"kind"` // canonical key, e.g. "profile.json"
	Format    string    `json:"format"`
	URI       string    `json:"uri"`
	SizeBytes int64     `json:"size_bytes"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists artifact references.
type Store interface {
	// Link records a new artifact reference. The kind must match the
	// canonical taxonomy.
	Link(ctx context.Context, ref Reference) error

	// ListByJob returns a job's artifacts ordered by creation time.
	ListByJob(ctx context.Context, jobID string) ([]Reference, error)

	// PruneOlderThan removes references created before the cutoff and
	// returns them so callers can release quota bytes.
	PruneOlderThan(ctx context.Context, cutoff time.Time) ([]Reference, error)
}
