package artifact

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/somatechlat/voyant/internal/clock"
	"github.com/somatechlat/voyant/pkg/plugin"
)

// Postgres is the durable artifact store over the artifacts table.
type Postgres struct {
	pool *pgxpool.Pool
	clk  clock.Clock
}

// NewPostgres creates a Postgres-backed artifact store.
func NewPostgres(pool *pgxpool.Pool, clk clock.Clock) *Postgres {
	return &Postgres{pool: pool, clk: clk}
}

func (p *Postgres) Link(ctx context.Context, ref Reference) error {
	if !plugin.ValidArtifactKey(ref.Kind) {
		return ErrInvalidKey
	}
	if ref.ID == "" {
		ref.ID = clock.NewID()
	}
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = p.clk.Now()
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO artifacts (id, job_id, tenant_id, kind, format, uri, size_bytes, checksum, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ref.ID, ref.JobID, ref.TenantID, ref.Kind, ref.Format, ref.URI,
		ref.SizeBytes, ref.Checksum, ref.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("linking artifact %s: %w", ref.Kind, err)
	}
	return nil
}

func (p *Postgres) ListByJob(ctx context.Context, jobID string) ([]Reference, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, job_id, tenant_id, kind, format, uri, size_bytes, checksum, created_at
		FROM artifacts WHERE job_id = $1
		ORDER BY created_at, id`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing artifacts for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []Reference
	for rows.Next() {
		var ref Reference
		if err := rows.Scan(&ref.ID, &ref.JobID, &ref.TenantID, &ref.Kind,
			&ref.Format, &ref.URI, &ref.SizeBytes, &ref.Checksum, &ref.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (p *Postgres) PruneOlderThan(ctx context.Context, cutoff time.Time) ([]Reference, error) {
	rows, err := p.pool.Query(ctx, `
		DELETE FROM artifacts WHERE created_at < $1
		RETURNING id, job_id, tenant_id, kind, format, uri, size_bytes, checksum, created_at`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("pruning artifacts: %w", err)
	}
	defer rows.Close()

	var pruned []Reference
	for rows.Next() {
		var ref Reference
		if err := rows.Scan(&ref.ID, &ref.JobID, &ref.TenantID, &ref.Kind,
			&ref.Format, &ref.URI, &ref.SizeBytes, &ref.Checksum, &ref.CreatedAt); err != nil {
			return nil, err
		}
		pruned = append(pruned, ref)
	}
	return pruned, rows.Err()
}
