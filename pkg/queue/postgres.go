package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/somatechlat/voyant/internal/clock"
)

// Postgres is the durable queue implementation over the jobs table.
// Leases survive process restart; acquisition uses row locks with
// SKIP LOCKED so concurrent workers never hand out the same job.
//
// Front-of-queue requeue is expressed through the requeued flag: draw
// order is (requeued DESC, priority ASC, created_at ASC, id ASC), so
// recovered jobs win over new work while fresh jobs keep the
// priority-then-age rule.
type Postgres struct {
	pool     *pgxpool.Pool
	clk      clock.Clock
	leaseTTL time.Duration
}

// NewPostgres creates a Postgres-backed queue.
func NewPostgres(pool *pgxpool.Pool, clk clock.Clock, leaseTTL time.Duration) *Postgres {
	return &Postgres{pool: pool, clk: clk, leaseTTL: leaseTTL}
}

const jobColumns = `id, tenant_id, type, priority, status, created_at,
	lease_expires_at, worker_id, retry_count, parameters, result_summary,
	error_kind, error_code, error_message`

func scanJob(row pgx.Row) (*Job, error) {
	var (
		j          Job
		lease      *time.Time
		workerID   *string
		params     []byte
		summary    []byte
		errKind    *string
		errCode    *string
		errMessage *string
	)
	err := row.Scan(&j.ID, &j.TenantID, &j.Type, &j.Priority, &j.Status,
		&j.CreatedAt, &lease, &workerID, &j.RetryCount, &params, &summary,
		&errKind, &errCode, &errMessage)
	if err != nil {
		return nil, err
	}
	j.LeaseExpiresAt = lease
	if workerID != nil {
		j.WorkerID = *workerID
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &j.Parameters); err != nil {
			return nil, fmt.Errorf("decoding job parameters: %w", err)
		}
	}
	if len(summary) > 0 {
		if err := json.Unmarshal(summary, &j.ResultSummary); err != nil {
			return nil, fmt.Errorf("decoding result summary: %w", err)
		}
	}
	if errKind != nil {
		j.ErrorKind = *errKind
	}
	if errCode != nil {
		j.ErrorCode = *errCode
	}
	if errMessage != nil {
		j.ErrorMessage = *errMessage
	}
	return &j, nil
}

func (p *Postgres) Enqueue(ctx context.Context, job *Job) (int, error) {
	params, err := json.Marshal(job.Parameters)
	if err != nil {
		return 0, fmt.Errorf("encoding job parameters: %w", err)
	}

	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = p.clk.Now()
	}

	var position int
	err = pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO jobs (id, tenant_id, type, priority, status, created_at, retry_count, parameters, requeued)
			VALUES ($1, $2, $3, $4, 'queued', $5, 0, $6, false)`,
			job.ID, job.TenantID, job.Type, job.Priority, createdAt, params,
		); err != nil {
			return fmt.Errorf("inserting job: %w", err)
		}

		return tx.QueryRow(ctx, `
			SELECT count(*) FROM jobs
			WHERE tenant_id = $1 AND status = 'queued'
			  AND (NOT requeued, priority, created_at, id) < (true, $2, $3::timestamptz, $4)`,
			job.TenantID, job.Priority, createdAt, job.ID,
		).Scan(&position)
	})
	if err != nil {
		return 0, err
	}
	return position, nil
}

func (p *Postgres) AcquireNext(ctx context.Context, tenantID, workerID string, maxConcurrent int) (*Job, error) {
	var acquired *Job
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var running int
		if err := tx.QueryRow(ctx,
			`SELECT count(*) FROM jobs WHERE tenant_id = $1 AND status = 'running'`,
			tenantID,
		).Scan(&running); err != nil {
			return fmt.Errorf("counting running jobs: %w", err)
		}
		if running >= maxConcurrent {
			return nil
		}

		var id string
		err := tx.QueryRow(ctx, `
			SELECT id FROM jobs
			WHERE tenant_id = $1 AND status = 'queued'
			ORDER BY requeued DESC, priority ASC, created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`,
			tenantID,
		).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("selecting next job: %w", err)
		}

		lease := p.clk.Now().Add(p.leaseTTL)
		row := tx.QueryRow(ctx, fmt.Sprintf(`
			UPDATE jobs
			SET status = 'running', worker_id = $2, lease_expires_at = $3
			WHERE id = $1
			RETURNING %s`, jobColumns),
			id, workerID, lease,
		)
		job, err := scanJob(row)
		if err != nil {
			return fmt.Errorf("acquiring job %s: %w", id, err)
		}
		acquired = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acquired, nil
}

func (p *Postgres) RenewLease(ctx context.Context, jobID string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE jobs SET lease_expires_at = $2
		WHERE id = $1 AND status = 'running'`,
		jobID, p.clk.Now().Add(p.leaseTTL),
	)
	if err != nil {
		return false, fmt.Errorf("renewing lease for %s: %w", jobID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) Release(ctx context.Context, jobID string, status Status, result *Result) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("release with non-terminal status %q", status)
	}

	var summary []byte
	var errKind, errCode, errMessage *string
	if result != nil {
		var err error
		if result.Summary != nil {
			if summary, err = json.Marshal(result.Summary); err != nil {
				return false, fmt.Errorf("encoding result summary: %w", err)
			}
		}
		if result.ErrorKind != "" {
			errKind, errCode, errMessage = &result.ErrorKind, &result.ErrorCode, &result.ErrorMessage
		}
	}

	var released bool
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var current Status
		err := tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("locking job %s: %w", jobID, err)
		}
		if current.Terminal() {
			// First terminal status wins; re-release is a no-op.
			released = true
			return nil
		}

		if _, err := tx.Exec(ctx, `
			UPDATE jobs
			SET status = $2, lease_expires_at = NULL, worker_id = NULL,
			    result_summary = COALESCE($3, result_summary),
			    error_kind = $4, error_code = $5, error_message = $6
			WHERE id = $1`,
			jobID, status, summary, errKind, errCode, errMessage,
		); err != nil {
			return fmt.Errorf("releasing job %s: %w", jobID, err)
		}
		released = true
		return nil
	})
	return released, err
}

func (p *Postgres) RequeueExpiredLeases(ctx context.Context) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'queued', worker_id = NULL, lease_expires_at = NULL,
		    retry_count = retry_count + 1, requeued = true
		WHERE status = 'running' AND lease_expires_at < $1`,
		p.clk.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeueing expired leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) Cancel(ctx context.Context, jobID string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'cancelled', lease_expires_at = NULL, worker_id = NULL
		WHERE id = $1 AND status IN ('queued', 'running')`,
		jobID,
	)
	if err != nil {
		return false, fmt.Errorf("cancelling job %s: %w", jobID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) Get(ctx context.Context, jobID string) (*Job, error) {
	row := p.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM jobs WHERE id = $1`, jobColumns), jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", jobID, err)
	}
	return job, nil
}

func (p *Postgres) Position(ctx context.Context, jobID string) (int, error) {
	job, err := p.Get(ctx, jobID)
	if err != nil {
		return -1, err
	}
	if job.Status != StatusQueued {
		return -1, nil
	}

	var position int
	err = p.pool.QueryRow(ctx, `
		WITH target AS (
			SELECT tenant_id, requeued, priority, created_at, id FROM jobs WHERE id = $1
		)
		SELECT count(*) FROM jobs j, target t
		WHERE j.tenant_id = t.tenant_id AND j.status = 'queued'
		  AND (NOT j.requeued, j.priority, j.created_at, j.id)
		    < (NOT t.requeued, t.priority, t.created_at, t.id)`,
		jobID,
	).Scan(&position)
	if err != nil {
		return -1, fmt.Errorf("computing queue position: %w", err)
	}
	return position, nil
}

func (p *Postgres) Stats(ctx context.Context, tenantID string) (Stats, error) {
	s := Stats{TenantID: tenantID}

	var oldest *time.Time
	err := p.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'queued'),
			count(*) FILTER (WHERE status = 'running'),
			min(created_at) FILTER (WHERE status = 'queued')
		FROM jobs WHERE tenant_id = $1`,
		tenantID,
	).Scan(&s.Queued, &s.Running, &oldest)
	if err != nil {
		return s, fmt.Errorf("reading queue stats: %w", err)
	}
	if oldest != nil {
		s.OldestAgeSeconds = p.clk.Now().Sub(*oldest).Seconds()
	}

	rows, err := p.pool.Query(ctx,
		`SELECT id FROM jobs WHERE tenant_id = $1 AND status = 'running' ORDER BY id`,
		tenantID,
	)
	if err != nil {
		return s, fmt.Errorf("listing running jobs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return s, err
		}
		s.RunningIDs = append(s.RunningIDs, id)
	}
	return s, rows.Err()
}

func (p *Postgres) Tenants(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT DISTINCT tenant_id FROM jobs WHERE status = 'queued' ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("listing tenants with queued work: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}
