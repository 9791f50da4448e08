// Package schemaver tracks the schema history of external data sources.
// The core stores versions and hands drift computation to a collaborator.
package schemaver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/somatechlat/voyant/pkg/events"
)

// Version is one recorded schema snapshot for a source.
type Version struct {
	SourceID    string          `json:"source_id"`
	Version     int             `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
	Changes     json.RawMessage `json:"changes_from_previous,omitempty"`
}

// DriftDiffer computes the change set between two schema snapshots.
// The core does not interpret schema blobs itself.
type DriftDiffer interface {
	Diff(ctx context.Context, previous, current json.RawMessage) (json.RawMessage, error)
}

// Store persists source schema versions.
type Store struct {
	pool   *pgxpool.Pool
	differ DriftDiffer
	bus    *events.Bus
}

// NewStore creates a schema-version store. differ may be nil, in which
// case versions are recorded without a change set.
func NewStore(pool *pgxpool.Pool, differ DriftDiffer, bus *events.Bus) *Store {
	return &Store{pool: pool, differ: differ, bus: bus}
}

// RecordVersion stores a new schema snapshot for a source, computing
// the diff from the previous version and emitting a schema.drift event
// when the schema changed.
func (s *Store) RecordVersion(ctx context.Context, tenantID, sourceID, description string, schema json.RawMessage) (*Version, error) {
	prev, err := s.Latest(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	v := &Version{
		SourceID:    sourceID,
		Version:     1,
		Description: description,
		Schema:      schema,
	}
	if prev != nil {
		v.Version = prev.Version + 1
		if s.differ != nil {
			changes, err := s.differ.Diff(ctx, prev.Schema, schema)
			if err != nil {
				return nil, fmt.Errorf("computing schema drift for %s: %w", sourceID, err)
			}
			v.Changes = changes
		}
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO schema_versions (source_id, version, description, schema_blob, changes_from_previous_blob)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		v.SourceID, v.Version, v.Description, []byte(v.Schema), nullable(v.Changes),
	).Scan(&v.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("recording schema version for %s: %w", sourceID, err)
	}

	if prev != nil && len(v.Changes) > 0 && s.bus != nil {
		var changes map[string]any
		_ = json.Unmarshal(v.Changes, &changes)
		s.bus.Emit(ctx, events.TopicLineage, events.Event{
			Type:     events.TypeSchemaDrift,
			TenantID: tenantID,
			Payload: map[string]any{
				"source_id": sourceID,
				"version":   v.Version,
				"changes":   changes,
			},
		})
	}
	return v, nil
}

// Latest returns the most recent schema version for a source, or nil.
func (s *Store) Latest(ctx context.Context, sourceID string) (*Version, error) {
	var v Version
	var changes []byte
	err := s.pool.QueryRow(ctx, `
		SELECT source_id, version, created_at, description, schema_blob, changes_from_previous_blob
		FROM schema_versions
		WHERE source_id = $1
		ORDER BY version DESC
		LIMIT 1`,
		sourceID,
	).Scan(&v.SourceID, &v.Version, &v.CreatedAt, &v.Description, (*[]byte)(&v.Schema), &changes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading latest schema version for %s: %w", sourceID, err)
	}
	v.Changes = changes
	return &v, nil
}

// History returns a source's schema versions, newest first.
func (s *Store) History(ctx context.Context, sourceID string, limit int) ([]Version, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT source_id, version, created_at, description, schema_blob, changes_from_previous_blob
		FROM schema_versions
		WHERE source_id = $1
		ORDER BY version DESC
		LIMIT $2`,
		sourceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing schema versions for %s: %w", sourceID, err)
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		var v Version
		var changes []byte
		if err := rows.Scan(&v.SourceID, &v.Version, &v.CreatedAt, &v.Description,
			(*[]byte)(&v.Schema), &changes); err != nil {
			return nil, err
		}
		v.Changes = changes
		out = append(out, v)
	}
	return out, rows.Err()
}

func nullable(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
