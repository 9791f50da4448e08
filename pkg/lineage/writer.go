// Package lineage records data-lineage edges produced by workflow runs.
package lineage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/somatechlat/voyant/pkg/events"
)

// Edge is one lineage relation: a job consumed `From` and produced `To`.
type Edge struct {
	From     string
	To       string
	EdgeType string // e.g. "derived_from", "profiled", "ingested"
	JobID    string
	TenantID string
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// Writer is an async, buffered lineage writer. Edges are sent to an
// internal channel, flushed to the lineage_edges table in batches, and
// mirrored onto the event bus as lineage.edge events. Recording never
// blocks a workflow; when the buffer is full the edge is dropped with a
// warning.
type Writer struct {
	pool   *pgxpool.Pool // nil disables persistence (tests, single-node)
	bus    *events.Bus
	logger *slog.Logger
	edges  chan Edge
	wg     sync.WaitGroup
}

// NewWriter creates a lineage Writer. Call Start to begin processing.
func NewWriter(pool *pgxpool.Pool, bus *events.Bus, logger *slog.Logger) *Writer {
	return &Writer{
		pool:   pool,
		bus:    bus,
		logger: logger,
		edges:  make(chan Edge, bufferSize),
	}
}

// Start begins the background goroutine that flushes edges.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending edges to be flushed.
func (w *Writer) Close() {
	close(w.edges)
	w.wg.Wait()
}

// Record enqueues a lineage edge for async writing.
func (w *Writer) Record(edge Edge) {
	select {
	case w.edges <- edge:
	default:
		w.logger.Warn("lineage buffer full, dropping edge",
			"from", edge.From, "to", edge.To, "job_id", edge.JobID)
	}
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Edge, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case edge, ok := <-w.edges:
			if !ok {
				flush()
				return
			}
			batch = append(batch, edge)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			// Drain any remaining edges.
			for {
				select {
				case edge, ok := <-w.edges:
					if !ok {
						flush()
						return
					}
					batch = append(batch, edge)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) flush(batch []Edge) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, edge := range batch {
		if w.pool != nil {
			if _, err := w.pool.Exec(ctx, `
				INSERT INTO lineage_edges (from_node, to_node, edge_type, job_id, tenant_id)
				VALUES ($1, $2, $3, $4, $5)`,
				edge.From, edge.To, edge.EdgeType, edge.JobID, edge.TenantID,
			); err != nil {
				w.logger.Error("writing lineage edge", "error", err,
					"from", edge.From, "to", edge.To)
				continue
			}
		}

		w.bus.Emit(ctx, events.TopicLineage, events.Event{
			Type:     events.TypeLineageEdge,
			TenantID: edge.TenantID,
			Payload: map[string]any{
				"from":      edge.From,
				"to":        edge.To,
				"edge_type": edge.EdgeType,
				"job_id":    edge.JobID,
			},
		})
	}
}
