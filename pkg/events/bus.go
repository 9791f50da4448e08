package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/somatechlat/voyant/internal/clock"
)

// Event is one immutable lifecycle event.
type Event struct {
	Type      string         `json:"event_type"`
	ID        string         `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	TenantID  string         `json:"tenant_id"`
	Payload   map[string]any `json:"payload"`
}

// Publisher delivers a serialized event to a durable topic. The bus
// retries around it; implementations should not retry internally.
type Publisher interface {
	Publish(ctx context.Context, topic string, partitionKey string, body []byte) error
}

const (
	// ringSize is the number of recent events kept for the debug endpoint.
	ringSize = 100
	// publishAttempts bounds retries before an event is dropped.
	publishAttempts = 3
)

// BusMetrics holds the optional counters the bus records into.
type BusMetrics struct {
	Emitted *prometheus.CounterVec // by event type
	Dropped *prometheus.CounterVec // by reason
}

// Bus validates events against the schema registry and delivers them
// at-least-once: publish failures are retried a bounded number of
// times, then dropped with a metric so workflow progress is never
// blocked indefinitely by a topic outage.
type Bus struct {
	registry  *SchemaRegistry
	publisher Publisher // nil disables topic delivery (tests, single-node)
	clk       clock.Clock
	logger    *slog.Logger
	metrics   BusMetrics

	mu   sync.Mutex
	ring []Event
	next int
	size int
}

// NewBus creates an event bus. publisher may be nil.
func NewBus(registry *SchemaRegistry, publisher Publisher, clk clock.Clock, logger *slog.Logger, metrics BusMetrics) *Bus {
	return &Bus{
		registry:  registry,
		publisher: publisher,
		clk:       clk,
		logger:    logger,
		metrics:   metrics,
		ring:      make([]Event, ringSize),
	}
}

// Emit validates the event payload and publishes it to the topic. An
// invalid payload returns false and publishes nothing. Consumers see
// at-least-once delivery; event IDs are globally unique so they can
// deduplicate.
func (b *Bus) Emit(ctx context.Context, topic string, ev Event) bool {
	if ev.ID == "" {
		ev.ID = clock.NewID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.clk.Now()
	}

	if res := b.registry.Validate(ev.Type, ev.Payload); !res.Valid {
		b.logger.Error("event schema validation failed",
			"event_type", ev.Type, "errors", res.Errors)
		if b.metrics.Dropped != nil {
			b.metrics.Dropped.WithLabelValues("validation").Inc()
		}
		return false
	}

	b.record(ev)
	if b.metrics.Emitted != nil {
		b.metrics.Emitted.WithLabelValues(ev.Type).Inc()
	}

	if b.publisher == nil {
		return true
	}

	body, err := json.Marshal(struct {
		EventType string         `json:"event_type"`
		EventID   string         `json:"event_id"`
		Timestamp string         `json:"timestamp"`
		TenantID  string         `json:"tenant_id"`
		Payload   map[string]any `json:"payload"`
	}{
		EventType: ev.Type,
		EventID:   ev.ID,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339),
		TenantID:  ev.TenantID,
		Payload:   ev.Payload,
	})
	if err != nil {
		b.logger.Error("encoding event", "event_type", ev.Type, "error", err)
		return false
	}

	for attempt := 1; attempt <= publishAttempts; attempt++ {
		if err = b.publisher.Publish(ctx, topic, ev.TenantID, body); err == nil {
			return true
		}
		if ctx.Err() != nil {
			break
		}
	}

	b.logger.Error("event publish failed, dropping",
		"event_type", ev.Type, "event_id", ev.ID, "error", err)
	if b.metrics.Dropped != nil {
		b.metrics.Dropped.WithLabelValues("publish").Inc()
	}
	// The event stays in the ring for debugging even when the topic
	// delivery was dropped.
	return true
}

// record appends the event to the in-memory ring.
func (b *Bus) record(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring[b.next] = ev
	b.next = (b.next + 1) % ringSize
	if b.size < ringSize {
		b.size++
	}
}

// Recent returns up to limit most-recent events, newest first.
func (b *Bus) Recent(limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if limit <= 0 || limit > b.size {
		limit = b.size
	}
	out := make([]Event, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (b.next - 1 - i + ringSize*2) % ringSize
		out = append(out, b.ring[idx])
	}
	return out
}
