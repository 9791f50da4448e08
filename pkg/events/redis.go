package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// topicStreams maps topic keys to Redis stream names.
var topicStreams = map[string]string{
	TopicJobs:    "voyant:events:jobs",
	TopicQuality: "voyant:events:quality",
	TopicBilling: "voyant:events:billing",
	TopicLineage: "voyant:events:lineage",
}

// streamMaxLen bounds each stream; consumers that fall further behind
// lose history, which the at-least-once contract permits after the
// retention window.
const streamMaxLen = 100_000

// RedisPublisher delivers events to per-topic Redis streams. Entries
// carry the partition key so consumers can shard by tenant while
// preserving per-tenant ordering within a stream.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher creates a stream-backed publisher.
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, topic, partitionKey string, body []byte) error {
	stream, ok := topicStreams[topic]
	if !ok {
		stream = fmt.Sprintf("voyant:events:%s", topic)
	}

	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{
			"key":  partitionKey,
			"body": body,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publishing to stream %s: %w", stream, err)
	}
	return nil
}
