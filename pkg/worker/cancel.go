package worker

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// cancelChannel carries job cancellation signals between processes:
// the API process publishes, worker processes deliver the signal to
// their local workflow runtime.
const cancelChannel = "voyant:jobs:cancel"

// PublishCancel broadcasts a cancellation request for a job.
func PublishCancel(ctx context.Context, rdb *redis.Client, jobID string) {
	rdb.Publish(ctx, cancelChannel, jobID)
}

// CancelTarget receives cancellation requests for locally running jobs.
type CancelTarget interface {
	Cancel(jobID string) bool
}

// RunCancelListener subscribes to the cancellation channel and forwards
// signals to the target until ctx is cancelled.
func RunCancelListener(ctx context.Context, rdb *redis.Client, target CancelTarget, logger *slog.Logger) {
	pubsub := rdb.Subscribe(ctx, cancelChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if target.Cancel(msg.Payload) {
				logger.Info("cancellation delivered to running job", "job_id", msg.Payload)
			}
		}
	}
}
