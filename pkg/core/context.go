// Package core wires the execution core together: the CoreContext owns
// the shared stores and the admission API accepts requests from the
// HTTP collaborator.
package core

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/somatechlat/voyant/internal/clock"
	"github.com/somatechlat/voyant/pkg/artifact"
	"github.com/somatechlat/voyant/pkg/breaker"
	"github.com/somatechlat/voyant/pkg/events"
	"github.com/somatechlat/voyant/pkg/plugin"
	"github.com/somatechlat/voyant/pkg/queue"
	"github.com/somatechlat/voyant/pkg/quota"
	"github.com/somatechlat/voyant/pkg/workflow"
)

// Context owns every shared store of the execution core. It is built
// once at startup and passed through the worker loop and the handlers;
// nothing in the core reaches for module-level mutable state. Tests
// build their own with NewTestContext-style helpers.
type Context struct {
	Clock    clock.Clock
	Logger   *slog.Logger
	Queue    queue.Queue
	Quotas   *quota.Manager
	Schemas  *events.SchemaRegistry
	Bus      *events.Bus
	Breakers *breaker.Registry
	Plugins  *plugin.Registry
	Runtime  *workflow.Runtime
	Store    artifact.Store

	// CancelBroadcast forwards a cancellation signal to worker
	// processes that may own the running job. Optional.
	CancelBroadcast func(ctx context.Context, jobID string)

	// RunMaintenance triggers one maintenance pass (expired-lease
	// requeue + artifact prune) on demand. Optional.
	RunMaintenance func(ctx context.Context)

	// Optional admission counters.
	SubmittedMetric       *prometheus.CounterVec // by job type
	QuotaRejectionsMetric *prometheus.CounterVec // by limit name
}
