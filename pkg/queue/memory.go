package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/somatechlat/voyant/internal/clock"
)

// Memory is the in-memory queue implementation. It carries the
// authoritative queue semantics and backs unit tests and single-node
// builds; production deployments use the Postgres implementation.
type Memory struct {
	mu       sync.Mutex
	clk      clock.Clock
	leaseTTL time.Duration
	queues   map[string][]*Job // tenant_id -> queued jobs, in draw order
	jobs     map[string]*Job   // job_id -> job (all states)
}

// NewMemory creates an in-memory queue with the given lease TTL.
func NewMemory(clk clock.Clock, leaseTTL time.Duration) *Memory {
	return &Memory{
		clk:      clk,
		leaseTTL: leaseTTL,
		queues:   make(map[string][]*Job),
		jobs:     make(map[string]*Job),
	}
}

func (m *Memory) Enqueue(_ context.Context, job *Job) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j := *job
	if j.CreatedAt.IsZero() {
		j.CreatedAt = m.clk.Now()
	}
	j.Status = StatusQueued

	q := m.queues[j.TenantID]
	pos := len(q)
	for i, existing := range q {
		if less(&j, existing) {
			pos = i
			break
		}
	}

	q = append(q, nil)
	copy(q[pos+1:], q[pos:])
	q[pos] = &j
	m.queues[j.TenantID] = q
	m.jobs[j.ID] = &j
	return pos, nil
}

func (m *Memory) AcquireNext(_ context.Context, tenantID, workerID string, maxConcurrent int) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.runningCount(tenantID) >= maxConcurrent {
		return nil, nil
	}

	q := m.queues[tenantID]
	if len(q) == 0 {
		return nil, nil
	}

	job := q[0]
	m.queues[tenantID] = q[1:]

	job.Status = StatusRunning
	job.WorkerID = workerID
	exp := m.clk.Now().Add(m.leaseTTL)
	job.LeaseExpiresAt = &exp

	snapshot := *job
	return &snapshot, nil
}

func (m *Memory) RenewLease(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok || job.Status != StatusRunning {
		return false, nil
	}
	exp := m.clk.Now().Add(m.leaseTTL)
	job.LeaseExpiresAt = &exp
	return true, nil
}

func (m *Memory) Release(_ context.Context, jobID string, status Status, result *Result) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return false, nil
	}
	if job.Status.Terminal() {
		// First terminal status wins.
		return true, nil
	}
	if !status.Terminal() {
		return false, nil
	}
	if job.Status == StatusQueued {
		// Releasing a queued job (e.g. cancel path) removes it from the queue.
		m.removeQueued(job)
	}

	job.Status = status
	job.LeaseExpiresAt = nil
	job.WorkerID = ""
	if result != nil {
		job.ResultSummary = result.Summary
		job.ErrorKind = result.ErrorKind
		job.ErrorCode = result.ErrorCode
		job.ErrorMessage = result.ErrorMessage
	}
	return true, nil
}

func (m *Memory) RequeueExpiredLeases(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	count := 0
	for _, job := range m.jobs {
		if job.Status != StatusRunning || job.LeaseExpiresAt == nil {
			continue
		}
		if !now.After(*job.LeaseExpiresAt) {
			continue
		}

		job.Status = StatusQueued
		job.WorkerID = ""
		job.LeaseExpiresAt = nil
		job.RetryCount++

		// Recovery wins over new work: front of the tenant queue.
		m.queues[job.TenantID] = append([]*Job{job}, m.queues[job.TenantID]...)
		count++
	}
	return count, nil
}

func (m *Memory) Cancel(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok || job.Status.Terminal() {
		return false, nil
	}

	if job.Status == StatusQueued {
		m.removeQueued(job)
	}
	job.Status = StatusCancelled
	job.LeaseExpiresAt = nil
	job.WorkerID = ""
	return true, nil
}

func (m *Memory) Get(_ context.Context, jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	snapshot := *job
	return &snapshot, nil
}

func (m *Memory) Position(_ context.Context, jobID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return -1, ErrNotFound
	}
	if job.Status != StatusQueued {
		return -1, nil
	}
	for i, queued := range m.queues[job.TenantID] {
		if queued.ID == jobID {
			return i, nil
		}
	}
	return -1, nil
}

func (m *Memory) Stats(_ context.Context, tenantID string) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{TenantID: tenantID}
	q := m.queues[tenantID]
	s.Queued = len(q)
	now := m.clk.Now()
	for _, job := range q {
		if age := now.Sub(job.CreatedAt).Seconds(); age > s.OldestAgeSeconds {
			s.OldestAgeSeconds = age
		}
	}
	for _, job := range m.jobs {
		if job.TenantID == tenantID && job.Status == StatusRunning {
			s.Running++
			s.RunningIDs = append(s.RunningIDs, job.ID)
		}
	}
	sort.Strings(s.RunningIDs)
	return s, nil
}

func (m *Memory) Tenants(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tenants := make([]string, 0, len(m.queues))
	for t, q := range m.queues {
		if len(q) > 0 {
			tenants = append(tenants, t)
		}
	}
	sort.Strings(tenants)
	return tenants, nil
}

// runningCount counts running jobs for a tenant. Callers must hold mu.
func (m *Memory) runningCount(tenantID string) int {
	n := 0
	for _, job := range m.jobs {
		if job.TenantID == tenantID && job.Status == StatusRunning {
			n++
		}
	}
	return n
}

// removeQueued drops a job from its tenant's queue slice. Callers must
// hold mu.
func (m *Memory) removeQueued(job *Job) {
	q := m.queues[job.TenantID]
	for i, queued := range q {
		if queued.ID == job.ID {
			m.queues[job.TenantID] = append(q[:i], q[i+1:]...)
			return
		}
	}
}
