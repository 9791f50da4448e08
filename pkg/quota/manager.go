package quota

import (
	"fmt"
	"sync"
	"time"

	"github.com/somatechlat/voyant/internal/clock"
	"github.com/somatechlat/voyant/pkg/fault"
)

// Limit names accepted by Check.
const (
	LimitJobsPerDay     = "jobs_per_day"
	LimitConcurrentJobs = "concurrent_jobs"
	LimitSources        = "sources"
	LimitArtifactBytes  = "artifact_bytes"
)

// Usage is a point-in-time snapshot of a tenant's counters.
type Usage struct {
	Tier           string `json:"tier"`
	Day            string `json:"day"`
	JobsToday      int64  `json:"jobs_today"`
	ConcurrentJobs int64  `json:"concurrent_jobs"`
	SourcesCount   int64  `json:"sources_count"`
	ArtifactBytes  int64  `json:"artifact_bytes"`

	// UntilRollover is the time remaining before the daily counters
	// reset, used as the retry-after hint for daily limits.
	UntilRollover time.Duration `json:"-"`
}

type tenantUsage struct {
	tier           string
	day            string // UTC day bucket, YYYY-MM-DD
	jobsToday      int64
	concurrentJobs int64
	sourcesCount   int64
	artifactBytes  int64
}

// Manager tracks per-tenant usage against tier limits. Day-bounded
// counters roll over lazily on read.
type Manager struct {
	mu      sync.Mutex
	clk     clock.Clock
	tenants map[string]*tenantUsage
}

// NewManager creates a quota manager using the given clock.
func NewManager(clk clock.Clock) *Manager {
	return &Manager{
		clk:     clk,
		tenants: make(map[string]*tenantUsage),
	}
}

// tenant returns the usage record for tenantID, creating it on the
// default tier and applying day rollover. Callers must hold mu.
func (m *Manager) tenant(tenantID string) *tenantUsage {
	u, ok := m.tenants[tenantID]
	if !ok {
		u = &tenantUsage{tier: DefaultTier, day: m.today()}
		m.tenants[tenantID] = u
	}
	if today := m.today(); u.day != today {
		u.day = today
		u.jobsToday = 0
	}
	return u
}

func (m *Manager) today() string {
	return m.clk.Now().UTC().Format(time.DateOnly)
}

// SetTier assigns a tier to a tenant. Fails on an unknown tier name.
func (m *Manager) SetTier(tenantID, tierName string) error {
	if _, err := LookupTier(tierName); err != nil {
		return fault.Validation("unknown_tier", "unknown tier %q", tierName)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenant(tenantID).tier = tierName
	return nil
}

// TierOf returns the tenant's current tier.
func (m *Manager) TierOf(tenantID string) Tier {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, _ := LookupTier(m.tenant(tenantID).tier)
	return t
}

// Check reports whether the named limit would admit one more unit for
// the tenant. Pure read; no side effects. At exactly the limit the
// answer is false.
func (m *Manager) Check(tenantID, limitName string) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.tenant(tenantID)
	tier, _ := LookupTier(u.tier)

	var current, max int64
	switch limitName {
	case LimitJobsPerDay:
		current, max = u.jobsToday, tier.MaxJobsPerDay
	case LimitConcurrentJobs:
		current, max = u.concurrentJobs, tier.MaxConcurrentJobs
	case LimitSources:
		current, max = u.sourcesCount, tier.MaxSources
	case LimitArtifactBytes:
		current, max = u.artifactBytes, tier.MaxArtifactBytes
	default:
		return false, fmt.Sprintf("unknown limit %q", limitName)
	}

	if current >= max {
		return false, fmt.Sprintf("%s limit reached (%d/%d)", limitName, current, max)
	}
	return true, ""
}

// RecordJobStart atomically checks and increments both jobs_today and
// concurrent_jobs. If either would exceed its limit, nothing is
// incremented and the returned error carries the limit details.
func (m *Manager) RecordJobStart(tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.tenant(tenantID)
	tier, _ := LookupTier(u.tier)

	if u.jobsToday >= tier.MaxJobsPerDay {
		return fault.Quota(LimitJobsPerDay, u.jobsToday, tier.MaxJobsPerDay, m.untilDayRollover())
	}
	if u.concurrentJobs >= tier.MaxConcurrentJobs {
		return fault.Quota(LimitConcurrentJobs, u.concurrentJobs, tier.MaxConcurrentJobs, 0)
	}

	u.jobsToday++
	u.concurrentJobs++
	return nil
}

// RecordJobEnd decrements concurrent_jobs only. Paired with
// RecordJobStart; a crash between the two is recovered by lease-expiry
// reconciliation in the queue.
func (m *Manager) RecordJobEnd(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.tenant(tenantID)
	if u.concurrentJobs > 0 {
		u.concurrentJobs--
	}
}

// RecordArtifactBytes adjusts the tenant's artifact storage counter.
// Negative deltas release storage; the counter never goes below zero.
func (m *Manager) RecordArtifactBytes(tenantID string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.tenant(tenantID)
	u.artifactBytes += delta
	if u.artifactBytes < 0 {
		u.artifactBytes = 0
	}
}

// RecordSourceAdded increments the tenant's source counter.
func (m *Manager) RecordSourceAdded(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenant(tenantID).sourcesCount++
}

// RecordSourceRemoved decrements the tenant's source counter.
func (m *Manager) RecordSourceRemoved(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.tenant(tenantID)
	if u.sourcesCount > 0 {
		u.sourcesCount--
	}
}

// UsageOf returns a snapshot of the tenant's counters.
func (m *Manager) UsageOf(tenantID string) Usage {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.tenant(tenantID)
	return Usage{
		Tier:           u.tier,
		Day:            u.day,
		JobsToday:      u.jobsToday,
		ConcurrentJobs: u.concurrentJobs,
		SourcesCount:   u.sourcesCount,
		ArtifactBytes:  u.artifactBytes,
		UntilRollover:  m.untilDayRollover(),
	}
}

// Reset clears a tenant's counters. For tests and admin tooling.
func (m *Manager) Reset(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tenants, tenantID)
}

// untilDayRollover computes the retry-after hint for daily limits.
func (m *Manager) untilDayRollover() time.Duration {
	now := m.clk.Now().UTC()
	next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	return next.Sub(now)
}
