// Package queue holds per-tenant queues of jobs awaiting execution and
// enforces per-tenant concurrency caps through lease-based ownership.
package queue

import (
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job types understood by the workflow runtime.
const (
	TypeIngest  = "ingest"
	TypeProfile = "profile"
	TypeAnalyze = "analyze"
	TypeScrape  = "scrape"
	TypePreset  = "preset"
)

// Job is one unit of queued work. Lower priority values are drawn first.
type Job struct {
	ID             string         `json:"job_id"`
	TenantID       string         `json:"tenant_id"`
	Type           string         `json:"type"`
	Priority       int            `json:"priority"`
	Status         Status         `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	LeaseExpiresAt *time.Time     `json:"lease_expires_at,omitempty"`
	WorkerID       string         `json:"worker_id,omitempty"`
	RetryCount     int            `json:"retry_count"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	ResultSummary  map[string]any `json:"result_summary,omitempty"`
	ErrorKind      string         `json:"error_kind,omitempty"`
	ErrorCode      string         `json:"error_code,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
}

// Result carries the terminal outcome recorded at release time.
type Result struct {
	Summary      map[string]any
	ErrorKind    string
	ErrorCode    string
	ErrorMessage string
}

// Stats summarizes a tenant's queue state.
type Stats struct {
	TenantID         string   `json:"tenant_id"`
	Queued           int      `json:"queued"`
	Running          int      `json:"running"`
	OldestAgeSeconds float64  `json:"oldest_age_seconds"`
	RunningIDs       []string `json:"running_ids"`
}

// less orders two queued jobs: priority ascending, then created_at
// ascending, ties broken by job_id.
func less(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
