package models

import (
	"time"
)

// JobTask identifies the work a job performs
type JobTask string

const (
	JobTaskCrawl                JobTask = "CRAWL"
	JobTaskSyncSharePointDelta  JobTask = "SYNC_SHAREPOINT_DELTA"
	JobTaskPullSharePointContent JobTask = "PULL_SHAREPOINT_CONTENT"
)

// JobStatus represents the state of a job.
// Transition graph: QUEUED -> IN_PROGRESS -> {COMPLETE, FAILED};
// QUEUED may also transition directly to FAILED (preemption).
// COMPLETE and FAILED are terminal.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusInProgress JobStatus = "IN_PROGRESS"
	JobStatusComplete   JobStatus = "COMPLETE"
	JobStatusFailed     JobStatus = "FAILED"
)

// IsTerminal reports whether the status admits no further transitions
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusComplete || s == JobStatusFailed
}

// Job is a unit of dispatched work. CreatedAt is immutable after creation
// (the watchdog uses it to detect expiry); UpdatedAt advances on every
// heartbeat and state transition.
type Job struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Task         JobTask   `json:"task"`
	Status       JobStatus `json:"status"`
	UserID       string    `json:"user_id"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CrawlRun is the 1:1 companion record of a crawl job. PagesCrawled is nil
// until the worker reports its first page and advances monotonically after.
type CrawlRun struct {
	ID           string    `json:"id"`
	JobID        string    `json:"job_id"` // Unique
	TenantID     string    `json:"tenant_id"` // Immutable
	WebsiteID    string    `json:"website_id"`
	PagesCrawled *int      `json:"pages_crawled,omitempty"`
	DeltaToken   string    `json:"delta_token,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
