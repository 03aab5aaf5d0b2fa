package models

import (
	"encoding/json"
	"time"
)

// ExportFormat selects the output encoding of an audit export
type ExportFormat string

const (
	ExportFormatCSV   ExportFormat = "csv"
	ExportFormatJSONL ExportFormat = "jsonl"
)

// ExportStatus is the lifecycle state of an export job.
// Terminal statuses: completed, failed, cancelled.
type ExportStatus string

const (
	ExportStatusPending    ExportStatus = "pending"
	ExportStatusProcessing ExportStatus = "processing"
	ExportStatusCompleted  ExportStatus = "completed"
	ExportStatusFailed     ExportStatus = "failed"
	ExportStatusCancelled  ExportStatus = "cancelled"
)

// IsTerminal reports whether the export job has finished
func (s ExportStatus) IsTerminal() bool {
	return s == ExportStatusCompleted || s == ExportStatusFailed || s == ExportStatusCancelled
}

// ExportJob is the coordinator-held state of a background audit export.
// Stored under audit_export:<tenant>:<job_id> with a TTL matching ExpiresAt.
// Progress stays at most 99 while processing; only successful completion
// sets it to 100.
type ExportJob struct {
	JobID            string       `json:"job_id"`
	TenantID         string       `json:"tenant_id"`
	Status           ExportStatus `json:"status"`
	Progress         int          `json:"progress"`
	TotalRecords     int          `json:"total_records"`
	ProcessedRecords int          `json:"processed_records"`
	Format           ExportFormat `json:"format"`
	FilePath         string       `json:"file_path,omitempty"`
	FileSizeBytes    int64        `json:"file_size_bytes,omitempty"`
	ErrorMessage     string       `json:"error_message,omitempty"`
	Cancelled        bool         `json:"cancelled"`
	CreatedAt        time.Time    `json:"created_at"`
	StartedAt        *time.Time   `json:"started_at,omitempty"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
	ExpiresAt        time.Time    `json:"expires_at"`
}

// ToJSON serializes the export job for coordinator storage
func (j *ExportJob) ToJSON() (string, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ExportJobFromJSON deserializes a stored export job
func ExportJobFromJSON(raw string) (*ExportJob, error) {
	var j ExportJob
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return nil, err
	}
	return &j, nil
}
