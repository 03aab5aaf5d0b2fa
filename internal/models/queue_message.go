package models

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNoMessage is returned when the worker pool queue is empty
var ErrNoMessage = errors.New("no messages in queue")

// ErrDuplicateJob is returned when a job descriptor with the same job ID
// already exists in the worker pool. The feeder treats this as success.
var ErrDuplicateJob = errors.New("job already exists in worker pool")

// QueueMessage is the structure stored in the worker pool queue.
// Keep it simple - just enough to route the job.
type QueueMessage struct {
	JobID    string          `json:"job_id"`    // References jobs.id; dedup key
	TenantID string          `json:"tenant_id"`
	Task     string          `json:"task"`      // Job task for executor routing
	Payload  json.RawMessage `json:"payload"`   // Job-specific data (passed through)
}

// JobDescriptor is the entry held in a tenant's pending queue
// (tenant:<id>:crawl_pending) while the job waits for a slot.
type JobDescriptor struct {
	JobID      string          `json:"job_id"`
	TenantID   string          `json:"tenant_id"`
	Task       string          `json:"task"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// ToJSON serializes the descriptor for the coordinator list
func (d *JobDescriptor) ToJSON() (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DescriptorFromJSON deserializes a descriptor popped from a pending queue
func DescriptorFromJSON(raw string) (*JobDescriptor, error) {
	var d JobDescriptor
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, err
	}
	return &d, nil
}
