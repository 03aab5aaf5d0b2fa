package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique job ID with the "job_" prefix
// Format: job_<uuid>
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewExportID generates a unique export job ID with the "exp_" prefix
// Format: exp_<uuid>
func NewExportID() string {
	return "exp_" + uuid.New().String()
}

// NewID generates a bare UUID string
func NewID() string {
	return uuid.New().String()
}
