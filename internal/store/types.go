package store

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a job. Transitions only ever go
// running -> completed or running -> failed.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is one logical execution of the pipeline, identified across process
// restarts by its fingerprint.
type Job struct {
	ID            string    `json:"id"`
	Fingerprint   string    `json:"fingerprint"`
	StartTime     time.Time `json:"start_time"`
	LastUpdated   time.Time `json:"last_updated"`
	Status        Status    `json:"status"`
	TotalRows     int       `json:"total_rows"`
	ProcessedRows int       `json:"processed_rows"`
}

// Progress returns the completion percentage.
func (j *Job) Progress() float64 {
	if j.TotalRows <= 0 {
		return 0
	}
	return float64(j.ProcessedRows) / float64(j.TotalRows) * 100
}

// ValidationError reports malformed arguments to a store operation. It is
// a programmer error and fatal to the run.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// StorageError reports that persistence stayed unavailable after bounded
// retries. It is fatal to the run.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
