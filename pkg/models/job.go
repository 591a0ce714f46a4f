package models

import (
	"time"
)

// JobStatus represents the status of a job
type JobStatus string

const (
	JobStatusPending  JobStatus = "pending"
	JobStatusQueued   JobStatus = "queued"
	JobStatusAssigned JobStatus = "assigned"
	JobStatusRunning  JobStatus = "running"
	JobStatusPassed   JobStatus = "passed"
	JobStatusFailed   JobStatus = "failed"
	JobStatusErrored  JobStatus = "errored"
	JobStatusCanceled JobStatus = "canceled"
)

// IsTerminal reports whether the status is a terminal state
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusPassed, JobStatusFailed, JobStatusErrored, JobStatusCanceled:
		return true
	}
	return false
}

// FailureClass classifies where a job failure originated.
// Setup-phase failures are infrastructure problems (errored), script failures
// are genuine test failures (failed).
type FailureClass string

const (
	FailureClassNone       FailureClass = ""
	FailureClassSetup      FailureClass = "setup"
	FailureClassScript     FailureClass = "script"
	FailureClassDeploy     FailureClass = "deploy"
	FailureClassTimeout    FailureClass = "timeout"
	FailureClassWorkerLost FailureClass = "worker_lost"
)

// Job represents the execution of a single matrix entry of a build
type Job struct {
	ID             string       `json:"id"`
	SequenceNumber int          `json:"sequence_number,omitempty"`
	BuildID        string       `json:"build_id"`
	Version        string       `json:"version"` // runtime version from the matrix, e.g. "3.5"
	Env            []string     `json:"env,omitempty"`
	Status         JobStatus    `json:"status"`
	Phase          string       `json:"phase,omitempty"` // phase currently executing
	Priority       string       `json:"priority,omitempty"`
	AllowDeploy    bool         `json:"allow_deploy"` // precomputed deploy gate for this entry
	WorkerID       string       `json:"worker_id,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	RetryCount     int          `json:"retry_count"`
	Logs           string       `json:"logs,omitempty"`
	Error          string       `json:"error,omitempty"`
	FailureClass   FailureClass `json:"failure_class,omitempty"`
}

// JobResult represents the result of a finished job reported by a worker
type JobResult struct {
	JobID           string       `json:"job_id"`
	WorkerID        string       `json:"worker_id"`
	Status          JobStatus    `json:"status"`
	FailureClass    FailureClass `json:"failure_class,omitempty"`
	Error           string       `json:"error,omitempty"`
	Logs            string       `json:"logs,omitempty"`
	DeployPerformed bool         `json:"deploy_performed,omitempty"`
	DurationSeconds float64      `json:"duration_seconds,omitempty"`
	CompletedAt     time.Time    `json:"completed_at"`
}

// PriorityWeight returns the numeric weight for a priority level
func PriorityWeight(priority string) int {
	switch priority {
	case "high":
		return 3
	case "medium":
		return 2
	case "low":
		return 1
	default:
		return 2 // Default to medium
	}
}
