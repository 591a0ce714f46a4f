package models

import (
	"time"
)

// BuildStatus represents the aggregate status of a build
type BuildStatus string

const (
	BuildStatusCreated  BuildStatus = "created"
	BuildStatusRunning  BuildStatus = "running"
	BuildStatusPassed   BuildStatus = "passed"
	BuildStatusFailed   BuildStatus = "failed"
	BuildStatusErrored  BuildStatus = "errored"
	BuildStatusCanceled BuildStatus = "canceled"
)

// Build represents one submitted pipeline run. Every entry of the expanded
// runtime/env matrix becomes a Job belonging to this build.
type Build struct {
	ID             string      `json:"id"`
	SequenceNumber int         `json:"sequence_number,omitempty"`
	Repo           string      `json:"repo"`
	Branch         string      `json:"branch"`
	Tag            string      `json:"tag,omitempty"`
	Commit         string      `json:"commit,omitempty"`
	Pipeline       string      `json:"pipeline,omitempty"` // raw pipeline YAML as submitted
	Priority       string      `json:"priority,omitempty"`
	Status         BuildStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	FinishedAt     *time.Time  `json:"finished_at,omitempty"`
	Jobs           []*Job      `json:"jobs,omitempty"`
}

// BuildRequest represents a request to submit a new build
type BuildRequest struct {
	Repo     string `json:"repo"`
	Branch   string `json:"branch"`
	Tag      string `json:"tag,omitempty"`
	Commit   string `json:"commit,omitempty"`
	Pipeline string `json:"pipeline"`
	Priority string `json:"priority,omitempty"`
}

// AggregateBuildStatus derives the build status from its jobs.
// Errored takes precedence over failed, failed over canceled; a build passes
// only when every job passed.
func AggregateBuildStatus(jobs []*Job) BuildStatus {
	if len(jobs) == 0 {
		return BuildStatusCreated
	}

	allTerminal := true
	anyFailed := false
	anyErrored := false
	anyCanceled := false
	anyStarted := false

	for _, job := range jobs {
		if !job.Status.IsTerminal() {
			allTerminal = false
		}
		switch job.Status {
		case JobStatusFailed:
			anyFailed = true
		case JobStatusErrored:
			anyErrored = true
		case JobStatusCanceled:
			anyCanceled = true
		case JobStatusRunning, JobStatusAssigned, JobStatusPassed:
			anyStarted = true
		}
	}

	if !allTerminal {
		if anyStarted || anyFailed || anyErrored {
			return BuildStatusRunning
		}
		return BuildStatusCreated
	}

	switch {
	case anyErrored:
		return BuildStatusErrored
	case anyFailed:
		return BuildStatusFailed
	case anyCanceled:
		return BuildStatusCanceled
	default:
		return BuildStatusPassed
	}
}
