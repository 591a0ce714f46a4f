package scheduler

import (
	"context"
	"time"

	"github.com/ciforge/ciforge/pkg/logging"
	"github.com/ciforge/ciforge/pkg/models"
	"github.com/ciforge/ciforge/pkg/store"
)

// Reaper detects workers that stopped heartbeating, marks them offline and
// recovers the jobs they were running.
type Reaper struct {
	store            store.Store
	logger           *logging.Logger
	heartbeatTimeout time.Duration
	interval         time.Duration
	maxRetries       int
}

// NewReaper creates a new Reaper
func NewReaper(st store.Store, logger *logging.Logger, heartbeatTimeout, interval time.Duration, maxRetries int) *Reaper {
	return &Reaper{
		store:            st,
		logger:           logger,
		heartbeatTimeout: heartbeatTimeout,
		interval:         interval,
		maxRetries:       maxRetries,
	}
}

// Run sweeps periodically until the context is canceled
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep performs one pass: offline stale workers and recover their jobs.
// A recovered job is re-queued until it exhausts its retries, then errored
// so the build fails loudly instead of hanging.
func (r *Reaper) Sweep() {
	stale, err := r.store.GetStaleWorkers(r.heartbeatTimeout)
	if err != nil {
		r.logger.Error("Failed to list stale workers", map[string]interface{}{"error": err.Error()})
		return
	}

	for _, worker := range stale {
		r.logger.Warn("Worker missed heartbeat, marking offline", map[string]interface{}{
			"worker_id":      worker.ID,
			"worker_name":    worker.Name,
			"last_heartbeat": worker.LastHeartbeat.Format(time.RFC3339),
		})

		if err := r.store.UpdateWorkerStatus(worker.ID, "offline"); err != nil {
			r.logger.Error("Failed to offline worker", map[string]interface{}{
				"worker_id": worker.ID,
				"error":     err.Error(),
			})
			continue
		}

		if worker.CurrentJobID != "" {
			r.recoverJob(worker.CurrentJobID, worker.ID)
		}
	}
}

// recoverJob re-queues or errors the job a lost worker was running
func (r *Reaper) recoverJob(jobID, workerID string) {
	job, err := r.store.GetJob(jobID)
	if err != nil {
		r.logger.Error("Failed to load job of lost worker", map[string]interface{}{
			"job_id": jobID,
			"error":  err.Error(),
		})
		return
	}
	if job.Status.IsTerminal() {
		return
	}

	if job.RetryCount < r.maxRetries {
		r.logger.Info("Re-queuing job from lost worker", map[string]interface{}{
			"job_id":      jobID,
			"worker_id":   workerID,
			"retry_count": job.RetryCount + 1,
		})
		if err := r.store.RetryJob(jobID, "worker lost"); err != nil {
			r.logger.Error("Failed to re-queue job", map[string]interface{}{
				"job_id": jobID,
				"error":  err.Error(),
			})
		}
		return
	}

	r.logger.Error("Job exhausted retries after worker loss", map[string]interface{}{
		"job_id":      jobID,
		"worker_id":   workerID,
		"retry_count": job.RetryCount,
	})

	job.Status = models.JobStatusErrored
	job.FailureClass = models.FailureClassWorkerLost
	job.Error = "worker lost"
	now := time.Now()
	job.CompletedAt = &now
	if err := r.store.UpdateJob(job); err != nil {
		r.logger.Error("Failed to error job", map[string]interface{}{
			"job_id": jobID,
			"error":  err.Error(),
		})
		return
	}

	r.refreshBuildStatus(job.BuildID)
}

// refreshBuildStatus recomputes the aggregate status of a build after one of
// its jobs reached a terminal state.
func (r *Reaper) refreshBuildStatus(buildID string) {
	build, err := r.store.GetBuild(buildID)
	if err != nil {
		return
	}
	jobs, err := r.store.GetJobsByBuild(buildID)
	if err != nil {
		return
	}

	status := models.AggregateBuildStatus(jobs)
	if status == build.Status {
		return
	}
	build.Status = status
	if status != models.BuildStatusCreated && status != models.BuildStatusRunning && build.FinishedAt == nil {
		now := time.Now()
		build.FinishedAt = &now
	}
	if err := r.store.UpdateBuild(build); err != nil {
		r.logger.Error("Failed to update build status", map[string]interface{}{
			"build_id": buildID,
			"error":    err.Error(),
		})
	}
}
