package scheduler

import (
	"sort"

	"github.com/ciforge/ciforge/pkg/models"
	"github.com/ciforge/ciforge/pkg/store"
)

// PriorityQueueManager provides queue inspection over the store.
// Claiming itself happens atomically in the store; this layer only sorts
// and reports.
type PriorityQueueManager struct {
	store store.Store
}

// NewPriorityQueueManager creates a new PriorityQueueManager
func NewPriorityQueueManager(st store.Store) *PriorityQueueManager {
	return &PriorityQueueManager{
		store: st,
	}
}

// SortJobsByPriority sorts jobs into claim order: priority (high > medium >
// low), the deploy-gated entry ahead of its peers, FIFO within equal score
func (pqm *PriorityQueueManager) SortJobsByPriority(jobs []*models.Job) []*models.Job {
	if len(jobs) == 0 {
		return jobs
	}

	sorted := make([]*models.Job, len(jobs))
	copy(sorted, jobs)

	sort.Slice(sorted, func(i, j int) bool {
		wi := models.PriorityWeight(sorted[i].Priority)
		wj := models.PriorityWeight(sorted[j].Priority)
		if wi != wj {
			return wi > wj
		}
		if sorted[i].AllowDeploy != sorted[j].AllowDeploy {
			return sorted[i].AllowDeploy
		}
		return sorted[i].SequenceNumber < sorted[j].SequenceNumber
	})

	return sorted
}

// PendingJobs returns the jobs waiting to be claimed, in claim order
func (pqm *PriorityQueueManager) PendingJobs() []*models.Job {
	var pending []*models.Job
	for _, job := range pqm.store.GetAllJobs() {
		if job.Status == models.JobStatusPending || job.Status == models.JobStatusQueued {
			pending = append(pending, job)
		}
	}
	return pqm.SortJobsByPriority(pending)
}

// GetQueueStats returns counts of waiting jobs per priority
func (pqm *PriorityQueueManager) GetQueueStats() map[string]int {
	stats := make(map[string]int)
	for _, job := range pqm.store.GetAllJobs() {
		if job.Status == models.JobStatusPending || job.Status == models.JobStatusQueued {
			priority := job.Priority
			if priority == "" {
				priority = "medium"
			}
			stats[priority]++
			stats["total"]++
		}
	}
	return stats
}
