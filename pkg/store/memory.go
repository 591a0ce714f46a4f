package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ciforge/ciforge/pkg/models"
)

var (
	ErrWorkerNotFound      = errors.New("worker not found")
	ErrBuildNotFound       = errors.New("build not found")
	ErrJobNotFound         = errors.New("job not found")
	ErrUnsupportedDatabase = errors.New("unsupported database type")
)

// MemoryStore is an in-memory implementation of the data store. Getters
// return detached copies, so callers never share memory with the store.
type MemoryStore struct {
	workers map[string]*models.Worker
	builds  map[string]*models.Build
	jobs    map[string]*models.Job

	buildSeq int
	jobSeq   int

	mu sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workers: make(map[string]*models.Worker),
		builds:  make(map[string]*models.Build),
		jobs:    make(map[string]*models.Job),
	}
}

func cloneWorker(w *models.Worker) *models.Worker {
	c := *w
	return &c
}

func cloneJob(j *models.Job) *models.Job {
	c := *j
	return &c
}

// cloneBuild drops the Jobs slice; jobs are stored and loaded separately
func cloneBuild(b *models.Build) *models.Build {
	c := *b
	c.Jobs = nil
	return &c
}

// Worker operations

// RegisterWorker adds or updates a worker in the store
func (s *MemoryStore) RegisterWorker(worker *models.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.workers[worker.ID] = cloneWorker(worker)
	return nil
}

// GetWorker retrieves a worker by ID
func (s *MemoryStore) GetWorker(id string) (*models.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	worker, ok := s.workers[id]
	if !ok {
		return nil, ErrWorkerNotFound
	}
	return cloneWorker(worker), nil
}

// GetWorkerByAddress retrieves a worker by its address
func (s *MemoryStore) GetWorkerByAddress(address string) (*models.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, worker := range s.workers {
		if worker.Address == address {
			return cloneWorker(worker), nil
		}
	}
	return nil, ErrWorkerNotFound
}

// GetAllWorkers returns all registered workers
func (s *MemoryStore) GetAllWorkers() []*models.Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()

	workers := make([]*models.Worker, 0, len(s.workers))
	for _, worker := range s.workers {
		workers = append(workers, cloneWorker(worker))
	}
	return workers
}

// UpdateWorkerStatus updates the status of a worker
func (s *MemoryStore) UpdateWorkerStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	worker, ok := s.workers[id]
	if !ok {
		return ErrWorkerNotFound
	}

	worker.Status = status
	return nil
}

// UpdateWorkerHeartbeat updates the last heartbeat time for a worker
func (s *MemoryStore) UpdateWorkerHeartbeat(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	worker, ok := s.workers[id]
	if !ok {
		return ErrWorkerNotFound
	}

	worker.LastHeartbeat = time.Now()
	return nil
}

// DeleteWorker removes a worker from the store
func (s *MemoryStore) DeleteWorker(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workers[id]; !ok {
		return ErrWorkerNotFound
	}
	delete(s.workers, id)
	return nil
}

// GetStaleWorkers returns workers whose last heartbeat is older than timeout
func (s *MemoryStore) GetStaleWorkers(timeout time.Duration) ([]*models.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-timeout)
	var stale []*models.Worker
	for _, worker := range s.workers {
		if worker.Status != "offline" && worker.LastHeartbeat.Before(cutoff) {
			stale = append(stale, cloneWorker(worker))
		}
	}
	return stale, nil
}

// Build operations

// CreateBuild adds a new build to the store
func (s *MemoryStore) CreateBuild(build *models.Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buildSeq++
	build.SequenceNumber = s.buildSeq
	s.builds[build.ID] = cloneBuild(build)
	return nil
}

// GetBuild retrieves a build by ID
func (s *MemoryStore) GetBuild(id string) (*models.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	build, ok := s.builds[id]
	if !ok {
		return nil, ErrBuildNotFound
	}
	return cloneBuild(build), nil
}

// GetBuildBySequenceNumber retrieves a build by sequence number
func (s *MemoryStore) GetBuildBySequenceNumber(seqNum int) (*models.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, build := range s.builds {
		if build.SequenceNumber == seqNum {
			return cloneBuild(build), nil
		}
	}
	return nil, ErrBuildNotFound
}

// GetAllBuilds returns all builds, newest first
func (s *MemoryStore) GetAllBuilds() []*models.Build {
	s.mu.RLock()
	defer s.mu.RUnlock()

	builds := make([]*models.Build, 0, len(s.builds))
	for _, build := range s.builds {
		builds = append(builds, cloneBuild(build))
	}
	sort.Slice(builds, func(i, j int) bool {
		return builds[i].SequenceNumber > builds[j].SequenceNumber
	})
	return builds
}

// UpdateBuild replaces a build in the store
func (s *MemoryStore) UpdateBuild(build *models.Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.builds[build.ID]; !ok {
		return ErrBuildNotFound
	}
	s.builds[build.ID] = cloneBuild(build)
	return nil
}

// Job operations

// CreateJob adds a new job to the store
func (s *MemoryStore) CreateJob(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobSeq++
	job.SequenceNumber = s.jobSeq
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob retrieves a job by ID
func (s *MemoryStore) GetJob(id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(job), nil
}

// GetJobBySequenceNumber retrieves a job by sequence number
func (s *MemoryStore) GetJobBySequenceNumber(seqNum int) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, job := range s.jobs {
		if job.SequenceNumber == seqNum {
			return cloneJob(job), nil
		}
	}
	return nil, ErrJobNotFound
}

// GetJobsByBuild returns all jobs of a build in matrix order
func (s *MemoryStore) GetJobsByBuild(buildID string) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []*models.Job
	for _, job := range s.jobs {
		if job.BuildID == buildID {
			jobs = append(jobs, cloneJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].SequenceNumber < jobs[j].SequenceNumber
	})
	return jobs, nil
}

// GetAllJobs returns all jobs
func (s *MemoryStore) GetAllJobs() []*models.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, cloneJob(job))
	}
	return jobs
}

// GetNextJob atomically claims the highest-priority pending job for a worker.
// A job is never handed to two workers.
func (s *MemoryStore) GetNextJob(workerID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*models.Job
	for _, job := range s.jobs {
		if job.Status == models.JobStatusPending || job.Status == models.JobStatusQueued {
			candidates = append(candidates, job)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrJobNotFound
	}

	sort.Slice(candidates, func(i, j int) bool {
		wi := models.PriorityWeight(candidates[i].Priority)
		wj := models.PriorityWeight(candidates[j].Priority)
		if wi != wj {
			return wi > wj
		}
		// The deploy-gated entry goes ahead of its matrix peers
		if candidates[i].AllowDeploy != candidates[j].AllowDeploy {
			return candidates[i].AllowDeploy
		}
		// FIFO within priority
		return candidates[i].SequenceNumber < candidates[j].SequenceNumber
	})

	job := candidates[0]
	now := time.Now()
	job.Status = models.JobStatusRunning
	job.WorkerID = workerID
	job.StartedAt = &now

	if worker, ok := s.workers[workerID]; ok {
		worker.Status = "busy"
		worker.CurrentJobID = job.ID
	}

	return cloneJob(job), nil
}

// UpdateJob replaces a job in the store
func (s *MemoryStore) UpdateJob(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// UpdateJobStatus updates the status of a job
func (s *MemoryStore) UpdateJobStatus(id string, status models.JobStatus, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}

	job.Status = status
	if errorMsg != "" {
		job.Error = errorMsg
	}

	if status.IsTerminal() {
		now := time.Now()
		job.CompletedAt = &now
		s.releaseWorkerLocked(job)
	}

	return nil
}

// CancelJob cancels a pending or running job
func (s *MemoryStore) CancelJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return errors.New("job is already in a terminal state")
	}

	now := time.Now()
	job.Status = models.JobStatusCanceled
	job.CompletedAt = &now
	s.releaseWorkerLocked(job)
	return nil
}

// RetryJob re-queues a job for another attempt
func (s *MemoryStore) RetryJob(id string, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}

	s.releaseWorkerLocked(job)
	job.Status = models.JobStatusPending
	job.RetryCount++
	job.WorkerID = ""
	job.StartedAt = nil
	job.CompletedAt = nil
	job.Error = errorMsg
	job.FailureClass = models.FailureClassNone
	return nil
}

// releaseWorkerLocked frees the worker assigned to a job. An offline worker
// keeps its status; only busy workers go back to available. Caller holds s.mu.
func (s *MemoryStore) releaseWorkerLocked(job *models.Job) {
	if job.WorkerID == "" {
		return
	}
	if worker, ok := s.workers[job.WorkerID]; ok && worker.CurrentJobID == job.ID {
		worker.CurrentJobID = ""
		if worker.Status == "busy" {
			worker.Status = "available"
		}
	}
}

// Lifecycle

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}

// HealthCheck is a no-op for the memory store
func (s *MemoryStore) HealthCheck() error {
	return nil
}

// GetMetrics returns aggregated statistics
func (s *MemoryStore) GetMetrics() (*Metrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := &Metrics{
		JobsByState:     make(map[models.JobStatus]int),
		BuildsByState:   make(map[models.BuildStatus]int),
		WorkersByStatus: make(map[string]int),
		TotalJobs:       len(s.jobs),
		TotalBuilds:     len(s.builds),
	}

	var totalDuration float64
	var completed int
	for _, job := range s.jobs {
		m.JobsByState[job.Status]++
		switch job.Status {
		case models.JobStatusPending, models.JobStatusQueued:
			m.QueueLength++
		case models.JobStatusRunning, models.JobStatusAssigned:
			m.ActiveJobs++
		}
		if job.StartedAt != nil && job.CompletedAt != nil {
			totalDuration += job.CompletedAt.Sub(*job.StartedAt).Seconds()
			completed++
		}
	}
	if completed > 0 {
		m.AvgDuration = totalDuration / float64(completed)
	}

	for _, build := range s.builds {
		m.BuildsByState[build.Status]++
	}
	for _, worker := range s.workers {
		m.WorkersByStatus[worker.Status]++
	}

	return m, nil
}
