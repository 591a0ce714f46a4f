package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/ciforge/ciforge/pkg/models"
	"github.com/ciforge/ciforge/pkg/pipeline"
	"github.com/ciforge/ciforge/pkg/store"
)

// MetricsRecorder is an interface for recording metrics
type MetricsRecorder interface {
	RecordScheduleAttempt(result string)
}

// QueueInspector reports the waiting jobs in claim order
type QueueInspector interface {
	PendingJobs() []*models.Job
	GetQueueStats() map[string]int
}

// NextJobResponse is what a polling worker receives for a claimed job
type NextJobResponse struct {
	Job      *models.Job `json:"job"`
	Pipeline string      `json:"pipeline"` // raw pipeline YAML
	Repo     string      `json:"repo"`
	Branch   string      `json:"branch"`
	Tag      string      `json:"tag,omitempty"`
	Commit   string      `json:"commit,omitempty"`
}

// MasterHandler handles master API requests
type MasterHandler struct {
	store           store.Store
	maxRetries      int
	metricsRecorder MetricsRecorder
	queue           QueueInspector
}

// NewMasterHandler creates a new master handler
func NewMasterHandler(s store.Store) *MasterHandler {
	return &MasterHandler{
		store:      s,
		maxRetries: 0, // No retries by default
	}
}

// NewMasterHandlerWithRetry creates a new master handler with retry support
// for infrastructure failures
func NewMasterHandlerWithRetry(s store.Store, maxRetries int) *MasterHandler {
	return &MasterHandler{
		store:      s,
		maxRetries: maxRetries,
	}
}

// SetMetricsRecorder sets the metrics recorder for the handler
func (h *MasterHandler) SetMetricsRecorder(recorder MetricsRecorder) {
	h.metricsRecorder = recorder
}

// SetQueueInspector sets the queue inspector backing GET /queue
func (h *MasterHandler) SetQueueInspector(queue QueueInspector) {
	h.queue = queue
}

// RegisterRoutes registers all API routes
func (h *MasterHandler) RegisterRoutes(r *mux.Router) {
	// Worker routes
	r.HandleFunc("/workers/register", h.RegisterWorker).Methods("POST")
	r.HandleFunc("/workers", h.ListWorkers).Methods("GET")
	r.HandleFunc("/workers/{id}", h.GetWorker).Methods("GET")
	r.HandleFunc("/workers/{id}", h.RemoveWorker).Methods("DELETE")
	r.HandleFunc("/workers/{id}/heartbeat", h.WorkerHeartbeat).Methods("POST")

	// Build routes
	r.HandleFunc("/builds", h.SubmitBuild).Methods("POST")
	r.HandleFunc("/builds", h.ListBuilds).Methods("GET")
	r.HandleFunc("/builds/{id}", h.GetBuild).Methods("GET")
	r.HandleFunc("/builds/{id}/cancel", h.CancelBuild).Methods("POST")
	r.HandleFunc("/builds/{id}/restart", h.RestartBuild).Methods("POST")

	// Job routes (register specific routes before parameterized routes)
	r.HandleFunc("/jobs/next", h.GetNextJob).Methods("GET")
	r.HandleFunc("/jobs", h.ListJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	r.HandleFunc("/jobs/{id}/logs", h.GetJobLogs).Methods("GET")
	r.HandleFunc("/jobs/{id}/cancel", h.CancelJob).Methods("POST")

	// Other routes
	r.HandleFunc("/results", h.ReceiveResults).Methods("POST")
	r.HandleFunc("/queue", h.GetQueue).Methods("GET")
	r.HandleFunc("/health", h.Health).Methods("GET")
}

// getJobByIDOrSequence retrieves a job by ID (UUID) or sequence number
func (h *MasterHandler) getJobByIDOrSequence(idOrSeq string) (*models.Job, error) {
	var seqNum int
	if _, parseErr := fmt.Sscanf(idOrSeq, "%d", &seqNum); parseErr == nil && seqNum > 0 {
		// A UUID starting with a digit also parses; fall through to ID lookup
		if job, err := h.store.GetJobBySequenceNumber(seqNum); err == nil {
			return job, nil
		}
	}
	return h.store.GetJob(idOrSeq)
}

// getBuildByIDOrSequence retrieves a build by ID (UUID) or sequence number
func (h *MasterHandler) getBuildByIDOrSequence(idOrSeq string) (*models.Build, error) {
	var seqNum int
	if _, parseErr := fmt.Sscanf(idOrSeq, "%d", &seqNum); parseErr == nil && seqNum > 0 {
		if build, err := h.store.GetBuildBySequenceNumber(seqNum); err == nil {
			return build, nil
		}
	}
	return h.store.GetBuild(idOrSeq)
}

// Worker handlers

// RegisterWorker handles worker registration
func (h *MasterHandler) RegisterWorker(w http.ResponseWriter, r *http.Request) {
	var reg models.WorkerRegistration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if reg.Name == "" || reg.Address == "" {
		http.Error(w, "Worker name and address are required", http.StatusBadRequest)
		return
	}

	// Re-registration: an agent restart keeps its identity by address
	if existing, err := h.store.GetWorkerByAddress(reg.Address); err == nil && existing != nil {
		existing.Name = reg.Name
		existing.CPUThreads = reg.CPUThreads
		existing.CPUModel = reg.CPUModel
		existing.RAMTotalBytes = reg.RAMTotalBytes
		existing.Runtimes = reg.Runtimes
		existing.Labels = reg.Labels
		existing.Status = "available"
		existing.LastHeartbeat = time.Now()
		existing.CurrentJobID = ""

		if err := h.store.RegisterWorker(existing); err != nil {
			log.Printf("Error re-registering worker: %v", err)
			http.Error(w, "Failed to register worker", http.StatusInternalServerError)
			return
		}

		log.Printf("Worker re-registered: %s [%s] (%d threads)", existing.Name, existing.ID, existing.CPUThreads)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(existing)
		return
	}

	worker := &models.Worker{
		ID:            uuid.New().String(),
		Name:          reg.Name,
		Address:       reg.Address,
		CPUThreads:    reg.CPUThreads,
		CPUModel:      reg.CPUModel,
		RAMTotalBytes: reg.RAMTotalBytes,
		Runtimes:      reg.Runtimes,
		Labels:        reg.Labels,
		Status:        "available",
		LastHeartbeat: time.Now(),
		RegisteredAt:  time.Now(),
	}

	if err := h.store.RegisterWorker(worker); err != nil {
		log.Printf("Error registering worker: %v", err)
		http.Error(w, "Failed to register worker", http.StatusInternalServerError)
		return
	}

	log.Printf("Worker registered: %s [%s] (%d threads, %s)", worker.Name, worker.ID, worker.CPUThreads, worker.CPUModel)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(worker)
}

// ListWorkers returns all registered workers
func (h *MasterHandler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers := h.store.GetAllWorkers()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"workers": workers,
		"count":   len(workers),
	})
}

// GetWorker returns details of a single worker
func (h *MasterHandler) GetWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := h.store.GetWorker(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Worker not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(worker)
}

// RemoveWorker removes a worker
func (h *MasterHandler) RemoveWorker(w http.ResponseWriter, r *http.Request) {
	workerID := mux.Vars(r)["id"]
	if err := h.store.DeleteWorker(workerID); err != nil {
		if err == store.ErrWorkerNotFound {
			http.Error(w, "Worker not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to remove worker", http.StatusInternalServerError)
		return
	}

	log.Printf("Worker removed: %s", workerID)
	w.WriteHeader(http.StatusNoContent)
}

// WorkerHeartbeat updates worker heartbeat
func (h *MasterHandler) WorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	workerID := mux.Vars(r)["id"]

	if err := h.store.UpdateWorkerHeartbeat(workerID); err != nil {
		if err == store.ErrWorkerNotFound {
			http.Error(w, "Worker not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to update heartbeat", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// Build handlers

// SubmitBuild accepts a pipeline, expands its matrix and queues one job per
// matrix entry
func (h *MasterHandler) SubmitBuild(w http.ResponseWriter, r *http.Request) {
	var req models.BuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Repo == "" || req.Pipeline == "" {
		http.Error(w, "Repo and pipeline are required", http.StatusBadRequest)
		return
	}
	if req.Branch == "" {
		req.Branch = "master"
	}
	if req.Priority == "" {
		req.Priority = "medium"
	}

	p, err := pipeline.Parse([]byte(req.Pipeline))
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid pipeline: %v", err), http.StatusBadRequest)
		return
	}
	if err := p.Validate(); err != nil {
		http.Error(w, fmt.Sprintf("Invalid pipeline: %v", err), http.StatusBadRequest)
		return
	}

	build := &models.Build{
		ID:        uuid.New().String(),
		Repo:      req.Repo,
		Branch:    req.Branch,
		Tag:       req.Tag,
		Commit:    req.Commit,
		Pipeline:  req.Pipeline,
		Priority:  req.Priority,
		Status:    models.BuildStatusCreated,
		CreatedAt: time.Now(),
	}
	if err := h.store.CreateBuild(build); err != nil {
		log.Printf("Error creating build: %v", err)
		http.Error(w, "Failed to create build", http.StatusInternalServerError)
		return
	}

	// At most one job of a build may deploy, even when several matrix entries
	// share the deploy version
	deployTaken := false
	for _, entry := range p.Matrix() {
		allowDeploy := !deployTaken && p.DeployAllowed(entry, req.Branch, req.Tag)
		if allowDeploy {
			deployTaken = true
		}
		job := &models.Job{
			ID:          uuid.New().String(),
			BuildID:     build.ID,
			Version:     entry.Version,
			Env:         entry.Env,
			Status:      models.JobStatusPending,
			Priority:    req.Priority,
			AllowDeploy: allowDeploy,
			CreatedAt:   time.Now(),
		}
		if err := h.store.CreateJob(job); err != nil {
			log.Printf("Error creating job for build %s: %v", build.ID, err)
			http.Error(w, "Failed to create build jobs", http.StatusInternalServerError)
			return
		}
		build.Jobs = append(build.Jobs, job)
	}

	log.Printf("Build submitted: %s (#%d) %s@%s, %d jobs", build.ID, build.SequenceNumber, build.Repo, build.Branch, len(build.Jobs))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(build)
}

// ListBuilds returns all builds
func (h *MasterHandler) ListBuilds(w http.ResponseWriter, r *http.Request) {
	builds := h.store.GetAllBuilds()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"builds": builds,
		"count":  len(builds),
	})
}

// GetBuild returns a build with its jobs
func (h *MasterHandler) GetBuild(w http.ResponseWriter, r *http.Request) {
	build, err := h.getBuildByIDOrSequence(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Build not found", http.StatusNotFound)
		return
	}

	jobs, err := h.store.GetJobsByBuild(build.ID)
	if err != nil {
		http.Error(w, "Failed to load build jobs", http.StatusInternalServerError)
		return
	}
	build.Jobs = jobs

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(build)
}

// CancelBuild cancels every non-terminal job of a build
func (h *MasterHandler) CancelBuild(w http.ResponseWriter, r *http.Request) {
	build, err := h.getBuildByIDOrSequence(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Build not found", http.StatusNotFound)
		return
	}

	jobs, err := h.store.GetJobsByBuild(build.ID)
	if err != nil {
		http.Error(w, "Failed to load build jobs", http.StatusInternalServerError)
		return
	}

	canceled := 0
	for _, job := range jobs {
		if job.Status.IsTerminal() {
			continue
		}
		if err := h.store.CancelJob(job.ID); err != nil {
			log.Printf("Warning: failed to cancel job %s: %v", job.ID, err)
			continue
		}
		canceled++
	}

	h.refreshBuildStatus(build.ID)

	log.Printf("Build canceled: %s (%d jobs)", build.ID, canceled)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"build_id":      build.ID,
		"jobs_canceled": canceled,
	})
}

// RestartBuild re-queues all terminal jobs of a build
func (h *MasterHandler) RestartBuild(w http.ResponseWriter, r *http.Request) {
	build, err := h.getBuildByIDOrSequence(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Build not found", http.StatusNotFound)
		return
	}

	jobs, err := h.store.GetJobsByBuild(build.ID)
	if err != nil {
		http.Error(w, "Failed to load build jobs", http.StatusInternalServerError)
		return
	}

	restarted := 0
	for _, job := range jobs {
		if !job.Status.IsTerminal() {
			continue
		}
		if err := h.store.RetryJob(job.ID, ""); err != nil {
			log.Printf("Warning: failed to restart job %s: %v", job.ID, err)
			continue
		}
		restarted++
	}

	if restarted > 0 {
		build.Status = models.BuildStatusRunning
		build.FinishedAt = nil
		if err := h.store.UpdateBuild(build); err != nil {
			log.Printf("Warning: failed to update build %s: %v", build.ID, err)
		}
	}

	log.Printf("Build restarted: %s (%d jobs)", build.ID, restarted)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"build_id":       build.ID,
		"jobs_restarted": restarted,
	})
}

// Job handlers

// ListJobs returns all jobs
func (h *MasterHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.store.GetAllJobs()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// GetJob returns a single job
func (h *MasterHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.getJobByIDOrSequence(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(job)
}

// GetJobLogs returns the captured log of a job as plain text
func (h *MasterHandler) GetJobLogs(w http.ResponseWriter, r *http.Request) {
	job, err := h.getJobByIDOrSequence(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, job.Logs)
}

// CancelJob cancels a single job
func (h *MasterHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.getJobByIDOrSequence(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	if err := h.store.CancelJob(job.ID); err != nil {
		http.Error(w, fmt.Sprintf("Failed to cancel job: %v", err), http.StatusConflict)
		return
	}

	h.refreshBuildStatus(job.BuildID)

	log.Printf("Job canceled: %s", job.ID)
	w.WriteHeader(http.StatusOK)
}

// GetNextJob hands the highest-priority waiting job to a polling worker
func (h *MasterHandler) GetNextJob(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker_id")
	if workerID == "" {
		http.Error(w, "worker_id is required", http.StatusBadRequest)
		return
	}

	if _, err := h.store.GetWorker(workerID); err != nil {
		h.recordScheduleAttempt("unknown_worker")
		http.Error(w, "Worker not found", http.StatusNotFound)
		return
	}

	job, err := h.store.GetNextJob(workerID)
	if err != nil {
		if err == store.ErrJobNotFound {
			h.recordScheduleAttempt("no_jobs")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.recordScheduleAttempt("error")
		http.Error(w, "Failed to claim job", http.StatusInternalServerError)
		return
	}

	build, err := h.store.GetBuild(job.BuildID)
	if err != nil {
		// The job references a build we cannot load; put it back
		h.recordScheduleAttempt("error")
		if retryErr := h.store.RetryJob(job.ID, "build lookup failed"); retryErr != nil {
			log.Printf("Warning: failed to release job %s: %v", job.ID, retryErr)
		}
		http.Error(w, "Failed to load build for job", http.StatusInternalServerError)
		return
	}

	if build.Status == models.BuildStatusCreated {
		build.Status = models.BuildStatusRunning
		if err := h.store.UpdateBuild(build); err != nil {
			log.Printf("Warning: failed to mark build %s running: %v", build.ID, err)
		}
	}

	h.recordScheduleAttempt("assigned")
	log.Printf("Job %s (#%d) assigned to worker %s", job.ID, job.SequenceNumber, workerID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(NextJobResponse{
		Job:      job,
		Pipeline: build.Pipeline,
		Repo:     build.Repo,
		Branch:   build.Branch,
		Tag:      build.Tag,
		Commit:   build.Commit,
	})
}

// ReceiveResults accepts a finished job report from a worker
func (h *MasterHandler) ReceiveResults(w http.ResponseWriter, r *http.Request) {
	var result models.JobResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	job, err := h.store.GetJob(result.JobID)
	if err != nil {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if job.Status.IsTerminal() {
		// Late report after cancel or reaper recovery; drop it
		log.Printf("Ignoring result for terminal job %s (status %s)", job.ID, job.Status)
		w.WriteHeader(http.StatusOK)
		return
	}
	if job.WorkerID != result.WorkerID {
		// The job was re-queued or handed to another worker since this report
		// was produced
		log.Printf("Ignoring result for job %s from superseded worker %s", job.ID, result.WorkerID)
		w.WriteHeader(http.StatusOK)
		return
	}

	// Infrastructure failures retry; genuine script failures do not
	if result.Status == models.JobStatusErrored &&
		result.FailureClass != models.FailureClassDeploy &&
		job.RetryCount < h.maxRetries {
		log.Printf("Job %s errored (%s), re-queuing (retry %d/%d)", job.ID, result.FailureClass, job.RetryCount+1, h.maxRetries)
		if err := h.store.RetryJob(job.ID, result.Error); err != nil {
			http.Error(w, "Failed to re-queue job", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	job.Status = result.Status
	job.FailureClass = result.FailureClass
	job.Error = result.Error
	job.Logs = result.Logs
	completedAt := result.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now()
	}
	job.CompletedAt = &completedAt
	if err := h.store.UpdateJob(job); err != nil {
		http.Error(w, "Failed to update job", http.StatusInternalServerError)
		return
	}

	// Release the worker explicitly; UpdateJob does not touch worker state
	if job.WorkerID != "" {
		if worker, err := h.store.GetWorker(job.WorkerID); err == nil && worker.CurrentJobID == job.ID {
			worker.Status = "available"
			worker.CurrentJobID = ""
			if err := h.store.RegisterWorker(worker); err != nil {
				log.Printf("Warning: failed to release worker %s: %v", job.WorkerID, err)
			}
		}
	}

	h.refreshBuildStatus(job.BuildID)

	log.Printf("Job %s finished: %s (deploy=%v, %.1fs)", job.ID, job.Status, result.DeployPerformed, result.DurationSeconds)
	w.WriteHeader(http.StatusOK)
}

// GetQueue returns the waiting jobs in claim order plus per-priority counts
func (h *MasterHandler) GetQueue(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		http.Error(w, "Queue inspection is not configured", http.StatusNotFound)
		return
	}

	jobs := h.queue.PendingJobs()
	if jobs == nil {
		jobs = []*models.Job{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"stats": h.queue.GetQueueStats(),
		"jobs":  jobs,
	})
}

// Health returns master health including store reachability
func (h *MasterHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.store.HealthCheck(); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"time":   time.Now().Format(time.RFC3339),
	})
}

// refreshBuildStatus recomputes the aggregate status of a build after one of
// its jobs changed state
func (h *MasterHandler) refreshBuildStatus(buildID string) {
	build, err := h.store.GetBuild(buildID)
	if err != nil {
		return
	}
	jobs, err := h.store.GetJobsByBuild(buildID)
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
	if err := h.store.UpdateBuild(build); err != nil {
		log.Printf("Warning: failed to update build %s status: %v", buildID, err)
	}
}

func (h *MasterHandler) recordScheduleAttempt(result string) {
	if h.metricsRecorder != nil {
		h.metricsRecorder.RecordScheduleAttempt(result)
	}
}
