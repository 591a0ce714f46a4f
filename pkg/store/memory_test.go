package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ciforge/ciforge/pkg/models"
)

func newTestJob(id, buildID, priority string) *models.Job {
	return &models.Job{
		ID:        id,
		BuildID:   buildID,
		Version:   "3.5",
		Status:    models.JobStatusPending,
		Priority:  priority,
		CreatedAt: time.Now(),
	}
}

func newTestWorker(id string) *models.Worker {
	return &models.Worker{
		ID:            id,
		Name:          "worker-" + id,
		Address:       "10.0.0.1:9091",
		CPUThreads:    8,
		Status:        "available",
		LastHeartbeat: time.Now(),
		RegisteredAt:  time.Now(),
	}
}

func TestMemoryStoreJobLifecycle(t *testing.T) {
	s := NewMemoryStore()

	build := &models.Build{ID: "b1", Repo: "org/proj", Branch: "master", Status: models.BuildStatusCreated, CreatedAt: time.Now()}
	if err := s.CreateBuild(build); err != nil {
		t.Fatalf("CreateBuild failed: %v", err)
	}
	if build.SequenceNumber != 1 {
		t.Errorf("expected sequence number 1, got %d", build.SequenceNumber)
	}

	job := newTestJob("j1", "b1", "medium")
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	if err := s.RegisterWorker(newTestWorker("w1")); err != nil {
		t.Fatalf("RegisterWorker failed: %v", err)
	}

	claimed, err := s.GetNextJob("w1")
	if err != nil {
		t.Fatalf("GetNextJob failed: %v", err)
	}
	if claimed.ID != "j1" {
		t.Errorf("expected job j1, got %s", claimed.ID)
	}
	if claimed.Status != models.JobStatusRunning {
		t.Errorf("expected running, got %s", claimed.Status)
	}

	worker, _ := s.GetWorker("w1")
	if worker.Status != "busy" || worker.CurrentJobID != "j1" {
		t.Errorf("worker not marked busy: status=%s job=%s", worker.Status, worker.CurrentJobID)
	}

	if err := s.UpdateJobStatus("j1", models.JobStatusPassed, ""); err != nil {
		t.Fatalf("UpdateJobStatus failed: %v", err)
	}

	done, _ := s.GetJob("j1")
	if done.CompletedAt == nil {
		t.Error("expected CompletedAt to be set on terminal status")
	}
	worker, _ = s.GetWorker("w1")
	if worker.Status != "available" || worker.CurrentJobID != "" {
		t.Errorf("worker not released: status=%s job=%s", worker.Status, worker.CurrentJobID)
	}
}

func TestMemoryStoreGetNextJobPriorityOrder(t *testing.T) {
	s := NewMemoryStore()

	if err := s.CreateJob(newTestJob("low", "b1", "low")); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateJob(newTestJob("med1", "b1", "medium")); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateJob(newTestJob("high", "b1", "high")); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateJob(newTestJob("med2", "b1", "medium")); err != nil {
		t.Fatal(err)
	}

	want := []string{"high", "med1", "med2", "low"}
	for i, expected := range want {
		job, err := s.GetNextJob(fmt.Sprintf("w%d", i))
		if err != nil {
			t.Fatalf("claim %d failed: %v", i, err)
		}
		if job.ID != expected {
			t.Errorf("claim %d: expected %s, got %s", i, expected, job.ID)
		}
	}

	if _, err := s.GetNextJob("w9"); err != ErrJobNotFound {
		t.Errorf("expected ErrJobNotFound on empty queue, got %v", err)
	}
}

func TestMemoryStoreGetNextJobPrefersDeployGated(t *testing.T) {
	s := NewMemoryStore()

	if err := s.CreateJob(newTestJob("plain", "b1", "medium")); err != nil {
		t.Fatal(err)
	}
	gated := newTestJob("gated", "b1", "medium")
	gated.AllowDeploy = true
	if err := s.CreateJob(gated); err != nil {
		t.Fatal(err)
	}
	// Priority still wins over the deploy gate
	if err := s.CreateJob(newTestJob("urgent", "b1", "high")); err != nil {
		t.Fatal(err)
	}

	want := []string{"urgent", "gated", "plain"}
	for i, expected := range want {
		job, err := s.GetNextJob(fmt.Sprintf("w%d", i))
		if err != nil {
			t.Fatalf("claim %d failed: %v", i, err)
		}
		if job.ID != expected {
			t.Errorf("claim %d: expected %s, got %s", i, expected, job.ID)
		}
	}
}

func TestMemoryStoreConcurrentClaims(t *testing.T) {
	s := NewMemoryStore()

	const jobCount = 50
	for i := 0; i < jobCount; i++ {
		if err := s.CreateJob(newTestJob(fmt.Sprintf("j%d", i), "b1", "medium")); err != nil {
			t.Fatal(err)
		}
	}

	var mu sync.Mutex
	claimed := make(map[string]string)

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				job, err := s.GetNextJob(workerID)
				if err != nil {
					return
				}
				mu.Lock()
				if prev, ok := claimed[job.ID]; ok {
					t.Errorf("job %s claimed by both %s and %s", job.ID, prev, workerID)
				}
				claimed[job.ID] = workerID
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	if len(claimed) != jobCount {
		t.Errorf("expected %d claimed jobs, got %d", jobCount, len(claimed))
	}
}

func TestMemoryStoreRetryJob(t *testing.T) {
	s := NewMemoryStore()

	job := newTestJob("j1", "b1", "medium")
	if err := s.CreateJob(job); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterWorker(newTestWorker("w1")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetNextJob("w1"); err != nil {
		t.Fatal(err)
	}

	if err := s.RetryJob("j1", "worker lost"); err != nil {
		t.Fatalf("RetryJob failed: %v", err)
	}

	retried, _ := s.GetJob("j1")
	if retried.Status != models.JobStatusPending {
		t.Errorf("expected pending, got %s", retried.Status)
	}
	if retried.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", retried.RetryCount)
	}
	if retried.WorkerID != "" || retried.StartedAt != nil {
		t.Error("expected worker assignment to be cleared")
	}

	worker, _ := s.GetWorker("w1")
	if worker.Status != "available" {
		t.Errorf("expected worker released, got %s", worker.Status)
	}
}

func TestMemoryStoreCancelJob(t *testing.T) {
	s := NewMemoryStore()

	if err := s.CreateJob(newTestJob("j1", "b1", "medium")); err != nil {
		t.Fatal(err)
	}
	if err := s.CancelJob("j1"); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}

	job, _ := s.GetJob("j1")
	if job.Status != models.JobStatusCanceled {
		t.Errorf("expected canceled, got %s", job.Status)
	}

	if err := s.CancelJob("j1"); err == nil {
		t.Error("expected error canceling a terminal job")
	}
}

func TestMemoryStoreGettersReturnDetachedCopies(t *testing.T) {
	s := NewMemoryStore()

	if err := s.CreateJob(newTestJob("j1", "b1", "medium")); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterWorker(newTestWorker("w1")); err != nil {
		t.Fatal(err)
	}

	job, _ := s.GetJob("j1")
	job.Status = models.JobStatusPassed
	job.Logs = "scribbled"

	again, _ := s.GetJob("j1")
	if again.Status != models.JobStatusPending || again.Logs != "" {
		t.Errorf("mutating a returned job leaked into the store: %+v", again)
	}

	all := s.GetAllJobs()
	all[0].Status = models.JobStatusErrored
	again, _ = s.GetJob("j1")
	if again.Status != models.JobStatusPending {
		t.Error("mutating GetAllJobs result leaked into the store")
	}

	worker, _ := s.GetWorker("w1")
	worker.Status = "offline"
	freshWorker, _ := s.GetWorker("w1")
	if freshWorker.Status != "available" {
		t.Error("mutating a returned worker leaked into the store")
	}
}

func TestMemoryStoreStaleWorkers(t *testing.T) {
	s := NewMemoryStore()

	fresh := newTestWorker("fresh")
	stale := newTestWorker("stale")
	stale.LastHeartbeat = time.Now().Add(-5 * time.Minute)
	offline := newTestWorker("offline")
	offline.Status = "offline"
	offline.LastHeartbeat = time.Now().Add(-time.Hour)

	for _, w := range []*models.Worker{fresh, stale, offline} {
		if err := s.RegisterWorker(w); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.GetStaleWorkers(time.Minute)
	if err != nil {
		t.Fatalf("GetStaleWorkers failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "stale" {
		t.Errorf("expected only the stale worker, got %v", got)
	}
}

func TestMemoryStoreGetMetrics(t *testing.T) {
	s := NewMemoryStore()

	build := &models.Build{ID: "b1", Repo: "org/proj", Status: models.BuildStatusRunning, CreatedAt: time.Now()}
	if err := s.CreateBuild(build); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateJob(newTestJob("j1", "b1", "medium")); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateJob(newTestJob("j2", "b1", "medium")); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterWorker(newTestWorker("w1")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetNextJob("w1"); err != nil {
		t.Fatal(err)
	}

	m, err := s.GetMetrics()
	if err != nil {
		t.Fatalf("GetMetrics failed: %v", err)
	}
	if m.TotalJobs != 2 {
		t.Errorf("expected 2 total jobs, got %d", m.TotalJobs)
	}
	if m.QueueLength != 1 {
		t.Errorf("expected queue length 1, got %d", m.QueueLength)
	}
	if m.ActiveJobs != 1 {
		t.Errorf("expected 1 active job, got %d", m.ActiveJobs)
	}
	if m.WorkersByStatus["busy"] != 1 {
		t.Errorf("expected 1 busy worker, got %d", m.WorkersByStatus["busy"])
	}
}
