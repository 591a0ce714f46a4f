package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/ciforge/ciforge/pkg/models"
	"github.com/ciforge/ciforge/pkg/scheduler"
	"github.com/ciforge/ciforge/pkg/store"
)

const testPipeline = `language: python
versions:
  - "2.7"
  - "3.5"
env:
  - DB=sqlite
  - DB=postgres
script:
  - pytest
deploy:
  provider: pypi
  user: ci-bot
  password_env: PYPI_PASSWORD
  command: twine upload dist/*
  on:
    branch: master
    tags: true
    version: "3.5"
`

func newTestServer(t *testing.T, maxRetries int) (*httptest.Server, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	handler := NewMasterHandlerWithRetry(st, maxRetries)
	handler.SetQueueInspector(scheduler.NewPriorityQueueManager(st))
	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, st
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func registerTestWorker(t *testing.T, srv *httptest.Server, name string) *models.Worker {
	t.Helper()
	resp := postJSON(t, srv.URL+"/workers/register", models.WorkerRegistration{
		Name:       name,
		Address:    "http://" + name + ":9091",
		CPUThreads: 4,
		Runtimes:   map[string]string{"python": "3.5.2"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register returned %d", resp.StatusCode)
	}
	var worker models.Worker
	decodeJSON(t, resp, &worker)
	return &worker
}

func TestSubmitBuildExpandsMatrix(t *testing.T) {
	srv, _ := newTestServer(t, 0)

	resp := postJSON(t, srv.URL+"/builds", models.BuildRequest{
		Repo:     "org/proj",
		Branch:   "master",
		Tag:      "v1.0.0",
		Pipeline: testPipeline,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	var build models.Build
	decodeJSON(t, resp, &build)

	// 2 versions x 2 env rows
	if len(build.Jobs) != 4 {
		t.Fatalf("expected 4 jobs, got %d", len(build.Jobs))
	}

	// Branch and tag match, so exactly one job carries the deploy gate, and it
	// must be a 3.5 entry
	deployable := 0
	for _, job := range build.Jobs {
		if job.AllowDeploy {
			deployable++
			if job.Version != "3.5" {
				t.Errorf("deployable job has version %s, want 3.5", job.Version)
			}
		}
	}
	if deployable != 1 {
		t.Errorf("expected exactly 1 deployable job, got %d", deployable)
	}
}

func TestSubmitBuildRejectsInvalidPipeline(t *testing.T) {
	srv, _ := newTestServer(t, 0)

	resp := postJSON(t, srv.URL+"/builds", models.BuildRequest{
		Repo:     "org/proj",
		Pipeline: "language: python\n", // no script
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestWorkerClaimAndReport(t *testing.T) {
	srv, st := newTestServer(t, 0)

	worker := registerTestWorker(t, srv, "worker-1")

	resp := postJSON(t, srv.URL+"/builds", models.BuildRequest{
		Repo:     "org/proj",
		Branch:   "master",
		Pipeline: "language: python\nversions: [\"3.5\"]\nscript: pytest\n",
	})
	var build models.Build
	decodeJSON(t, resp, &build)

	// Claim
	claimResp, err := http.Get(srv.URL + "/jobs/next?worker_id=" + worker.ID)
	if err != nil {
		t.Fatal(err)
	}
	if claimResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", claimResp.StatusCode)
	}
	var next NextJobResponse
	decodeJSON(t, claimResp, &next)
	if next.Job == nil || next.Job.Status != models.JobStatusRunning {
		t.Fatalf("unexpected claim: %+v", next.Job)
	}
	if next.Pipeline == "" || next.Repo != "org/proj" || next.Branch != "master" {
		t.Errorf("claim missing build context: %+v", next)
	}

	// No second job
	empty, err := http.Get(srv.URL + "/jobs/next?worker_id=" + worker.ID)
	if err != nil {
		t.Fatal(err)
	}
	empty.Body.Close()
	if empty.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204 on empty queue, got %d", empty.StatusCode)
	}

	// Report result
	report := postJSON(t, srv.URL+"/results", models.JobResult{
		JobID:           next.Job.ID,
		WorkerID:        worker.ID,
		Status:          models.JobStatusPassed,
		Logs:            "== script ==\n$ pytest\nok\n",
		DurationSeconds: 1.5,
		CompletedAt:     time.Now(),
	})
	report.Body.Close()
	if report.StatusCode != http.StatusOK {
		t.Fatalf("report returned %d", report.StatusCode)
	}

	job, err := st.GetJob(next.Job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobStatusPassed || job.Logs == "" {
		t.Errorf("unexpected job after report: %+v", job)
	}

	b, _ := st.GetBuild(build.ID)
	if b.Status != models.BuildStatusPassed {
		t.Errorf("expected build passed, got %s", b.Status)
	}
	if b.FinishedAt == nil {
		t.Error("expected build FinishedAt to be set")
	}

	w, _ := st.GetWorker(worker.ID)
	if w.Status != "available" || w.CurrentJobID != "" {
		t.Errorf("worker not released: %+v", w)
	}
}

func TestErroredJobRetriesBeforeSettling(t *testing.T) {
	srv, st := newTestServer(t, 1)

	worker := registerTestWorker(t, srv, "worker-1")

	resp := postJSON(t, srv.URL+"/builds", models.BuildRequest{
		Repo:     "org/proj",
		Pipeline: "language: python\nscript: pytest\n",
	})
	var build models.Build
	decodeJSON(t, resp, &build)
	jobID := build.Jobs[0].ID

	claim, _ := http.Get(srv.URL + "/jobs/next?worker_id=" + worker.ID)
	claim.Body.Close()

	// Setup failure is infrastructure: job should re-queue once
	report := postJSON(t, srv.URL+"/results", models.JobResult{
		JobID:        jobID,
		WorkerID:     worker.ID,
		Status:       models.JobStatusErrored,
		FailureClass: models.FailureClassSetup,
		Error:        "pip install failed",
	})
	report.Body.Close()

	job, _ := st.GetJob(jobID)
	if job.Status != models.JobStatusPending || job.RetryCount != 1 {
		t.Fatalf("expected re-queued job, got status=%s retries=%d", job.Status, job.RetryCount)
	}

	// Second failure exhausts the single retry
	claim2, _ := http.Get(srv.URL + "/jobs/next?worker_id=" + worker.ID)
	claim2.Body.Close()
	report2 := postJSON(t, srv.URL+"/results", models.JobResult{
		JobID:        jobID,
		WorkerID:     worker.ID,
		Status:       models.JobStatusErrored,
		FailureClass: models.FailureClassSetup,
		Error:        "pip install failed",
	})
	report2.Body.Close()

	job, _ = st.GetJob(jobID)
	if job.Status != models.JobStatusErrored {
		t.Errorf("expected errored after retries, got %s", job.Status)
	}

	b, _ := st.GetBuild(build.ID)
	if b.Status != models.BuildStatusErrored {
		t.Errorf("expected build errored, got %s", b.Status)
	}
}

func TestFailedJobDoesNotRetry(t *testing.T) {
	srv, st := newTestServer(t, 3)

	worker := registerTestWorker(t, srv, "worker-1")

	resp := postJSON(t, srv.URL+"/builds", models.BuildRequest{
		Repo:     "org/proj",
		Pipeline: "language: python\nscript: pytest\n",
	})
	var build models.Build
	decodeJSON(t, resp, &build)
	jobID := build.Jobs[0].ID

	claim, _ := http.Get(srv.URL + "/jobs/next?worker_id=" + worker.ID)
	claim.Body.Close()

	report := postJSON(t, srv.URL+"/results", models.JobResult{
		JobID:        jobID,
		WorkerID:     worker.ID,
		Status:       models.JobStatusFailed,
		FailureClass: models.FailureClassScript,
		Error:        "command \"pytest\": exited with code 1",
	})
	report.Body.Close()

	job, _ := st.GetJob(jobID)
	if job.Status != models.JobStatusFailed || job.RetryCount != 0 {
		t.Errorf("script failure must settle immediately: %+v", job)
	}

	b, _ := st.GetBuild(build.ID)
	if b.Status != models.BuildStatusFailed {
		t.Errorf("expected build failed, got %s", b.Status)
	}
}

func TestBuildCancelAndRestart(t *testing.T) {
	srv, st := newTestServer(t, 0)

	resp := postJSON(t, srv.URL+"/builds", models.BuildRequest{
		Repo:     "org/proj",
		Pipeline: "language: python\nversions: [\"2.7\", \"3.5\"]\nscript: pytest\n",
	})
	var build models.Build
	decodeJSON(t, resp, &build)

	cancel := postJSON(t, srv.URL+"/builds/"+build.ID+"/cancel", nil)
	var cancelBody map[string]interface{}
	decodeJSON(t, cancel, &cancelBody)
	if int(cancelBody["jobs_canceled"].(float64)) != 2 {
		t.Errorf("expected 2 canceled jobs, got %v", cancelBody["jobs_canceled"])
	}

	b, _ := st.GetBuild(build.ID)
	if b.Status != models.BuildStatusCanceled {
		t.Errorf("expected build canceled, got %s", b.Status)
	}

	restart := postJSON(t, srv.URL+"/builds/"+build.ID+"/restart", nil)
	var restartBody map[string]interface{}
	decodeJSON(t, restart, &restartBody)
	if int(restartBody["jobs_restarted"].(float64)) != 2 {
		t.Errorf("expected 2 restarted jobs, got %v", restartBody["jobs_restarted"])
	}

	jobs, _ := st.GetJobsByBuild(build.ID)
	for _, job := range jobs {
		if job.Status != models.JobStatusPending {
			t.Errorf("job %s not re-queued: %s", job.ID, job.Status)
		}
	}
}

func TestBuildLookupBySequenceNumber(t *testing.T) {
	srv, _ := newTestServer(t, 0)

	resp := postJSON(t, srv.URL+"/builds", models.BuildRequest{
		Repo:     "org/proj",
		Pipeline: "language: python\nscript: pytest\n",
	})
	var build models.Build
	decodeJSON(t, resp, &build)

	get, err := http.Get(fmt.Sprintf("%s/builds/%d", srv.URL, build.SequenceNumber))
	if err != nil {
		t.Fatal(err)
	}
	if get.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", get.StatusCode)
	}
	var fetched models.Build
	decodeJSON(t, get, &fetched)
	if fetched.ID != build.ID {
		t.Errorf("sequence lookup returned wrong build: %s", fetched.ID)
	}
}

func TestJobLogsEndpoint(t *testing.T) {
	srv, st := newTestServer(t, 0)

	resp := postJSON(t, srv.URL+"/builds", models.BuildRequest{
		Repo:     "org/proj",
		Pipeline: "language: python\nscript: pytest\n",
	})
	var build models.Build
	decodeJSON(t, resp, &build)

	job, _ := st.GetJob(build.Jobs[0].ID)
	job.Logs = "== script ==\n$ pytest\n"
	if err := st.UpdateJob(job); err != nil {
		t.Fatal(err)
	}

	logs, err := http.Get(srv.URL + "/jobs/" + job.ID + "/logs")
	if err != nil {
		t.Fatal(err)
	}
	defer logs.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(logs.Body); err != nil {
		t.Fatal(err)
	}
	if buf.String() != job.Logs {
		t.Errorf("unexpected logs: %q", buf.String())
	}
}

func TestQueueEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, 0)

	resp := postJSON(t, srv.URL+"/builds", models.BuildRequest{
		Repo:     "org/proj",
		Priority: "high",
		Pipeline: "language: python\nversions: [\"2.7\", \"3.5\"]\nscript: pytest\n",
	})
	resp.Body.Close()

	get, err := http.Get(srv.URL + "/queue")
	if err != nil {
		t.Fatal(err)
	}
	if get.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", get.StatusCode)
	}
	var queue struct {
		Stats map[string]int `json:"stats"`
		Jobs  []models.Job   `json:"jobs"`
	}
	decodeJSON(t, get, &queue)

	if queue.Stats["total"] != 2 || queue.Stats["high"] != 2 {
		t.Errorf("unexpected stats: %v", queue.Stats)
	}
	if len(queue.Jobs) != 2 {
		t.Fatalf("expected 2 queued jobs, got %d", len(queue.Jobs))
	}
	// Claim order: FIFO within equal priority
	if queue.Jobs[0].SequenceNumber > queue.Jobs[1].SequenceNumber {
		t.Errorf("jobs not in claim order: %d before %d",
			queue.Jobs[0].SequenceNumber, queue.Jobs[1].SequenceNumber)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, 0)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}
