package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ciforge/ciforge/pkg/models"
)

// SQLiteStore is a SQLite-based implementation of the data store
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Configure SQLite connection string with parameters for concurrent access
	// - _journal_mode=WAL: Enable Write-Ahead Logging for better concurrency
	// - _busy_timeout=10000: Wait up to 10 seconds when database is locked
	// - _synchronous=NORMAL: Balance between safety and performance
	// - _txlock=immediate: Acquire write lock at transaction start to reduce conflicts
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		address TEXT NOT NULL,
		cpu_threads INTEGER NOT NULL,
		cpu_model TEXT NOT NULL,
		ram_total_bytes INTEGER NOT NULL,
		runtimes TEXT,
		labels TEXT,
		status TEXT NOT NULL,
		last_heartbeat DATETIME NOT NULL,
		registered_at DATETIME NOT NULL,
		current_job_id TEXT
	);

	CREATE TABLE IF NOT EXISTS builds (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		repo TEXT NOT NULL,
		branch TEXT NOT NULL,
		tag TEXT,
		commit_sha TEXT,
		pipeline TEXT,
		priority TEXT DEFAULT 'medium',
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		build_id TEXT NOT NULL,
		version TEXT,
		env TEXT,
		status TEXT NOT NULL,
		phase TEXT,
		priority TEXT DEFAULT 'medium',
		allow_deploy BOOLEAN NOT NULL DEFAULT 0,
		worker_id TEXT,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		retry_count INTEGER NOT NULL,
		logs TEXT,
		error TEXT,
		failure_class TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_build ON jobs(build_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_priority ON jobs(priority, seq);
	CREATE INDEX IF NOT EXISTS idx_workers_status ON workers(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Worker operations

// RegisterWorker adds or updates a worker in the store
func (s *SQLiteStore) RegisterWorker(worker *models.Worker) error {
	runtimes, err := json.Marshal(worker.Runtimes)
	if err != nil {
		return fmt.Errorf("failed to marshal runtimes: %w", err)
	}
	labels, err := json.Marshal(worker.Labels)
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO workers
		(id, name, address, cpu_threads, cpu_model, ram_total_bytes, runtimes, labels,
		 status, last_heartbeat, registered_at, current_job_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, worker.ID, worker.Name, worker.Address, worker.CPUThreads, worker.CPUModel,
		worker.RAMTotalBytes, string(runtimes), string(labels), worker.Status,
		worker.LastHeartbeat, worker.RegisteredAt, worker.CurrentJobID)

	return err
}

const workerColumns = `id, name, address, cpu_threads, cpu_model, ram_total_bytes,
	runtimes, labels, status, last_heartbeat, registered_at, current_job_id`

// scanWorker scans one worker row
func scanWorker(row interface{ Scan(...interface{}) error }) (*models.Worker, error) {
	var worker models.Worker
	var runtimesJSON, labelsJSON string

	err := row.Scan(&worker.ID, &worker.Name, &worker.Address, &worker.CPUThreads,
		&worker.CPUModel, &worker.RAMTotalBytes, &runtimesJSON, &labelsJSON,
		&worker.Status, &worker.LastHeartbeat, &worker.RegisteredAt, &worker.CurrentJobID)
	if err != nil {
		return nil, err
	}

	if runtimesJSON != "" && runtimesJSON != "null" {
		if err := json.Unmarshal([]byte(runtimesJSON), &worker.Runtimes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal runtimes: %w", err)
		}
	}
	if labelsJSON != "" && labelsJSON != "null" {
		if err := json.Unmarshal([]byte(labelsJSON), &worker.Labels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal labels: %w", err)
		}
	}

	return &worker, nil
}

// GetWorker retrieves a worker by ID
func (s *SQLiteStore) GetWorker(id string) (*models.Worker, error) {
	row := s.db.QueryRow(`SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	worker, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkerNotFound
	}
	return worker, err
}

// GetWorkerByAddress retrieves a worker by its address
func (s *SQLiteStore) GetWorkerByAddress(address string) (*models.Worker, error) {
	row := s.db.QueryRow(`SELECT `+workerColumns+` FROM workers WHERE address = ?`, address)
	worker, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkerNotFound
	}
	return worker, err
}

// GetAllWorkers returns all registered workers
func (s *SQLiteStore) GetAllWorkers() []*models.Worker {
	rows, err := s.db.Query(`SELECT ` + workerColumns + ` FROM workers`)
	if err != nil {
		return []*models.Worker{}
	}
	defer rows.Close()

	var workers []*models.Worker
	for rows.Next() {
		worker, err := scanWorker(rows)
		if err != nil {
			continue
		}
		workers = append(workers, worker)
	}
	return workers
}

// UpdateWorkerStatus updates the status of a worker
func (s *SQLiteStore) UpdateWorkerStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE workers SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	return checkRowAffected(res, ErrWorkerNotFound)
}

// UpdateWorkerHeartbeat updates the last heartbeat time for a worker
func (s *SQLiteStore) UpdateWorkerHeartbeat(id string) error {
	res, err := s.db.Exec(`UPDATE workers SET last_heartbeat = ? WHERE id = ?`, time.Now(), id)
	if err != nil {
		return err
	}
	return checkRowAffected(res, ErrWorkerNotFound)
}

// DeleteWorker removes a worker from the store
func (s *SQLiteStore) DeleteWorker(id string) error {
	res, err := s.db.Exec(`DELETE FROM workers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowAffected(res, ErrWorkerNotFound)
}

// GetStaleWorkers returns workers whose last heartbeat is older than timeout
func (s *SQLiteStore) GetStaleWorkers(timeout time.Duration) ([]*models.Worker, error) {
	cutoff := time.Now().Add(-timeout)
	rows, err := s.db.Query(`
		SELECT `+workerColumns+` FROM workers
		WHERE status != 'offline' AND last_heartbeat < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*models.Worker
	for rows.Next() {
		worker, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, worker)
	}
	return workers, rows.Err()
}

// Build operations

// CreateBuild adds a new build to the store and assigns its sequence number
func (s *SQLiteStore) CreateBuild(build *models.Build) error {
	err := s.db.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM builds`).Scan(&build.SequenceNumber)
	if err != nil {
		return fmt.Errorf("failed to allocate sequence number: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO builds
		(id, seq, repo, branch, tag, commit_sha, pipeline, priority, status, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, build.ID, build.SequenceNumber, build.Repo, build.Branch, build.Tag, build.Commit,
		build.Pipeline, build.Priority, build.Status, build.CreatedAt, build.FinishedAt)
	return err
}

const buildColumns = `id, seq, repo, branch, tag, commit_sha, pipeline, priority,
	status, created_at, finished_at`

// scanBuild scans one build row
func scanBuild(row interface{ Scan(...interface{}) error }) (*models.Build, error) {
	var build models.Build
	var finishedAt sql.NullTime

	err := row.Scan(&build.ID, &build.SequenceNumber, &build.Repo, &build.Branch,
		&build.Tag, &build.Commit, &build.Pipeline, &build.Priority, &build.Status,
		&build.CreatedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		build.FinishedAt = &finishedAt.Time
	}
	return &build, nil
}

// GetBuild retrieves a build by ID
func (s *SQLiteStore) GetBuild(id string) (*models.Build, error) {
	row := s.db.QueryRow(`SELECT `+buildColumns+` FROM builds WHERE id = ?`, id)
	build, err := scanBuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBuildNotFound
	}
	return build, err
}

// GetBuildBySequenceNumber retrieves a build by sequence number
func (s *SQLiteStore) GetBuildBySequenceNumber(seqNum int) (*models.Build, error) {
	row := s.db.QueryRow(`SELECT `+buildColumns+` FROM builds WHERE seq = ?`, seqNum)
	build, err := scanBuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBuildNotFound
	}
	return build, err
}

// GetAllBuilds returns all builds, newest first
func (s *SQLiteStore) GetAllBuilds() []*models.Build {
	rows, err := s.db.Query(`SELECT ` + buildColumns + ` FROM builds ORDER BY seq DESC`)
	if err != nil {
		return []*models.Build{}
	}
	defer rows.Close()

	var builds []*models.Build
	for rows.Next() {
		build, err := scanBuild(rows)
		if err != nil {
			continue
		}
		builds = append(builds, build)
	}
	return builds
}

// UpdateBuild replaces a build in the store
func (s *SQLiteStore) UpdateBuild(build *models.Build) error {
	res, err := s.db.Exec(`
		UPDATE builds SET repo = ?, branch = ?, tag = ?, commit_sha = ?, pipeline = ?,
			priority = ?, status = ?, finished_at = ?
		WHERE id = ?
	`, build.Repo, build.Branch, build.Tag, build.Commit, build.Pipeline,
		build.Priority, build.Status, build.FinishedAt, build.ID)
	if err != nil {
		return err
	}
	return checkRowAffected(res, ErrBuildNotFound)
}

// Job operations

// CreateJob adds a new job to the store and assigns its sequence number
func (s *SQLiteStore) CreateJob(job *models.Job) error {
	env, err := json.Marshal(job.Env)
	if err != nil {
		return fmt.Errorf("failed to marshal env: %w", err)
	}

	err = s.db.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM jobs`).Scan(&job.SequenceNumber)
	if err != nil {
		return fmt.Errorf("failed to allocate sequence number: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO jobs
		(id, seq, build_id, version, env, status, phase, priority, allow_deploy, worker_id,
		 created_at, started_at, completed_at, retry_count, logs, error, failure_class)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.SequenceNumber, job.BuildID, job.Version, string(env), job.Status,
		job.Phase, job.Priority, job.AllowDeploy, job.WorkerID, job.CreatedAt,
		job.StartedAt, job.CompletedAt, job.RetryCount, job.Logs, job.Error, job.FailureClass)
	return err
}

const jobColumns = `id, seq, build_id, version, env, status, phase, priority, allow_deploy,
	worker_id, created_at, started_at, completed_at, retry_count, logs, error, failure_class`

// scanJob scans one job row
func scanJob(row interface{ Scan(...interface{}) error }) (*models.Job, error) {
	var job models.Job
	var envJSON string
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&job.ID, &job.SequenceNumber, &job.BuildID, &job.Version, &envJSON,
		&job.Status, &job.Phase, &job.Priority, &job.AllowDeploy, &job.WorkerID,
		&job.CreatedAt, &startedAt, &completedAt, &job.RetryCount, &job.Logs,
		&job.Error, &job.FailureClass)
	if err != nil {
		return nil, err
	}

	if envJSON != "" && envJSON != "null" {
		if err := json.Unmarshal([]byte(envJSON), &job.Env); err != nil {
			return nil, fmt.Errorf("failed to unmarshal env: %w", err)
		}
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return &job, nil
}

// GetJob retrieves a job by ID
func (s *SQLiteStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// GetJobBySequenceNumber retrieves a job by sequence number
func (s *SQLiteStore) GetJobBySequenceNumber(seqNum int) (*models.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE seq = ?`, seqNum)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// GetJobsByBuild returns all jobs of a build in matrix order
func (s *SQLiteStore) GetJobsByBuild(buildID string) ([]*models.Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs WHERE build_id = ? ORDER BY seq`, buildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// GetAllJobs returns all jobs
func (s *SQLiteStore) GetAllJobs() []*models.Job {
	rows, err := s.db.Query(`SELECT ` + jobColumns + ` FROM jobs ORDER BY seq`)
	if err != nil {
		return []*models.Job{}
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs
}

// GetNextJob atomically claims the highest-priority pending job for a worker.
// The UPDATE guard on status prevents handing the same job to two workers.
func (s *SQLiteStore) GetNextJob(workerID string) (*models.Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT ` + jobColumns + ` FROM jobs
		WHERE status IN ('pending', 'queued')
		ORDER BY CASE priority WHEN 'high' THEN 3 WHEN 'medium' THEN 2 WHEN 'low' THEN 1 ELSE 2 END DESC,
		         allow_deploy DESC,
		         seq ASC
		LIMIT 1`)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	res, err := tx.Exec(`
		UPDATE jobs SET status = ?, worker_id = ?, started_at = ?
		WHERE id = ? AND status IN ('pending', 'queued')
	`, models.JobStatusRunning, workerID, now, job.ID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrJobNotFound
	}

	if _, err := tx.Exec(`UPDATE workers SET status = 'busy', current_job_id = ? WHERE id = ?`,
		job.ID, workerID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	job.Status = models.JobStatusRunning
	job.WorkerID = workerID
	job.StartedAt = &now
	return job, nil
}

// UpdateJob replaces a job in the store
func (s *SQLiteStore) UpdateJob(job *models.Job) error {
	env, err := json.Marshal(job.Env)
	if err != nil {
		return fmt.Errorf("failed to marshal env: %w", err)
	}

	res, err := s.db.Exec(`
		UPDATE jobs SET build_id = ?, version = ?, env = ?, status = ?, phase = ?,
			priority = ?, allow_deploy = ?, worker_id = ?, started_at = ?, completed_at = ?,
			retry_count = ?, logs = ?, error = ?, failure_class = ?
		WHERE id = ?
	`, job.BuildID, job.Version, string(env), job.Status, job.Phase, job.Priority,
		job.AllowDeploy, job.WorkerID, job.StartedAt, job.CompletedAt, job.RetryCount,
		job.Logs, job.Error, job.FailureClass, job.ID)
	if err != nil {
		return err
	}
	return checkRowAffected(res, ErrJobNotFound)
}

// UpdateJobStatus updates the status of a job
func (s *SQLiteStore) UpdateJobStatus(id string, status models.JobStatus, errorMsg string) error {
	job, err := s.GetJob(id)
	if err != nil {
		return err
	}

	job.Status = status
	if errorMsg != "" {
		job.Error = errorMsg
	}
	if status.IsTerminal() {
		now := time.Now()
		job.CompletedAt = &now
		if job.WorkerID != "" {
			s.releaseWorker(job.WorkerID, job.ID)
		}
	}
	return s.UpdateJob(job)
}

// releaseWorker frees a worker after its job left the running state. Offline
// workers keep their status; only busy ones go back to available.
func (s *SQLiteStore) releaseWorker(workerID, jobID string) {
	_, _ = s.db.Exec(`
		UPDATE workers
		SET status = CASE WHEN status = 'busy' THEN 'available' ELSE status END,
		    current_job_id = ''
		WHERE id = ? AND current_job_id = ?`, workerID, jobID)
}

// CancelJob cancels a pending or running job
func (s *SQLiteStore) CancelJob(id string) error {
	job, err := s.GetJob(id)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return errors.New("job is already in a terminal state")
	}
	return s.UpdateJobStatus(id, models.JobStatusCanceled, "")
}

// RetryJob re-queues a job for another attempt
func (s *SQLiteStore) RetryJob(id string, errorMsg string) error {
	job, err := s.GetJob(id)
	if err != nil {
		return err
	}

	if job.WorkerID != "" {
		s.releaseWorker(job.WorkerID, job.ID)
	}

	job.Status = models.JobStatusPending
	job.RetryCount++
	job.WorkerID = ""
	job.StartedAt = nil
	job.CompletedAt = nil
	job.Error = errorMsg
	job.FailureClass = models.FailureClassNone
	return s.UpdateJob(job)
}

// Lifecycle

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies the database is reachable
func (s *SQLiteStore) HealthCheck() error {
	return s.db.Ping()
}

// GetMetrics returns aggregated statistics without loading all rows
func (s *SQLiteStore) GetMetrics() (*Metrics, error) {
	m := &Metrics{
		JobsByState:     make(map[models.JobStatus]int),
		BuildsByState:   make(map[models.BuildStatus]int),
		WorkersByStatus: make(map[string]int),
	}

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status models.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		m.JobsByState[status] = count
		m.TotalJobs += count
		switch status {
		case models.JobStatusPending, models.JobStatusQueued:
			m.QueueLength += count
		case models.JobStatusRunning, models.JobStatusAssigned:
			m.ActiveJobs += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	buildRows, err := s.db.Query(`SELECT status, COUNT(*) FROM builds GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer buildRows.Close()
	for buildRows.Next() {
		var status models.BuildStatus
		var count int
		if err := buildRows.Scan(&status, &count); err != nil {
			return nil, err
		}
		m.BuildsByState[status] = count
		m.TotalBuilds += count
	}
	if err := buildRows.Err(); err != nil {
		return nil, err
	}

	workerRows, err := s.db.Query(`SELECT status, COUNT(*) FROM workers GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer workerRows.Close()
	for workerRows.Next() {
		var status string
		var count int
		if err := workerRows.Scan(&status, &count); err != nil {
			return nil, err
		}
		m.WorkersByStatus[status] = count
	}
	if err := workerRows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRow(`
		SELECT COALESCE(AVG(strftime('%s', completed_at) - strftime('%s', started_at)), 0)
		FROM jobs WHERE started_at IS NOT NULL AND completed_at IS NOT NULL
	`).Scan(&m.AvgDuration)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// checkRowAffected converts a zero-row update into notFound
func checkRowAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
