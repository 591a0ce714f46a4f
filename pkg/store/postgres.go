package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/ciforge/ciforge/pkg/models"
)

// PostgresStore is a PostgreSQL-based implementation of the data store,
// for deployments where multiple master replicas share one database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(config Config) (*PostgresStore, error) {
	if config.DSN == "" {
		return nil, errors.New("postgres store requires a DSN")
	}

	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := config.MaxOpenConns
	if maxOpen == 0 {
		maxOpen = 25
	}
	maxIdle := config.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = 5
	}
	lifetime := config.ConnMaxLifetime
	if lifetime == 0 {
		lifetime = 30 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		address TEXT NOT NULL,
		cpu_threads INTEGER NOT NULL,
		cpu_model TEXT NOT NULL,
		ram_total_bytes BIGINT NOT NULL,
		runtimes JSONB,
		labels JSONB,
		status TEXT NOT NULL,
		last_heartbeat TIMESTAMPTZ NOT NULL,
		registered_at TIMESTAMPTZ NOT NULL,
		current_job_id TEXT
	);

	CREATE TABLE IF NOT EXISTS builds (
		id TEXT PRIMARY KEY,
		seq BIGSERIAL,
		repo TEXT NOT NULL,
		branch TEXT NOT NULL,
		tag TEXT,
		commit_sha TEXT,
		pipeline TEXT,
		priority TEXT DEFAULT 'medium',
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		seq BIGSERIAL,
		build_id TEXT NOT NULL,
		version TEXT,
		env JSONB,
		status TEXT NOT NULL,
		phase TEXT,
		priority TEXT DEFAULT 'medium',
		allow_deploy BOOLEAN NOT NULL DEFAULT FALSE,
		worker_id TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
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
func (s *PostgresStore) RegisterWorker(worker *models.Worker) error {
	runtimes, err := json.Marshal(worker.Runtimes)
	if err != nil {
		return fmt.Errorf("failed to marshal runtimes: %w", err)
	}
	labels, err := json.Marshal(worker.Labels)
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO workers
		(id, name, address, cpu_threads, cpu_model, ram_total_bytes, runtimes, labels,
		 status, last_heartbeat, registered_at, current_job_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			address = EXCLUDED.address,
			cpu_threads = EXCLUDED.cpu_threads,
			cpu_model = EXCLUDED.cpu_model,
			ram_total_bytes = EXCLUDED.ram_total_bytes,
			runtimes = EXCLUDED.runtimes,
			labels = EXCLUDED.labels,
			status = EXCLUDED.status,
			last_heartbeat = EXCLUDED.last_heartbeat,
			current_job_id = EXCLUDED.current_job_id
	`, worker.ID, worker.Name, worker.Address, worker.CPUThreads, worker.CPUModel,
		worker.RAMTotalBytes, string(runtimes), string(labels), worker.Status,
		worker.LastHeartbeat, worker.RegisteredAt, worker.CurrentJobID)
	return err
}

// GetWorker retrieves a worker by ID
func (s *PostgresStore) GetWorker(id string) (*models.Worker, error) {
	row := s.db.QueryRow(`SELECT `+workerColumns+` FROM workers WHERE id = $1`, id)
	worker, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkerNotFound
	}
	return worker, err
}

// GetWorkerByAddress retrieves a worker by its address
func (s *PostgresStore) GetWorkerByAddress(address string) (*models.Worker, error) {
	row := s.db.QueryRow(`SELECT `+workerColumns+` FROM workers WHERE address = $1`, address)
	worker, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkerNotFound
	}
	return worker, err
}

// GetAllWorkers returns all registered workers
func (s *PostgresStore) GetAllWorkers() []*models.Worker {
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
func (s *PostgresStore) UpdateWorkerStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE workers SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return err
	}
	return checkRowAffected(res, ErrWorkerNotFound)
}

// UpdateWorkerHeartbeat updates the last heartbeat time for a worker
func (s *PostgresStore) UpdateWorkerHeartbeat(id string) error {
	res, err := s.db.Exec(`UPDATE workers SET last_heartbeat = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return checkRowAffected(res, ErrWorkerNotFound)
}

// DeleteWorker removes a worker from the store
func (s *PostgresStore) DeleteWorker(id string) error {
	res, err := s.db.Exec(`DELETE FROM workers WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return checkRowAffected(res, ErrWorkerNotFound)
}

// GetStaleWorkers returns workers whose last heartbeat is older than timeout
func (s *PostgresStore) GetStaleWorkers(timeout time.Duration) ([]*models.Worker, error) {
	cutoff := time.Now().Add(-timeout)
	rows, err := s.db.Query(`
		SELECT `+workerColumns+` FROM workers
		WHERE status != 'offline' AND last_heartbeat < $1`, cutoff)
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
func (s *PostgresStore) CreateBuild(build *models.Build) error {
	return s.db.QueryRow(`
		INSERT INTO builds
		(id, repo, branch, tag, commit_sha, pipeline, priority, status, created_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING seq
	`, build.ID, build.Repo, build.Branch, build.Tag, build.Commit, build.Pipeline,
		build.Priority, build.Status, build.CreatedAt, build.FinishedAt).Scan(&build.SequenceNumber)
}

// GetBuild retrieves a build by ID
func (s *PostgresStore) GetBuild(id string) (*models.Build, error) {
	row := s.db.QueryRow(`SELECT `+buildColumns+` FROM builds WHERE id = $1`, id)
	build, err := scanBuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBuildNotFound
	}
	return build, err
}

// GetBuildBySequenceNumber retrieves a build by sequence number
func (s *PostgresStore) GetBuildBySequenceNumber(seqNum int) (*models.Build, error) {
	row := s.db.QueryRow(`SELECT `+buildColumns+` FROM builds WHERE seq = $1`, seqNum)
	build, err := scanBuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBuildNotFound
	}
	return build, err
}

// GetAllBuilds returns all builds, newest first
func (s *PostgresStore) GetAllBuilds() []*models.Build {
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
func (s *PostgresStore) UpdateBuild(build *models.Build) error {
	res, err := s.db.Exec(`
		UPDATE builds SET repo = $1, branch = $2, tag = $3, commit_sha = $4, pipeline = $5,
			priority = $6, status = $7, finished_at = $8
		WHERE id = $9
	`, build.Repo, build.Branch, build.Tag, build.Commit, build.Pipeline,
		build.Priority, build.Status, build.FinishedAt, build.ID)
	if err != nil {
		return err
	}
	return checkRowAffected(res, ErrBuildNotFound)
}

// Job operations

// CreateJob adds a new job to the store and assigns its sequence number
func (s *PostgresStore) CreateJob(job *models.Job) error {
	env, err := json.Marshal(job.Env)
	if err != nil {
		return fmt.Errorf("failed to marshal env: %w", err)
	}

	return s.db.QueryRow(`
		INSERT INTO jobs
		(id, build_id, version, env, status, phase, priority, allow_deploy, worker_id,
		 created_at, started_at, completed_at, retry_count, logs, error, failure_class)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING seq
	`, job.ID, job.BuildID, job.Version, string(env), job.Status, job.Phase,
		job.Priority, job.AllowDeploy, job.WorkerID, job.CreatedAt, job.StartedAt,
		job.CompletedAt, job.RetryCount, job.Logs, job.Error, job.FailureClass).Scan(&job.SequenceNumber)
}

// GetJob retrieves a job by ID
func (s *PostgresStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// GetJobBySequenceNumber retrieves a job by sequence number
func (s *PostgresStore) GetJobBySequenceNumber(seqNum int) (*models.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE seq = $1`, seqNum)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// GetJobsByBuild returns all jobs of a build in matrix order
func (s *PostgresStore) GetJobsByBuild(buildID string) ([]*models.Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs WHERE build_id = $1 ORDER BY seq`, buildID)
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
func (s *PostgresStore) GetAllJobs() []*models.Job {
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
// FOR UPDATE SKIP LOCKED lets concurrent masters claim without blocking each
// other and without double-assignment.
func (s *PostgresStore) GetNextJob(workerID string) (*models.Job, error) {
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
		LIMIT 1
		FOR UPDATE SKIP LOCKED`)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if _, err := tx.Exec(`
		UPDATE jobs SET status = $1, worker_id = $2, started_at = $3 WHERE id = $4
	`, models.JobStatusRunning, workerID, now, job.ID); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`UPDATE workers SET status = 'busy', current_job_id = $1 WHERE id = $2`,
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
func (s *PostgresStore) UpdateJob(job *models.Job) error {
	env, err := json.Marshal(job.Env)
	if err != nil {
		return fmt.Errorf("failed to marshal env: %w", err)
	}

	res, err := s.db.Exec(`
		UPDATE jobs SET build_id = $1, version = $2, env = $3, status = $4, phase = $5,
			priority = $6, allow_deploy = $7, worker_id = $8, started_at = $9, completed_at = $10,
			retry_count = $11, logs = $12, error = $13, failure_class = $14
		WHERE id = $15
	`, job.BuildID, job.Version, string(env), job.Status, job.Phase, job.Priority,
		job.AllowDeploy, job.WorkerID, job.StartedAt, job.CompletedAt, job.RetryCount,
		job.Logs, job.Error, job.FailureClass, job.ID)
	if err != nil {
		return err
	}
	return checkRowAffected(res, ErrJobNotFound)
}

// UpdateJobStatus updates the status of a job
func (s *PostgresStore) UpdateJobStatus(id string, status models.JobStatus, errorMsg string) error {
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
func (s *PostgresStore) releaseWorker(workerID, jobID string) {
	_, _ = s.db.Exec(`
		UPDATE workers
		SET status = CASE WHEN status = 'busy' THEN 'available' ELSE status END,
		    current_job_id = ''
		WHERE id = $1 AND current_job_id = $2`, workerID, jobID)
}

// CancelJob cancels a pending or running job
func (s *PostgresStore) CancelJob(id string) error {
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
func (s *PostgresStore) RetryJob(id string, errorMsg string) error {
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
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies the database is reachable
func (s *PostgresStore) HealthCheck() error {
	return s.db.Ping()
}

// GetMetrics returns aggregated statistics without loading all rows
func (s *PostgresStore) GetMetrics() (*Metrics, error) {
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
		SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at))), 0)
		FROM jobs WHERE started_at IS NOT NULL AND completed_at IS NOT NULL
	`).Scan(&m.AvgDuration)
	if err != nil {
		return nil, err
	}

	return m, nil
}
