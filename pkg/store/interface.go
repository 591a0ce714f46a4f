package store

import (
	"time"

	"github.com/ciforge/ciforge/pkg/models"
)

// Store defines the interface for data persistence
// Both SQLite and PostgreSQL implement this interface
type Store interface {
	// Worker operations
	RegisterWorker(worker *models.Worker) error
	GetWorker(id string) (*models.Worker, error)
	GetWorkerByAddress(address string) (*models.Worker, error)
	GetAllWorkers() []*models.Worker
	UpdateWorkerStatus(id, status string) error
	UpdateWorkerHeartbeat(id string) error
	DeleteWorker(id string) error
	GetStaleWorkers(timeout time.Duration) ([]*models.Worker, error)

	// Build operations
	CreateBuild(build *models.Build) error
	GetBuild(id string) (*models.Build, error)
	GetBuildBySequenceNumber(seqNum int) (*models.Build, error)
	GetAllBuilds() []*models.Build
	UpdateBuild(build *models.Build) error

	// Job operations
	CreateJob(job *models.Job) error
	GetJob(id string) (*models.Job, error)
	GetJobBySequenceNumber(seqNum int) (*models.Job, error)
	GetJobsByBuild(buildID string) ([]*models.Job, error)
	GetAllJobs() []*models.Job
	GetNextJob(workerID string) (*models.Job, error)
	UpdateJob(job *models.Job) error
	UpdateJobStatus(id string, status models.JobStatus, errorMsg string) error
	CancelJob(id string) error
	RetryJob(id string, errorMsg string) error

	// Lifecycle
	Close() error
	HealthCheck() error

	// Metrics operations (optimized for large datasets)
	GetMetrics() (*Metrics, error)
}

// Metrics contains aggregated statistics for the metrics endpoint
type Metrics struct {
	JobsByState     map[models.JobStatus]int
	BuildsByState   map[models.BuildStatus]int
	WorkersByStatus map[string]int
	ActiveJobs      int
	QueueLength     int
	AvgDuration     float64
	TotalJobs       int
	TotalBuilds     int
}

// Config holds database configuration
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	DSN  string // Connection string

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// SQLite specific
	Path string
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgresStore(config)
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "master.db"
		}
		return NewSQLiteStore(path)
	default:
		return nil, ErrUnsupportedDatabase
	}
}
