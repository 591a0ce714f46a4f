package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// WorkerExporter exports Prometheus metrics for a worker agent
type WorkerExporter struct {
	workerName string
	startTime  time.Time

	mu           sync.RWMutex
	jobsByStatus map[string]int64
	currentJobID string
}

// NewWorkerExporter creates a new Prometheus exporter for a worker
func NewWorkerExporter(workerName string) *WorkerExporter {
	return &WorkerExporter{
		workerName:   workerName,
		startTime:    time.Now(),
		jobsByStatus: make(map[string]int64),
	}
}

// RecordJobResult counts a finished job by its final status
func (e *WorkerExporter) RecordJobResult(status string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobsByStatus[status]++
}

// SetCurrentJob records the job currently executing ("" when idle)
func (e *WorkerExporter) SetCurrentJob(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentJobID = jobID
}

// ServeHTTP serves Prometheus-compatible metrics at /metrics
func (e *WorkerExporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP ciforge_worker_uptime_seconds Worker uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE ciforge_worker_uptime_seconds gauge\n")
	fmt.Fprintf(w, "ciforge_worker_uptime_seconds{worker=\"%s\"} %.0f\n", e.workerName, time.Since(e.startTime).Seconds())

	e.mu.RLock()
	busy := 0
	if e.currentJobID != "" {
		busy = 1
	}
	fmt.Fprintf(w, "\n# HELP ciforge_worker_busy Whether the worker is executing a job\n")
	fmt.Fprintf(w, "# TYPE ciforge_worker_busy gauge\n")
	fmt.Fprintf(w, "ciforge_worker_busy{worker=\"%s\"} %d\n", e.workerName, busy)

	fmt.Fprintf(w, "\n# HELP ciforge_worker_jobs_total Jobs finished by this worker, by status\n")
	fmt.Fprintf(w, "# TYPE ciforge_worker_jobs_total counter\n")
	for _, status := range []string{"passed", "failed", "errored", "canceled"} {
		fmt.Fprintf(w, "ciforge_worker_jobs_total{worker=\"%s\",status=\"%s\"} %d\n", e.workerName, status, e.jobsByStatus[status])
	}
	e.mu.RUnlock()

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		fmt.Fprintf(w, "\n# HELP ciforge_worker_cpu_percent CPU utilization percent\n")
		fmt.Fprintf(w, "# TYPE ciforge_worker_cpu_percent gauge\n")
		fmt.Fprintf(w, "ciforge_worker_cpu_percent{worker=\"%s\"} %.2f\n", e.workerName, percents[0])
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		fmt.Fprintf(w, "\n# HELP ciforge_worker_memory_used_bytes Memory in use\n")
		fmt.Fprintf(w, "# TYPE ciforge_worker_memory_used_bytes gauge\n")
		fmt.Fprintf(w, "ciforge_worker_memory_used_bytes{worker=\"%s\"} %d\n", e.workerName, vm.Used)

		fmt.Fprintf(w, "\n# HELP ciforge_worker_memory_total_bytes Total memory\n")
		fmt.Fprintf(w, "# TYPE ciforge_worker_memory_total_bytes gauge\n")
		fmt.Fprintf(w, "ciforge_worker_memory_total_bytes{worker=\"%s\"} %d\n", e.workerName, vm.Total)
	}
}
