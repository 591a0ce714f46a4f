package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/ciforge/ciforge/pkg/store"
)

// MasterExporter exports Prometheus metrics for the master
type MasterExporter struct {
	store            store.Store
	startTime        time.Time
	scheduleAttempts *promclient.CounterVec
}

// NewMasterExporter creates a new Prometheus exporter for the master
func NewMasterExporter(s store.Store) *MasterExporter {
	scheduleAttempts := promclient.NewCounterVec(promclient.CounterOpts{
		Name: "ciforge_schedule_attempts_total",
		Help: "Total scheduling attempts by result",
	}, []string{"result"})
	promclient.MustRegister(scheduleAttempts)

	return &MasterExporter{
		store:            s,
		startTime:        time.Now(),
		scheduleAttempts: scheduleAttempts,
	}
}

// RecordScheduleAttempt records a scheduling attempt
func (e *MasterExporter) RecordScheduleAttempt(result string) {
	e.scheduleAttempts.WithLabelValues(result).Inc()
}

// ServeHTTP serves Prometheus-compatible metrics at /metrics
func (e *MasterExporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	m, err := e.store.GetMetrics()
	if err != nil {
		http.Error(w, fmt.Sprintf("Error collecting metrics: %v", err), http.StatusInternalServerError)
		return
	}

	fmt.Fprintf(w, "# HELP ciforge_jobs_total Total number of jobs by state\n")
	fmt.Fprintf(w, "# TYPE ciforge_jobs_total counter\n")
	for _, state := range []string{"pending", "queued", "running", "passed", "failed", "errored", "canceled"} {
		fmt.Fprintf(w, "ciforge_jobs_total{state=\"%s\"} %d\n", state, jobCount(m, state))
	}

	fmt.Fprintf(w, "\n# HELP ciforge_builds_total Total number of builds by state\n")
	fmt.Fprintf(w, "# TYPE ciforge_builds_total counter\n")
	for _, state := range []string{"created", "running", "passed", "failed", "errored", "canceled"} {
		fmt.Fprintf(w, "ciforge_builds_total{state=\"%s\"} %d\n", state, buildCount(m, state))
	}

	fmt.Fprintf(w, "\n# HELP ciforge_active_jobs Number of currently running jobs\n")
	fmt.Fprintf(w, "# TYPE ciforge_active_jobs gauge\n")
	fmt.Fprintf(w, "ciforge_active_jobs %d\n", m.ActiveJobs)

	fmt.Fprintf(w, "\n# HELP ciforge_queue_length Number of jobs waiting for a worker\n")
	fmt.Fprintf(w, "# TYPE ciforge_queue_length gauge\n")
	fmt.Fprintf(w, "ciforge_queue_length %d\n", m.QueueLength)

	fmt.Fprintf(w, "\n# HELP ciforge_job_duration_seconds Average job duration in seconds\n")
	fmt.Fprintf(w, "# TYPE ciforge_job_duration_seconds gauge\n")
	fmt.Fprintf(w, "ciforge_job_duration_seconds %.2f\n", m.AvgDuration)

	fmt.Fprintf(w, "\n# HELP ciforge_workers_by_status Workers by status\n")
	fmt.Fprintf(w, "# TYPE ciforge_workers_by_status gauge\n")
	// Always export all statuses, even at 0
	for _, status := range []string{"available", "busy", "offline"} {
		fmt.Fprintf(w, "ciforge_workers_by_status{status=\"%s\"} %d\n", status, m.WorkersByStatus[status])
	}

	fmt.Fprintf(w, "\n# HELP ciforge_master_uptime_seconds Master uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE ciforge_master_uptime_seconds gauge\n")
	fmt.Fprintf(w, "ciforge_master_uptime_seconds %.0f\n", time.Since(e.startTime).Seconds())

	// Append metrics from the Prometheus default registry (schedule attempts,
	// Go runtime collectors)
	fmt.Fprintf(w, "\n")
	metricFamilies, err := promclient.DefaultGatherer.Gather()
	if err != nil {
		fmt.Fprintf(w, "# Error gathering Prometheus metrics: %v\n", err)
		return
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range metricFamilies {
		if err := encoder.Encode(mf); err != nil {
			fmt.Fprintf(w, "# Error encoding metric %s: %v\n", mf.GetName(), err)
		}
	}
	w.Write(buf.Bytes())
}

func jobCount(m *store.Metrics, state string) int {
	for s, count := range m.JobsByState {
		if string(s) == state {
			return count
		}
	}
	return 0
}

func buildCount(m *store.Metrics, state string) int {
	for s, count := range m.BuildsByState {
		if string(s) == state {
			return count
		}
	}
	return 0
}
