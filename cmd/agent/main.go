package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/ciforge/ciforge/pkg/agent"
	"github.com/ciforge/ciforge/pkg/api"
	"github.com/ciforge/ciforge/pkg/logging"
	"github.com/ciforge/ciforge/pkg/metrics"
	"github.com/ciforge/ciforge/pkg/models"
	"github.com/ciforge/ciforge/pkg/pipeline"
	"github.com/ciforge/ciforge/pkg/retry"
	"github.com/ciforge/ciforge/pkg/runner"
	"github.com/ciforge/ciforge/pkg/shutdown"
)

var logger *logging.Logger

func main() {
	masterURL := flag.String("master", "http://localhost:8080", "Master URL")
	workerName := flag.String("name", "", "Worker name (defaults to hostname)")
	address := flag.String("address", "", "Address the master should record for this worker")
	pollInterval := flag.Duration("poll-interval", 5*time.Second, "Job polling interval")
	heartbeatInterval := flag.Duration("heartbeat-interval", 30*time.Second, "Heartbeat interval")
	commandTimeout := flag.Duration("command-timeout", 30*time.Minute, "Per-command timeout")
	shell := flag.String("shell", "/bin/sh", "Shell used to run pipeline commands")
	runtimeList := flag.String("runtimes", "python,python3,go,node,ruby", "Comma-separated runtime commands to probe")
	metricsPort := flag.String("metrics-port", "9091", "Prometheus metrics port")
	apiKeyFlag := flag.String("api-key", "", "API key for authentication (or use CIFORGE_API_KEY env var)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	var err error
	logger, err = logging.NewFileLogger("agent", logging.ParseLevel(*logLevel), false)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Close()

	apiKey := *apiKeyFlag
	if apiKey == "" {
		apiKey = os.Getenv("CIFORGE_API_KEY")
	}

	name := *workerName
	if name == "" {
		name, _ = os.Hostname()
	}
	addr := *address
	if addr == "" {
		host, _ := os.Hostname()
		addr = fmt.Sprintf("http://%s:%s", host, *metricsPort)
	}

	logger.Info("Starting ciforge agent", map[string]interface{}{
		"master": *masterURL,
		"name":   name,
	})

	threads, cpuModel, ramBytes := agent.DetectHardware()
	runtimes := agent.ProbeRuntimes(strings.Split(*runtimeList, ","))
	logger.Info("Hardware detected", map[string]interface{}{
		"cpu_threads": threads,
		"cpu_model":   cpuModel,
		"ram_bytes":   ramBytes,
		"runtimes":    runtimes,
	})

	client := agent.NewClient(*masterURL)
	client.SetAPIKey(apiKey)

	// Registration with backoff; the master may still be coming up
	var worker *models.Worker
	regErr := retry.Do(context.Background(), retry.DefaultConfig(), func() error {
		var err error
		worker, err = client.Register(&models.WorkerRegistration{
			Name:          name,
			Address:       addr,
			CPUThreads:    threads,
			CPUModel:      cpuModel,
			RAMTotalBytes: ramBytes,
			Runtimes:      runtimes,
			Labels:        map[string]string{"os": "linux"},
		})
		if err != nil {
			logger.Warn("Registration attempt failed", map[string]interface{}{"error": err.Error()})
		}
		return err
	})
	if regErr != nil {
		logger.Fatal("Failed to register with master", map[string]interface{}{"error": regErr.Error()})
	}
	logger.Info("Registered with master", map[string]interface{}{"worker_id": worker.ID})

	// Metrics and health endpoints
	exporter := metrics.NewWorkerExporter(name)
	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", exporter).Methods("GET")
	metricsRouter.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","timestamp":"` + time.Now().Format(time.RFC3339) + `"}`))
	}).Methods("GET")

	metricsServer := &http.Server{
		Addr:    ":" + *metricsPort,
		Handler: metricsRouter,
	}
	go func() {
		logger.Info("Metrics server listening", map[string]interface{}{"port": *metricsPort})
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	shutdownManager := shutdown.New(30 * time.Second)
	shutdownManager.Register(shutdown.StopHTTPServer(metricsServer, "metrics"))

	ctx, cancel := context.WithCancel(context.Background())
	shutdownManager.Register(func(context.Context) error {
		cancel()
		return nil
	})

	// Heartbeat loop
	go func() {
		ticker := time.NewTicker(*heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := client.SendHeartbeat(); err != nil {
					logger.Warn("Heartbeat failed", map[string]interface{}{"error": err.Error()})
				}
			}
		}
	}()

	jobRunner := runner.New(
		runner.WithShell(*shell),
		runner.WithCommandTimeout(*commandTimeout),
	)

	// Poll loop
	go func() {
		ticker := time.NewTicker(*pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				next, err := client.ClaimJob()
				if err != nil {
					logger.Warn("Failed to claim job", map[string]interface{}{"error": err.Error()})
					continue
				}
				if next == nil {
					continue
				}
				executeJob(ctx, client, jobRunner, exporter, next)
			}
		}
	}()

	shutdownManager.Wait()
}

// executeJob runs all phases of a claimed job and reports the result
func executeJob(ctx context.Context, client *agent.Client, jobRunner *runner.Runner, exporter *metrics.WorkerExporter, next *api.NextJobResponse) {
	job := next.Job
	jobLogger := logger.WithField("job_id", job.ID)
	jobLogger.Info("Starting job", map[string]interface{}{
		"build_id": job.BuildID,
		"version":  job.Version,
		"env":      job.Env,
	})
	exporter.SetCurrentJob(job.ID)
	defer exporter.SetCurrentJob("")

	p, err := pipeline.Parse([]byte(next.Pipeline))
	if err != nil {
		reportError(client, job, fmt.Sprintf("failed to parse pipeline: %v", err))
		exporter.RecordJobResult(string(models.JobStatusErrored))
		return
	}
	if err := p.Validate(); err != nil {
		reportError(client, job, fmt.Sprintf("invalid pipeline: %v", err))
		exporter.RecordJobResult(string(models.JobStatusErrored))
		return
	}

	result := jobRunner.Run(ctx, p, runner.BuildContext{
		Repo:          next.Repo,
		Branch:        next.Branch,
		Tag:           next.Tag,
		Commit:        next.Commit,
		Version:       job.Version,
		Env:           job.Env,
		DeployAllowed: job.AllowDeploy,
	}, func(phase string) {
		jobLogger.Debug("Phase started", map[string]interface{}{"phase": phase})
	})

	jobLogger.Info("Job finished", map[string]interface{}{
		"status":   string(result.Status),
		"duration": result.Duration.Seconds(),
	})
	exporter.RecordJobResult(string(result.Status))

	report := &models.JobResult{
		JobID:           job.ID,
		WorkerID:        client.WorkerID(),
		Status:          result.Status,
		FailureClass:    result.FailureClass,
		Error:           result.Error,
		Logs:            result.Log,
		DeployPerformed: result.DeployPerformed,
		DurationSeconds: result.Duration.Seconds(),
		CompletedAt:     time.Now(),
	}
	if err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		return client.SendResults(report)
	}); err != nil {
		jobLogger.Error("Failed to report job result", map[string]interface{}{"error": err.Error()})
	}
}

func reportError(client *agent.Client, job *models.Job, msg string) {
	logger.Error("Job setup failed", map[string]interface{}{"job_id": job.ID, "error": msg})
	result := &models.JobResult{
		JobID:        job.ID,
		WorkerID:     client.WorkerID(),
		Status:       models.JobStatusErrored,
		FailureClass: models.FailureClassSetup,
		Error:        msg,
		CompletedAt:  time.Now(),
	}
	if err := client.SendResults(result); err != nil {
		logger.Error("Failed to report job error", map[string]interface{}{"job_id": job.ID, "error": err.Error()})
	}
}
