package models

import (
	"time"
)

// Worker represents a build worker in the cluster
type Worker struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"` // Human-friendly worker name (hostname)
	Address       string            `json:"address"`
	CPUThreads    int               `json:"cpu_threads"`
	CPUModel      string            `json:"cpu_model"`
	RAMTotalBytes uint64            `json:"ram_total_bytes"`
	Runtimes      map[string]string `json:"runtimes,omitempty"` // runtime command -> detected version line
	Labels        map[string]string `json:"labels,omitempty"`
	Status        string            `json:"status"` // "available", "busy", "offline"
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	RegisteredAt  time.Time         `json:"registered_at"`
	CurrentJobID  string            `json:"current_job_id,omitempty"`
}

// WorkerRegistration represents a worker registration request
type WorkerRegistration struct {
	Name          string            `json:"name"`
	Address       string            `json:"address"`
	CPUThreads    int               `json:"cpu_threads"`
	CPUModel      string            `json:"cpu_model"`
	RAMTotalBytes uint64            `json:"ram_total_bytes"`
	Runtimes      map[string]string `json:"runtimes,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
}
