package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ciforge/ciforge/pkg/api"
	"github.com/ciforge/ciforge/pkg/models"
)

// Client manages communication with the master
type Client struct {
	masterURL  string
	httpClient *http.Client
	workerID   string
	apiKey     string
}

// NewClient creates a new agent client
func NewClient(masterURL string) *Client {
	return &Client{
		masterURL: masterURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetAPIKey sets the API key for authentication
func (c *Client) SetAPIKey(apiKey string) {
	c.apiKey = apiKey
}

// WorkerID returns the ID assigned by the master after registration
func (c *Client) WorkerID() string {
	return c.workerID
}

func (c *Client) addAuthHeader(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// Register registers the worker with the master
func (c *Client) Register(reg *models.WorkerRegistration) (*models.Worker, error) {
	data, err := json.Marshal(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal registration: %w", err)
	}

	req, err := http.NewRequest("POST", c.masterURL+"/workers/register", bytes.NewBuffer(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.addAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send registration: %w", err)
	}
	defer resp.Body.Close()

	// 200 on re-registration, 201 on first contact
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("registration failed with status %d: %s", resp.StatusCode, string(body))
	}

	var worker models.Worker
	if err := json.NewDecoder(resp.Body).Decode(&worker); err != nil {
		return nil, fmt.Errorf("failed to decode worker: %w", err)
	}

	c.workerID = worker.ID
	return &worker, nil
}

// SendHeartbeat sends a heartbeat to the master
func (c *Client) SendHeartbeat() error {
	if c.workerID == "" {
		return fmt.Errorf("worker not registered")
	}

	req, err := http.NewRequest("POST", fmt.Sprintf("%s/workers/%s/heartbeat", c.masterURL, c.workerID), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.addAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send heartbeat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("heartbeat failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// ClaimJob asks the master for the next job. Returns nil without error when
// the queue is empty.
func (c *Client) ClaimJob() (*api.NextJobResponse, error) {
	if c.workerID == "" {
		return nil, fmt.Errorf("worker not registered")
	}

	req, err := http.NewRequest("GET", fmt.Sprintf("%s/jobs/next?worker_id=%s", c.masterURL, c.workerID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.addAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("claim failed with status %d: %s", resp.StatusCode, string(body))
	}

	var next api.NextJobResponse
	if err := json.NewDecoder(resp.Body).Decode(&next); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return &next, nil
}

// SendResults reports a finished job to the master
func (c *Client) SendResults(result *models.JobResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}

	req, err := http.NewRequest("POST", c.masterURL+"/results", bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.addAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send results: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("send results failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
