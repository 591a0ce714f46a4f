package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ciforge/ciforge/pkg/models"
)

// queueCmd represents the queue command
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show the waiting job queue",
	Long:  `Show the jobs waiting to be claimed, in the order workers will receive them.`,
	RunE:  runQueue,
}

func init() {
	rootCmd.AddCommand(queueCmd)
}

type queueResponse struct {
	Stats map[string]int `json:"stats"`
	Jobs  []models.Job   `json:"jobs"`
}

func runQueue(cmd *cobra.Command, args []string) error {
	httpReq, err := CreateAuthenticatedRequest("GET", GetMasterURL()+"/queue", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := GetHTTPClient().Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to master API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result queueResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Job #", "Build", "Version", "Priority", "Deploy", "Retries")
	for _, job := range result.Jobs {
		deploy := "-"
		if job.AllowDeploy {
			deploy = "yes"
		}
		table.Append(
			fmt.Sprintf("%d", job.SequenceNumber),
			shortID(job.BuildID),
			job.Version,
			job.Priority,
			deploy,
			fmt.Sprintf("%d", job.RetryCount),
		)
	}
	table.Render()
	fmt.Printf("\nWaiting: %d (high=%d medium=%d low=%d)\n",
		result.Stats["total"], result.Stats["high"], result.Stats["medium"], result.Stats["low"])
	return nil
}
