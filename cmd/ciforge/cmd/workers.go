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

// workersCmd represents the workers command
var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Manage workers",
	Long:  `Commands for listing and removing worker agents.`,
}

var workersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workers",
	RunE:  runWorkersList,
}

var workersRemoveCmd = &cobra.Command{
	Use:   "remove <worker-id>",
	Short: "Remove a worker",
	Long:  `Remove a worker from the master. A running agent will re-register on its next heartbeat cycle.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkersRemove,
}

func init() {
	rootCmd.AddCommand(workersCmd)
	workersCmd.AddCommand(workersListCmd)
	workersCmd.AddCommand(workersRemoveCmd)
}

type workersListResponse struct {
	Workers []models.Worker `json:"workers"`
	Count   int             `json:"count"`
}

func runWorkersList(cmd *cobra.Command, args []string) error {
	httpReq, err := CreateAuthenticatedRequest("GET", GetMasterURL()+"/workers", nil)
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

	var result workersListResponse
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
	table.Header("Name", "ID", "Status", "Threads", "Runtimes", "Last Heartbeat")
	for _, worker := range result.Workers {
		runtimes := "-"
		if len(worker.Runtimes) > 0 {
			runtimes = ""
			for name := range worker.Runtimes {
				if runtimes != "" {
					runtimes += ", "
				}
				runtimes += name
			}
		}
		table.Append(
			worker.Name,
			shortID(worker.ID),
			worker.Status,
			fmt.Sprintf("%d", worker.CPUThreads),
			runtimes,
			worker.LastHeartbeat.Format("2006-01-02 15:04:05"),
		)
	}
	table.Render()
	fmt.Printf("\nTotal workers: %d\n", result.Count)
	return nil
}

func runWorkersRemove(cmd *cobra.Command, args []string) error {
	httpReq, err := CreateAuthenticatedRequest("DELETE", fmt.Sprintf("%s/workers/%s", GetMasterURL(), args[0]), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := GetHTTPClient().Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to master API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	fmt.Printf("Worker %s removed\n", args[0])
	return nil
}
