package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ciforge/ciforge/pkg/models"
)

var (
	// Build submit flags
	pipelineFile  string
	buildRepo     string
	buildBranch   string
	buildTag      string
	buildCommit   string
	buildPriority string

	// Build status flags
	followBuild bool
)

// buildsCmd represents the builds command
var buildsCmd = &cobra.Command{
	Use:   "builds",
	Short: "Manage builds",
	Long:  `Commands for submitting, inspecting, canceling and restarting builds.`,
}

var buildsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new build",
	Long:  `Submit a pipeline file to the master. The matrix is expanded into one job per runtime version and env row.`,
	RunE:  runBuildsSubmit,
}

var buildsStatusCmd = &cobra.Command{
	Use:   "status [build-id]",
	Short: "Get build status",
	Long:  `Retrieve the status of a build by its ID or sequence number. If no ID is provided, lists all builds.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBuildsStatus,
}

var buildsCancelCmd = &cobra.Command{
	Use:   "cancel <build-id>",
	Short: "Cancel a build",
	Long:  `Cancel every pending or running job of a build.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runBuildsCancel,
}

var buildsRestartCmd = &cobra.Command{
	Use:   "restart <build-id>",
	Short: "Restart a build",
	Long:  `Re-queue every finished job of a build.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runBuildsRestart,
}

func init() {
	rootCmd.AddCommand(buildsCmd)
	buildsCmd.AddCommand(buildsSubmitCmd)
	buildsCmd.AddCommand(buildsStatusCmd)
	buildsCmd.AddCommand(buildsCancelCmd)
	buildsCmd.AddCommand(buildsRestartCmd)

	buildsSubmitCmd.Flags().StringVar(&pipelineFile, "file", ".ciforge.yml", "pipeline file to submit")
	buildsSubmitCmd.Flags().StringVar(&buildRepo, "repo", "", "repository name (required, e.g. org/project)")
	buildsSubmitCmd.Flags().StringVar(&buildBranch, "branch", "master", "branch being built")
	buildsSubmitCmd.Flags().StringVar(&buildTag, "tag", "", "tag being built, if any")
	buildsSubmitCmd.Flags().StringVar(&buildCommit, "commit", "", "commit SHA")
	buildsSubmitCmd.Flags().StringVar(&buildPriority, "priority", "medium", "priority level (high, medium, low)")
	buildsSubmitCmd.MarkFlagRequired("repo")

	buildsStatusCmd.Flags().BoolVar(&followBuild, "follow", false, "poll build status every 2 seconds until completion")
}

type buildsListResponse struct {
	Builds []models.Build `json:"builds"`
	Count  int            `json:"count"`
}

func runBuildsSubmit(cmd *cobra.Command, args []string) error {
	pipelineData, err := os.ReadFile(pipelineFile)
	if err != nil {
		return fmt.Errorf("failed to read pipeline file: %w", err)
	}

	reqBody, err := json.Marshal(models.BuildRequest{
		Repo:     buildRepo,
		Branch:   buildBranch,
		Tag:      buildTag,
		Commit:   buildCommit,
		Pipeline: string(pipelineData),
		Priority: buildPriority,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := CreateAuthenticatedRequest("POST", GetMasterURL()+"/builds", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := GetHTTPClient().Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to master API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var build models.Build
	if err := json.Unmarshal(body, &build); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(build, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Job #", "Version", "Env", "Deploy", "Status")
	for _, job := range build.Jobs {
		deploy := "-"
		if job.AllowDeploy {
			deploy = "yes"
		}
		table.Append(
			fmt.Sprintf("%d", job.SequenceNumber),
			job.Version,
			joinEnv(job.Env),
			deploy,
			string(job.Status),
		)
	}
	table.Render()
	fmt.Printf("\nBuild submitted! Build #%d with %d jobs\n", build.SequenceNumber, len(build.Jobs))
	return nil
}

func runBuildsStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return listAllBuilds()
	}
	buildID := args[0]

	if !followBuild {
		build, err := fetchBuild(buildID)
		if err != nil {
			return err
		}
		return displayBuild(build)
	}

	fmt.Printf("Following build %s (press Ctrl+C to stop)...\n\n", buildID)
	for {
		build, err := fetchBuild(buildID)
		if err != nil {
			return err
		}
		fmt.Print("\033[H\033[2J") // Clear screen
		if err := displayBuild(build); err != nil {
			return err
		}
		switch build.Status {
		case models.BuildStatusPassed, models.BuildStatusFailed, models.BuildStatusErrored, models.BuildStatusCanceled:
			fmt.Println("\nBuild reached terminal state")
			return nil
		}
		time.Sleep(2 * time.Second)
	}
}

func fetchBuild(buildID string) (*models.Build, error) {
	httpReq, err := CreateAuthenticatedRequest("GET", fmt.Sprintf("%s/builds/%s", GetMasterURL(), buildID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := GetHTTPClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to master API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var build models.Build
	if err := json.Unmarshal(body, &build); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &build, nil
}

func displayBuild(build *models.Build) error {
	if IsJSONOutput() {
		output, err := json.MarshalIndent(build, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	fmt.Printf("Build #%d  %s@%s  status=%s\n\n", build.SequenceNumber, build.Repo, build.Branch, build.Status)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Job #", "Version", "Env", "Status", "Failure", "Worker")
	for _, job := range build.Jobs {
		failure := "-"
		if job.FailureClass != "" {
			failure = string(job.FailureClass)
		}
		worker := "-"
		if job.WorkerID != "" {
			worker = shortID(job.WorkerID)
		}
		table.Append(
			fmt.Sprintf("%d", job.SequenceNumber),
			job.Version,
			joinEnv(job.Env),
			string(job.Status),
			failure,
			worker,
		)
	}
	table.Render()
	return nil
}

func listAllBuilds() error {
	httpReq, err := CreateAuthenticatedRequest("GET", GetMasterURL()+"/builds", nil)
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

	var result buildsListResponse
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
	table.Header("Build #", "Repo", "Branch", "Tag", "Status", "Created")
	for _, build := range result.Builds {
		tag := build.Tag
		if tag == "" {
			tag = "-"
		}
		table.Append(
			fmt.Sprintf("%d", build.SequenceNumber),
			build.Repo,
			build.Branch,
			tag,
			string(build.Status),
			build.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	table.Render()
	fmt.Printf("\nTotal builds: %d\n", result.Count)
	return nil
}

func runBuildsCancel(cmd *cobra.Command, args []string) error {
	return postBuildAction(args[0], "cancel")
}

func runBuildsRestart(cmd *cobra.Command, args []string) error {
	return postBuildAction(args[0], "restart")
}

func postBuildAction(buildID, action string) error {
	url := fmt.Sprintf("%s/builds/%s/%s", GetMasterURL(), buildID, action)
	httpReq, err := CreateAuthenticatedRequest("POST", url, nil)
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

	fmt.Printf("Build %s: %s requested\n", buildID, action)
	return nil
}

func joinEnv(env []string) string {
	if len(env) == 0 {
		return "-"
	}
	out := env[0]
	for _, kv := range env[1:] {
		out += " " + kv
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
