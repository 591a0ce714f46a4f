package runner

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ciforge/ciforge/pkg/models"
	"github.com/ciforge/ciforge/pkg/pipeline"
)

func testRunner(opts ...Option) *Runner {
	base := []Option{WithBaseEnv([]string{"PATH=/usr/bin:/bin"})}
	return New(append(base, opts...)...)
}

func TestRunPassingPipeline(t *testing.T) {
	p := &pipeline.Pipeline{
		Install: pipeline.CommandList{"true"},
		Script:  pipeline.CommandList{"echo testing", "true"},
	}

	result := testRunner().Run(context.Background(), p, BuildContext{
		Repo:    "org/proj",
		Branch:  "master",
		Version: "3.5",
	}, nil)

	if result.Status != models.JobStatusPassed {
		t.Fatalf("expected passed, got %s (%s)", result.Status, result.Error)
	}
	if result.FailureClass != models.FailureClassNone {
		t.Errorf("unexpected failure class %s", result.FailureClass)
	}
	if !strings.Contains(result.Log, "== install ==") || !strings.Contains(result.Log, "== script ==") {
		t.Errorf("log missing phase markers:\n%s", result.Log)
	}
	if !strings.Contains(result.Log, "$ echo testing") || !strings.Contains(result.Log, "testing") {
		t.Errorf("log missing command output:\n%s", result.Log)
	}
}

func TestScriptFailureIsFailed(t *testing.T) {
	p := &pipeline.Pipeline{
		Script:       pipeline.CommandList{"false", "echo never-reached"},
		AfterFailure: pipeline.CommandList{"echo cleanup-ran"},
	}

	result := testRunner().Run(context.Background(), p, BuildContext{}, nil)

	if result.Status != models.JobStatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if result.FailureClass != models.FailureClassScript {
		t.Errorf("expected script failure class, got %s", result.FailureClass)
	}
	// Non-zero exit stops the phase list immediately
	if strings.Contains(result.Log, "never-reached") {
		t.Error("command after failure must not run")
	}
	// after_failure still runs
	if !strings.Contains(result.Log, "cleanup-ran") {
		t.Error("after_failure did not run")
	}
}

func TestSetupFailureIsErrored(t *testing.T) {
	p := &pipeline.Pipeline{
		Install: pipeline.CommandList{"false"},
		Script:  pipeline.CommandList{"echo never-reached"},
	}

	result := testRunner().Run(context.Background(), p, BuildContext{}, nil)

	if result.Status != models.JobStatusErrored {
		t.Fatalf("expected errored, got %s", result.Status)
	}
	if result.FailureClass != models.FailureClassSetup {
		t.Errorf("expected setup failure class, got %s", result.FailureClass)
	}
	if strings.Contains(result.Log, "never-reached") {
		t.Error("script must not run after setup failure")
	}
}

func TestAfterSuccessFailureIsIgnored(t *testing.T) {
	p := &pipeline.Pipeline{
		Script:       pipeline.CommandList{"true"},
		AfterSuccess: pipeline.CommandList{"false"},
	}

	result := testRunner().Run(context.Background(), p, BuildContext{}, nil)

	if result.Status != models.JobStatusPassed {
		t.Errorf("after_success failure must not change the verdict, got %s", result.Status)
	}
	if !strings.Contains(result.Log, "ignored") {
		t.Errorf("expected ignored-failure note in log:\n%s", result.Log)
	}
}

func TestJobEnvironment(t *testing.T) {
	p := &pipeline.Pipeline{
		Script: pipeline.CommandList{"echo branch=$CI_BRANCH version=$CI_RUNTIME_VERSION db=$DB"},
	}

	result := testRunner().Run(context.Background(), p, BuildContext{
		Repo:    "org/proj",
		Branch:  "master",
		Version: "3.5",
		Env:     []string{"DB=postgres"},
	}, nil)

	if result.Status != models.JobStatusPassed {
		t.Fatalf("expected passed, got %s (%s)", result.Status, result.Error)
	}
	if !strings.Contains(result.Log, "branch=master version=3.5 db=postgres") {
		t.Errorf("job environment not applied:\n%s", result.Log)
	}
}

func TestDeployRunsWhenAllowed(t *testing.T) {
	p := &pipeline.Pipeline{
		Script:       pipeline.CommandList{"true"},
		BeforeDeploy: pipeline.CommandList{"echo packaging"},
		Deploy: &pipeline.DeploySpec{
			Provider:    "pypi",
			User:        "ci-bot",
			PasswordEnv: "PYPI_PASSWORD",
			Command:     pipeline.CommandList{"echo uploading as $CI_DEPLOY_USER"},
		},
	}

	r := testRunner(WithBaseEnv([]string{"PATH=/usr/bin:/bin", "PYPI_PASSWORD=hunter2"}))
	result := r.Run(context.Background(), p, BuildContext{DeployAllowed: true}, nil)

	if result.Status != models.JobStatusPassed {
		t.Fatalf("expected passed, got %s (%s)", result.Status, result.Error)
	}
	if !result.DeployPerformed {
		t.Error("expected deploy to run")
	}
	if !strings.Contains(result.Log, "packaging") || !strings.Contains(result.Log, "uploading as ci-bot") {
		t.Errorf("deploy phases missing from log:\n%s", result.Log)
	}
	// The credential value itself never reaches the log
	if strings.Contains(result.Log, "hunter2") {
		t.Error("credential leaked into log")
	}
}

func TestDeploySkippedWhenNotAllowed(t *testing.T) {
	p := &pipeline.Pipeline{
		Script: pipeline.CommandList{"true"},
		Deploy: &pipeline.DeploySpec{
			Provider:    "pypi",
			PasswordEnv: "PYPI_PASSWORD",
			Command:     pipeline.CommandList{"echo uploaded"},
		},
	}

	result := testRunner().Run(context.Background(), p, BuildContext{DeployAllowed: false}, nil)

	if result.Status != models.JobStatusPassed {
		t.Fatalf("expected passed, got %s", result.Status)
	}
	if result.DeployPerformed {
		t.Error("deploy must not run when the condition is unmet")
	}
	if strings.Contains(result.Log, "uploaded") {
		t.Error("deploy command ran despite gate")
	}
	if !strings.Contains(result.Log, "deploy skipped") {
		t.Errorf("expected skip note in log:\n%s", result.Log)
	}
}

func TestDeployFailsWithoutCredential(t *testing.T) {
	p := &pipeline.Pipeline{
		Script: pipeline.CommandList{"true"},
		Deploy: &pipeline.DeploySpec{
			Provider:    "pypi",
			PasswordEnv: "PYPI_PASSWORD",
			Command:     pipeline.CommandList{"echo uploaded"},
		},
	}

	result := testRunner().Run(context.Background(), p, BuildContext{DeployAllowed: true}, nil)

	if result.Status != models.JobStatusErrored {
		t.Fatalf("expected errored, got %s", result.Status)
	}
	if result.FailureClass != models.FailureClassDeploy {
		t.Errorf("expected deploy failure class, got %s", result.FailureClass)
	}
	if strings.Contains(result.Log, "uploaded") {
		t.Error("provider command ran without credential")
	}
}

func TestCommandTimeout(t *testing.T) {
	p := &pipeline.Pipeline{
		Script: pipeline.CommandList{"sleep 5"},
	}

	r := testRunner(WithCommandTimeout(100 * time.Millisecond))
	start := time.Now()
	result := r.Run(context.Background(), p, BuildContext{}, nil)

	if time.Since(start) > 3*time.Second {
		t.Fatal("timeout did not interrupt the command")
	}
	if result.Status != models.JobStatusErrored {
		t.Errorf("expected errored, got %s", result.Status)
	}
	if result.FailureClass != models.FailureClassTimeout {
		t.Errorf("expected timeout failure class, got %s", result.FailureClass)
	}
}

func TestShutdownCancellationIsCanceledNotTimeout(t *testing.T) {
	p := &pipeline.Pipeline{
		Script: pipeline.CommandList{"sleep 5"},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result := testRunner().Run(ctx, p, BuildContext{}, nil)

	if time.Since(start) > 3*time.Second {
		t.Fatal("cancellation did not interrupt the command")
	}
	if result.Status != models.JobStatusCanceled {
		t.Errorf("expected canceled, got %s", result.Status)
	}
	if result.FailureClass != models.FailureClassNone {
		t.Errorf("cancellation must not carry a failure class, got %s", result.FailureClass)
	}
}

func TestPhaseCallback(t *testing.T) {
	p := &pipeline.Pipeline{
		BeforeInstall: pipeline.CommandList{"true"},
		Install:       pipeline.CommandList{"true"},
		Script:        pipeline.CommandList{"true"},
	}

	var phases []string
	result := testRunner().Run(context.Background(), p, BuildContext{}, func(phase string) {
		phases = append(phases, phase)
	})
	if result.Status != models.JobStatusPassed {
		t.Fatalf("expected passed, got %s", result.Status)
	}

	want := []string{"before_install", "install", "script"}
	if len(phases) != len(want) {
		t.Fatalf("expected %d phases, got %v", len(want), phases)
	}
	for i, phase := range want {
		if phases[i] != phase {
			t.Errorf("phase %d: got %s, want %s", i, phases[i], phase)
		}
	}
}
