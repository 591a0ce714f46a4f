package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/ciforge/ciforge/pkg/models"
	"github.com/ciforge/ciforge/pkg/pipeline"
)

// Runner executes the phases of a pipeline for a single matrix entry.
type Runner struct {
	shell          string
	commandTimeout time.Duration
	baseEnv        []string // overrides os.Environ() when set (tests)
}

// Option configures a Runner
type Option func(*Runner)

// WithShell sets the shell used to run commands (default /bin/sh)
func WithShell(shell string) Option {
	return func(r *Runner) { r.shell = shell }
}

// WithCommandTimeout sets the per-command timeout (0 disables)
func WithCommandTimeout(d time.Duration) Option {
	return func(r *Runner) { r.commandTimeout = d }
}

// WithBaseEnv replaces the inherited process environment
func WithBaseEnv(env []string) Option {
	return func(r *Runner) { r.baseEnv = env }
}

// New creates a new Runner
func New(opts ...Option) *Runner {
	r := &Runner{
		shell: "/bin/sh",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// BuildContext carries the commit metadata and matrix entry a job runs under
type BuildContext struct {
	Repo          string
	Branch        string
	Tag           string
	Commit        string
	Version       string
	Env           []string
	DeployAllowed bool
}

// Result is the outcome of running all phases for one matrix entry
type Result struct {
	Status          models.JobStatus
	FailureClass    models.FailureClass
	Error           string
	Log             string
	DeployPerformed bool
	Duration        time.Duration
}

// PhaseCallback is invoked when a phase starts, before its first command
type PhaseCallback func(phase string)

// Run executes the pipeline phases in order. A non-zero exit from any command
// stops the current phase list immediately. Setup-phase failures classify the
// job as errored, script failures as failed; after_success/after_failure
// failures are logged and ignored. Deploy runs only for a passing job whose
// matrix entry satisfies the deploy condition.
func (r *Runner) Run(ctx context.Context, p *pipeline.Pipeline, bc BuildContext, onPhase PhaseCallback) *Result {
	start := time.Now()
	var log bytes.Buffer
	env := r.jobEnv(bc)

	result := &Result{Status: models.JobStatusPassed}

	phase := func(name string) {
		fmt.Fprintf(&log, "== %s ==\n", name)
		if onPhase != nil {
			onPhase(name)
		}
	}

	fail := func(err error, class models.FailureClass, status models.JobStatus) {
		switch {
		case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
			// The job was canceled or the agent is shutting down
			class = models.FailureClassNone
			status = models.JobStatusCanceled
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
			class = models.FailureClassTimeout
			status = models.JobStatusErrored
		}
		result.Status = status
		result.FailureClass = class
		result.Error = err.Error()
	}

	// Setup phases: a failure here is an infrastructure error, not a test
	// failure.
	for _, setup := range []struct {
		name string
		cmds pipeline.CommandList
	}{
		{pipeline.PhaseBeforeInstall, p.BeforeInstall},
		{pipeline.PhaseInstall, p.Install},
	} {
		if len(setup.cmds) == 0 {
			continue
		}
		phase(setup.name)
		if err := r.runPhase(ctx, setup.cmds, env, &log); err != nil {
			fail(err, models.FailureClassSetup, models.JobStatusErrored)
			result.Log = log.String()
			result.Duration = time.Since(start)
			return result
		}
	}

	// Script phase: the build verdict.
	phase(pipeline.PhaseScript)
	scriptErr := r.runPhase(ctx, p.Script, env, &log)

	if scriptErr != nil {
		fail(scriptErr, models.FailureClassScript, models.JobStatusFailed)
		if len(p.AfterFailure) > 0 {
			phase(pipeline.PhaseAfterFailure)
			if err := r.runPhase(ctx, p.AfterFailure, env, &log); err != nil {
				fmt.Fprintf(&log, "after_failure command failed (ignored): %v\n", err)
			}
		}
		result.Log = log.String()
		result.Duration = time.Since(start)
		return result
	}

	if len(p.AfterSuccess) > 0 {
		phase(pipeline.PhaseAfterSuccess)
		if err := r.runPhase(ctx, p.AfterSuccess, env, &log); err != nil {
			fmt.Fprintf(&log, "after_success command failed (ignored): %v\n", err)
		}
	}

	// Deploy phase: gated by branch/tag/version condition, runs only after a
	// passing script.
	if bc.DeployAllowed && p.Deploy != nil {
		if err := r.runDeploy(ctx, p, env, &log, phase); err != nil {
			fail(err, models.FailureClassDeploy, models.JobStatusErrored)
		} else {
			result.DeployPerformed = true
		}
	} else if p.Deploy != nil {
		fmt.Fprintf(&log, "deploy skipped: condition not met for this build\n")
	}

	result.Log = log.String()
	result.Duration = time.Since(start)
	return result
}

// runDeploy runs before_deploy and the provider commands. The credential env
// var must be present in the worker environment; the value is never logged.
func (r *Runner) runDeploy(ctx context.Context, p *pipeline.Pipeline, env []string, log *bytes.Buffer, phase func(string)) error {
	if !envHas(env, p.Deploy.PasswordEnv) {
		return fmt.Errorf("deploy credential %s is not set in the worker environment", p.Deploy.PasswordEnv)
	}

	deployEnv := env
	if p.Deploy.User != "" {
		deployEnv = append(append([]string{}, env...), "CI_DEPLOY_USER="+p.Deploy.User)
	}

	if len(p.BeforeDeploy) > 0 {
		phase(pipeline.PhaseBeforeDeploy)
		if err := r.runPhase(ctx, p.BeforeDeploy, deployEnv, log); err != nil {
			return fmt.Errorf("before_deploy failed: %w", err)
		}
	}

	phase(pipeline.PhaseDeploy)
	fmt.Fprintf(log, "deploying via provider %s\n", p.Deploy.Provider)
	if err := r.runPhase(ctx, p.Deploy.Command, deployEnv, log); err != nil {
		return fmt.Errorf("deploy failed: %w", err)
	}
	return nil
}

// runPhase runs the commands of one phase in order, stopping at the first
// non-zero exit.
func (r *Runner) runPhase(ctx context.Context, cmds pipeline.CommandList, env []string, log *bytes.Buffer) error {
	for _, cmd := range cmds {
		fmt.Fprintf(log, "$ %s\n", cmd)
		if err := r.runCommand(ctx, cmd, env, log); err != nil {
			return fmt.Errorf("command %q: %w", cmd, err)
		}
	}
	return nil
}

// runCommand runs a single shell command in its own process group so that
// cancellation kills the whole tree, not just the shell.
func (r *Runner) runCommand(ctx context.Context, command string, env []string, log *bytes.Buffer) error {
	cmdCtx := ctx
	if r.commandTimeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, r.commandTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(cmdCtx, r.shell, "-c", command)
	cmd.Env = env
	cmd.Stdout = log
	cmd.Stderr = log
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		// Kill the process group; the shell may have spawned children
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	err := cmd.Wait()
	if err != nil {
		if cmdCtx.Err() != nil {
			if errors.Is(cmdCtx.Err(), context.Canceled) {
				return fmt.Errorf("canceled: %w", context.Canceled)
			}
			return fmt.Errorf("timed out: %w", context.DeadlineExceeded)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("exited with code %d", exitErr.ExitCode())
		}
		return err
	}
	return nil
}

// jobEnv builds the environment a job's commands run under: the worker
// environment, the CI metadata variables, then the matrix env row.
func (r *Runner) jobEnv(bc BuildContext) []string {
	base := r.baseEnv
	if base == nil {
		base = os.Environ()
	}

	env := make([]string, 0, len(base)+8+len(bc.Env))
	env = append(env, base...)
	env = append(env,
		"CI=true",
		"CI_REPO="+bc.Repo,
		"CI_BRANCH="+bc.Branch,
		"CI_TAG="+bc.Tag,
		"CI_COMMIT="+bc.Commit,
		"CI_RUNTIME_VERSION="+bc.Version,
	)
	env = append(env, bc.Env...)
	return env
}

// envHas reports whether name is assigned in env
func envHas(env []string, name string) bool {
	prefix := name + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return true
		}
	}
	return false
}
