package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Phase names, in execution order
const (
	PhaseBeforeInstall = "before_install"
	PhaseInstall       = "install"
	PhaseScript        = "script"
	PhaseAfterSuccess  = "after_success"
	PhaseAfterFailure  = "after_failure"
	PhaseBeforeDeploy  = "before_deploy"
	PhaseDeploy        = "deploy"
)

// CommandList is a list of shell commands. It accepts either a single YAML
// scalar or a sequence, so `script: nosetests` and a multi-command list both
// parse.
type CommandList []string

// UnmarshalYAML implements yaml.Unmarshaler
func (c *CommandList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var cmd string
		if err := value.Decode(&cmd); err != nil {
			return err
		}
		*c = CommandList{cmd}
		return nil
	case yaml.SequenceNode:
		var cmds []string
		if err := value.Decode(&cmds); err != nil {
			return err
		}
		*c = CommandList(cmds)
		return nil
	default:
		return fmt.Errorf("line %d: expected a command or list of commands", value.Line)
	}
}

// Pipeline is a parsed pipeline configuration file
type Pipeline struct {
	Language      string      `yaml:"language"`
	Versions      []string    `yaml:"versions"`
	Env           []string    `yaml:"env"`
	BeforeInstall CommandList `yaml:"before_install"`
	Install       CommandList `yaml:"install"`
	Script        CommandList `yaml:"script"`
	AfterSuccess  CommandList `yaml:"after_success"`
	AfterFailure  CommandList `yaml:"after_failure"`
	BeforeDeploy  CommandList `yaml:"before_deploy"`
	Deploy        *DeploySpec `yaml:"deploy"`
}

// DeploySpec describes publication of the built artifact to a package index.
// The credential itself never appears in the pipeline; PasswordEnv names the
// environment variable the worker must carry.
type DeploySpec struct {
	Provider    string          `yaml:"provider"`
	User        string          `yaml:"user"`
	PasswordEnv string          `yaml:"password_env"`
	Command     CommandList     `yaml:"command"`
	On          DeployCondition `yaml:"on"`
}

// DeployCondition gates deployment by branch, tag presence, and a single
// runtime version of the matrix.
type DeployCondition struct {
	Branch  string `yaml:"branch"`
	Tags    bool   `yaml:"tags"`
	Version string `yaml:"version"`
}

// Load reads and parses a pipeline file
func Load(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	return Parse(data)
}

// Parse parses pipeline YAML
func Parse(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline: %w", err)
	}
	return &p, nil
}

// Validate checks the pipeline for structural errors. It never mutates the
// pipeline.
func (p *Pipeline) Validate() error {
	if len(p.Script) == 0 {
		return fmt.Errorf("pipeline has no script commands")
	}
	for i, cmd := range p.Script {
		if cmd == "" {
			return fmt.Errorf("script command %d is empty", i+1)
		}
	}

	if p.Deploy != nil {
		if p.Deploy.Provider == "" {
			return fmt.Errorf("deploy stanza is missing provider")
		}
		if p.Deploy.PasswordEnv == "" {
			return fmt.Errorf("deploy stanza is missing password_env")
		}
		if len(p.Deploy.Command) == 0 {
			return fmt.Errorf("deploy stanza is missing command")
		}
		if v := p.Deploy.On.Version; v != "" && !p.hasVersion(v) {
			return fmt.Errorf("deploy condition version %q is not in the version matrix", v)
		}
	}

	return nil
}

func (p *Pipeline) hasVersion(version string) bool {
	for _, v := range p.Versions {
		if v == version {
			return true
		}
	}
	return false
}

// DeployAllowed reports whether the deploy stanza applies to the given matrix
// entry for a build of the given branch and tag. When On.Version is set,
// exactly one matrix version can pass the gate.
func (p *Pipeline) DeployAllowed(entry MatrixEntry, branch, tag string) bool {
	if p.Deploy == nil {
		return false
	}
	on := p.Deploy.On
	if on.Branch != "" && on.Branch != branch {
		return false
	}
	if on.Tags && tag == "" {
		return false
	}
	if on.Version != "" && on.Version != entry.Version {
		return false
	}
	return true
}
