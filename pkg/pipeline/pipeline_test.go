package pipeline

import (
	"strings"
	"testing"
)

const fullPipeline = `language: python
versions:
  - "2.7"
  - "3.3"
  - "3.4"
  - "3.5"
before_install:
  - pip install --upgrade pip
install:
  - pip install -r requirements.txt
  - pip install .
script: nosetests
after_success:
  - coveralls
deploy:
  provider: pypi
  user: ci-bot
  password_env: PYPI_PASSWORD
  command:
    - python setup.py sdist
    - twine upload dist/*
  on:
    tags: true
    branch: master
    version: "3.5"
`

func TestParseFullPipeline(t *testing.T) {
	p, err := Parse([]byte(fullPipeline))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if p.Language != "python" {
		t.Errorf("expected language python, got %s", p.Language)
	}
	if len(p.Versions) != 4 {
		t.Errorf("expected 4 versions, got %d", len(p.Versions))
	}

	// Scalar script becomes a one-element list
	if len(p.Script) != 1 || p.Script[0] != "nosetests" {
		t.Errorf("unexpected script: %v", p.Script)
	}
	if len(p.Install) != 2 {
		t.Errorf("expected 2 install commands, got %d", len(p.Install))
	}

	if p.Deploy == nil {
		t.Fatal("expected deploy stanza")
	}
	if p.Deploy.Provider != "pypi" || p.Deploy.PasswordEnv != "PYPI_PASSWORD" {
		t.Errorf("unexpected deploy spec: %+v", p.Deploy)
	}
	if !p.Deploy.On.Tags || p.Deploy.On.Branch != "master" || p.Deploy.On.Version != "3.5" {
		t.Errorf("unexpected deploy condition: %+v", p.Deploy.On)
	}

	if err := p.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestValidateRequiresScript(t *testing.T) {
	p, err := Parse([]byte("language: python\n"))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Validate(); err == nil {
		t.Error("expected validation error for missing script")
	}
}

func TestValidateDeployStanza(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{
			"missing provider",
			"script: make test\ndeploy:\n  password_env: TOKEN\n  command: upload\n",
		},
		{
			"missing password_env",
			"script: make test\ndeploy:\n  provider: pypi\n  command: upload\n",
		},
		{
			"missing command",
			"script: make test\ndeploy:\n  provider: pypi\n  password_env: TOKEN\n",
		},
		{
			"version not in matrix",
			"versions: [\"2.7\"]\nscript: make test\ndeploy:\n  provider: pypi\n  password_env: TOKEN\n  command: upload\n  on:\n    version: \"3.5\"\n",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p, err := Parse([]byte(c.yaml))
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if err := p.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestParseRejectsMalformedScript(t *testing.T) {
	_, err := Parse([]byte("script:\n  key: value\n"))
	if err == nil {
		t.Error("expected parse error for mapping script")
	}
	if err != nil && !strings.Contains(err.Error(), "command") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestDeployAllowed(t *testing.T) {
	p, err := Parse([]byte(fullPipeline))
	if err != nil {
		t.Fatal(err)
	}

	entry27 := MatrixEntry{Version: "2.7"}
	entry35 := MatrixEntry{Version: "3.5"}

	cases := []struct {
		name   string
		entry  MatrixEntry
		branch string
		tag    string
		want   bool
	}{
		{"matching entry", entry35, "master", "v1.2.0", true},
		{"wrong version", entry27, "master", "v1.2.0", false},
		{"wrong branch", entry35, "develop", "v1.2.0", false},
		{"no tag", entry35, "master", "", false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := p.DeployAllowed(c.entry, c.branch, c.tag); got != c.want {
				t.Errorf("DeployAllowed(%s, %s, %s) = %v, want %v", c.entry.Version, c.branch, c.tag, got, c.want)
			}
		})
	}
}

func TestDeployAllowedWithoutStanza(t *testing.T) {
	p, err := Parse([]byte("script: make test\n"))
	if err != nil {
		t.Fatal(err)
	}
	if p.DeployAllowed(MatrixEntry{Version: "3.5"}, "master", "v1.0.0") {
		t.Error("deploy must never be allowed without a deploy stanza")
	}
}
