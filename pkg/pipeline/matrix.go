package pipeline

import (
	"strings"
)

// MatrixEntry is one cell of the expanded build matrix: a runtime version
// combined with one env row.
type MatrixEntry struct {
	Index   int      `json:"index"`
	Version string   `json:"version"`
	Env     []string `json:"env,omitempty"`
}

// String returns a short human-readable entry name, e.g. "3.5 [DB=postgres]"
func (e MatrixEntry) String() string {
	name := e.Version
	if name == "" {
		name = "default"
	}
	if len(e.Env) > 0 {
		name += " [" + strings.Join(e.Env, " ") + "]"
	}
	return name
}

// Matrix expands the pipeline into its build matrix: the cross product of
// runtime versions and env rows, versions-major, in declaration order.
// A pipeline without versions yields a single entry; a pipeline without env
// rows yields one entry per version.
func (p *Pipeline) Matrix() []MatrixEntry {
	versions := p.Versions
	if len(versions) == 0 {
		versions = []string{""}
	}

	envRows := make([][]string, 0, len(p.Env))
	for _, row := range p.Env {
		envRows = append(envRows, splitEnvRow(row))
	}
	if len(envRows) == 0 {
		envRows = append(envRows, nil)
	}

	entries := make([]MatrixEntry, 0, len(versions)*len(envRows))
	for _, version := range versions {
		for _, env := range envRows {
			entries = append(entries, MatrixEntry{
				Index:   len(entries),
				Version: version,
				Env:     env,
			})
		}
	}
	return entries
}

// splitEnvRow splits an env row ("FOO=1 BAR=baz") into KEY=VALUE assignments
func splitEnvRow(row string) []string {
	fields := strings.Fields(row)
	if len(fields) == 0 {
		return nil
	}
	return fields
}
