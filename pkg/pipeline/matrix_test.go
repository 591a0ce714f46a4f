package pipeline

import (
	"reflect"
	"testing"
)

func TestMatrixCrossProduct(t *testing.T) {
	p := &Pipeline{
		Versions: []string{"2.7", "3.5"},
		Env:      []string{"DB=sqlite", "DB=postgres NUMPY=1.11"},
	}

	entries := p.Matrix()
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}

	// Versions-major, declaration order
	want := []struct {
		version string
		env     []string
	}{
		{"2.7", []string{"DB=sqlite"}},
		{"2.7", []string{"DB=postgres", "NUMPY=1.11"}},
		{"3.5", []string{"DB=sqlite"}},
		{"3.5", []string{"DB=postgres", "NUMPY=1.11"}},
	}
	for i, w := range want {
		if entries[i].Index != i {
			t.Errorf("entry %d has index %d", i, entries[i].Index)
		}
		if entries[i].Version != w.version {
			t.Errorf("entry %d: version %s, want %s", i, entries[i].Version, w.version)
		}
		if !reflect.DeepEqual(entries[i].Env, w.env) {
			t.Errorf("entry %d: env %v, want %v", i, entries[i].Env, w.env)
		}
	}
}

func TestMatrixWithoutEnv(t *testing.T) {
	p := &Pipeline{Versions: []string{"2.7", "3.3", "3.4", "3.5"}}

	entries := p.Matrix()
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	for i, entry := range entries {
		if len(entry.Env) != 0 {
			t.Errorf("entry %d has unexpected env %v", i, entry.Env)
		}
		if entry.Version != p.Versions[i] {
			t.Errorf("entry %d: version %s, want %s", i, entry.Version, p.Versions[i])
		}
	}
}

func TestMatrixWithoutVersions(t *testing.T) {
	p := &Pipeline{Env: []string{"MODE=fast", "MODE=slow"}}

	entries := p.Matrix()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	for _, entry := range entries {
		if entry.Version != "" {
			t.Errorf("expected empty version, got %s", entry.Version)
		}
	}
}

func TestMatrixEmptyPipeline(t *testing.T) {
	p := &Pipeline{}

	entries := p.Matrix()
	if len(entries) != 1 {
		t.Fatalf("expected a single entry, got %d", len(entries))
	}
	if entries[0].Version != "" || len(entries[0].Env) != 0 {
		t.Errorf("unexpected entry: %+v", entries[0])
	}
}

func TestMatrixEntryString(t *testing.T) {
	cases := []struct {
		entry MatrixEntry
		want  string
	}{
		{MatrixEntry{Version: "3.5"}, "3.5"},
		{MatrixEntry{Version: "3.5", Env: []string{"DB=postgres"}}, "3.5 [DB=postgres]"},
		{MatrixEntry{}, "default"},
	}
	for _, c := range cases {
		if got := c.entry.String(); got != c.want {
			t.Errorf("String() = %q, want %q", got, c.want)
		}
	}
}
