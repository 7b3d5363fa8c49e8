package manifest

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[verify]
jobs = 3
stop-on-first = true
classpath = ["lib", "/opt/classes"]
lenient = true
baseline = "jverify-baseline.toml"

[cache]
backend = "sqlite"
path = "build/verdicts.db"

[output]
color = false
dump-context = true
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Verify.Jobs != 3 {
		t.Errorf("jobs = %d, want 3", m.Verify.Jobs)
	}
	if !m.Verify.StopOnFirst {
		t.Error("stop-on-first = false, want true")
	}
	if !m.Verify.Lenient {
		t.Error("lenient = false, want true")
	}
	if m.Cache.Backend != "sqlite" {
		t.Errorf("cache backend = %q, want sqlite", m.Cache.Backend)
	}
	if m.Output.Color {
		t.Error("color = true, want false")
	}
	if !m.Output.DumpContext {
		t.Error("dump-context = false, want true")
	}

	paths := m.ClasspathPaths()
	if len(paths) != 2 {
		t.Fatalf("expected 2 classpath entries, got %d", len(paths))
	}
	if paths[0] != filepath.Join(m.Dir, "lib") {
		t.Errorf("paths[0] = %q, want %q", paths[0], filepath.Join(m.Dir, "lib"))
	}
	if paths[1] != "/opt/classes" {
		t.Errorf("paths[1] = %q, want /opt/classes", paths[1])
	}
	if got, want := m.CachePath(), filepath.Join(m.Dir, "build", "verdicts.db"); got != want {
		t.Errorf("cache path = %q, want %q", got, want)
	}
	if got, want := m.BaselinePath(), filepath.Join(m.Dir, "jverify-baseline.toml"); got != want {
		t.Errorf("baseline path = %q, want %q", got, want)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		backend   string
		cachePath string
	}{
		{"empty", "", "none", ""},
		{"sqlite without path", "[cache]\nbackend = \"sqlite\"\n", "sqlite", filepath.Join(".jverify", "cache.db")},
		{"cbor without path", "[cache]\nbackend = \"cbor\"\n", "cbor", filepath.Join(".jverify", "verdicts")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeManifest(t, dir, tt.content)
			m, err := Load(dir)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if m.Verify.Jobs != runtime.NumCPU() {
				t.Errorf("jobs = %d, want %d", m.Verify.Jobs, runtime.NumCPU())
			}
			if !m.Output.Color {
				t.Error("color should default to true")
			}
			if m.Cache.Backend != tt.backend {
				t.Errorf("backend = %q, want %q", m.Cache.Backend, tt.backend)
			}
			if m.Cache.Path != tt.cachePath {
				t.Errorf("cache path = %q, want %q", m.Cache.Path, tt.cachePath)
			}
		})
	}
}

func TestLoadManifestParseError(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "[verify\njobs = ")
	if _, err := Load(dir); err == nil {
		t.Error("expected a parse error")
	}
}

func TestFindAndLoad(t *testing.T) {
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, dir, "[verify]\njobs = 7\n")

	// Found from a deep subdirectory.
	m, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Verify.Jobs != 7 {
		t.Errorf("jobs = %d, want 7", m.Verify.Jobs)
	}
	abs, _ := filepath.Abs(dir)
	if m.Dir != abs {
		t.Errorf("dir = %q, want %q", m.Dir, abs)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when no jverify.toml exists")
	}
}

func TestBaselineRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "baseline.toml")

	b := &Baseline{}
	b.Add("demo/B", "m()V", "Bad return type")
	b.Add("demo/A", "", "Truncated class file")
	b.Add("demo/B", "m()V", "Bad return type")
	if len(b.Accepted) != 2 {
		t.Fatalf("expected 2 accepted failures, got %d", len(b.Accepted))
	}

	if err := WriteBaseline(path, b); err != nil {
		t.Fatalf("WriteBaseline failed: %v", err)
	}
	loaded, err := ReadBaseline(path)
	if err != nil {
		t.Fatalf("ReadBaseline failed: %v", err)
	}
	if len(loaded.Accepted) != 2 {
		t.Fatalf("expected 2 accepted failures, got %d", len(loaded.Accepted))
	}
	if loaded.Accepted[0].Class != "demo/A" {
		t.Errorf("accepted[0].Class = %q, want demo/A (sorted)", loaded.Accepted[0].Class)
	}

	tests := []struct {
		class, method, message string
		want                   bool
	}{
		{"demo/B", "m()V", "Bad return type", true},
		{"demo/B", "n()V", "Bad return type", false},
		{"demo/A", "anything()V", "Truncated class file", true},
		{"demo/A", "", "Bad return type", false},
	}
	for _, tt := range tests {
		if got := loaded.Accepts(tt.class, tt.method, tt.message); got != tt.want {
			t.Errorf("Accepts(%s, %s, %q) = %v, want %v", tt.class, tt.method, tt.message, got, tt.want)
		}
	}
}

func TestReadBaselineNotFound(t *testing.T) {
	b, err := ReadBaseline("/nonexistent/path/baseline.toml")
	if err != nil {
		t.Errorf("ReadBaseline should return nil,nil for missing file, got err: %v", err)
	}
	if b != nil {
		t.Errorf("ReadBaseline should return nil for missing file, got %v", b)
	}
	if b.Accepts("demo/A", "", "x") {
		t.Error("nil baseline accepts nothing")
	}
}
