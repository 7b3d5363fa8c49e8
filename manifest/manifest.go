// Package manifest handles jverify.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
)

// FileName is the manifest looked up by Load and FindAndLoad.
const FileName = "jverify.toml"

// Manifest represents a jverify.toml configuration.
type Manifest struct {
	Verify Verify `toml:"verify"`
	Cache  Cache  `toml:"cache"`
	Output Output `toml:"output"`

	// Dir is the directory containing the jverify.toml file (set at load time).
	Dir string `toml:"-"`
}

// Verify configures the batch run.
type Verify struct {
	Jobs        int      `toml:"jobs"`
	StopOnFirst bool     `toml:"stop-on-first"`
	Classpath   []string `toml:"classpath"`
	Lenient     bool     `toml:"lenient"`
	Baseline    string   `toml:"baseline"`
}

// Cache selects the verdict store.
type Cache struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
}

// Output configures reporting.
type Output struct {
	Color       bool `toml:"color"`
	DumpContext bool `toml:"dump-context"`
}

// Default returns the configuration used without a manifest.
func Default() *Manifest {
	m := &Manifest{
		Cache:  Cache{Backend: "none"},
		Output: Output{Color: true},
	}
	m.applyDefaults()
	return m
}

func (m *Manifest) applyDefaults() {
	if m.Verify.Jobs <= 0 {
		m.Verify.Jobs = runtime.NumCPU()
	}
	if m.Cache.Backend == "" {
		m.Cache.Backend = "none"
	}
	if m.Cache.Path == "" {
		m.Cache.Path = DefaultCachePath(m.Cache.Backend)
	}
}

// DefaultCachePath is the location a cache backend uses when none is
// configured. Backends without storage get "".
func DefaultCachePath(backend string) string {
	switch backend {
	case "sqlite":
		return filepath.Join(".jverify", "cache.db")
	case "cbor":
		return filepath.Join(".jverify", "verdicts")
	}
	return ""
}

// Load parses a jverify.toml file from the given directory. Keys missing
// from the file keep their Default values.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m := Default()
	if err := toml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	m.applyDefaults()
	return m, nil
}

// FindAndLoad walks up from startDir to find a jverify.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// resolve makes p absolute relative to the manifest directory.
func (m *Manifest) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || m.Dir == "" {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// ClasspathPaths returns absolute paths for the configured classpath
// directories.
func (m *Manifest) ClasspathPaths() []string {
	var paths []string
	for _, d := range m.Verify.Classpath {
		paths = append(paths, m.resolve(d))
	}
	return paths
}

// CachePath returns the cache location relative to the manifest.
func (m *Manifest) CachePath() string {
	return m.resolve(m.Cache.Path)
}

// BaselinePath returns the baseline file location, or "" when unset.
func (m *Manifest) BaselinePath() string {
	return m.resolve(m.Verify.Baseline)
}
