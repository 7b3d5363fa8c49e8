package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// Baseline lists known failures that do not fail a run.
type Baseline struct {
	Accepted []AcceptedFailure `toml:"accepted"`
}

// AcceptedFailure identifies one failure by location and message.
type AcceptedFailure struct {
	Class   string `toml:"class"`
	Method  string `toml:"method,omitempty"`
	Message string `toml:"message"`
}

// ReadBaseline parses a baseline file. A missing file yields nil, nil.
func ReadBaseline(path string) (*Baseline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	var b Baseline
	if err := toml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	return &b, nil
}

// WriteBaseline writes b sorted by class, method and message.
func WriteBaseline(path string, b *Baseline) error {
	sorted := slices.Clone(b.Accepted)
	slices.SortFunc(sorted, func(x, y AcceptedFailure) int {
		if c := strings.Compare(x.Class, y.Class); c != 0 {
			return c
		}
		if c := strings.Compare(x.Method, y.Method); c != 0 {
			return c
		}
		return strings.Compare(x.Message, y.Message)
	})

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	defer f.Close()
	fmt.Fprintln(f, "# Failures accepted by jverify. Regenerate with -write-baseline.")
	if err := toml.NewEncoder(f).Encode(Baseline{Accepted: sorted}); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	return f.Close()
}

// Accepts reports whether the failure at class/method with message is
// listed. An empty Method in an entry matches any method of the class.
func (b *Baseline) Accepts(class, method, message string) bool {
	if b == nil {
		return false
	}
	for _, a := range b.Accepted {
		if a.Class == class && (a.Method == "" || a.Method == method) && a.Message == message {
			return true
		}
	}
	return false
}

// Add records a failure unless it is already accepted.
func (b *Baseline) Add(class, method, message string) {
	if b.Accepts(class, method, message) {
		return
	}
	b.Accepted = append(b.Accepted, AcceptedFailure{Class: class, Method: method, Message: message})
}
