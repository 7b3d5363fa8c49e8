package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/jverify/manifest"
)

// writeDemo writes the demo classes to a fresh directory.
func writeDemo(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	keep := map[string]bool{}
	for _, n := range names {
		keep[n+".class"] = true
	}
	for _, c := range demoClasses() {
		if len(names) > 0 && !keep[c.Path] {
			continue
		}
		if err := os.WriteFile(filepath.Join(dir, c.Path), c.Data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunPassing(t *testing.T) {
	dir := writeDemo(t, "Hello", "Counter", "Legacy")
	code, out, errOut := runCLI(t, "-color=false", dir)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0\nstdout:\n%s\nstderr:\n%s", code, out, errOut)
	}
	for _, want := range []string{
		"OK   demo/Hello (1 methods)",
		"OK   demo/Counter (1 methods)",
		"SKIP demo/Legacy: class file predates stack maps",
		"2 passed, 0 failed, 1 skipped",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}
}

func TestRunFailing(t *testing.T) {
	dir := writeDemo(t)
	code, out, _ := runCLI(t, "-color=false", "-dump", dir)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1\n%s", code, out)
	}
	for _, want := range []string{
		"FAIL demo/Broken: VerifyError",
		"Bad type on operand stack",
		"FAIL demo/Lazy: VerifyError",
		"Constructor must call super() or this() before return",
		"Exception Details:",
		"2 passed, 2 failed, 1 skipped",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}
}

func TestRunBaseline(t *testing.T) {
	dir := writeDemo(t, "Hello", "Broken")
	baseline := filepath.Join(t.TempDir(), "baseline.toml")

	code, out, errOut := runCLI(t, "-color=false", "-baseline", baseline, "-write-baseline", dir)
	if code != 0 {
		t.Fatalf("write-baseline exit code = %d\n%s%s", code, out, errOut)
	}
	if !strings.Contains(out, "Wrote 1 accepted failures") {
		t.Errorf("unexpected output %q", out)
	}
	b, err := manifest.ReadBaseline(baseline)
	if err != nil || b == nil || len(b.Accepted) != 1 {
		t.Fatalf("ReadBaseline = %+v, %v", b, err)
	}
	if b.Accepted[0].Class != "demo/Broken" || b.Accepted[0].Method != "half(I)F" {
		t.Errorf("accepted = %+v", b.Accepted[0])
	}

	code, out, _ = runCLI(t, "-color=false", "-baseline", baseline, dir)
	if code != 0 {
		t.Fatalf("exit code with baseline = %d, want 0\n%s", code, out)
	}
	if !strings.Contains(out, "1 passed, 0 failed, 1 accepted") {
		t.Errorf("summary missing accepted count\n%s", out)
	}
}

func TestRunCacheFlag(t *testing.T) {
	dir := writeDemo(t, "Hello")
	db := filepath.Join(t.TempDir(), "verdicts.db")
	for i := 0; i < 2; i++ {
		code, out, errOut := runCLI(t, "-color=false", "-cache", "sqlite", "-cache-path", db, dir)
		if code != 0 {
			t.Fatalf("run %d: exit code = %d\n%s%s", i, code, out, errOut)
		}
		if i == 1 && !strings.Contains(out, "(1 from cache)") {
			t.Errorf("second run should hit the cache\n%s", out)
		}
	}
}

func TestRunDumpFromCache(t *testing.T) {
	dir := writeDemo(t, "Broken")
	db := filepath.Join(t.TempDir(), "verdicts.db")
	for i := 0; i < 2; i++ {
		code, out, _ := runCLI(t, "-color=false", "-dump", "-cache", "sqlite", "-cache-path", db, dir)
		if code != 1 {
			t.Fatalf("run %d: exit code = %d, want 1\n%s", i, code, out)
		}
		if !strings.Contains(out, "Exception Details:") || !strings.Contains(out, "Bytecode:") {
			t.Errorf("run %d: failure details missing\n%s", i, out)
		}
	}
}

func TestRunUsage(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no paths", nil},
		{"bad flag", []string{"-nope"}},
		{"missing path", []string{filepath.Join(t.TempDir(), "missing")}},
		{"bad cache", []string{"-cache", "redis", "."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _, _ := runCLI(t, tt.args...); code != 2 {
				t.Errorf("exit code = %d, want 2", code)
			}
		})
	}
}

func TestDis(t *testing.T) {
	dir := writeDemo(t, "Counter")
	code, out, errOut := runCLI(t, "dis", filepath.Join(dir, "Counter.class"))
	if code != 0 {
		t.Fatalf("exit code = %d\n%s", code, errOut)
	}
	for _, want := range []string{
		"class demo/Counter extends java/lang/Object",
		"count()I",
		"0000  iconst_0",
		"if_icmplt",
		"StackMapTable:\n    @2 locals: { integer } stack: { }",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}

	if code, _, _ := runCLI(t, "dis", filepath.Join(dir, "Counter.class"), "absent"); code != 1 {
		t.Errorf("unknown method: exit code = %d, want 1", code)
	}
	if code, _, _ := runCLI(t, "dis"); code != 2 {
		t.Errorf("no args: exit code = %d, want 2", code)
	}
}

func TestDemo(t *testing.T) {
	code, out, _ := runCLI(t, "demo", "-color=false")
	if code != 1 {
		t.Errorf("demo exit code = %d, want 1", code)
	}
	if !strings.Contains(out, "FAIL demo/Broken") {
		t.Errorf("demo output missing the broken class\n%s", out)
	}

	dir := filepath.Join(t.TempDir(), "classes")
	if code, _, _ := runCLI(t, "demo", "-out", dir); code != 0 {
		t.Fatalf("demo -out exit code = %d", code)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != len(demoClasses()) {
		t.Errorf("wrote %d files, want %d", len(entries), len(demoClasses()))
	}
}
