package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/jverify/cache"
	"github.com/chazu/jverify/classfile"
	"github.com/chazu/jverify/hierarchy"
	"github.com/chazu/jverify/verifier"
)

// goodClass has one method returning a constant.
func goodClass(name, super string) []byte {
	b := classfile.NewBuilder(name, super)
	code := verifier.NewAssembler().Emit(verifier.OpIconst1).Emit(verifier.OpIreturn).Bytes()
	b.AddMethod(classfile.AccStatic, "one", "()I", &classfile.CodeSpec{MaxStack: 1, Bytecode: code})
	return b.Bytes()
}

// upcastClass returns its argument as super, which only verifies when the
// hierarchy knows sub extends super.
func upcastClass(name, sub, super string) []byte {
	b := classfile.NewBuilder(name, verifier.ObjectClass)
	code := verifier.NewAssembler().Emit(verifier.OpAload0).Emit(verifier.OpAreturn).Bytes()
	b.AddMethod(classfile.AccStatic, "up", "(L"+sub+";)L"+super+";", &classfile.CodeSpec{
		MaxStack: 1, MaxLocals: 1, Bytecode: code,
	})
	return b.Bytes()
}

// badClass pops an empty stack.
func badClass(name string) []byte {
	b := classfile.NewBuilder(name, verifier.ObjectClass)
	code := []byte{byte(verifier.OpPop), byte(verifier.OpReturn)}
	b.AddMethod(classfile.AccStatic, "bad", "()V", &classfile.CodeSpec{MaxStack: 1, Bytecode: code})
	return b.Bytes()
}

func TestRun(t *testing.T) {
	classes := []Class{
		{Path: "Use.class", Data: upcastClass("demo/Use", "demo/Child", "demo/Parent")},
		{Path: "Parent.class", Data: goodClass("demo/Parent", verifier.ObjectClass)},
		{Path: "Child.class", Data: goodClass("demo/Child", "demo/Parent")},
		{Path: "Bad.class", Data: badClass("demo/Bad")},
		{Path: "junk.class", Data: []byte("not a class")},
	}

	report, err := Run(context.Background(), classes, Options{Jobs: 2})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(report.Outcomes) != len(classes) {
		t.Fatalf("got %d outcomes, want %d", len(report.Outcomes), len(classes))
	}

	tests := []struct {
		path   string
		class  string
		failed bool
		kind   verifier.ErrorKind
	}{
		{"Use.class", "demo/Use", false, 0},
		{"Parent.class", "demo/Parent", false, 0},
		{"Child.class", "demo/Child", false, 0},
		{"Bad.class", "demo/Bad", true, verifier.VerifyError},
		{"junk.class", "", true, verifier.ClassFormatError},
	}
	for i, tt := range tests {
		o := report.Outcomes[i]
		if o.Path != tt.path || o.Class != tt.class {
			t.Errorf("outcome %d = %s (%s), want %s (%s)", i, o.Path, o.Class, tt.path, tt.class)
		}
		if o.Failed() != tt.failed {
			t.Errorf("%s: failed = %v, want %v (err %v)", tt.path, o.Failed(), tt.failed, o.Err)
			continue
		}
		if tt.failed {
			f, ok := verifier.AsFailure(o.Err)
			if !ok || f.Kind != tt.kind {
				t.Errorf("%s: err = %v, want %v", tt.path, o.Err, tt.kind)
			}
		}
	}

	passed, failed, skipped, cached := report.Counts()
	if passed != 3 || failed != 2 || skipped != 0 || cached != 0 {
		t.Errorf("Counts() = %d, %d, %d, %d; want 3, 2, 0, 0", passed, failed, skipped, cached)
	}
	if len(report.Failures()) != 2 {
		t.Errorf("Failures() = %d, want 2", len(report.Failures()))
	}

	err = report.Err()
	if err == nil {
		t.Fatal("Err() = nil, want aggregated failures")
	}
	msg := err.Error()
	if !strings.Contains(msg, "Bad.class") || !strings.Contains(msg, "junk.class") {
		t.Errorf("Err() = %q, want both failing paths", msg)
	}
}

func TestRunAllPass(t *testing.T) {
	classes := []Class{{Path: "A.class", Data: goodClass("demo/A", verifier.ObjectClass)}}
	report, err := Run(context.Background(), classes, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Err() != nil {
		t.Errorf("Err() = %v, want nil", report.Err())
	}
}

func TestRunSharedHierarchy(t *testing.T) {
	h := hierarchy.New()
	classes := []Class{{Path: "P.class", Data: goodClass("demo/P", verifier.ObjectClass)}}
	if _, err := Run(context.Background(), classes, Options{Hierarchy: h}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !h.Has("demo/P") {
		t.Error("input classes should be added to the hierarchy")
	}
}

func TestRunResolutionError(t *testing.T) {
	classes := []Class{{Path: "Use.class", Data: upcastClass("demo/Use", "demo/Gone", "demo/Missing")}}
	report, err := Run(context.Background(), classes, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	o := report.Outcomes[0]
	if !errors.Is(o.Err, verifier.ErrResolution) {
		t.Errorf("err = %v, want a resolution error", o.Err)
	}
}

func TestRunStopOnFirst(t *testing.T) {
	var classes []Class
	classes = append(classes, Class{Path: "Bad.class", Data: badClass("demo/Bad")})
	for i := 0; i < 20; i++ {
		name := "demo/G" + string(rune('a'+i))
		classes = append(classes, Class{Path: name + ".class", Data: goodClass(name, verifier.ObjectClass)})
	}

	report, err := Run(context.Background(), classes, Options{Jobs: 1, StopOnFirst: true})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !report.Outcomes[0].Failed() {
		t.Fatal("first class should fail")
	}
	notRun := 0
	for _, o := range report.Outcomes {
		if o.NotRun {
			notRun++
		}
	}
	if notRun == 0 {
		t.Error("expected classes after the failure to be abandoned")
	}
	if _, failed, _, _ := report.Counts(); failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
}

func TestRunStopOnParseFailure(t *testing.T) {
	classes := []Class{
		{Path: "A.class", Data: goodClass("demo/A", verifier.ObjectClass)},
		{Path: "Junk.class", Data: []byte{0xca, 0xfe}},
		{Path: "B.class", Data: goodClass("demo/B", verifier.ObjectClass)},
	}
	report, err := Run(context.Background(), classes, Options{Jobs: 1, StopOnFirst: true})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	passed, failed, _, _ := report.Counts()
	if passed != 0 || failed != 1 {
		t.Errorf("passed, failed = %d, %d, want 0, 1", passed, failed)
	}
	for i, o := range report.Outcomes {
		if want := i != 1; o.NotRun != want {
			t.Errorf("%s: NotRun = %v, want %v", o.Path, o.NotRun, want)
		}
	}
	f, ok := verifier.AsFailure(report.Outcomes[1].Err)
	if !ok || f.Kind != verifier.ClassFormatError {
		t.Errorf("Junk.class err = %v, want a ClassFormatError", report.Outcomes[1].Err)
	}
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	classes := []Class{{Path: "A.class", Data: goodClass("demo/A", verifier.ObjectClass)}}
	_, err := Run(ctx, classes, Options{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRunCache(t *testing.T) {
	store := cache.NewMemory()
	classes := []Class{
		{Path: "A.class", Data: goodClass("demo/A", verifier.ObjectClass)},
		{Path: "Bad.class", Data: badClass("demo/Bad")},
		{Path: "Use.class", Data: upcastClass("demo/Use", "demo/Gone", "demo/Missing")},
	}

	if _, err := Run(context.Background(), classes, Options{Cache: store}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// The resolution error is not cached.
	if store.Len() != 2 {
		t.Errorf("cache holds %d verdicts, want 2", store.Len())
	}

	report, err := Run(context.Background(), classes, Options{Cache: store})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, _, _, cached := report.Counts(); cached != 2 {
		t.Errorf("cached = %d, want 2", cached)
	}
	bad := report.Outcomes[1]
	if !bad.Cached || !bad.Failed() {
		t.Fatalf("Bad.class outcome = %+v, want a cached failure", bad)
	}
	f, ok := verifier.AsFailure(bad.Err)
	if !ok || f.Message != "Operand stack underflow" || f.Method != "bad()V" {
		t.Errorf("cached failure = %v", bad.Err)
	}
	if report.Outcomes[2].Cached {
		t.Error("resolution errors should be verified again")
	}
}

func TestRunCacheFailureContext(t *testing.T) {
	store := cache.NewMemory()
	classes := []Class{
		{Path: "A.class", Data: goodClass("demo/A", verifier.ObjectClass)},
		{Path: "Bad.class", Data: badClass("demo/Bad")},
	}
	if _, err := Run(context.Background(), classes, Options{Cache: store}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	report, err := Run(context.Background(), classes, Options{Cache: store, FailureContext: true})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !report.Outcomes[0].Cached {
		t.Error("passing class should still come from the cache")
	}
	bad := report.Outcomes[1]
	if bad.Cached {
		t.Error("failing class should be verified again")
	}
	f, ok := verifier.AsFailure(bad.Err)
	if !ok || f.Context == nil {
		t.Fatalf("failure = %v, want one with an ErrorContext", bad.Err)
	}
	if f.Context.BCI != 0 {
		t.Errorf("BCI = %d, want 0", f.Context.BCI)
	}
}

func TestRunCacheKeyedByHierarchy(t *testing.T) {
	store := cache.NewMemory()
	classes := []Class{{Path: "Use.class", Data: upcastClass("demo/Use", "demo/Gone", "demo/Missing")}}
	lenient := func() *hierarchy.Registry {
		h := hierarchy.New()
		h.SetLenient(true)
		return h
	}

	// Unknown classes are unrelated in lenient mode, so the upcast fails.
	report, err := Run(context.Background(), classes, Options{Cache: store, Hierarchy: lenient()})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if o := report.Outcomes[0]; !o.Failed() || o.Cached {
		t.Fatalf("lenient outcome = %+v, want a fresh failure", o)
	}

	h := hierarchy.New()
	h.Define(hierarchy.Class{Name: "demo/Missing", Super: verifier.ObjectClass})
	h.Define(hierarchy.Class{Name: "demo/Gone", Super: "demo/Missing"})
	report, err = Run(context.Background(), classes, Options{Cache: store, Hierarchy: h})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if o := report.Outcomes[0]; o.Failed() || o.Cached {
		t.Errorf("outcome with classpath = %+v, want a fresh pass", o)
	}

	report, err = Run(context.Background(), classes, Options{Cache: store, Hierarchy: lenient()})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if o := report.Outcomes[0]; !o.Failed() || !o.Cached {
		t.Errorf("second lenient outcome = %+v, want a cached failure", o)
	}
}

func TestCollect(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "demo", "sub")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string][]byte{
		filepath.Join(dir, "demo", "A.class"): goodClass("demo/A", verifier.ObjectClass),
		filepath.Join(nested, "B.class"):      goodClass("demo/sub/B", verifier.ObjectClass),
		filepath.Join(dir, "README.txt"):      []byte("ignored"),
	}
	for path, data := range files {
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	single := filepath.Join(dir, "single.bin")
	if err := os.WriteFile(single, goodClass("demo/S", verifier.ObjectClass), 0o644); err != nil {
		t.Fatal(err)
	}

	classes, err := Collect(dir, single)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	// Two from the walk, plus the explicitly named file.
	if len(classes) != 3 {
		t.Fatalf("got %d classes, want 3", len(classes))
	}
	if classes[2].Path != single {
		t.Errorf("classes[2] = %s, want %s", classes[2].Path, single)
	}

	if _, err := Collect(filepath.Join(dir, "missing")); err == nil {
		t.Error("Collect of a missing path should fail")
	}
}
