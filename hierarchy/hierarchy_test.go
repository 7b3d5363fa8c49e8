package hierarchy

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/chazu/jverify/classfile"
	"github.com/chazu/jverify/verifier"
)

func TestBuiltins(t *testing.T) {
	r := New()
	for _, name := range []string{
		"java/lang/Object", "java/lang/Throwable", "java/lang/Cloneable",
		"java/io/Serializable", "java/lang/RuntimeException",
	} {
		if !r.Has(name) {
			t.Errorf("builtin %s missing", name)
		}
	}
	super, err := r.Superclass("java/lang/Object")
	if err != nil {
		t.Fatalf("Superclass failed: %v", err)
	}
	if super != "" {
		t.Errorf("Superclass(Object) = %q, want empty", super)
	}
}

func TestIsSubclassOf(t *testing.T) {
	r := New()
	tests := []struct {
		name, super string
		want        bool
	}{
		{"java/lang/RuntimeException", "java/lang/Throwable", true},
		{"java/lang/RuntimeException", "java/lang/RuntimeException", true},
		{"java/lang/Throwable", "java/lang/Exception", false},
		{"java/lang/String", "java/lang/Object", true},
		{"java/lang/ArrayIndexOutOfBoundsException", "java/lang/IndexOutOfBoundsException", true},
		{"java/lang/Error", "java/lang/Exception", false},
	}
	for _, tt := range tests {
		got, err := r.IsSubclassOf(tt.name, tt.super)
		if err != nil {
			t.Fatalf("IsSubclassOf(%s, %s) failed: %v", tt.name, tt.super, err)
		}
		if got != tt.want {
			t.Errorf("IsSubclassOf(%s, %s) = %v, want %v", tt.name, tt.super, got, tt.want)
		}
	}
}

func TestIsInterface(t *testing.T) {
	r := New()
	tests := []struct {
		name string
		want bool
	}{
		{"java/lang/Cloneable", true},
		{"java/io/Serializable", true},
		{"java/lang/Object", false},
		{"java/lang/String", false},
	}
	for _, tt := range tests {
		got, err := r.IsInterface(tt.name)
		if err != nil {
			t.Fatalf("IsInterface(%s) failed: %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("IsInterface(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestUnknownClassStrict(t *testing.T) {
	r := New()
	_, err := r.IsInterface("demo/Missing")
	if !errors.Is(err, ErrUnknownClass) {
		t.Errorf("err = %v, want ErrUnknownClass", err)
	}
	if !errors.Is(err, verifier.ErrResolution) {
		t.Errorf("err = %v, want it to wrap verifier.ErrResolution", err)
	}
	if _, err := r.IsSubclassOf("demo/Missing", "java/lang/Throwable"); !errors.Is(err, ErrUnknownClass) {
		t.Errorf("IsSubclassOf err = %v, want ErrUnknownClass", err)
	}
}

func TestUnknownClassLenient(t *testing.T) {
	r := New()
	r.SetLenient(true)

	isIface, err := r.IsInterface("demo/Missing")
	if err != nil || isIface {
		t.Errorf("IsInterface = %v, %v, want false, nil", isIface, err)
	}
	super, err := r.Superclass("demo/Missing")
	if err != nil || super != "java/lang/Object" {
		t.Errorf("Superclass = %q, %v, want java/lang/Object, nil", super, err)
	}
	sub, err := r.IsSubclassOf("demo/Missing", "java/lang/Object")
	if err != nil || !sub {
		t.Errorf("IsSubclassOf(Object) = %v, %v, want true, nil", sub, err)
	}
	sub, err = r.IsSubclassOf("demo/Missing", "java/lang/Throwable")
	if err != nil || sub {
		t.Errorf("IsSubclassOf(Throwable) = %v, %v, want false, nil", sub, err)
	}
	_, found, err := r.LookupMember("demo/Missing", "f", "I", false)
	if err != nil || found {
		t.Errorf("LookupMember = %v, %v, want false, nil", found, err)
	}
}

func TestLookupMemberWalksSupers(t *testing.T) {
	r := New()
	r.Define(Class{
		Name:  "demo/Base",
		Super: "java/lang/Object",
		Fields: []Member{
			{Name: "count", Descriptor: "I", AccessFlags: classfile.AccProtected},
		},
	})
	r.Define(Class{Name: "demo/Derived", Super: "demo/Base"})

	info, found, err := r.LookupMember("demo/Derived", "count", "I", false)
	if err != nil {
		t.Fatalf("LookupMember failed: %v", err)
	}
	if !found {
		t.Fatal("count not found")
	}
	if info.Owner != "demo/Base" {
		t.Errorf("Owner = %q, want demo/Base", info.Owner)
	}
	if info.AccessFlags != classfile.AccProtected {
		t.Errorf("AccessFlags = %#x, want %#x", info.AccessFlags, classfile.AccProtected)
	}

	info, found, err = r.LookupMember("demo/Derived", "clone", "()Ljava/lang/Object;", true)
	if err != nil || !found {
		t.Fatalf("LookupMember(clone) = %v, %v", found, err)
	}
	if info.Owner != "java/lang/Object" {
		t.Errorf("clone Owner = %q, want java/lang/Object", info.Owner)
	}

	if _, found, _ := r.LookupMember("demo/Derived", "count", "J", false); found {
		t.Error("descriptor mismatch should not be found")
	}
}

func TestCycleTerminates(t *testing.T) {
	r := New()
	r.Define(Class{Name: "demo/A", Super: "demo/B"})
	r.Define(Class{Name: "demo/B", Super: "demo/A"})

	got, err := r.IsSubclassOf("demo/A", "java/lang/Object")
	if err != nil {
		t.Fatalf("IsSubclassOf failed: %v", err)
	}
	if got {
		t.Error("cyclic chain should never reach Object")
	}
}

func buildClass(name, super string) []byte {
	b := classfile.NewBuilder(name, super)
	b.AddField(classfile.AccPublic, "value", "I")
	b.AddMethod(classfile.AccPublic|classfile.AccAbstract, "run", "()V", nil)
	return b.Bytes()
}

func TestAddAndAddDir(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "demo")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "Shape.class"), buildClass("demo/Shape", "java/lang/Object"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "Circle.class"), buildClass("demo/Circle", "demo/Shape"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "README"), []byte("not a class"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := New()
	before := r.Len()
	n, err := r.AddDir(dir)
	if err != nil {
		t.Fatalf("AddDir failed: %v", err)
	}
	if n != 2 {
		t.Errorf("AddDir added %d, want 2", n)
	}
	if r.Len() != before+2 {
		t.Errorf("Len = %d, want %d", r.Len(), before+2)
	}

	sub2, err := r.IsSubclassOf("demo/Circle", "demo/Shape")
	if err != nil || !sub2 {
		t.Errorf("IsSubclassOf(Circle, Shape) = %v, %v, want true, nil", sub2, err)
	}
	if _, found, _ := r.LookupMember("demo/Circle", "run", "()V", true); !found {
		t.Error("inherited method run not found")
	}
}

func TestAddDirBadClass(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Bad.class"), []byte{0xca, 0xfe}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New().AddDir(dir); err == nil {
		t.Error("AddDir should fail on a truncated class file")
	}
}

func TestConcurrentReads(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if ok, err := r.IsSubclassOf("java/lang/NullPointerException", "java/lang/Throwable"); err != nil || !ok {
					t.Errorf("IsSubclassOf = %v, %v", ok, err)
					return
				}
			}
		}()
	}
	r.Define(Class{Name: "demo/Late", Super: "java/lang/Object"})
	wg.Wait()
	if !r.Has("demo/Late") {
		t.Error("demo/Late missing after concurrent define")
	}
	if names := r.Names(); len(names) != r.Len() {
		t.Errorf("Names() has %d entries, want %d", len(names), r.Len())
	}
}

func TestFingerprint(t *testing.T) {
	a, b := New(), New()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fresh registries should have equal fingerprints")
	}

	parent := Class{Name: "demo/P", Super: verifier.ObjectClass}
	child := Class{Name: "demo/C", Super: "demo/P", Methods: []Member{{Name: "m", Descriptor: "()V", AccessFlags: 1}}}
	a.Define(parent)
	a.Define(child)
	b.Define(child)
	b.Define(parent)
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("definition order should not change the fingerprint")
	}

	before := a.Fingerprint()
	a.SetLenient(true)
	if a.Fingerprint() == before {
		t.Error("lenient mode should change the fingerprint")
	}
	a.SetLenient(false)

	child.Methods[0].AccessFlags = 4
	a.Define(child)
	if a.Fingerprint() == before {
		t.Error("a changed member should change the fingerprint")
	}
}
