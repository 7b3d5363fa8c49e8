package verifier

import (
	"errors"
	"fmt"
	"testing"
)

// stubClass is one entry of stubHierarchy.
type stubClass struct {
	super   string
	iface   bool
	members map[string]MemberInfo // name+descriptor
}

// stubHierarchy is a map-backed ClassHierarchy for unit tests.
type stubHierarchy map[string]stubClass

func newStubHierarchy() stubHierarchy {
	return stubHierarchy{
		ObjectClass:                  {},
		StringClass:                  {super: ObjectClass},
		ThrowableClass:               {super: ObjectClass},
		"java/lang/Exception":        {super: ThrowableClass},
		"java/lang/RuntimeException": {super: "java/lang/Exception"},
		CloneableClass:               {super: ObjectClass, iface: true},
		SerializableClass:            {super: ObjectClass, iface: true},
		"java/lang/Runnable":         {super: ObjectClass, iface: true},
	}
}

func (h stubHierarchy) get(name string) (stubClass, error) {
	c, ok := h[name]
	if !ok {
		return c, fmt.Errorf("%w: %s", ErrResolution, name)
	}
	return c, nil
}

func (h stubHierarchy) IsInterface(name string) (bool, error) {
	c, err := h.get(name)
	return c.iface, err
}

func (h stubHierarchy) IsSubclassOf(name, super string) (bool, error) {
	for name != "" {
		if name == super {
			return true, nil
		}
		c, err := h.get(name)
		if err != nil {
			return false, err
		}
		name = c.super
	}
	return false, nil
}

func (h stubHierarchy) Superclass(name string) (string, error) {
	c, err := h.get(name)
	return c.super, err
}

func (h stubHierarchy) LookupMember(class, name, descriptor string, isMethod bool) (MemberInfo, bool, error) {
	for class != "" {
		c, err := h.get(class)
		if err != nil {
			return MemberInfo{}, false, err
		}
		if m, ok := c.members[name+descriptor]; ok {
			return m, true, nil
		}
		class = c.super
	}
	return MemberInfo{}, false, nil
}

// ---------------------------------------------------------------------------
// Predicates
// ---------------------------------------------------------------------------

func TestCategories(t *testing.T) {
	tests := []struct {
		t                  VerificationType
		cat1, cat2, cat2nd bool
	}{
		{Integer, true, false, false},
		{Float, true, false, false},
		{Bogus, true, false, false},
		{Null, true, false, false},
		{Reference(StringClass), true, false, false},
		{Uninitialized(3), true, false, false},
		{UninitializedThis, true, false, false},
		{Long, false, true, false},
		{Double, false, true, false},
		{Long2, false, false, true},
		{Double2, false, false, true},
		{Category1Check, false, false, false},
	}
	for _, tt := range tests {
		if got := tt.t.IsCategory1(); got != tt.cat1 {
			t.Errorf("%v.IsCategory1() = %v, want %v", tt.t, got, tt.cat1)
		}
		if got := tt.t.IsCategory2(); got != tt.cat2 {
			t.Errorf("%v.IsCategory2() = %v, want %v", tt.t, got, tt.cat2)
		}
		if got := tt.t.IsCategory2Second(); got != tt.cat2nd {
			t.Errorf("%v.IsCategory2Second() = %v, want %v", tt.t, got, tt.cat2nd)
		}
	}
}

func TestArrayPredicates(t *testing.T) {
	ints := Reference("[I")
	strs := Reference("[Ljava/lang/String;")
	grid := Reference("[[J")

	if !ints.IsIntArray() || ints.IsLongArray() || ints.IsReferenceArray() {
		t.Errorf("[I predicates wrong")
	}
	if !strs.IsObjectArray() || !strs.IsReferenceArray() {
		t.Errorf("[Ljava/lang/String; should be a reference array")
	}
	if !grid.IsArrayArray() || !grid.IsReferenceArray() {
		t.Errorf("[[J should be an array of arrays")
	}
	if !Null.IsIntArray() || !Null.IsReferenceArray() {
		t.Errorf("null should count as any array")
	}
	if Reference(StringClass).IsArray() {
		t.Errorf("String is not an array")
	}
}

func TestComponentAndDimensions(t *testing.T) {
	tests := []struct {
		array     string
		component VerificationType
		dims      int
	}{
		{"[I", Integer, 1},
		{"[Z", Boolean, 1},
		{"[J", Long, 1},
		{"[Ljava/lang/String;", Reference(StringClass), 1},
		{"[[D", Reference("[D"), 2},
		{"[[[Ljava/lang/Object;", Reference("[[Ljava/lang/Object;"), 3},
	}
	for _, tt := range tests {
		a := Reference(tt.array)
		if got := a.Component(); got != tt.component {
			t.Errorf("%s.Component() = %v, want %v", tt.array, got, tt.component)
		}
		if got := a.Dimensions(); got != tt.dims {
			t.Errorf("%s.Dimensions() = %d, want %d", tt.array, got, tt.dims)
		}
	}
	if got := Reference(StringClass).Component(); got != Bogus {
		t.Errorf("non-array Component() = %v, want top", got)
	}
	if got := arrayOf(Reference(StringClass)); got != Reference("[Ljava/lang/String;") {
		t.Errorf("arrayOf(String) = %v", got)
	}
	if got := arrayOf(Reference("[I")); got != Reference("[[I") {
		t.Errorf("arrayOf([I) = %v", got)
	}
}

// ---------------------------------------------------------------------------
// Assignability
// ---------------------------------------------------------------------------

func TestIsAssignableFrom(t *testing.T) {
	h := newStubHierarchy()
	exception := Reference("java/lang/Exception")
	runtime := Reference("java/lang/RuntimeException")

	tests := []struct {
		name     string
		to, from VerificationType
		want     bool
	}{
		{"same", Integer, Integer, true},
		{"top accepts anything", Bogus, Long, true},
		{"int to boolean", Boolean, Integer, true},
		{"boolean to int", Integer, Boolean, false},
		{"int to float", Float, Integer, false},
		{"category1 check", Category1Check, Float, true},
		{"category1 check rejects long", Category1Check, Long, false},
		{"category2 check", Category2Check, Double, true},
		{"category2 second check", Category2SecondCheck, Long2, true},
		{"reference check null", ReferenceCheck, Null, true},
		{"reference check uninit", ReferenceCheck, Uninitialized(0), true},
		{"reference check int", ReferenceCheck, Integer, false},
		{"null to object", Reference(StringClass), Null, true},
		{"object to null", Null, Reference(StringClass), false},
		{"subclass", exception, runtime, true},
		{"superclass", runtime, exception, false},
		{"anything to Object", ObjectType, Reference("[I"), true},
		{"class to interface", Reference("java/lang/Runnable"), Reference(StringClass), true},
		{"array to Cloneable", Reference(CloneableClass), Reference("[I"), true},
		{"array to Runnable", Reference("java/lang/Runnable"), Reference("[I"), false},
		{"covariant arrays", Reference("[Ljava/lang/Exception;"), Reference("[Ljava/lang/RuntimeException;"), true},
		{"primitive arrays invariant", Reference("[I"), Reference("[B"), false},
		{"byte array vs boolean array", Reference("[Z"), Reference("[B"), false},
		{"uninit to object", ObjectType, Uninitialized(4), false},
		{"uninit this to object", ObjectType, UninitializedThis, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.to.IsAssignableFrom(tt.from, h, false)
			if err != nil {
				t.Fatalf("IsAssignableFrom failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("%v.IsAssignableFrom(%v) = %v, want %v", tt.to, tt.from, got, tt.want)
			}
		})
	}
}

func TestIsAssignableFromResolutionError(t *testing.T) {
	h := newStubHierarchy()
	_, err := Reference("demo/Missing").IsAssignableFrom(Reference(StringClass), h, false)
	if !errors.Is(err, ErrResolution) {
		t.Errorf("err = %v, want ErrResolution", err)
	}

	_, err = Reference(StringClass).IsAssignableFrom(Reference("java/lang/Exception"), nil, false)
	if !errors.Is(err, ErrResolution) {
		t.Errorf("nil hierarchy err = %v, want ErrResolution", err)
	}
}

func TestProtectedInterfaceTarget(t *testing.T) {
	h := newStubHierarchy()
	// With fromFieldIsProtected, an Object source is not assignable to an
	// interface target.
	got, err := Reference("java/lang/Runnable").IsAssignableFrom(ObjectType, h, true)
	if err != nil {
		t.Fatalf("IsAssignableFrom failed: %v", err)
	}
	if got {
		t.Errorf("Object should not be assignable to an interface for protected access")
	}
}

func TestTypeStrings(t *testing.T) {
	tests := []struct {
		t    VerificationType
		want string
	}{
		{Bogus, "top"},
		{Integer, "integer"},
		{Long2, "long_2nd"},
		{Null, "null"},
		{Uninitialized(7), "uninitialized 7"},
		{UninitializedThis, "uninitializedThis"},
		{Reference(StringClass), "'java/lang/String'"},
		{ReferenceCheck, "reference type"},
	}
	for _, tt := range tests {
		if got := tt.t.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestDescriptorTypes(t *testing.T) {
	tests := []struct {
		desc string
		want []VerificationType
	}{
		{"I", []VerificationType{Integer}},
		{"Z", []VerificationType{Integer}},
		{"J", []VerificationType{Long, Long2}},
		{"D", []VerificationType{Double, Double2}},
		{"Ljava/lang/String;", []VerificationType{Reference(StringClass)}},
		{"[I", []VerificationType{Reference("[I")}},
	}
	for _, tt := range tests {
		got := typesFromFieldDescriptor(tt.desc)
		if len(got) != len(tt.want) {
			t.Fatalf("typesFromFieldDescriptor(%s) = %v, want %v", tt.desc, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("typesFromFieldDescriptor(%s)[%d] = %v, want %v", tt.desc, i, got[i], tt.want[i])
			}
		}
	}

	if got := returnTypeFromDescriptor("V"); got != Bogus {
		t.Errorf("return V = %v, want top", got)
	}
	if got := returnTypeFromDescriptor("B"); got != Byte {
		t.Errorf("return B = %v, want byte", got)
	}
}
