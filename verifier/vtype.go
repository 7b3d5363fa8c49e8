package verifier

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// VerificationType
// ---------------------------------------------------------------------------

// Kind discriminates VerificationType values.
type Kind uint8

const (
	KindBogus Kind = iota // top; unusable slot
	KindBoolean
	KindByte
	KindChar
	KindShort
	KindInteger
	KindFloat
	KindLong
	KindLong2 // second slot of a long
	KindDouble
	KindDouble2 // second slot of a double
	KindReference
	KindNull
	KindUninitialized     // carries the bci of its new instruction
	KindUninitializedThis // receiver of a constructor before super() or this()

	// Query kinds only appear as the required side of an assignability check.
	KindCategory1Query
	KindCategory2Query
	KindCategory2SecondQuery
	KindReferenceQuery
)

// VerificationType is an abstract value tracked in locals and on the operand
// stack. Values are comparable; == is the equality relation.
type VerificationType struct {
	kind Kind
	name string // internal class name or array descriptor, KindReference only
	bci  uint16 // KindUninitialized only
}

var (
	Bogus             = VerificationType{kind: KindBogus}
	Boolean           = VerificationType{kind: KindBoolean}
	Byte              = VerificationType{kind: KindByte}
	Char              = VerificationType{kind: KindChar}
	Short             = VerificationType{kind: KindShort}
	Integer           = VerificationType{kind: KindInteger}
	Float             = VerificationType{kind: KindFloat}
	Long              = VerificationType{kind: KindLong}
	Long2             = VerificationType{kind: KindLong2}
	Double            = VerificationType{kind: KindDouble}
	Double2           = VerificationType{kind: KindDouble2}
	Null              = VerificationType{kind: KindNull}
	UninitializedThis = VerificationType{kind: KindUninitializedThis}

	Category1Check       = VerificationType{kind: KindCategory1Query}
	Category2Check       = VerificationType{kind: KindCategory2Query}
	Category2SecondCheck = VerificationType{kind: KindCategory2SecondQuery}
	ReferenceCheck       = VerificationType{kind: KindReferenceQuery}
)

// Well-known class names.
const (
	ObjectClass       = "java/lang/Object"
	StringClass       = "java/lang/String"
	ClassClass        = "java/lang/Class"
	ThrowableClass    = "java/lang/Throwable"
	CloneableClass    = "java/lang/Cloneable"
	SerializableClass = "java/io/Serializable"
	MethodHandleClass = "java/lang/invoke/MethodHandle"
	MethodTypeClass   = "java/lang/invoke/MethodType"
)

// Reference returns the reference type for an internal class name or array
// descriptor.
func Reference(name string) VerificationType {
	return VerificationType{kind: KindReference, name: name}
}

// Uninitialized returns the type of an object created by the new at bci.
func Uninitialized(bci int) VerificationType {
	return VerificationType{kind: KindUninitialized, bci: uint16(bci)}
}

// ObjectType is java/lang/Object.
var ObjectType = Reference(ObjectClass)

func (t VerificationType) Kind() Kind   { return t.kind }
func (t VerificationType) Name() string { return t.name }
func (t VerificationType) BCI() int     { return int(t.bci) }

func (t VerificationType) IsBogus() bool   { return t.kind == KindBogus }
func (t VerificationType) IsNull() bool    { return t.kind == KindNull }
func (t VerificationType) IsInteger() bool { return t.kind == KindInteger }
func (t VerificationType) IsLong() bool    { return t.kind == KindLong }
func (t VerificationType) IsDouble() bool  { return t.kind == KindDouble }

// IsReference is true for named references and null.
func (t VerificationType) IsReference() bool {
	return t.kind == KindReference || t.kind == KindNull
}

// IsObject is true for non-array named references.
func (t VerificationType) IsObject() bool {
	return t.kind == KindReference && t.name != "" && t.name[0] != '['
}

// IsArray is true for array references.
func (t VerificationType) IsArray() bool {
	return t.kind == KindReference && t.name != "" && t.name[0] == '['
}

func (t VerificationType) IsUninitialized() bool {
	return t.kind == KindUninitialized || t.kind == KindUninitializedThis
}

func (t VerificationType) IsUninitializedThis() bool { return t.kind == KindUninitializedThis }

// IsCheck is true for the query types.
func (t VerificationType) IsCheck() bool { return t.kind >= KindCategory1Query }

// IsCategory1 is true for every one-slot type, top included.
func (t VerificationType) IsCategory1() bool {
	switch t.kind {
	case KindLong, KindLong2, KindDouble, KindDouble2:
		return false
	}
	return !t.IsCheck()
}

// IsCategory2 is true for the first slot of a long or double.
func (t VerificationType) IsCategory2() bool {
	return t.kind == KindLong || t.kind == KindDouble
}

// IsCategory2Second is true for the second slot of a long or double.
func (t VerificationType) IsCategory2Second() bool {
	return t.kind == KindLong2 || t.kind == KindDouble2
}

// SecondHalf returns the placeholder stored after a category-2 value.
func (t VerificationType) SecondHalf() VerificationType {
	switch t.kind {
	case KindLong:
		return Long2
	case KindDouble:
		return Double2
	}
	return Bogus
}

// isXArray reports whether t may be an array whose component descriptor
// starts with sig. Null counts as any array.
func (t VerificationType) isXArray(sig byte) bool {
	return t.IsNull() || (t.IsArray() && len(t.name) > 1 && t.name[1] == sig)
}

func (t VerificationType) IsBoolArray() bool   { return t.isXArray('Z') }
func (t VerificationType) IsByteArray() bool   { return t.isXArray('B') }
func (t VerificationType) IsCharArray() bool   { return t.isXArray('C') }
func (t VerificationType) IsShortArray() bool  { return t.isXArray('S') }
func (t VerificationType) IsIntArray() bool    { return t.isXArray('I') }
func (t VerificationType) IsLongArray() bool   { return t.isXArray('J') }
func (t VerificationType) IsFloatArray() bool  { return t.isXArray('F') }
func (t VerificationType) IsDoubleArray() bool { return t.isXArray('D') }
func (t VerificationType) IsObjectArray() bool { return t.isXArray('L') }
func (t VerificationType) IsArrayArray() bool  { return t.isXArray('[') }

// IsReferenceArray is true for arrays of objects or of arrays.
func (t VerificationType) IsReferenceArray() bool {
	return t.IsObjectArray() || t.IsArrayArray()
}

// Dimensions counts the leading '[' of an array type.
func (t VerificationType) Dimensions() int {
	if !t.IsArray() {
		return 0
	}
	n := 0
	for n < len(t.name) && t.name[n] == '[' {
		n++
	}
	return n
}

// Component strips one array dimension. Non-arrays give Bogus.
func (t VerificationType) Component() VerificationType {
	if !t.IsArray() || len(t.name) < 2 {
		return Bogus
	}
	comp := t.name[1:]
	switch comp[0] {
	case 'Z':
		return Boolean
	case 'B':
		return Byte
	case 'C':
		return Char
	case 'S':
		return Short
	case 'I':
		return Integer
	case 'J':
		return Long
	case 'F':
		return Float
	case 'D':
		return Double
	case '[':
		return Reference(comp)
	case 'L':
		if len(comp) > 2 && comp[len(comp)-1] == ';' {
			return Reference(comp[1 : len(comp)-1])
		}
	}
	return Bogus
}

// ---------------------------------------------------------------------------
// Assignability
// ---------------------------------------------------------------------------

// IsAssignableFrom reports whether a value of type from may be stored where
// t is required. Class relationships are answered by h; the error is only
// non-nil when h fails to resolve a class.
func (t VerificationType) IsAssignableFrom(from VerificationType, h ClassHierarchy, fromFieldIsProtected bool) (bool, error) {
	if t == from || t.IsBogus() {
		return true, nil
	}
	switch t.kind {
	case KindCategory1Query:
		return from.IsCategory1(), nil
	case KindCategory2Query:
		return from.IsCategory2(), nil
	case KindCategory2SecondQuery:
		return from.IsCategory2Second(), nil
	case KindReferenceQuery:
		return from.IsReference() || from.IsUninitialized(), nil
	case KindBoolean, KindByte, KindChar, KindShort:
		// int stands in for the narrow integral types; the reverse does not hold.
		return from.IsInteger(), nil
	}
	if t.IsReference() && from.IsReference() {
		return t.isReferenceAssignableFrom(from, h, fromFieldIsProtected)
	}
	return false, nil
}

func (t VerificationType) isReferenceAssignableFrom(from VerificationType, h ClassHierarchy, fromFieldIsProtected bool) (bool, error) {
	if from.IsNull() {
		return true, nil
	}
	if t.IsNull() {
		return false, nil
	}
	if t.name == from.name {
		return true, nil
	}
	if t.IsObject() {
		if t.name == ObjectClass {
			return true, nil
		}
		return resolveAndCheckAssignability(h, t.name, from, fromFieldIsProtected)
	}
	if t.IsArray() && from.IsArray() {
		compThis, compFrom := t.Component(), from.Component()
		if !compThis.IsBogus() && !compFrom.IsBogus() {
			return compThis.isComponentAssignableFrom(compFrom, h, fromFieldIsProtected)
		}
	}
	return false, nil
}

// isComponentAssignableFrom is the array element rule: narrow primitive
// components must match exactly.
func (t VerificationType) isComponentAssignableFrom(from VerificationType, h ClassHierarchy, fromFieldIsProtected bool) (bool, error) {
	if t == from || t.IsBogus() {
		return true, nil
	}
	switch t.kind {
	case KindBoolean, KindByte, KindChar, KindShort:
		return false, nil
	}
	return t.IsAssignableFrom(from, h, fromFieldIsProtected)
}

func resolveAndCheckAssignability(h ClassHierarchy, target string, from VerificationType, fromFieldIsProtected bool) (bool, error) {
	if h == nil {
		return false, fmt.Errorf("%w: no class hierarchy to resolve %s", ErrResolution, target)
	}
	isInterface, err := h.IsInterface(target)
	if err != nil {
		return false, err
	}
	if isInterface && (!fromFieldIsProtected || from.name != ObjectClass) {
		// Interfaces are treated as Object, except that arrays only
		// implement Cloneable and Serializable.
		if from.IsArray() {
			return target == CloneableClass || target == SerializableClass, nil
		}
		return true, nil
	}
	if from.IsObject() {
		return h.IsSubclassOf(from.name, target)
	}
	return false, nil
}

// ---------------------------------------------------------------------------
// Printing
// ---------------------------------------------------------------------------

func (t VerificationType) String() string {
	switch t.kind {
	case KindBogus:
		return "top"
	case KindBoolean:
		return "boolean"
	case KindByte:
		return "byte"
	case KindChar:
		return "char"
	case KindShort:
		return "short"
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindLong:
		return "long"
	case KindLong2:
		return "long_2nd"
	case KindDouble:
		return "double"
	case KindDouble2:
		return "double_2nd"
	case KindNull:
		return "null"
	case KindUninitialized:
		return fmt.Sprintf("uninitialized %d", t.bci)
	case KindUninitializedThis:
		return "uninitializedThis"
	case KindCategory1Query:
		return "category1 type"
	case KindCategory2Query:
		return "category2 type"
	case KindCategory2SecondQuery:
		return "category2_2nd type"
	case KindReferenceQuery:
		return "reference type"
	}
	return "'" + t.name + "'"
}

// ---------------------------------------------------------------------------
// Descriptor conversion
// ---------------------------------------------------------------------------

// typesFromFieldDescriptor returns the slot types a value described by desc
// occupies: one entry, or two for long and double. Sub-int types widen to
// integer.
func typesFromFieldDescriptor(desc string) []VerificationType {
	switch desc[0] {
	case 'Z', 'B', 'C', 'S', 'I':
		return []VerificationType{Integer}
	case 'F':
		return []VerificationType{Float}
	case 'J':
		return []VerificationType{Long, Long2}
	case 'D':
		return []VerificationType{Double, Double2}
	case 'L':
		return []VerificationType{Reference(strings.TrimSuffix(desc[1:], ";"))}
	}
	return []VerificationType{Reference(desc)}
}

// returnTypeFromDescriptor maps a method return descriptor to the type a
// return instruction must supply. Void gives Bogus.
func returnTypeFromDescriptor(desc string) VerificationType {
	switch desc {
	case "V":
		return Bogus
	case "Z":
		return Boolean
	case "B":
		return Byte
	case "C":
		return Char
	case "S":
		return Short
	case "I":
		return Integer
	case "F":
		return Float
	case "J":
		return Long
	case "D":
		return Double
	}
	return typesFromFieldDescriptor(desc)[0]
}

// arrayOf builds the array type whose components are t.
func arrayOf(t VerificationType) VerificationType {
	if t.IsArray() {
		return Reference("[" + t.name)
	}
	return Reference("[L" + t.name + ";")
}

// newarrayTypes maps the newarray atype operand to its array type.
var newarrayTypes = map[byte]string{
	4:  "[Z",
	5:  "[C",
	6:  "[F",
	7:  "[D",
	8:  "[B",
	9:  "[S",
	10: "[I",
	11: "[J",
}
