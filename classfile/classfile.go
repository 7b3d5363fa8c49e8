package classfile

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

var (
	ErrInvalidMagic      = errors.New("invalid magic number: expected 0xCAFEBABE")
	ErrTruncated         = errors.New("truncated class file")
	ErrTrailingBytes     = errors.New("extra bytes at the end of class file")
	ErrBadConstantTag    = errors.New("unknown constant tag")
	ErrBadConstantIndex  = errors.New("bad constant pool index")
	ErrBadDescriptor     = errors.New("malformed descriptor")
	ErrBadAttribute      = errors.New("malformed attribute")
	ErrDuplicateStackMap = errors.New("multiple StackMapTable attributes")
)

// FormatError reports a structural problem found while reading a class file.
type FormatError struct {
	Offset int // byte offset into the class file, -1 if unknown
	Err    error
}

func (e *FormatError) Error() string {
	if e.Offset < 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (at byte %d)", e.Err, e.Offset)
}

func (e *FormatError) Unwrap() error { return e.Err }

// ---------------------------------------------------------------------------
// Constant pool
// ---------------------------------------------------------------------------

// Constant is one decoded constant pool entry. Which fields are meaningful
// depends on Tag. Slot 0 and the slot after a Long or Double carry Tag 0.
type Constant struct {
	Tag    byte
	Utf8   string
	Int    int32
	Float  float32
	Long   int64
	Double float64

	// Index1 holds name_index (Class, Module, Package), string_index,
	// class_index (refs), name_index (NameAndType), descriptor_index
	// (MethodType), reference_index (MethodHandle) or the bootstrap method
	// index (Dynamic, InvokeDynamic).
	Index1 uint16
	// Index2 holds name_and_type_index (refs, Dynamic, InvokeDynamic) or
	// descriptor_index (NameAndType).
	Index2 uint16
	// RefKind is the MethodHandle reference_kind.
	RefKind byte
}

// ConstantPool is indexed exactly like the class file's constant pool.
type ConstantPool []Constant

// Len returns constant_pool_count.
func (cp ConstantPool) Len() int { return len(cp) }

// Valid reports whether index addresses a usable entry.
func (cp ConstantPool) Valid(index int) bool {
	return index > 0 && index < len(cp) && cp[index].Tag != 0
}

// Tag returns the tag at index or 0 when the index is out of range.
func (cp ConstantPool) Tag(index int) byte {
	if index <= 0 || index >= len(cp) {
		return 0
	}
	return cp[index].Tag
}

func (cp ConstantPool) expect(index int, tag byte) (*Constant, error) {
	if !cp.Valid(index) {
		return nil, fmt.Errorf("%w: %d", ErrBadConstantIndex, index)
	}
	c := &cp[index]
	if c.Tag != tag {
		return nil, fmt.Errorf("%w: #%d is %s, expected %s",
			ErrBadConstantIndex, index, TagName(c.Tag), TagName(tag))
	}
	return c, nil
}

// Utf8 returns the string stored at a CONSTANT_Utf8 entry.
func (cp ConstantPool) Utf8(index int) (string, error) {
	c, err := cp.expect(index, TagUtf8)
	if err != nil {
		return "", err
	}
	return c.Utf8, nil
}

// ClassName returns the internal name referenced by a CONSTANT_Class entry.
func (cp ConstantPool) ClassName(index int) (string, error) {
	c, err := cp.expect(index, TagClass)
	if err != nil {
		return "", err
	}
	return cp.Utf8(int(c.Index1))
}

// NameAndType returns the name and descriptor of a CONSTANT_NameAndType entry.
func (cp ConstantPool) NameAndType(index int) (name, descriptor string, err error) {
	c, err := cp.expect(index, TagNameAndType)
	if err != nil {
		return "", "", err
	}
	if name, err = cp.Utf8(int(c.Index1)); err != nil {
		return "", "", err
	}
	if descriptor, err = cp.Utf8(int(c.Index2)); err != nil {
		return "", "", err
	}
	return name, descriptor, nil
}

// MemberRef is a resolved Fieldref, Methodref or InterfaceMethodref.
type MemberRef struct {
	Tag        byte
	Class      string
	Name       string
	Descriptor string
}

// MemberRef resolves a field or method reference. The entry's tag is
// returned so callers can check it against the instruction using it.
func (cp ConstantPool) MemberRef(index int) (MemberRef, error) {
	if !cp.Valid(index) {
		return MemberRef{}, fmt.Errorf("%w: %d", ErrBadConstantIndex, index)
	}
	c := cp[index]
	switch c.Tag {
	case TagFieldref, TagMethodref, TagInterfaceMethodref:
	default:
		return MemberRef{}, fmt.Errorf("%w: #%d is %s, expected a member reference",
			ErrBadConstantIndex, index, TagName(c.Tag))
	}
	class, err := cp.ClassName(int(c.Index1))
	if err != nil {
		return MemberRef{}, err
	}
	name, desc, err := cp.NameAndType(int(c.Index2))
	if err != nil {
		return MemberRef{}, err
	}
	return MemberRef{Tag: c.Tag, Class: class, Name: name, Descriptor: desc}, nil
}

// InvokeDynamic resolves the name and descriptor of a CONSTANT_InvokeDynamic.
func (cp ConstantPool) InvokeDynamic(index int) (name, descriptor string, err error) {
	c, err := cp.expect(index, TagInvokeDynamic)
	if err != nil {
		return "", "", err
	}
	return cp.NameAndType(int(c.Index2))
}

// Dynamic resolves the name and descriptor of a CONSTANT_Dynamic.
func (cp ConstantPool) Dynamic(index int) (name, descriptor string, err error) {
	c, err := cp.expect(index, TagDynamic)
	if err != nil {
		return "", "", err
	}
	return cp.NameAndType(int(c.Index2))
}

// ---------------------------------------------------------------------------
// Class structure
// ---------------------------------------------------------------------------

// Attribute is an undecoded attribute_info.
type Attribute struct {
	Name string
	Data []byte
}

// Member is a field_info or method_info.
type Member struct {
	AccessFlags uint16
	Name        string
	Descriptor  string
	Attributes  []Attribute
}

func (m *Member) IsStatic() bool   { return m.AccessFlags&AccStatic != 0 }
func (m *Member) IsAbstract() bool { return m.AccessFlags&AccAbstract != 0 }
func (m *Member) IsNative() bool   { return m.AccessFlags&AccNative != 0 }

// Attribute returns the first attribute with the given name.
func (m *Member) Attribute(name string) (Attribute, bool) {
	for _, a := range m.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// ExceptionHandler is one exception_table entry of a Code attribute.
type ExceptionHandler struct {
	StartPC   uint16
	EndPC     uint16
	HandlerPC uint16
	CatchType uint16 // 0 catches everything
}

// Covers reports whether bci lies inside the handler's try range.
func (h ExceptionHandler) Covers(bci int) bool {
	return bci >= int(h.StartPC) && bci < int(h.EndPC)
}

// Code is a decoded Code attribute.
type Code struct {
	MaxStack       uint16
	MaxLocals      uint16
	Bytecode       []byte
	ExceptionTable []ExceptionHandler
	Attributes     []Attribute

	// StackMapTable holds the raw attribute body, nil when absent.
	StackMapTable []byte
}

// ClassFile is a parsed class file.
type ClassFile struct {
	MinorVersion uint16
	MajorVersion uint16
	ConstantPool ConstantPool
	AccessFlags  uint16
	ThisClass    uint16
	SuperClass   uint16
	Interfaces   []uint16
	Fields       []Member
	Methods      []Member
	Attributes   []Attribute
}

// Name returns the internal name of this class.
func (cf *ClassFile) Name() string {
	name, _ := cf.ConstantPool.ClassName(int(cf.ThisClass))
	return name
}

// SuperName returns the internal name of the superclass, or "" for
// java/lang/Object.
func (cf *ClassFile) SuperName() string {
	if cf.SuperClass == 0 {
		return ""
	}
	name, _ := cf.ConstantPool.ClassName(int(cf.SuperClass))
	return name
}

// InterfaceNames returns the internal names of the direct superinterfaces.
func (cf *ClassFile) InterfaceNames() []string {
	names := make([]string, 0, len(cf.Interfaces))
	for _, idx := range cf.Interfaces {
		if name, err := cf.ConstantPool.ClassName(int(idx)); err == nil {
			names = append(names, name)
		}
	}
	return names
}

func (cf *ClassFile) IsInterface() bool { return cf.AccessFlags&AccInterface != 0 }

// Method looks up a method by name and descriptor.
func (cf *ClassFile) Method(name, descriptor string) *Member {
	for i := range cf.Methods {
		m := &cf.Methods[i]
		if m.Name == name && m.Descriptor == descriptor {
			return m
		}
	}
	return nil
}

// Field looks up a field by name and descriptor.
func (cf *ClassFile) Field(name, descriptor string) *Member {
	for i := range cf.Fields {
		f := &cf.Fields[i]
		if f.Name == name && f.Descriptor == descriptor {
			return f
		}
	}
	return nil
}

// Code decodes the Code attribute of m. It returns nil without error for
// abstract and native methods.
func (cf *ClassFile) Code(m *Member) (*Code, error) {
	attr, ok := m.Attribute(AttrCode)
	if !ok {
		return nil, nil
	}
	return parseCode(attr.Data, cf.ConstantPool)
}
