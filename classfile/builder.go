package classfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// byteWriter: big-endian output buffer
// ---------------------------------------------------------------------------

type byteWriter struct {
	buf bytes.Buffer
}

func (w *byteWriter) u1(v byte)     { w.buf.WriteByte(v) }
func (w *byteWriter) u2(v uint16)   { w.buf.Write(binary.BigEndian.AppendUint16(nil, v)) }
func (w *byteWriter) u4(v uint32)   { w.buf.Write(binary.BigEndian.AppendUint32(nil, v)) }
func (w *byteWriter) raw(b []byte)  { w.buf.Write(b) }
func (w *byteWriter) bytes() []byte { return w.buf.Bytes() }

// ---------------------------------------------------------------------------
// Builder: assembles a class file
// ---------------------------------------------------------------------------

// CodeSpec describes the Code attribute of a method being built.
type CodeSpec struct {
	MaxStack       uint16
	MaxLocals      uint16
	Bytecode       []byte
	ExceptionTable []ExceptionHandler

	// StackMapTable is the full attribute body (number_of_entries first).
	// Nil omits the attribute.
	StackMapTable []byte
}

type memberSpec struct {
	access uint16
	name   uint16
	desc   uint16
	code   *CodeSpec
}

// Builder assembles a class file, deduplicating constant pool entries.
type Builder struct {
	major, minor uint16
	access       uint16
	pool         []Constant
	index        map[string]uint16
	this, super  uint16
	interfaces   []uint16
	fields       []memberSpec
	methods      []memberSpec
}

// NewBuilder creates a builder for class name extending super. An empty
// super produces a class without a superclass, like java/lang/Object.
func NewBuilder(name, super string) *Builder {
	b := &Builder{
		major:  52,
		access: AccPublic | AccSuper,
		pool:   []Constant{{}},
		index:  make(map[string]uint16),
	}
	b.this = b.Class(name)
	if super != "" {
		b.super = b.Class(super)
	}
	return b
}

// SetVersion sets the class file version. The default is 52.0.
func (b *Builder) SetVersion(major, minor uint16) { b.major, b.minor = major, minor }

// SetAccess replaces the class access flags.
func (b *Builder) SetAccess(flags uint16) { b.access = flags }

// AddInterface records a direct superinterface.
func (b *Builder) AddInterface(name string) {
	b.interfaces = append(b.interfaces, b.Class(name))
}

func (b *Builder) add(key string, c Constant) uint16 {
	if idx, ok := b.index[key]; ok {
		return idx
	}
	idx := uint16(len(b.pool))
	b.pool = append(b.pool, c)
	if c.Tag == TagLong || c.Tag == TagDouble {
		b.pool = append(b.pool, Constant{})
	}
	b.index[key] = idx
	return idx
}

func (b *Builder) Utf8(s string) uint16 {
	return b.add("U"+s, Constant{Tag: TagUtf8, Utf8: s})
}

func (b *Builder) Class(name string) uint16 {
	n := b.Utf8(name)
	return b.add("C"+name, Constant{Tag: TagClass, Index1: n})
}

func (b *Builder) StringConstant(s string) uint16 {
	n := b.Utf8(s)
	return b.add("S"+s, Constant{Tag: TagString, Index1: n})
}

func (b *Builder) Integer(v int32) uint16 {
	return b.add(fmt.Sprintf("I%d", v), Constant{Tag: TagInteger, Int: v})
}

func (b *Builder) Float(v float32) uint16 {
	return b.add(fmt.Sprintf("F%x", math.Float32bits(v)), Constant{Tag: TagFloat, Float: v})
}

func (b *Builder) Long(v int64) uint16 {
	return b.add(fmt.Sprintf("J%d", v), Constant{Tag: TagLong, Long: v})
}

func (b *Builder) Double(v float64) uint16 {
	return b.add(fmt.Sprintf("D%x", math.Float64bits(v)), Constant{Tag: TagDouble, Double: v})
}

func (b *Builder) MethodType(desc string) uint16 {
	d := b.Utf8(desc)
	return b.add("T"+desc, Constant{Tag: TagMethodType, Index1: d})
}

func (b *Builder) NameAndType(name, desc string) uint16 {
	n, d := b.Utf8(name), b.Utf8(desc)
	return b.add("N"+name+":"+desc, Constant{Tag: TagNameAndType, Index1: n, Index2: d})
}

func (b *Builder) ref(tag byte, class, name, desc string) uint16 {
	c, nt := b.Class(class), b.NameAndType(name, desc)
	key := fmt.Sprintf("R%d:%s.%s:%s", tag, class, name, desc)
	return b.add(key, Constant{Tag: tag, Index1: c, Index2: nt})
}

func (b *Builder) Fieldref(class, name, desc string) uint16 {
	return b.ref(TagFieldref, class, name, desc)
}

func (b *Builder) Methodref(class, name, desc string) uint16 {
	return b.ref(TagMethodref, class, name, desc)
}

func (b *Builder) InterfaceMethodref(class, name, desc string) uint16 {
	return b.ref(TagInterfaceMethodref, class, name, desc)
}

// InvokeDynamic adds a CONSTANT_InvokeDynamic for bootstrap method bsm.
func (b *Builder) InvokeDynamic(bsm uint16, name, desc string) uint16 {
	nt := b.NameAndType(name, desc)
	key := fmt.Sprintf("Y%d:%s:%s", bsm, name, desc)
	return b.add(key, Constant{Tag: TagInvokeDynamic, Index1: bsm, Index2: nt})
}

// Dynamic adds a CONSTANT_Dynamic for bootstrap method bsm.
func (b *Builder) Dynamic(bsm uint16, name, desc string) uint16 {
	nt := b.NameAndType(name, desc)
	key := fmt.Sprintf("Q%d:%s:%s", bsm, name, desc)
	return b.add(key, Constant{Tag: TagDynamic, Index1: bsm, Index2: nt})
}

// AddField declares a field.
func (b *Builder) AddField(access uint16, name, desc string) {
	b.fields = append(b.fields, memberSpec{access: access, name: b.Utf8(name), desc: b.Utf8(desc)})
}

// AddMethod declares a method. A nil code produces a method without a Code
// attribute.
func (b *Builder) AddMethod(access uint16, name, desc string, code *CodeSpec) {
	if code != nil {
		b.Utf8(AttrCode)
		if code.StackMapTable != nil {
			b.Utf8(AttrStackMapTable)
		}
	}
	b.methods = append(b.methods, memberSpec{
		access: access,
		name:   b.Utf8(name),
		desc:   b.Utf8(desc),
		code:   code,
	})
}

// Bytes serializes the class file.
func (b *Builder) Bytes() []byte {
	w := &byteWriter{}
	w.u4(Magic)
	w.u2(b.minor)
	w.u2(b.major)

	w.u2(uint16(len(b.pool)))
	for _, c := range b.pool[1:] {
		if c.Tag == 0 {
			continue
		}
		writeConstant(w, c)
	}

	w.u2(b.access)
	w.u2(b.this)
	w.u2(b.super)
	w.u2(uint16(len(b.interfaces)))
	for _, i := range b.interfaces {
		w.u2(i)
	}

	w.u2(uint16(len(b.fields)))
	for _, f := range b.fields {
		w.u2(f.access)
		w.u2(f.name)
		w.u2(f.desc)
		w.u2(0)
	}

	w.u2(uint16(len(b.methods)))
	for _, m := range b.methods {
		w.u2(m.access)
		w.u2(m.name)
		w.u2(m.desc)
		if m.code == nil {
			w.u2(0)
			continue
		}
		w.u2(1)
		body := b.codeBody(m.code)
		w.u2(b.index["U"+AttrCode])
		w.u4(uint32(len(body)))
		w.raw(body)
	}

	w.u2(0) // class attributes
	return w.bytes()
}

func (b *Builder) codeBody(c *CodeSpec) []byte {
	w := &byteWriter{}
	w.u2(c.MaxStack)
	w.u2(c.MaxLocals)
	w.u4(uint32(len(c.Bytecode)))
	w.raw(c.Bytecode)
	w.u2(uint16(len(c.ExceptionTable)))
	for _, h := range c.ExceptionTable {
		w.u2(h.StartPC)
		w.u2(h.EndPC)
		w.u2(h.HandlerPC)
		w.u2(h.CatchType)
	}
	if c.StackMapTable == nil {
		w.u2(0)
		return w.bytes()
	}
	w.u2(1)
	w.u2(b.index["U"+AttrStackMapTable])
	w.u4(uint32(len(c.StackMapTable)))
	w.raw(c.StackMapTable)
	return w.bytes()
}

func writeConstant(w *byteWriter, c Constant) {
	w.u1(c.Tag)
	switch c.Tag {
	case TagUtf8:
		w.u2(uint16(len(c.Utf8)))
		w.raw([]byte(c.Utf8))
	case TagInteger:
		w.u4(uint32(c.Int))
	case TagFloat:
		w.u4(math.Float32bits(c.Float))
	case TagLong:
		w.u4(uint32(uint64(c.Long) >> 32))
		w.u4(uint32(c.Long))
	case TagDouble:
		bits := math.Float64bits(c.Double)
		w.u4(uint32(bits >> 32))
		w.u4(uint32(bits))
	case TagClass, TagString, TagMethodType, TagModule, TagPackage:
		w.u2(c.Index1)
	case TagMethodHandle:
		w.u1(c.RefKind)
		w.u2(c.Index1)
	default:
		w.u2(c.Index1)
		w.u2(c.Index2)
	}
}
