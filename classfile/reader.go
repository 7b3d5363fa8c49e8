package classfile

import (
	"encoding/binary"
	"fmt"
	"math"
)

// reader is a big-endian cursor over class file bytes. The first failure
// sticks; later reads return zero values until err is inspected.
type reader struct {
	data   []byte
	offset int
	err    error
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = &FormatError{Offset: r.offset, Err: err}
	}
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.offset+n > len(r.data) {
		r.fail(ErrTruncated)
		return false
	}
	return true
}

func (r *reader) u1() byte {
	if !r.need(1) {
		return 0
	}
	v := r.data[r.offset]
	r.offset++
	return v
}

func (r *reader) u2() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.data[r.offset:])
	r.offset += 2
	return v
}

func (r *reader) u4() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.offset:])
	r.offset += 4
	return v
}

func (r *reader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	v := r.data[r.offset : r.offset+n]
	r.offset += n
	return v
}

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

// Parse decodes a complete class file.
func Parse(data []byte) (*ClassFile, error) {
	r := &reader{data: data}

	if magic := r.u4(); r.err == nil && magic != Magic {
		return nil, &FormatError{Offset: 0, Err: fmt.Errorf("%w: got 0x%08X", ErrInvalidMagic, magic)}
	}

	cf := &ClassFile{}
	cf.MinorVersion = r.u2()
	cf.MajorVersion = r.u2()
	cf.ConstantPool = r.constantPool()
	if r.err != nil {
		return nil, r.err
	}

	cf.AccessFlags = r.u2()
	cf.ThisClass = r.u2()
	cf.SuperClass = r.u2()
	if r.err == nil && cf.ConstantPool.Tag(int(cf.ThisClass)) != TagClass {
		r.fail(fmt.Errorf("%w: this_class %d", ErrBadConstantIndex, cf.ThisClass))
	}
	if r.err == nil && cf.SuperClass != 0 && cf.ConstantPool.Tag(int(cf.SuperClass)) != TagClass {
		r.fail(fmt.Errorf("%w: super_class %d", ErrBadConstantIndex, cf.SuperClass))
	}

	count := int(r.u2())
	for i := 0; i < count && r.err == nil; i++ {
		cf.Interfaces = append(cf.Interfaces, r.u2())
	}

	cf.Fields = r.members(cf.ConstantPool)
	cf.Methods = r.members(cf.ConstantPool)
	cf.Attributes = r.attributes(cf.ConstantPool)
	if r.err != nil {
		return nil, r.err
	}
	if r.offset != len(r.data) {
		return nil, &FormatError{Offset: r.offset, Err: ErrTrailingBytes}
	}
	return cf, nil
}

func (r *reader) constantPool() ConstantPool {
	count := int(r.u2())
	if r.err != nil {
		return nil
	}
	cp := make(ConstantPool, count)
	for i := 1; i < count && r.err == nil; i++ {
		c := &cp[i]
		c.Tag = r.u1()
		switch c.Tag {
		case TagUtf8:
			n := int(r.u2())
			// Modified UTF-8 is kept byte-for-byte.
			c.Utf8 = string(r.bytes(n))
		case TagInteger:
			c.Int = int32(r.u4())
		case TagFloat:
			c.Float = math.Float32frombits(r.u4())
		case TagLong:
			hi, lo := r.u4(), r.u4()
			c.Long = int64(uint64(hi)<<32 | uint64(lo))
			i++
		case TagDouble:
			hi, lo := r.u4(), r.u4()
			c.Double = math.Float64frombits(uint64(hi)<<32 | uint64(lo))
			i++
		case TagClass, TagString, TagMethodType, TagModule, TagPackage:
			c.Index1 = r.u2()
		case TagFieldref, TagMethodref, TagInterfaceMethodref, TagNameAndType,
			TagDynamic, TagInvokeDynamic:
			c.Index1 = r.u2()
			c.Index2 = r.u2()
		case TagMethodHandle:
			c.RefKind = r.u1()
			c.Index1 = r.u2()
		default:
			r.offset--
			r.fail(fmt.Errorf("%w: %d at index %d", ErrBadConstantTag, c.Tag, i))
		}
	}
	if r.err == nil && count > 0 {
		// A Long or Double in the last slot would overflow the pool.
		if last := cp[count-1].Tag; last == TagLong || last == TagDouble {
			r.fail(fmt.Errorf("%w: 8-byte constant at last index", ErrBadConstantIndex))
		}
	}
	return cp
}

func (r *reader) members(cp ConstantPool) []Member {
	count := int(r.u2())
	var out []Member
	for i := 0; i < count && r.err == nil; i++ {
		var m Member
		m.AccessFlags = r.u2()
		nameIdx, descIdx := r.u2(), r.u2()
		if r.err != nil {
			break
		}
		var err error
		if m.Name, err = cp.Utf8(int(nameIdx)); err != nil {
			r.fail(err)
			break
		}
		if m.Descriptor, err = cp.Utf8(int(descIdx)); err != nil {
			r.fail(err)
			break
		}
		m.Attributes = r.attributes(cp)
		out = append(out, m)
	}
	return out
}

func (r *reader) attributes(cp ConstantPool) []Attribute {
	count := int(r.u2())
	var out []Attribute
	for i := 0; i < count && r.err == nil; i++ {
		nameIdx := r.u2()
		length := int(r.u4())
		data := r.bytes(length)
		if r.err != nil {
			break
		}
		name, err := cp.Utf8(int(nameIdx))
		if err != nil {
			r.fail(err)
			break
		}
		out = append(out, Attribute{Name: name, Data: data})
	}
	return out
}

func parseCode(data []byte, cp ConstantPool) (*Code, error) {
	r := &reader{data: data}
	c := &Code{}
	c.MaxStack = r.u2()
	c.MaxLocals = r.u2()
	codeLen := int(r.u4())
	if r.err == nil && codeLen == 0 {
		return nil, &FormatError{Offset: r.offset, Err: fmt.Errorf("%w: code_length is zero", ErrBadAttribute)}
	}
	c.Bytecode = r.bytes(codeLen)

	n := int(r.u2())
	for i := 0; i < n && r.err == nil; i++ {
		c.ExceptionTable = append(c.ExceptionTable, ExceptionHandler{
			StartPC:   r.u2(),
			EndPC:     r.u2(),
			HandlerPC: r.u2(),
			CatchType: r.u2(),
		})
	}

	c.Attributes = r.attributes(cp)
	if r.err != nil {
		return nil, r.err
	}
	if r.offset != len(data) {
		return nil, &FormatError{Offset: r.offset, Err: fmt.Errorf("%w: Code attribute length mismatch", ErrBadAttribute)}
	}

	for _, a := range c.Attributes {
		if a.Name != AttrStackMapTable {
			continue
		}
		if c.StackMapTable != nil {
			return nil, &FormatError{Offset: -1, Err: ErrDuplicateStackMap}
		}
		c.StackMapTable = a.Data
		if c.StackMapTable == nil {
			c.StackMapTable = []byte{}
		}
	}
	return c, nil
}
