package classfile

// VerificationTypeInfo is one verification_type_info entry. Index holds the
// constant pool class index for ItemObject and the offset of the new
// instruction for ItemUninitialized.
type VerificationTypeInfo struct {
	Tag   byte
	Index uint16
}

var (
	VTTop               = VerificationTypeInfo{Tag: ItemTop}
	VTInteger           = VerificationTypeInfo{Tag: ItemInteger}
	VTFloat             = VerificationTypeInfo{Tag: ItemFloat}
	VTLong              = VerificationTypeInfo{Tag: ItemLong}
	VTDouble            = VerificationTypeInfo{Tag: ItemDouble}
	VTNull              = VerificationTypeInfo{Tag: ItemNull}
	VTUninitializedThis = VerificationTypeInfo{Tag: ItemUninitializedThis}
)

// VTObject references the class at constant pool index classIndex.
func VTObject(classIndex uint16) VerificationTypeInfo {
	return VerificationTypeInfo{Tag: ItemObject, Index: classIndex}
}

// VTUninitialized names the object allocated by the new at offset.
func VTUninitialized(offset uint16) VerificationTypeInfo {
	return VerificationTypeInfo{Tag: ItemUninitialized, Index: offset}
}

// StackMapWriter encodes a StackMapTable attribute body. Frames are given
// absolute bytecode offsets in increasing order; deltas are computed here.
type StackMapWriter struct {
	body  byteWriter
	count int
	last  int
}

// NewStackMapWriter returns an empty writer.
func NewStackMapWriter() *StackMapWriter {
	return &StackMapWriter{last: -1}
}

func (s *StackMapWriter) delta(offset int) int {
	d := offset - s.last - 1
	s.last = offset
	s.count++
	return d
}

func (s *StackMapWriter) types(vts []VerificationTypeInfo) {
	for _, vt := range vts {
		s.body.u1(vt.Tag)
		if vt.Tag == ItemObject || vt.Tag == ItemUninitialized {
			s.body.u2(vt.Index)
		}
	}
}

// Same emits same_frame or same_frame_extended.
func (s *StackMapWriter) Same(offset int) *StackMapWriter {
	d := s.delta(offset)
	if d <= SameFrameMax {
		s.body.u1(byte(d))
		return s
	}
	s.body.u1(SameFrameExtended)
	s.body.u2(uint16(d))
	return s
}

// SameLocals1 emits same_locals_1_stack_item, extended when needed.
func (s *StackMapWriter) SameLocals1(offset int, stack VerificationTypeInfo) *StackMapWriter {
	d := s.delta(offset)
	if d <= SameFrameMax {
		s.body.u1(byte(SameFrameMax + 1 + d))
	} else {
		s.body.u1(SameLocals1Extended)
		s.body.u2(uint16(d))
	}
	s.types([]VerificationTypeInfo{stack})
	return s
}

// Chop emits chop_frame removing k (1..3) locals.
func (s *StackMapWriter) Chop(offset, k int) *StackMapWriter {
	d := s.delta(offset)
	s.body.u1(byte(SameFrameExtended - k))
	s.body.u2(uint16(d))
	return s
}

// Append emits append_frame adding 1..3 locals.
func (s *StackMapWriter) Append(offset int, locals ...VerificationTypeInfo) *StackMapWriter {
	d := s.delta(offset)
	s.body.u1(byte(SameFrameExtended + len(locals)))
	s.body.u2(uint16(d))
	s.types(locals)
	return s
}

// Full emits full_frame.
func (s *StackMapWriter) Full(offset int, locals, stack []VerificationTypeInfo) *StackMapWriter {
	d := s.delta(offset)
	s.body.u1(FullFrame)
	s.body.u2(uint16(d))
	s.body.u2(uint16(len(locals)))
	s.types(locals)
	s.body.u2(uint16(len(stack)))
	s.types(stack)
	return s
}

// Raw appends a hand-built frame and counts it as one entry. Used to
// produce deliberately malformed tables.
func (s *StackMapWriter) Raw(b ...byte) *StackMapWriter {
	s.count++
	s.body.raw(b)
	return s
}

// Bytes returns the attribute body, number_of_entries first.
func (s *StackMapWriter) Bytes() []byte {
	w := byteWriter{}
	w.u2(uint16(s.count))
	w.raw(s.body.bytes())
	return w.bytes()
}
