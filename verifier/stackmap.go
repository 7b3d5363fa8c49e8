package verifier

import (
	"encoding/binary"
	"fmt"

	"github.com/chazu/jverify/classfile"
)

// Offsets into the per-method code map built before verification.
const (
	bytecodeOffset byte = 1
	newOffset      byte = 2
)

// ---------------------------------------------------------------------------
// StackMapReader: decodes the StackMapTable attribute
// ---------------------------------------------------------------------------

// StackMapReader decodes compressed frames one at a time. Each frame is
// expanded against the frame before it.
type StackMapReader struct {
	data       []byte
	pos        int
	frameCount int
	cp         classfile.ConstantPool
	codeData   []byte
}

func stackmapFormatError(msg string) *Failure {
	return formatFailure("StackMapTable format error: %s", msg)
}

// NewStackMapReader prepares to decode attribute data. Nil data means the
// method has no StackMapTable and yields zero frames.
func NewStackMapReader(data []byte, cp classfile.ConstantPool, codeData []byte) (*StackMapReader, error) {
	r := &StackMapReader{data: data, cp: cp, codeData: codeData}
	if data == nil {
		return r, nil
	}
	n, err := r.u2()
	if err != nil {
		return nil, err
	}
	r.frameCount = n
	return r, nil
}

// FrameCount is number_of_entries.
func (r *StackMapReader) FrameCount() int { return r.frameCount }

func (r *StackMapReader) u1() (int, error) {
	if r.pos >= len(r.data) {
		return 0, stackmapFormatError("access beyond the end of attribute")
	}
	v := r.data[r.pos]
	r.pos++
	return int(v), nil
}

func (r *StackMapReader) u2() (int, error) {
	if r.pos+2 > len(r.data) {
		r.pos = len(r.data)
		return 0, stackmapFormatError("access beyond the end of attribute")
	}
	v := binary.BigEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return int(v), nil
}

// CheckEnd fails when bytes remain after the last frame.
func (r *StackMapReader) CheckEnd() error {
	if r.pos != len(r.data) {
		return stackmapFormatError("wrong attribute size")
	}
	return nil
}

// parseType reads one verification_type_info. flags may be nil; otherwise
// an uninitializedThis entry sets FlagThisUninit in it.
func (r *StackMapReader) parseType(flags *uint8) (VerificationType, error) {
	tag, err := r.u1()
	if err != nil {
		return Bogus, err
	}
	switch tag {
	case classfile.ItemTop:
		return Bogus, nil
	case classfile.ItemInteger:
		return Integer, nil
	case classfile.ItemFloat:
		return Float, nil
	case classfile.ItemDouble:
		return Double, nil
	case classfile.ItemLong:
		return Long, nil
	case classfile.ItemNull:
		return Null, nil
	case classfile.ItemUninitializedThis:
		if flags != nil {
			*flags |= FlagThisUninit
		}
		return UninitializedThis, nil
	case classfile.ItemObject:
		index, err := r.u2()
		if err != nil {
			return Bogus, err
		}
		name, err := r.cp.ClassName(index)
		if err != nil {
			return Bogus, stackmapFormatError("bad class index")
		}
		return Reference(name), nil
	case classfile.ItemUninitialized:
		offset, err := r.u2()
		if err != nil {
			return Bogus, err
		}
		if offset >= len(r.codeData) || r.codeData[offset] != newOffset {
			return Bogus, stackmapFormatError("bad offset for Uninitialized")
		}
		return Uninitialized(offset), nil
	}
	return Bogus, stackmapFormatError("bad verification type")
}

// parseTypes reads count entries, appending the second slot after each
// category-2 type.
func (r *StackMapReader) parseTypes(dst []VerificationType, count int, flags *uint8) ([]VerificationType, error) {
	for i := 0; i < count; i++ {
		t, err := r.parseType(flags)
		if err != nil {
			return nil, err
		}
		dst = append(dst, t)
		if t.IsCategory2() {
			dst = append(dst, t.SecondHalf())
		}
	}
	return dst, nil
}

func checkTypeArraySize(size, max int) error {
	if size < 0 || size > max {
		return formatFailure("StackMapTable format error: bad type array size")
	}
	return nil
}

// chop drops k locals from the end, treating a category-2 value as one
// local. It returns -1 when fewer than k locals exist.
func chop(locals []VerificationType, k int) int {
	if len(locals) == 0 {
		return -1
	}
	pos := len(locals) - 1
	for i := 0; i < k; i++ {
		if locals[pos].IsCategory2Second() {
			pos -= 2
		} else {
			pos--
		}
		if pos < 0 && i < k-1 {
			return -1
		}
	}
	return pos + 1
}

// Next decodes the frame following prev. first selects the absolute offset
// encoding used by the first entry.
func (r *StackMapReader) Next(prev *Frame, first bool, maxLocals, maxStack int) (*Frame, error) {
	frameType, err := r.u1()
	if err != nil {
		return nil, err
	}
	offsetOf := func(delta int) int {
		if first {
			return delta
		}
		return prev.Offset() + delta + 1
	}

	prevLocals := prev.Locals()
	locals := append([]VerificationType(nil), prevLocals...)
	var stack []VerificationType
	flags := prev.Flags()
	var offset int

	switch {
	case frameType <= classfile.SameFrameMax:
		offset = offsetOf(frameType)

	case frameType <= classfile.SameLocals1StackMax:
		offset = offsetOf(frameType - classfile.SameFrameMax - 1)
		if stack, err = r.parseTypes(nil, 1, nil); err != nil {
			return nil, err
		}
		if err := checkTypeArraySize(len(stack), maxStack); err != nil {
			return nil, err
		}

	default:
		delta, err := r.u2()
		if err != nil {
			return nil, err
		}
		offset = offsetOf(delta)

		switch {
		case frameType < classfile.SameLocals1Extended:
			return nil, stackmapFormatError("reserved frame type")

		case frameType == classfile.SameLocals1Extended:
			if stack, err = r.parseTypes(nil, 1, nil); err != nil {
				return nil, err
			}
			if err := checkTypeArraySize(len(stack), maxStack); err != nil {
				return nil, err
			}

		case frameType <= classfile.SameFrameExtended:
			chops := classfile.SameFrameExtended - frameType
			if chops != 0 {
				n := chop(prevLocals, chops)
				if err := checkTypeArraySize(n, maxLocals); err != nil {
					return nil, err
				}
				locals = locals[:n]
				// uninitializedThis may have been chopped away.
				flags = 0
				for _, t := range locals {
					if t.IsUninitializedThis() {
						flags |= FlagThisUninit
						break
					}
				}
			}

		case frameType <= classfile.AppendFrameMax:
			appends := frameType - classfile.SameFrameExtended
			if locals, err = r.parseTypes(locals, appends, &flags); err != nil {
				return nil, err
			}
			if err := checkTypeArraySize(len(locals), maxLocals); err != nil {
				return nil, err
			}

		default:
			flags = 0
			n, err := r.u2()
			if err != nil {
				return nil, err
			}
			if locals, err = r.parseTypes(nil, n, &flags); err != nil {
				return nil, err
			}
			if err := checkTypeArraySize(len(locals), maxLocals); err != nil {
				return nil, err
			}
			if n, err = r.u2(); err != nil {
				return nil, err
			}
			if stack, err = r.parseTypes(nil, n, nil); err != nil {
				return nil, err
			}
			if err := checkTypeArraySize(len(stack), maxStack); err != nil {
				return nil, err
			}
		}
	}

	f := NewFrame(maxLocals, maxStack, prev.hier)
	f.offset = offset
	f.flags = flags
	f.localsSize = copy(f.locals, locals)
	f.stackSize = copy(f.stack, stack)
	return f, nil
}

// ---------------------------------------------------------------------------
// StackMapTable
// ---------------------------------------------------------------------------

// StackMapTable is the ordered list of declared frames of one method.
type StackMapTable struct {
	frames     []*Frame
	codeLength int
}

// NewStackMapTable decodes every frame from r, starting from the method's
// initial frame, and checks that each lands on an instruction.
func NewStackMapTable(r *StackMapReader, init *Frame, maxLocals, maxStack int, codeData []byte) (*StackMapTable, error) {
	t := &StackMapTable{codeLength: len(codeData)}
	prev := init
	for i := 0; i < r.FrameCount(); i++ {
		f, err := r.Next(prev, i == 0, maxLocals, maxStack)
		if err != nil {
			return nil, err
		}
		t.frames = append(t.frames, f)
		if f.Offset() >= len(codeData) || codeData[f.Offset()] == 0 {
			return nil, verifyFailure(BadStackmapContext(i, f), "StackMapTable error: bad offset")
		}
		prev = f
	}
	if err := r.CheckEnd(); err != nil {
		return nil, err
	}
	return t, nil
}

// Len is the number of frames.
func (t *StackMapTable) Len() int { return len(t.frames) }

// Frame returns frame i.
func (t *StackMapTable) Frame(i int) *Frame { return t.frames[i] }

// OffsetAt returns the bci of frame i.
func (t *StackMapTable) OffsetAt(i int) int { return t.frames[i].Offset() }

// IndexFromOffset returns the index of the frame at offset, or Len() when
// there is none.
func (t *StackMapTable) IndexFromOffset(offset int) int {
	for i, f := range t.frames {
		if f.Offset() == offset {
			return i
		}
	}
	return len(t.frames)
}

// MatchStackmap compares frame with the declared frame at target. With
// match set, frame must be assignable to it; with update set, frame takes
// over the declared state. A nil context with ok false never happens: a
// failed match always carries its reason.
func (t *StackMapTable) MatchStackmap(frame *Frame, target int, match, update bool) (bool, *ErrorContext, error) {
	return t.matchAt(frame, target, t.IndexFromOffset(target), match, update)
}

func (t *StackMapTable) matchAt(frame *Frame, target, index int, match, update bool) (bool, *ErrorContext, error) {
	if index < 0 || index >= len(t.frames) {
		return false, nil, verifyFailure(MissingStackmapContext(frame.Offset()),
			"Expecting a stackmap frame at branch target %d", target)
	}
	declared := t.frames[index]
	var ctx *ErrorContext
	if match {
		var err error
		if ctx, err = frame.IsAssignableTo(declared); err != nil {
			return false, nil, err
		}
	}
	if update {
		frame.copyFrom(declared)
	}
	return ctx == nil, ctx, nil
}

// CheckJumpTarget requires a declared frame at target that frame is
// assignable to, and forbids carrying an uninitialized object backwards.
func (t *StackMapTable) CheckJumpTarget(frame *Frame, target int) error {
	ok, ctx, err := t.MatchStackmap(frame, target, true, false)
	if err != nil {
		return err
	}
	if !ok || target < 0 || target >= t.codeLength {
		return verifyFailure(ctx, "Inconsistent stackmap frames at branch target %d", target)
	}
	return t.checkNewObject(frame, target)
}

func (t *StackMapTable) checkNewObject(frame *Frame, target int) error {
	if frame.Offset() > target && frame.HasNewObject() {
		return verifyFailure(InvalidBytecodeContext(frame.Offset()),
			"Uninitialized object exists on backward branch %d", target)
	}
	return nil
}

func frameSummary(f *Frame) string {
	return fmt.Sprintf("@%d locals: %s stack: %s", f.Offset(), typeList(f.Locals()), typeList(f.Stack()))
}

// FrameSummaries decodes the StackMapTable of m and renders one line per
// declared frame. A method without code or without a table yields none.
func FrameSummaries(cf *classfile.ClassFile, m *classfile.Member) ([]string, error) {
	code, err := cf.Code(m)
	if err != nil || code == nil {
		return nil, err
	}
	desc, err := classfile.ParseMethodDescriptor(m.Descriptor)
	if err != nil {
		return nil, err
	}
	v := NewClassVerifier(cf, nil)
	maxLocals, maxStack := int(code.MaxLocals), int(code.MaxStack)
	init := NewFrame(maxLocals, maxStack, v.hier)
	if _, err := init.setLocalsFromDescriptor(desc.Params, desc.Return, m.IsStatic(), m.Name == initName, v.thisType); err != nil {
		return nil, err
	}
	codeData, err := generateCodeData(code.Bytecode)
	if err != nil {
		return nil, err
	}
	r, err := NewStackMapReader(code.StackMapTable, cf.ConstantPool, codeData)
	if err != nil {
		return nil, err
	}
	t, err := NewStackMapTable(r, init, maxLocals, maxStack, codeData)
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, t.Len())
	for _, f := range t.frames {
		lines = append(lines, frameSummary(f))
	}
	return lines, nil
}
