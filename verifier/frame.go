package verifier

import (
	"fmt"
	"io"
	"strings"
)

// FlagThisUninit is set while the constructor receiver is uninitializedThis.
const FlagThisUninit uint8 = 0x01

// Frame is the abstract interpreter state at one bytecode offset: a fixed
// capacity register file and operand stack. Slots past the logical sizes
// hold stale values or Bogus.
type Frame struct {
	offset     int
	flags      uint8
	localsSize int
	stackSize  int
	stackMark  int
	locals     []VerificationType
	stack      []VerificationType
	hier       ClassHierarchy
}

// NewFrame returns an empty frame at offset 0.
func NewFrame(maxLocals, maxStack int, h ClassHierarchy) *Frame {
	f := &Frame{
		stackMark: -1,
		locals:    make([]VerificationType, maxLocals),
		stack:     make([]VerificationType, maxStack),
		hier:      h,
	}
	return f
}

// Copy returns an independent copy of f.
func (f *Frame) Copy() *Frame {
	c := *f
	c.locals = append([]VerificationType(nil), f.locals...)
	c.stack = append([]VerificationType(nil), f.stack...)
	return &c
}

// snapshot copies f and rolls the copy back to its stack mark, so
// diagnostics show the stack as it was before the failing instruction.
func (f *Frame) snapshot() *Frame {
	c := f.Copy()
	c.Restore()
	return c
}

func (f *Frame) Offset() int          { return f.offset }
func (f *Frame) SetOffset(offset int) { f.offset = offset }
func (f *Frame) Flags() uint8         { return f.flags }
func (f *Frame) SetFlags(flags uint8) { f.flags = flags }
func (f *Frame) FlagThisUninit() bool { return f.flags&FlagThisUninit != 0 }
func (f *Frame) LocalsSize() int      { return f.localsSize }
func (f *Frame) StackSize() int       { return f.stackSize }
func (f *Frame) MaxLocals() int       { return len(f.locals) }
func (f *Frame) MaxStack() int        { return len(f.stack) }

// LocalAt returns the local at index, Bogus when out of range.
func (f *Frame) LocalAt(index int) VerificationType {
	if index < 0 || index >= len(f.locals) {
		return Bogus
	}
	return f.locals[index]
}

// StackAt returns the stack slot at index, Bogus when out of range. It may
// read above the logical top, which is how a just-popped value is reported.
func (f *Frame) StackAt(index int) VerificationType {
	if index < 0 || index >= len(f.stack) {
		return Bogus
	}
	return f.stack[index]
}

// Locals returns the logical locals.
func (f *Frame) Locals() []VerificationType { return f.locals[:f.localsSize] }

// Stack returns the logical operand stack, bottom first.
func (f *Frame) Stack() []VerificationType { return f.stack[:f.stackSize] }

// SetMark records the current stack size for Restore.
func (f *Frame) SetMark() { f.stackMark = f.stackSize }

// Restore rolls the stack size back to the last mark.
func (f *Frame) Restore() {
	if f.stackMark != -1 {
		f.stackSize = f.stackMark
	}
}

// Reset fills every slot with Bogus.
func (f *Frame) Reset() {
	for i := range f.locals {
		f.locals[i] = Bogus
	}
	for i := range f.stack {
		f.stack[i] = Bogus
	}
}

// copyFrom replaces locals, stack and flags with those of src.
func (f *Frame) copyFrom(src *Frame) {
	if f.localsSize > src.localsSize || f.stackSize > src.stackSize {
		f.Reset()
	}
	f.localsSize = src.localsSize
	copy(f.locals, src.locals[:src.localsSize])
	f.stackSize = src.stackSize
	copy(f.stack, src.stack[:src.stackSize])
	f.flags = src.flags
}

// frameInExceptionHandler returns the state a handler sees: same locals,
// empty stack.
func (f *Frame) frameInExceptionHandler(flags uint8) *Frame {
	c := f.Copy()
	c.stackSize = 0
	c.stackMark = -1
	c.flags = flags
	return c
}

// HasNewObject reports whether any live slot holds an object created by new
// that has not been initialized.
func (f *Frame) HasNewObject() bool {
	for _, t := range f.Locals() {
		if t.Kind() == KindUninitialized {
			return true
		}
	}
	for _, t := range f.Stack() {
		if t.Kind() == KindUninitialized {
			return true
		}
	}
	return false
}

// stackTopOrigin names the slot just above the logical top, where the most
// recently popped value still sits.
func (f *Frame) stackTopOrigin() TypeOrigin {
	return StackOrigin(f.stackSize, f)
}

// ---------------------------------------------------------------------------
// Operand stack
// ---------------------------------------------------------------------------

// PushStack pushes one slot.
func (f *Frame) PushStack(t VerificationType) error {
	if f.stackSize >= len(f.stack) {
		return f.fail(StackOverflowContext(f.offset, f), "Operand stack overflow")
	}
	f.stack[f.stackSize] = t
	f.stackSize++
	return nil
}

// PushStack2 pushes both halves of a category-2 value.
func (f *Frame) PushStack2(t1, t2 VerificationType) error {
	if f.stackSize >= len(f.stack)-1 {
		return f.fail(StackOverflowContext(f.offset, f), "Operand stack overflow")
	}
	f.stack[f.stackSize] = t1
	f.stack[f.stackSize+1] = t2
	f.stackSize += 2
	return nil
}

// pushTypes pushes a slot sequence produced by typesFromFieldDescriptor.
func (f *Frame) pushTypes(ts []VerificationType) error {
	if len(ts) == 2 {
		return f.PushStack2(ts[0], ts[1])
	}
	return f.PushStack(ts[0])
}

// PopStack removes the top slot without checking its type.
func (f *Frame) PopStack() (VerificationType, error) {
	if f.stackSize <= 0 {
		return Bogus, f.fail(StackUnderflowContext(f.offset, f), "Operand stack underflow")
	}
	f.stackSize--
	return f.stack[f.stackSize], nil
}

// PopStackType removes the top slot, requiring it to be assignable to t.
func (f *Frame) PopStackType(t VerificationType) (VerificationType, error) {
	if f.stackSize <= 0 {
		return Bogus, f.fail(StackUnderflowContext(f.offset, f), "Operand stack underflow")
	}
	top := f.stack[f.stackSize-1]
	ok, err := t.IsAssignableFrom(top, f.hier, false)
	if err != nil {
		return Bogus, err
	}
	f.stackSize--
	if !ok {
		return Bogus, f.fail(BadTypeContext(f.offset, f.stackTopOrigin(), ImplicitOrigin(t)),
			"Bad type on operand stack")
	}
	return top, nil
}

// PopStack2 removes a category-2 value. second is checked against the top
// slot, first against the slot beneath it.
func (f *Frame) PopStack2(second, first VerificationType) error {
	if _, err := f.PopStackType(second); err != nil {
		return err
	}
	_, err := f.PopStackType(first)
	return err
}

// ---------------------------------------------------------------------------
// Locals
// ---------------------------------------------------------------------------

// GetLocal reads local index, requiring it to be assignable to t.
func (f *Frame) GetLocal(index int, t VerificationType) (VerificationType, error) {
	if index < 0 || index >= len(f.locals) {
		return Bogus, f.fail(BadLocalIndexContext(f.offset, index), "Local variable table overflow")
	}
	ok, err := t.IsAssignableFrom(f.locals[index], f.hier, false)
	if err != nil {
		return Bogus, err
	}
	if !ok {
		return Bogus, f.fail(BadTypeContext(f.offset, LocalOrigin(index, f), ImplicitOrigin(t)),
			"Bad local variable type")
	}
	if index >= f.localsSize {
		f.localsSize = index + 1
	}
	return f.locals[index], nil
}

// GetLocal2 reads the category-2 value starting at index.
func (f *Frame) GetLocal2(index int, t1, t2 VerificationType) error {
	if index < 0 || index >= f.localsSize-1 {
		return f.fail(BadLocalIndexContext(f.offset, index), "get long/double overflows locals")
	}
	ok, err := t1.IsAssignableFrom(f.locals[index], f.hier, false)
	if err != nil {
		return err
	}
	if !ok {
		return f.fail(BadTypeContext(f.offset, LocalOrigin(index, f), ImplicitOrigin(t1)),
			"Bad local variable type")
	}
	ok, err = t2.IsAssignableFrom(f.locals[index+1], f.hier, false)
	if err != nil {
		return err
	}
	if !ok {
		return f.fail(BadTypeContext(f.offset, LocalOrigin(index+1, f), ImplicitOrigin(t2)),
			"Bad local variable type")
	}
	return nil
}

// SetLocal stores a category-1 value. Overwriting either half of a
// category-2 value invalidates the other half.
func (f *Frame) SetLocal(index int, t VerificationType) error {
	if index < 0 || index >= len(f.locals) {
		return f.fail(BadLocalIndexContext(f.offset, index), "Local variable table overflow")
	}
	if f.locals[index].IsCategory2Second() && index > 0 {
		f.locals[index-1] = Bogus
	}
	if f.locals[index].IsCategory2() && index+1 < len(f.locals) {
		f.locals[index+1] = Bogus
	}
	f.locals[index] = t
	if index >= f.localsSize {
		f.localsSize = index + 1
	}
	return nil
}

// SetLocal2 stores both halves of a category-2 value at index and index+1.
func (f *Frame) SetLocal2(index int, t1, t2 VerificationType) error {
	if index < 0 || index >= len(f.locals)-1 {
		return f.fail(BadLocalIndexContext(f.offset, index), "Local variable table overflow")
	}
	if f.locals[index+1].IsCategory2() && index+2 < len(f.locals) {
		f.locals[index+2] = Bogus
	}
	if f.locals[index].IsCategory2Second() && index > 0 {
		f.locals[index-1] = Bogus
	}
	f.locals[index] = t1
	f.locals[index+1] = t2
	if index >= f.localsSize-1 {
		f.localsSize = index + 2
	}
	return nil
}

// ---------------------------------------------------------------------------
// Whole-frame operations
// ---------------------------------------------------------------------------

// InitializeObject replaces every slot equal to old with init. Replacing
// uninitializedThis also clears FlagThisUninit.
func (f *Frame) InitializeObject(old, init VerificationType) {
	for i := 0; i < len(f.locals); i++ {
		if f.locals[i] == old {
			f.locals[i] = init
		}
	}
	for i := 0; i < f.stackSize; i++ {
		if f.stack[i] == old {
			f.stack[i] = init
		}
	}
	if old == UninitializedThis {
		f.flags &^= FlagThisUninit
	}
}

// IsAssignableTo checks that control may flow from f into a frame declared
// as target. It returns a nil context on success and the reason otherwise.
// Locals beyond target's size are ignored; they are only reachable as top.
func (f *Frame) IsAssignableTo(target *Frame) (*ErrorContext, error) {
	if len(f.locals) != len(target.locals) {
		return LocalsSizeMismatchContext(f.offset, f, target), nil
	}
	if f.stackSize != target.stackSize {
		return StackSizeMismatchContext(f.offset, f, target), nil
	}
	for i := 0; i < target.localsSize; i++ {
		ok, err := target.locals[i].IsAssignableFrom(f.locals[i], f.hier, false)
		if err != nil {
			return nil, err
		}
		if !ok {
			return BadTypeContext(target.offset, LocalOrigin(i, f), SMLocalOrigin(i, target)), nil
		}
	}
	for i := 0; i < f.stackSize; i++ {
		ok, err := target.stack[i].IsAssignableFrom(f.stack[i], f.hier, false)
		if err != nil {
			return nil, err
		}
		if !ok {
			return BadTypeContext(target.offset, StackOrigin(i, f), SMStackOrigin(i, target)), nil
		}
	}
	if f.flags|target.flags != target.flags {
		return FlagsMismatchContext(target.offset, f, target), nil
	}
	return nil, nil
}

// setLocalsFromDescriptor seeds the locals from a method's receiver and
// parameters and returns the type its return instructions must produce.
func (f *Frame) setLocalsFromDescriptor(params []string, ret string, isStatic, isInit bool, thisType VerificationType) (VerificationType, error) {
	n := 0
	if !isStatic {
		if n >= len(f.locals) {
			return Bogus, fmt.Errorf("%w: receiver does not fit", errArgsOverflow)
		}
		if isInit && thisType.Name() != ObjectClass {
			f.locals[0] = UninitializedThis
			f.flags |= FlagThisUninit
		} else {
			f.locals[0] = thisType
		}
		n++
	}
	for _, p := range params {
		ts := typesFromFieldDescriptor(p)
		if n+len(ts) > len(f.locals) {
			return Bogus, fmt.Errorf("%w: parameter %s", errArgsOverflow, p)
		}
		copy(f.locals[n:], ts)
		n += len(ts)
	}
	f.localsSize = n
	return returnTypeFromDescriptor(ret), nil
}

func (f *Frame) fail(ctx *ErrorContext, msg string) error {
	return &Failure{Kind: VerifyError, Message: msg, Context: ctx}
}

// Print writes the frame the way diagnostics show it.
func (f *Frame) Print(w io.Writer, indent string) {
	fmt.Fprintf(w, "%sbci: @%d\n", indent, f.offset)
	if f.FlagThisUninit() {
		fmt.Fprintf(w, "%sflags: { flagThisUninit }\n", indent)
	} else {
		fmt.Fprintf(w, "%sflags: { }\n", indent)
	}
	fmt.Fprintf(w, "%slocals: %s\n", indent, typeList(f.Locals()))
	fmt.Fprintf(w, "%sstack: %s\n", indent, typeList(f.Stack()))
}

func typeList(ts []VerificationType) string {
	if len(ts) == 0 {
		return "{ }"
	}
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = t.String()
	}
	return "{ " + strings.Join(parts, ", ") + " }"
}
