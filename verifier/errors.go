package verifier

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chazu/jverify/classfile"
)

var (
	// ErrResolution wraps failures of the ClassHierarchy collaborator.
	ErrResolution = errors.New("class resolution failed")

	errArgsOverflow = errors.New("arguments can't fit into locals")
)

// ---------------------------------------------------------------------------
// Error kinds and faults
// ---------------------------------------------------------------------------

// ErrorKind is the exception a failed verification maps to.
type ErrorKind int

const (
	VerifyError ErrorKind = iota
	ClassFormatError
)

func (k ErrorKind) String() string {
	if k == ClassFormatError {
		return "ClassFormatError"
	}
	return "VerifyError"
}

// Fault classifies what went wrong.
type Fault int

const (
	FaultUnknown Fault = iota
	FaultInvalidBytecode
	FaultWrongType
	FaultFlagsMismatch
	FaultBadCPIndex
	FaultBadLocalIndex
	FaultLocalsSizeMismatch
	FaultStackSizeMismatch
	FaultStackOverflow
	FaultStackUnderflow
	FaultMissingStackmap
	FaultBadStackmap
)

var faultNames = map[Fault]string{
	FaultUnknown:            "UNKNOWN",
	FaultInvalidBytecode:    "INVALID_BYTECODE",
	FaultWrongType:          "WRONG_TYPE",
	FaultFlagsMismatch:      "FLAGS_MISMATCH",
	FaultBadCPIndex:         "BAD_CP_INDEX",
	FaultBadLocalIndex:      "BAD_LOCAL_INDEX",
	FaultLocalsSizeMismatch: "LOCALS_SIZE_MISMATCH",
	FaultStackSizeMismatch:  "STACK_SIZE_MISMATCH",
	FaultStackOverflow:      "STACK_OVERFLOW",
	FaultStackUnderflow:     "STACK_UNDERFLOW",
	FaultMissingStackmap:    "MISSING_STACKMAP",
	FaultBadStackmap:        "BAD_STACKMAP",
}

func (f Fault) String() string {
	if name, ok := faultNames[f]; ok {
		return name
	}
	return fmt.Sprintf("FAULT_%d", int(f))
}

// ---------------------------------------------------------------------------
// TypeOrigin
// ---------------------------------------------------------------------------

// Origin says where a type in a diagnostic came from.
type Origin int

const (
	OriginNone Origin = iota
	OriginCFLocals
	OriginCFStack
	OriginSMLocals
	OriginSMStack
	OriginConstPool
	OriginSig
	OriginImplicit
	OriginFrameOnly
)

// TypeOrigin pairs a type with its provenance. Frames are private copies.
type TypeOrigin struct {
	Origin Origin
	Index  int
	Frame  *Frame
	Type   VerificationType
}

func NoOrigin() TypeOrigin { return TypeOrigin{Origin: OriginNone, Index: -1} }

func LocalOrigin(index int, f *Frame) TypeOrigin {
	return TypeOrigin{Origin: OriginCFLocals, Index: index, Frame: f.snapshot(), Type: f.LocalAt(index)}
}

func StackOrigin(index int, f *Frame) TypeOrigin {
	return TypeOrigin{Origin: OriginCFStack, Index: index, Frame: f.snapshot(), Type: f.StackAt(index)}
}

func SMLocalOrigin(index int, f *Frame) TypeOrigin {
	return TypeOrigin{Origin: OriginSMLocals, Index: index, Frame: f.Copy(), Type: f.LocalAt(index)}
}

func SMStackOrigin(index int, f *Frame) TypeOrigin {
	return TypeOrigin{Origin: OriginSMStack, Index: index, Frame: f.Copy(), Type: f.StackAt(index)}
}

func CPOrigin(index int, t VerificationType) TypeOrigin {
	return TypeOrigin{Origin: OriginConstPool, Index: index, Type: t}
}

func SigOrigin(t VerificationType) TypeOrigin {
	return TypeOrigin{Origin: OriginSig, Index: -1, Type: t}
}

func ImplicitOrigin(t VerificationType) TypeOrigin {
	return TypeOrigin{Origin: OriginImplicit, Index: -1, Type: t}
}

func FrameOrigin(f *Frame) TypeOrigin {
	return TypeOrigin{Origin: OriginFrameOnly, Index: -1, Frame: f.snapshot()}
}

func (o TypeOrigin) Valid() bool { return o.Origin != OriginNone }

// Describe renders the type and where it came from.
func (o TypeOrigin) Describe() string {
	s := o.Type.String()
	switch o.Origin {
	case OriginCFLocals:
		s += fmt.Sprintf(" (current frame, locals[%d])", o.Index)
	case OriginCFStack:
		s += fmt.Sprintf(" (current frame, stack[%d])", o.Index)
	case OriginSMLocals:
		s += fmt.Sprintf(" (stack map, locals[%d])", o.Index)
	case OriginSMStack:
		s += fmt.Sprintf(" (stack map, stack[%d])", o.Index)
	case OriginConstPool:
		s += fmt.Sprintf(" (constant pool %d)", o.Index)
	case OriginSig:
		s += " (from method signature)"
	}
	return s
}

// ---------------------------------------------------------------------------
// ErrorContext
// ---------------------------------------------------------------------------

// ErrorContext locates a failure and carries the types involved.
type ErrorContext struct {
	BCI      int // -1 when the failure is not tied to an instruction
	Fault    Fault
	Type     TypeOrigin
	Expected TypeOrigin
}

func InvalidBytecodeContext(bci int) *ErrorContext {
	return &ErrorContext{BCI: bci, Fault: FaultInvalidBytecode, Type: NoOrigin(), Expected: NoOrigin()}
}

func BadTypeContext(bci int, actual, expected TypeOrigin) *ErrorContext {
	return &ErrorContext{BCI: bci, Fault: FaultWrongType, Type: actual, Expected: expected}
}

func FlagsMismatchContext(bci int, cur, sm *Frame) *ErrorContext {
	return &ErrorContext{BCI: bci, Fault: FaultFlagsMismatch, Type: FrameOrigin(cur), Expected: TypeOrigin{Origin: OriginFrameOnly, Index: -1, Frame: sm.Copy()}}
}

func BadCPIndexContext(bci, index int) *ErrorContext {
	return &ErrorContext{BCI: bci, Fault: FaultBadCPIndex, Type: TypeOrigin{Origin: OriginConstPool, Index: index}, Expected: NoOrigin()}
}

func BadLocalIndexContext(bci, index int) *ErrorContext {
	return &ErrorContext{BCI: bci, Fault: FaultBadLocalIndex, Type: TypeOrigin{Origin: OriginCFLocals, Index: index}, Expected: NoOrigin()}
}

func LocalsSizeMismatchContext(bci int, cur, sm *Frame) *ErrorContext {
	return &ErrorContext{BCI: bci, Fault: FaultLocalsSizeMismatch, Type: FrameOrigin(cur), Expected: TypeOrigin{Origin: OriginFrameOnly, Index: -1, Frame: sm.Copy()}}
}

func StackSizeMismatchContext(bci int, cur, sm *Frame) *ErrorContext {
	return &ErrorContext{BCI: bci, Fault: FaultStackSizeMismatch, Type: FrameOrigin(cur), Expected: TypeOrigin{Origin: OriginFrameOnly, Index: -1, Frame: sm.Copy()}}
}

func StackOverflowContext(bci int, f *Frame) *ErrorContext {
	return &ErrorContext{BCI: bci, Fault: FaultStackOverflow, Type: FrameOrigin(f), Expected: NoOrigin()}
}

func StackUnderflowContext(bci int, f *Frame) *ErrorContext {
	return &ErrorContext{BCI: bci, Fault: FaultStackUnderflow, Type: FrameOrigin(f), Expected: NoOrigin()}
}

func MissingStackmapContext(bci int) *ErrorContext {
	return &ErrorContext{BCI: bci, Fault: FaultMissingStackmap, Type: NoOrigin(), Expected: NoOrigin()}
}

// BadStackmapContext points at entry index of the stack map table.
func BadStackmapContext(index int, f *Frame) *ErrorContext {
	bci := -1
	if f != nil {
		bci = f.Offset()
	}
	ctx := &ErrorContext{BCI: bci, Fault: FaultBadStackmap, Type: NoOrigin(), Expected: NoOrigin()}
	if f != nil {
		ctx.Expected = TypeOrigin{Origin: OriginFrameOnly, Index: index, Frame: f.Copy()}
	}
	return ctx
}

// Reason is the one-line explanation used in details.
func (c *ErrorContext) Reason() string {
	switch c.Fault {
	case FaultInvalidBytecode:
		return "Error exists in the code"
	case FaultWrongType:
		if c.Expected.Valid() {
			return "Type " + c.Type.Describe() + " is not assignable to " + c.Expected.Describe()
		}
		return "Invalid type: " + c.Type.Describe()
	case FaultFlagsMismatch:
		if c.Expected.Valid() {
			return "Current frame's flags are not assignable to stack map frame's."
		}
		return "Current frame's flags are invalid in this context."
	case FaultBadCPIndex:
		return fmt.Sprintf("Constant pool index %d is invalid", c.Type.Index)
	case FaultBadLocalIndex:
		return fmt.Sprintf("Local index %d is invalid", c.Type.Index)
	case FaultLocalsSizeMismatch:
		return "Current frame's local size doesn't match stackmap."
	case FaultStackSizeMismatch:
		return "Current frame's stack size doesn't match stackmap."
	case FaultStackOverflow:
		return "Exceeded max stack size."
	case FaultStackUnderflow:
		return "Attempt to pop empty stack."
	case FaultMissingStackmap:
		return "Expected stackmap frame at this location."
	case FaultBadStackmap:
		return "Invalid stackmap specification."
	}
	return "Unknown"
}

// ---------------------------------------------------------------------------
// Failure
// ---------------------------------------------------------------------------

// Failure is a verification or format error for a class. The first one
// produced aborts verification of the whole class.
type Failure struct {
	Kind    ErrorKind
	Message string
	Class   string
	Method  string // name followed by descriptor
	Context *ErrorContext

	code  *classfile.Code
	table *StackMapTable
	cause error
}

// Unwrap returns the class file error a ClassFormatError was built from.
func (f *Failure) Unwrap() error { return f.cause }

func (f *Failure) Error() string {
	var b strings.Builder
	b.WriteString(f.Kind.String())
	b.WriteString(": ")
	b.WriteString(f.Message)
	if f.Class != "" {
		fmt.Fprintf(&b, " in %s", f.Class)
		if f.Method != "" {
			fmt.Fprintf(&b, ".%s", f.Method)
		}
	}
	if f.Context != nil && f.Context.BCI >= 0 {
		fmt.Fprintf(&b, " @%d", f.Context.BCI)
	}
	return b.String()
}

// Fault returns the context's fault, FaultUnknown when there is none.
func (f *Failure) Fault() Fault {
	if f.Context == nil {
		return FaultUnknown
	}
	return f.Context.Fault
}

// AsFailure unwraps err to a *Failure.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	ok := errors.As(err, &f)
	return f, ok
}

func verifyFailure(ctx *ErrorContext, format string, args ...any) *Failure {
	return &Failure{Kind: VerifyError, Message: fmt.Sprintf(format, args...), Context: ctx}
}

func formatFailure(format string, args ...any) *Failure {
	return &Failure{Kind: ClassFormatError, Message: fmt.Sprintf(format, args...)}
}

// Details writes the full diagnostic: location, reason, frames, bytecode,
// exception handlers and stack map table.
func (f *Failure) Details(w io.Writer) {
	fmt.Fprintf(w, "%s\n", f.Error())
	ctx := f.Context
	if ctx == nil {
		return
	}
	fmt.Fprintln(w, "Exception Details:")
	if ctx.BCI >= 0 && f.Method != "" {
		fmt.Fprintln(w, "  Location:")
		fmt.Fprintf(w, "    %s.%s @%d: %s\n", f.Class, f.Method, ctx.BCI, f.opcodeNameAt(ctx.BCI))
	}
	fmt.Fprintln(w, "  Reason:")
	fmt.Fprintf(w, "    %s\n", ctx.Reason())
	if ctx.Type.Valid() && ctx.Type.Frame != nil {
		fmt.Fprintln(w, "  Current Frame:")
		ctx.Type.Frame.Print(w, "    ")
	}
	if ctx.Expected.Valid() && ctx.Expected.Frame != nil {
		fmt.Fprintln(w, "  Stackmap Frame:")
		ctx.Expected.Frame.Print(w, "    ")
	}
	if f.code == nil {
		return
	}
	fmt.Fprintln(w, "  Bytecode:")
	hexDump(w, f.code.Bytecode, "    ")
	if len(f.code.ExceptionTable) > 0 {
		fmt.Fprintln(w, "  Exception Handler Table:")
		for _, h := range f.code.ExceptionTable {
			fmt.Fprintf(w, "    bci [%d, %d] => handler: %d\n", h.StartPC, h.EndPC, h.HandlerPC)
		}
	}
	if f.table != nil && f.table.Len() > 0 {
		fmt.Fprintln(w, "  Stackmap Table:")
		for _, fr := range f.table.frames {
			fmt.Fprintf(w, "    %s\n", frameSummary(fr))
		}
	}
}

func (f *Failure) opcodeNameAt(bci int) string {
	if f.code == nil || bci >= len(f.code.Bytecode) {
		return "<invalid>"
	}
	info, ok := Opcode(f.code.Bytecode[bci]).Lookup()
	if !ok {
		return "<illegal>"
	}
	return info.Name
}

func hexDump(w io.Writer, data []byte, indent string) {
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		var b strings.Builder
		for i := off; i < end; i++ {
			fmt.Fprintf(&b, "%02x", data[i])
			if (i-off)%2 == 1 {
				b.WriteByte(' ')
			}
		}
		fmt.Fprintf(w, "%s0x%07x: %s\n", indent, off, strings.TrimRight(b.String(), " "))
	}
}
