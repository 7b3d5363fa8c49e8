package verifier

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is a JVM instruction. breakpoint and the implementation-reserved
// opcodes never appear in class files and are not defined.
type Opcode byte

const (
	// Constants
	OpNop Opcode = iota
	OpAconstNull
	OpIconstM1
	OpIconst0
	OpIconst1
	OpIconst2
	OpIconst3
	OpIconst4
	OpIconst5
	OpLconst0
	OpLconst1
	OpFconst0
	OpFconst1
	OpFconst2
	OpDconst0
	OpDconst1
	OpBipush
	OpSipush
	OpLdc
	OpLdcW
	OpLdc2W

	// Loads
	OpIload
	OpLload
	OpFload
	OpDload
	OpAload
	OpIload0
	OpIload1
	OpIload2
	OpIload3
	OpLload0
	OpLload1
	OpLload2
	OpLload3
	OpFload0
	OpFload1
	OpFload2
	OpFload3
	OpDload0
	OpDload1
	OpDload2
	OpDload3
	OpAload0
	OpAload1
	OpAload2
	OpAload3
	OpIaload
	OpLaload
	OpFaload
	OpDaload
	OpAaload
	OpBaload
	OpCaload
	OpSaload

	// Stores
	OpIstore
	OpLstore
	OpFstore
	OpDstore
	OpAstore
	OpIstore0
	OpIstore1
	OpIstore2
	OpIstore3
	OpLstore0
	OpLstore1
	OpLstore2
	OpLstore3
	OpFstore0
	OpFstore1
	OpFstore2
	OpFstore3
	OpDstore0
	OpDstore1
	OpDstore2
	OpDstore3
	OpAstore0
	OpAstore1
	OpAstore2
	OpAstore3
	OpIastore
	OpLastore
	OpFastore
	OpDastore
	OpAastore
	OpBastore
	OpCastore
	OpSastore

	// Stack
	OpPop
	OpPop2
	OpDup
	OpDupX1
	OpDupX2
	OpDup2
	OpDup2X1
	OpDup2X2
	OpSwap

	// Arithmetic and conversions
	OpIadd
	OpLadd
	OpFadd
	OpDadd
	OpIsub
	OpLsub
	OpFsub
	OpDsub
	OpImul
	OpLmul
	OpFmul
	OpDmul
	OpIdiv
	OpLdiv
	OpFdiv
	OpDdiv
	OpIrem
	OpLrem
	OpFrem
	OpDrem
	OpIneg
	OpLneg
	OpFneg
	OpDneg
	OpIshl
	OpLshl
	OpIshr
	OpLshr
	OpIushr
	OpLushr
	OpIand
	OpLand
	OpIor
	OpLor
	OpIxor
	OpLxor
	OpIinc
	OpI2l
	OpI2f
	OpI2d
	OpL2i
	OpL2f
	OpL2d
	OpF2i
	OpF2l
	OpF2d
	OpD2i
	OpD2l
	OpD2f
	OpI2b
	OpI2c
	OpI2s

	// Comparisons and branches
	OpLcmp
	OpFcmpl
	OpFcmpg
	OpDcmpl
	OpDcmpg
	OpIfeq
	OpIfne
	OpIflt
	OpIfge
	OpIfgt
	OpIfle
	OpIfIcmpeq
	OpIfIcmpne
	OpIfIcmplt
	OpIfIcmpge
	OpIfIcmpgt
	OpIfIcmple
	OpIfAcmpeq
	OpIfAcmpne
	OpGoto
	OpJsr
	OpRet
	OpTableswitch
	OpLookupswitch

	// Returns
	OpIreturn
	OpLreturn
	OpFreturn
	OpDreturn
	OpAreturn
	OpReturn

	// References
	OpGetstatic
	OpPutstatic
	OpGetfield
	OpPutfield
	OpInvokevirtual
	OpInvokespecial
	OpInvokestatic
	OpInvokeinterface
	OpInvokedynamic
	OpNew
	OpNewarray
	OpAnewarray
	OpArraylength
	OpAthrow
	OpCheckcast
	OpInstanceof
	OpMonitorenter
	OpMonitorexit

	// Extended
	OpWide
	OpMultianewarray
	OpIfnull
	OpIfnonnull
	OpGotoW
	OpJsrW
)

// OpcodeInfo describes an opcode. Length is the instruction size in bytes
// including the opcode; zero marks the variable-length instructions.
type OpcodeInfo struct {
	Name   string
	Length int
}

var opcodeTable = [...]OpcodeInfo{
	{"nop", 1},
	{"aconst_null", 1},
	{"iconst_m1", 1},
	{"iconst_0", 1},
	{"iconst_1", 1},
	{"iconst_2", 1},
	{"iconst_3", 1},
	{"iconst_4", 1},
	{"iconst_5", 1},
	{"lconst_0", 1},
	{"lconst_1", 1},
	{"fconst_0", 1},
	{"fconst_1", 1},
	{"fconst_2", 1},
	{"dconst_0", 1},
	{"dconst_1", 1},
	{"bipush", 2},
	{"sipush", 3},
	{"ldc", 2},
	{"ldc_w", 3},
	{"ldc2_w", 3},
	{"iload", 2},
	{"lload", 2},
	{"fload", 2},
	{"dload", 2},
	{"aload", 2},
	{"iload_0", 1},
	{"iload_1", 1},
	{"iload_2", 1},
	{"iload_3", 1},
	{"lload_0", 1},
	{"lload_1", 1},
	{"lload_2", 1},
	{"lload_3", 1},
	{"fload_0", 1},
	{"fload_1", 1},
	{"fload_2", 1},
	{"fload_3", 1},
	{"dload_0", 1},
	{"dload_1", 1},
	{"dload_2", 1},
	{"dload_3", 1},
	{"aload_0", 1},
	{"aload_1", 1},
	{"aload_2", 1},
	{"aload_3", 1},
	{"iaload", 1},
	{"laload", 1},
	{"faload", 1},
	{"daload", 1},
	{"aaload", 1},
	{"baload", 1},
	{"caload", 1},
	{"saload", 1},
	{"istore", 2},
	{"lstore", 2},
	{"fstore", 2},
	{"dstore", 2},
	{"astore", 2},
	{"istore_0", 1},
	{"istore_1", 1},
	{"istore_2", 1},
	{"istore_3", 1},
	{"lstore_0", 1},
	{"lstore_1", 1},
	{"lstore_2", 1},
	{"lstore_3", 1},
	{"fstore_0", 1},
	{"fstore_1", 1},
	{"fstore_2", 1},
	{"fstore_3", 1},
	{"dstore_0", 1},
	{"dstore_1", 1},
	{"dstore_2", 1},
	{"dstore_3", 1},
	{"astore_0", 1},
	{"astore_1", 1},
	{"astore_2", 1},
	{"astore_3", 1},
	{"iastore", 1},
	{"lastore", 1},
	{"fastore", 1},
	{"dastore", 1},
	{"aastore", 1},
	{"bastore", 1},
	{"castore", 1},
	{"sastore", 1},
	{"pop", 1},
	{"pop2", 1},
	{"dup", 1},
	{"dup_x1", 1},
	{"dup_x2", 1},
	{"dup2", 1},
	{"dup2_x1", 1},
	{"dup2_x2", 1},
	{"swap", 1},
	{"iadd", 1},
	{"ladd", 1},
	{"fadd", 1},
	{"dadd", 1},
	{"isub", 1},
	{"lsub", 1},
	{"fsub", 1},
	{"dsub", 1},
	{"imul", 1},
	{"lmul", 1},
	{"fmul", 1},
	{"dmul", 1},
	{"idiv", 1},
	{"ldiv", 1},
	{"fdiv", 1},
	{"ddiv", 1},
	{"irem", 1},
	{"lrem", 1},
	{"frem", 1},
	{"drem", 1},
	{"ineg", 1},
	{"lneg", 1},
	{"fneg", 1},
	{"dneg", 1},
	{"ishl", 1},
	{"lshl", 1},
	{"ishr", 1},
	{"lshr", 1},
	{"iushr", 1},
	{"lushr", 1},
	{"iand", 1},
	{"land", 1},
	{"ior", 1},
	{"lor", 1},
	{"ixor", 1},
	{"lxor", 1},
	{"iinc", 3},
	{"i2l", 1},
	{"i2f", 1},
	{"i2d", 1},
	{"l2i", 1},
	{"l2f", 1},
	{"l2d", 1},
	{"f2i", 1},
	{"f2l", 1},
	{"f2d", 1},
	{"d2i", 1},
	{"d2l", 1},
	{"d2f", 1},
	{"i2b", 1},
	{"i2c", 1},
	{"i2s", 1},
	{"lcmp", 1},
	{"fcmpl", 1},
	{"fcmpg", 1},
	{"dcmpl", 1},
	{"dcmpg", 1},
	{"ifeq", 3},
	{"ifne", 3},
	{"iflt", 3},
	{"ifge", 3},
	{"ifgt", 3},
	{"ifle", 3},
	{"if_icmpeq", 3},
	{"if_icmpne", 3},
	{"if_icmplt", 3},
	{"if_icmpge", 3},
	{"if_icmpgt", 3},
	{"if_icmple", 3},
	{"if_acmpeq", 3},
	{"if_acmpne", 3},
	{"goto", 3},
	{"jsr", 3},
	{"ret", 2},
	{"tableswitch", 0},
	{"lookupswitch", 0},
	{"ireturn", 1},
	{"lreturn", 1},
	{"freturn", 1},
	{"dreturn", 1},
	{"areturn", 1},
	{"return", 1},
	{"getstatic", 3},
	{"putstatic", 3},
	{"getfield", 3},
	{"putfield", 3},
	{"invokevirtual", 3},
	{"invokespecial", 3},
	{"invokestatic", 3},
	{"invokeinterface", 5},
	{"invokedynamic", 5},
	{"new", 3},
	{"newarray", 2},
	{"anewarray", 3},
	{"arraylength", 1},
	{"athrow", 1},
	{"checkcast", 3},
	{"instanceof", 3},
	{"monitorenter", 1},
	{"monitorexit", 1},
	{"wide", 0},
	{"multianewarray", 4},
	{"ifnull", 3},
	{"ifnonnull", 3},
	{"goto_w", 5},
	{"jsr_w", 5},
}

// Lookup returns the metadata for op and whether op is defined.
func (op Opcode) Lookup() (OpcodeInfo, bool) {
	if int(op) >= len(opcodeTable) {
		return OpcodeInfo{}, false
	}
	return opcodeTable[op], true
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := op.Lookup(); ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Name returns the mnemonic.
func (op Opcode) Name() string {
	return op.Info().Name
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// widenable reports whether op may follow a wide prefix.
func (op Opcode) widenable() bool {
	switch {
	case op >= OpIload && op <= OpAload:
		return true
	case op >= OpIstore && op <= OpAstore:
		return true
	}
	return op == OpIinc || op == OpRet
}

// isStoreIntoLocal is true for the istore through astore_3 family.
func (op Opcode) isStoreIntoLocal() bool {
	return op >= OpIstore && op <= OpAstore3
}

// ---------------------------------------------------------------------------
// Instruction decoding
// ---------------------------------------------------------------------------

// maxCodeSize bounds branch offsets and switch key counts.
const maxCodeSize = 65535

func u2At(code []byte, pos int) int   { return int(binary.BigEndian.Uint16(code[pos:])) }
func s2At(code []byte, pos int) int   { return int(int16(binary.BigEndian.Uint16(code[pos:]))) }
func s4At(code []byte, pos int) int32 { return int32(binary.BigEndian.Uint32(code[pos:])) }

// switchOperands is the decoded header of a tableswitch or lookupswitch.
type switchOperands struct {
	table   bool
	bci     int
	aligned int // position of the default offset
	def     int32
	low     int32
	high    int32
	npairs  int32
}

// readSwitch decodes the fixed part of the switch at bci. ok is false when
// the header runs past the end of code.
func readSwitch(code []byte, bci int) (sw switchOperands, ok bool) {
	sw.table = Opcode(code[bci]) == OpTableswitch
	sw.bci = bci
	sw.aligned = (bci + 4) &^ 3
	header := 8
	if sw.table {
		header = 12
	}
	if sw.aligned+header > len(code) {
		return sw, false
	}
	sw.def = s4At(code, sw.aligned)
	if sw.table {
		sw.low = s4At(code, sw.aligned+4)
		sw.high = s4At(code, sw.aligned+8)
	} else {
		sw.npairs = s4At(code, sw.aligned+4)
	}
	return sw, true
}

// keys is the number of case targets. Malformed headers count as zero so
// the instruction still has a length; the verifier reports them.
func (sw switchOperands) keys() int64 {
	if sw.table {
		if sw.low > sw.high {
			return 0
		}
		return int64(sw.high) - int64(sw.low) + 1
	}
	if sw.npairs < 0 {
		return 0
	}
	return int64(sw.npairs)
}

func (sw switchOperands) length() int64 {
	if sw.table {
		return int64(sw.aligned-sw.bci) + 12 + sw.keys()*4
	}
	return int64(sw.aligned-sw.bci) + 8 + sw.keys()*8
}

// offset returns the branch offset of case i.
func (sw switchOperands) offset(code []byte, i int) int32 {
	if sw.table {
		return s4At(code, sw.aligned+12+i*4)
	}
	return s4At(code, sw.aligned+8+i*8+4)
}

// match returns the key of lookupswitch pair i.
func (sw switchOperands) match(code []byte, i int) int32 {
	return s4At(code, sw.aligned+8+i*8)
}

// instructionAt decodes the instruction at bci. A wide prefix is folded
// into the returned opcode. length is zero when the instruction is
// undefined or does not fit in code.
func instructionAt(code []byte, bci int) (op Opcode, wide bool, length int) {
	op = Opcode(code[bci])
	info, ok := op.Lookup()
	if !ok {
		return op, false, 0
	}
	remaining := len(code) - bci
	if info.Length > 0 {
		if info.Length > remaining {
			return op, false, 0
		}
		return op, false, info.Length
	}
	switch op {
	case OpWide:
		if remaining < 2 {
			return op, false, 0
		}
		inner := Opcode(code[bci+1])
		if !inner.widenable() {
			return op, false, 0
		}
		n := 4
		if inner == OpIinc {
			n = 6
		}
		if n > remaining {
			return inner, true, 0
		}
		return inner, true, n
	case OpTableswitch, OpLookupswitch:
		sw, ok := readSwitch(code, bci)
		if !ok {
			return op, false, 0
		}
		n := sw.length()
		if n > int64(remaining) {
			return op, false, 0
		}
		return op, false, int(n)
	}
	return op, false, 0
}

// ---------------------------------------------------------------------------
// BytecodeStream: linear instruction scan
// ---------------------------------------------------------------------------

// BytecodeStream walks instructions in order. Operand accessors read
// relative to the current instruction; all multi-byte operands are
// big-endian.
type BytecodeStream struct {
	code    []byte
	bci     int
	nextBCI int
	op      Opcode
	wide    bool
}

// NewBytecodeStream creates a stream positioned at offset 0.
func NewBytecodeStream(code []byte) *BytecodeStream {
	return &BytecodeStream{code: code}
}

// SetStart moves the stream so that the next instruction read is at bci.
func (s *BytecodeStream) SetStart(bci int) { s.nextBCI = bci }

// IsLastBytecode reports whether the stream has no instruction left.
func (s *BytecodeStream) IsLastBytecode() bool { return s.nextBCI >= len(s.code) }

// RawNext decodes the next instruction. ok is false for an undefined or
// truncated instruction; the stream then stops at the end of code.
func (s *BytecodeStream) RawNext() (op Opcode, ok bool) {
	s.bci = s.nextBCI
	if s.bci < 0 || s.bci >= len(s.code) {
		s.nextBCI = len(s.code)
		return 0, false
	}
	op, wide, n := instructionAt(s.code, s.bci)
	s.op, s.wide = op, wide
	if n <= 0 {
		s.nextBCI = len(s.code)
		return op, false
	}
	s.nextBCI = s.bci + n
	return op, true
}

func (s *BytecodeStream) BCI() int       { return s.bci }
func (s *BytecodeStream) NextBCI() int   { return s.nextBCI }
func (s *BytecodeStream) Opcode() Opcode { return s.op }
func (s *BytecodeStream) IsWide() bool   { return s.wide }

// U1 returns the byte at offset off from the current instruction.
func (s *BytecodeStream) U1(off int) int { return int(s.code[s.bci+off]) }

// Index returns a local variable index operand, widened when prefixed.
func (s *BytecodeStream) Index() int {
	if s.wide {
		return u2At(s.code, s.bci+2)
	}
	return int(s.code[s.bci+1])
}

// IndexU1 returns a one-byte constant pool index.
func (s *BytecodeStream) IndexU1() int { return int(s.code[s.bci+1]) }

// IndexU2 returns a two-byte constant pool index.
func (s *BytecodeStream) IndexU2() int { return u2At(s.code, s.bci+1) }

// Dest returns the target of a 16-bit branch.
func (s *BytecodeStream) Dest() int { return s.bci + s2At(s.code, s.bci+1) }

// DestW returns the target of a 32-bit branch.
func (s *BytecodeStream) DestW() int { return s.bci + int(s4At(s.code, s.bci+1)) }

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// Disassemble renders code one instruction per line. Decoding stops at the
// first undefined or truncated instruction.
func Disassemble(code []byte) string {
	var b strings.Builder
	s := NewBytecodeStream(code)
	for !s.IsLastBytecode() {
		op, ok := s.RawNext()
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		if !ok {
			fmt.Fprintf(&b, "%04d  <illegal %02x>", s.BCI(), code[s.BCI()])
			break
		}
		b.WriteString(disassembleInstruction(s, op))
	}
	return b.String()
}

func disassembleInstruction(s *BytecodeStream, op Opcode) string {
	pos := s.BCI()
	name := op.Name()
	if s.IsWide() {
		name = "wide " + name
	}
	switch {
	case op == OpBipush:
		return fmt.Sprintf("%04d  %s %d", pos, name, int8(s.U1(1)))
	case op == OpSipush:
		return fmt.Sprintf("%04d  %s %d", pos, name, s2At(s.code, pos+1))
	case op == OpLdc:
		return fmt.Sprintf("%04d  %s #%d", pos, name, s.IndexU1())
	case op == OpIinc:
		delta := int(int8(s.U1(2)))
		if s.IsWide() {
			delta = s2At(s.code, pos+4)
		}
		return fmt.Sprintf("%04d  %s %d %d", pos, name, s.Index(), delta)
	case op.widenable():
		return fmt.Sprintf("%04d  %s %d", pos, name, s.Index())
	case op == OpNewarray:
		return fmt.Sprintf("%04d  %s %d", pos, name, s.U1(1))
	case (op >= OpIfeq && op <= OpJsr) || op == OpIfnull || op == OpIfnonnull:
		return fmt.Sprintf("%04d  %s %04d", pos, name, s.Dest())
	case op == OpGotoW || op == OpJsrW:
		return fmt.Sprintf("%04d  %s %04d", pos, name, s.DestW())
	case op == OpTableswitch || op == OpLookupswitch:
		return disassembleSwitch(s, op)
	case op == OpInvokeinterface:
		return fmt.Sprintf("%04d  %s #%d %d", pos, name, s.IndexU2(), s.U1(3))
	case op == OpMultianewarray:
		return fmt.Sprintf("%04d  %s #%d %d", pos, name, s.IndexU2(), s.U1(3))
	}
	if op.Info().Length == 3 || op == OpInvokedynamic {
		return fmt.Sprintf("%04d  %s #%d", pos, name, s.IndexU2())
	}
	return fmt.Sprintf("%04d  %s", pos, name)
}

func disassembleSwitch(s *BytecodeStream, op Opcode) string {
	pos := s.BCI()
	sw, _ := readSwitch(s.code, pos)
	var b strings.Builder
	fmt.Fprintf(&b, "%04d  %s default:%04d", pos, op.Name(), pos+int(sw.def))
	for i := 0; i < int(sw.keys()); i++ {
		key := sw.low + int32(i)
		if !sw.table {
			key = sw.match(s.code, i)
		}
		fmt.Fprintf(&b, " %d:%04d", key, pos+int(sw.offset(s.code, i)))
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// Assembler: helper for constructing method bodies
// ---------------------------------------------------------------------------

// Label is a branch target whose offset may not be known yet.
type Label struct {
	resolved bool
	position int
	refs     []labelRef
}

type labelRef struct {
	at   int // where the offset is stored
	from int // bci of the branching instruction
	wide bool
}

// Assembler builds JVM bytecode with big-endian operands.
type Assembler struct {
	code []byte
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{code: make([]byte, 0, 64)}
}

// Bytes returns the assembled code. All labels must be marked.
func (a *Assembler) Bytes() []byte { return a.code }

// Len returns the current offset.
func (a *Assembler) Len() int { return len(a.code) }

// Emit appends an opcode followed by raw operand bytes.
func (a *Assembler) Emit(op Opcode, operands ...byte) *Assembler {
	a.code = append(a.code, byte(op))
	a.code = append(a.code, operands...)
	return a
}

// EmitU2 appends an opcode with a two-byte operand, typically a constant
// pool index.
func (a *Assembler) EmitU2(op Opcode, v uint16) *Assembler {
	a.code = append(a.code, byte(op), byte(v>>8), byte(v))
	return a
}

// Raw appends bytes verbatim.
func (a *Assembler) Raw(b ...byte) *Assembler {
	a.code = append(a.code, b...)
	return a
}

// NewLabel creates an unresolved label.
func (a *Assembler) NewLabel() *Label { return &Label{} }

// Mark resolves label to the current offset and patches earlier branches.
func (a *Assembler) Mark(label *Label) *Assembler {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(a.code)
	for _, ref := range label.refs {
		a.patch(ref, label.position)
	}
	label.refs = nil
	return a
}

func (a *Assembler) patch(ref labelRef, target int) {
	off := target - ref.from
	if ref.wide {
		binary.BigEndian.PutUint32(a.code[ref.at:], uint32(int32(off)))
		return
	}
	binary.BigEndian.PutUint16(a.code[ref.at:], uint16(int16(off)))
}

func (a *Assembler) reference(label *Label, from int, wide bool) {
	ref := labelRef{at: len(a.code), from: from, wide: wide}
	if wide {
		a.code = append(a.code, 0, 0, 0, 0)
	} else {
		a.code = append(a.code, 0, 0)
	}
	if label.resolved {
		a.patch(ref, label.position)
		return
	}
	label.refs = append(label.refs, ref)
}

// Branch emits a branch instruction targeting label. goto_w takes a
// four-byte offset, every other branch two.
func (a *Assembler) Branch(op Opcode, label *Label) *Assembler {
	from := len(a.code)
	a.code = append(a.code, byte(op))
	a.reference(label, from, op == OpGotoW || op == OpJsrW)
	return a
}

func (a *Assembler) pad() {
	for len(a.code)%4 != 0 {
		a.code = append(a.code, 0)
	}
}

// TableSwitch emits a tableswitch over [low, low+len(cases)).
func (a *Assembler) TableSwitch(def *Label, low int32, cases ...*Label) *Assembler {
	from := len(a.code)
	a.code = append(a.code, byte(OpTableswitch))
	a.pad()
	a.reference(def, from, true)
	a.code = binary.BigEndian.AppendUint32(a.code, uint32(low))
	a.code = binary.BigEndian.AppendUint32(a.code, uint32(low+int32(len(cases))-1))
	for _, c := range cases {
		a.reference(c, from, true)
	}
	return a
}

// LookupSwitch emits a lookupswitch. keys and cases pair up by position.
func (a *Assembler) LookupSwitch(def *Label, keys []int32, cases []*Label) *Assembler {
	from := len(a.code)
	a.code = append(a.code, byte(OpLookupswitch))
	a.pad()
	a.reference(def, from, true)
	a.code = binary.BigEndian.AppendUint32(a.code, uint32(len(keys)))
	for i, k := range keys {
		a.code = binary.BigEndian.AppendUint32(a.code, uint32(k))
		a.reference(cases[i], from, true)
	}
	return a
}
