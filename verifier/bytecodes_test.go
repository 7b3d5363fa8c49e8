package verifier

import (
	"strings"
	"testing"
)

func TestOpcodeTable(t *testing.T) {
	tests := []struct {
		op     Opcode
		name   string
		length int
	}{
		{OpNop, "nop", 1},
		{OpIconstM1, "iconst_m1", 1},
		{OpBipush, "bipush", 2},
		{OpSipush, "sipush", 3},
		{OpLdc2W, "ldc2_w", 3},
		{OpIinc, "iinc", 3},
		{OpIfIcmpeq, "if_icmpeq", 3},
		{OpTableswitch, "tableswitch", 0},
		{OpInvokeinterface, "invokeinterface", 5},
		{OpInvokedynamic, "invokedynamic", 5},
		{OpMultianewarray, "multianewarray", 4},
		{OpGotoW, "goto_w", 5},
		{OpJsrW, "jsr_w", 5},
	}
	for _, tt := range tests {
		info, ok := tt.op.Lookup()
		if !ok {
			t.Fatalf("Lookup(%d) not found", tt.op)
		}
		if info.Name != tt.name || info.Length != tt.length {
			t.Errorf("Lookup(%d) = %+v, want {%s %d}", tt.op, info, tt.name, tt.length)
		}
	}
	if _, ok := Opcode(0xca).Lookup(); ok {
		t.Error("0xca (breakpoint) should be undefined")
	}
	if got := Opcode(0xfe).String(); got != "UNKNOWN_FE" {
		t.Errorf("String() = %q, want UNKNOWN_FE", got)
	}
}

func TestInstructionLengths(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want []int // instruction starts
	}{
		{"simple", []byte{byte(OpIconst0), byte(OpIstore1), byte(OpReturn)}, []int{0, 1, 2}},
		{"operands", []byte{byte(OpBipush), 7, byte(OpSipush), 1, 0, byte(OpPop), byte(OpReturn)}, []int{0, 2, 5, 6}},
		{"wide iload", []byte{byte(OpWide), byte(OpIload), 1, 0, byte(OpIreturn)}, []int{0, 4}},
		{"wide iinc", []byte{byte(OpWide), byte(OpIinc), 0, 1, 0, 5, byte(OpReturn)}, []int{0, 6}},
		{"invokeinterface", []byte{byte(OpInvokeinterface), 0, 1, 1, 0, byte(OpReturn)}, []int{0, 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []int
			s := NewBytecodeStream(tt.code)
			for !s.IsLastBytecode() {
				if _, ok := s.RawNext(); !ok {
					t.Fatalf("illegal instruction at %d", s.BCI())
				}
				got = append(got, s.BCI())
			}
			if len(got) != len(tt.want) {
				t.Fatalf("starts = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("starts = %v, want %v", got, tt.want)
					break
				}
			}
		})
	}
}

func TestIllegalInstructions(t *testing.T) {
	tests := []struct {
		name string
		code []byte
	}{
		{"undefined opcode", []byte{0xcb}},
		{"truncated sipush", []byte{byte(OpSipush), 1}},
		{"wide of non-widenable", []byte{byte(OpWide), byte(OpIadd), 0, 0}},
		{"truncated switch", []byte{byte(OpTableswitch), 0, 0, 0, 0}},
	}
	for _, tt := range tests {
		s := NewBytecodeStream(tt.code)
		if _, ok := s.RawNext(); ok {
			t.Errorf("%s: RawNext ok, want illegal", tt.name)
		}
		if !s.IsLastBytecode() {
			t.Errorf("%s: stream should stop at the end of code", tt.name)
		}
	}
}

func TestSwitchLength(t *testing.T) {
	a := NewAssembler()
	a.Emit(OpIconst0)
	def, one, two := a.NewLabel(), a.NewLabel(), a.NewLabel()
	a.TableSwitch(def, 1, one, two)
	a.Mark(one).Emit(OpReturn)
	a.Mark(two).Emit(OpReturn)
	a.Mark(def).Emit(OpReturn)
	code := a.Bytes()

	// tableswitch at 1: opcode, 2 pad bytes, default, low, high, 2 offsets.
	s := NewBytecodeStream(code)
	s.RawNext()
	op, ok := s.RawNext()
	if !ok || op != OpTableswitch {
		t.Fatalf("RawNext = %v, %v, want tableswitch", op, ok)
	}
	if got, want := s.NextBCI(), 1+3+12+8; got != want {
		t.Errorf("next bci = %d, want %d", got, want)
	}

	sw, ok := readSwitch(code, 1)
	if !ok {
		t.Fatal("readSwitch failed")
	}
	if sw.low != 1 || sw.high != 2 || sw.keys() != 2 {
		t.Errorf("switch = %+v, want low 1 high 2", sw)
	}
	if got := 1 + int(sw.offset(code, 0)); got != 24 {
		t.Errorf("case 1 target = %d, want 24", got)
	}
	if got := 1 + int(sw.def); got != 26 {
		t.Errorf("default target = %d, want 26", got)
	}
}

func TestDisassemble(t *testing.T) {
	a := NewAssembler()
	end := a.NewLabel()
	a.Emit(OpAload0).
		Emit(OpBipush, 0xff).
		EmitU2(OpGetfield, 7).
		Branch(OpIfeq, end).
		Emit(OpWide, byte(OpIinc), 0, 1, 0xff, 0xfe).
		Mark(end).
		Emit(OpReturn)

	want := strings.Join([]string{
		"0000  aload_0",
		"0001  bipush -1",
		"0003  getfield #7",
		"0006  ifeq 0015",
		"0009  wide iinc 1 -2",
		"0015  return",
	}, "\n")
	if got := Disassemble(a.Bytes()); got != want {
		t.Errorf("Disassemble =\n%s\nwant\n%s", got, want)
	}
}

func TestDisassembleLookupSwitch(t *testing.T) {
	a := NewAssembler()
	def, neg, big := a.NewLabel(), a.NewLabel(), a.NewLabel()
	a.Emit(OpIload0)
	a.LookupSwitch(def, []int32{-5, 100}, []*Label{neg, big})
	a.Mark(neg).Emit(OpReturn)
	a.Mark(big).Emit(OpReturn)
	a.Mark(def).Emit(OpReturn)

	got := Disassemble(a.Bytes())
	want := "0001  lookupswitch default:0030 -5:0028 100:0029"
	if lines := strings.Split(got, "\n"); len(lines) < 2 || lines[1] != want {
		t.Errorf("Disassemble =\n%s\nwant second line %q", got, want)
	}
}

func TestDisassembleIllegal(t *testing.T) {
	got := Disassemble([]byte{byte(OpNop), 0xcb, byte(OpReturn)})
	want := "0000  nop\n0001  <illegal cb>"
	if got != want {
		t.Errorf("Disassemble = %q, want %q", got, want)
	}
}

func TestAssemblerBackwardBranch(t *testing.T) {
	a := NewAssembler()
	top := a.NewLabel()
	a.Mark(top).Emit(OpNop)
	a.Branch(OpGoto, top)
	a.Branch(OpGotoW, top)

	s := NewBytecodeStream(a.Bytes())
	s.RawNext()
	s.RawNext()
	if got := s.Dest(); got != 0 {
		t.Errorf("goto dest = %d, want 0", got)
	}
	s.RawNext()
	if got := s.DestW(); got != 0 {
		t.Errorf("goto_w dest = %d, want 0", got)
	}
	if a.Len() != 1+3+5 {
		t.Errorf("Len = %d, want 9", a.Len())
	}
}
