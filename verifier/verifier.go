// Package verifier type-checks JVM method bytecode against the frames
// declared in each method's StackMapTable.
//
// Verification is a single linear pass per method. The abstract state
// carried from one instruction to the next is a Frame; at every offset that
// has a declared frame the carried state must be assignable to it and is
// then replaced by it. Every branch target and exception handler must have
// a declared frame. The first failure aborts verification of the class.
package verifier

import (
	"fmt"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/jverify/classfile"
)

var log = commonlog.GetLogger("jverify.verifier")

// Class file versions that change verification rules.
const (
	nonzeroPaddingMajorVersion          = 51
	invokedynamicMajorVersion           = 51
	staticMethodInInterfaceMajorVersion = 52
)

const (
	initName   = "<init>"
	badTypeMsg = "Bad type on operand stack in %s"
)

// ---------------------------------------------------------------------------
// Class hierarchy collaborator
// ---------------------------------------------------------------------------

// MemberInfo describes a field or method found by LookupMember.
type MemberInfo struct {
	Owner       string // class declaring the member
	AccessFlags uint16
}

// ClassHierarchy answers class relationship questions. Errors mean a class
// could not be resolved and abort verification.
type ClassHierarchy interface {
	IsInterface(name string) (bool, error)
	// IsSubclassOf walks the superclass chain of name, name itself included.
	IsSubclassOf(name, super string) (bool, error)
	// Superclass returns "" for java/lang/Object.
	Superclass(name string) (string, error)
	// LookupMember searches class and its superclasses.
	LookupMember(class, name, descriptor string, isMethod bool) (MemberInfo, bool, error)
}

// selfHierarchy answers for the class under verification from its class
// file and delegates everything else.
type selfHierarchy struct {
	ClassHierarchy
	cf *classfile.ClassFile
}

func (h selfHierarchy) IsInterface(name string) (bool, error) {
	if name == h.cf.Name() {
		return h.cf.IsInterface(), nil
	}
	if h.ClassHierarchy == nil {
		return false, fmt.Errorf("%w: %s", ErrResolution, name)
	}
	return h.ClassHierarchy.IsInterface(name)
}

func (h selfHierarchy) IsSubclassOf(name, super string) (bool, error) {
	if name == super {
		return true, nil
	}
	if name == h.cf.Name() {
		if h.cf.SuperName() == "" {
			return false, nil
		}
		name = h.cf.SuperName()
		if name == super {
			return true, nil
		}
	}
	if h.ClassHierarchy == nil {
		return false, fmt.Errorf("%w: %s", ErrResolution, name)
	}
	return h.ClassHierarchy.IsSubclassOf(name, super)
}

func (h selfHierarchy) Superclass(name string) (string, error) {
	if name == h.cf.Name() {
		return h.cf.SuperName(), nil
	}
	if h.ClassHierarchy == nil {
		return "", fmt.Errorf("%w: %s", ErrResolution, name)
	}
	return h.ClassHierarchy.Superclass(name)
}

func (h selfHierarchy) LookupMember(class, name, descriptor string, isMethod bool) (MemberInfo, bool, error) {
	if class == h.cf.Name() {
		var m *classfile.Member
		if isMethod {
			m = h.cf.Method(name, descriptor)
		} else {
			m = h.cf.Field(name, descriptor)
		}
		if m != nil {
			return MemberInfo{Owner: class, AccessFlags: m.AccessFlags}, true, nil
		}
		if class = h.cf.SuperName(); class == "" {
			return MemberInfo{}, false, nil
		}
	}
	if h.ClassHierarchy == nil {
		return MemberInfo{}, false, fmt.Errorf("%w: %s", ErrResolution, class)
	}
	return h.ClassHierarchy.LookupMember(class, name, descriptor, isMethod)
}

// ---------------------------------------------------------------------------
// ClassVerifier
// ---------------------------------------------------------------------------

// Result summarizes a successful verification.
type Result struct {
	Class   string
	Methods int  // methods whose code was checked
	Skipped bool // the class predates stack maps and was not checked
}

// ClassVerifier verifies every method of one class. It is not safe for
// concurrent use; verify classes in parallel with separate instances.
type ClassVerifier struct {
	class    *classfile.ClassFile
	cp       classfile.ConstantPool
	hier     ClassHierarchy
	thisType VerificationType
}

// NewClassVerifier creates a verifier for cf. h resolves every class other
// than cf itself.
func NewClassVerifier(cf *classfile.ClassFile, h ClassHierarchy) *ClassVerifier {
	return &ClassVerifier{
		class:    cf,
		cp:       cf.ConstantPool,
		hier:     selfHierarchy{ClassHierarchy: h, cf: cf},
		thisType: Reference(cf.Name()),
	}
}

// Verify checks cf with NewClassVerifier.
func Verify(cf *classfile.ClassFile, h ClassHierarchy) (*Result, error) {
	return NewClassVerifier(cf, h).Verify()
}

// VerifyBytes parses and verifies a class file. Malformed input is reported
// as a ClassFormatError failure.
func VerifyBytes(data []byte, h ClassHierarchy) (*Result, error) {
	cf, err := classfile.Parse(data)
	if err != nil {
		return nil, &Failure{Kind: ClassFormatError, Message: err.Error(), cause: err}
	}
	return Verify(cf, h)
}

// Verify checks each method that has code. It returns a *Failure for
// verification and format errors, and a wrapped ErrResolution-style error
// when the hierarchy cannot answer.
func (v *ClassVerifier) Verify() (*Result, error) {
	res := &Result{Class: v.class.Name()}
	if v.class.MajorVersion < classfile.StackMapMajorVersion {
		log.Debugf("skipping %s: class file version %d has no stack maps", res.Class, v.class.MajorVersion)
		res.Skipped = true
		return res, nil
	}
	for i := range v.class.Methods {
		m := &v.class.Methods[i]
		if m.IsNative() || m.IsAbstract() {
			continue
		}
		log.Debugf("verifying method %s.%s%s", res.Class, m.Name, m.Descriptor)
		if err := v.verifyMethod(m); err != nil {
			f, ok := AsFailure(err)
			if !ok {
				return res, fmt.Errorf("%s.%s%s: %w", res.Class, m.Name, m.Descriptor, err)
			}
			f.Class = res.Class
			f.Method = m.Name + m.Descriptor
			log.Debugf("%s", f.Error())
			return res, f
		}
		res.Methods++
	}
	return res, nil
}

// methodVerifier holds the state of one method's pass.
type methodVerifier struct {
	*ClassVerifier
	method     *classfile.Member
	code       *classfile.Code
	bytecode   []byte
	codeData   []byte
	frame      *Frame
	table      *StackMapTable
	returnType VerificationType
	exMin      int
	exMax      int

	// Per-instruction: set when invokespecial <init> initialized this.
	thisUninit bool
	// Set when the last instruction cannot fall through to the next.
	noControlFlow bool
}

func (v *ClassVerifier) verifyMethod(m *classfile.Member) error {
	code, err := v.class.Code(m)
	if err != nil {
		return &Failure{Kind: ClassFormatError, Message: err.Error(), cause: err}
	}
	if code == nil {
		return formatFailure("Absent Code attribute in method that is not native or abstract")
	}
	mv := &methodVerifier{ClassVerifier: v, method: m, code: code, bytecode: code.Bytecode}
	err = mv.verify()
	if f, ok := AsFailure(err); ok {
		f.code = code
		f.table = mv.table
	}
	return err
}

func (mv *methodVerifier) verify() error {
	codeLength := len(mv.bytecode)
	if codeLength < 1 || codeLength > maxCodeSize {
		return formatFailure("Invalid method Code length %d", codeLength)
	}

	desc, err := classfile.ParseMethodDescriptor(mv.method.Descriptor)
	if err != nil {
		return &Failure{Kind: ClassFormatError, Message: fmt.Sprintf("Illegal method signature %q", mv.method.Descriptor), cause: err}
	}

	mv.frame = NewFrame(int(mv.code.MaxLocals), int(mv.code.MaxStack), mv.hier)
	mv.returnType, err = mv.frame.setLocalsFromDescriptor(desc.Params, desc.Return,
		mv.method.IsStatic(), mv.method.Name == initName, mv.thisType)
	if err != nil {
		return &Failure{Kind: ClassFormatError, Message: "Arguments can't fit into locals", cause: err}
	}

	if mv.codeData, err = generateCodeData(mv.bytecode); err != nil {
		return err
	}
	mv.exMin, mv.exMax = codeLength, -1
	if err := mv.verifyExceptionHandlerTable(); err != nil {
		return err
	}

	reader, err := NewStackMapReader(mv.code.StackMapTable, mv.cp, mv.codeData)
	if err != nil {
		return err
	}
	mv.table, err = NewStackMapTable(reader, mv.frame, int(mv.code.MaxLocals), int(mv.code.MaxStack), mv.codeData)
	if err != nil {
		return err
	}
	return mv.run()
}

// generateCodeData marks the start of every instruction, distinguishing
// new instructions so Uninitialized stack map entries can be checked.
func generateCodeData(code []byte) ([]byte, error) {
	data := make([]byte, len(code))
	s := NewBytecodeStream(code)
	for !s.IsLastBytecode() {
		op, ok := s.RawNext()
		if !ok {
			return nil, verifyFailure(InvalidBytecodeContext(s.BCI()), "Bad instruction")
		}
		if op == OpNew {
			data[s.BCI()] = newOffset
		} else {
			data[s.BCI()] = bytecodeOffset
		}
	}
	return data, nil
}

// isInstruction reports whether bci is the start of an instruction.
func (mv *methodVerifier) isInstruction(bci int) bool {
	return bci >= 0 && bci < len(mv.codeData) && mv.codeData[bci] != 0
}

func (mv *methodVerifier) verifyExceptionHandlerTable() error {
	codeLength := len(mv.bytecode)
	for _, h := range mv.code.ExceptionTable {
		start, end, handler := int(h.StartPC), int(h.EndPC), int(h.HandlerPC)
		if !mv.isInstruction(start) {
			return formatFailure("Illegal exception table start_pc %d", start)
		}
		if end != codeLength && !mv.isInstruction(end) {
			return formatFailure("Illegal exception table end_pc %d", end)
		}
		if start >= end {
			return formatFailure("Illegal exception table range [%d, %d)", start, end)
		}
		if !mv.isInstruction(handler) {
			return formatFailure("Illegal exception table handler_pc %d", handler)
		}
		if h.CatchType != 0 {
			catchType, err := mv.catchType(int(h.CatchType))
			if err != nil {
				return err
			}
			throwable := Reference(ThrowableClass)
			ok, err := throwable.IsAssignableFrom(catchType, mv.hier, false)
			if err != nil {
				return err
			}
			if !ok {
				return verifyFailure(BadTypeContext(handler, CPOrigin(int(h.CatchType), catchType), ImplicitOrigin(throwable)),
					"Catch type is not a subclass of Throwable in exception handler %d", handler)
			}
		}
		mv.exMin = min(mv.exMin, start)
		mv.exMax = max(mv.exMax, end)
	}
	return nil
}

func (mv *methodVerifier) catchType(index int) (VerificationType, error) {
	name, err := mv.cp.ClassName(index)
	if err != nil {
		return Bogus, &Failure{Kind: ClassFormatError, Message: fmt.Sprintf("Illegal catch type index %d", index), cause: err}
	}
	return Reference(name), nil
}

// run is the linear pass over the method's instructions.
func (mv *methodVerifier) run() error {
	bcs := NewBytecodeStream(mv.bytecode)
	stackmapIndex := 0
	for !bcs.IsLastBytecode() {
		op, _ := bcs.RawNext()
		bci := bcs.BCI()
		mv.frame.SetOffset(bci)
		mv.frame.SetMark()

		var err error
		if stackmapIndex, err = mv.verifyStackmapTable(stackmapIndex, bci); err != nil {
			return err
		}

		mv.thisUninit = false
		inTry := bci >= mv.exMin && bci < mv.exMax

		// A store may add a local, so handlers see the incoming state.
		verifiedHandlers := false
		if op.isStoreIntoLocal() && inTry {
			if err := mv.verifyExceptionHandlerTargets(bci, mv.thisUninit); err != nil {
				return err
			}
			verifiedHandlers = true
		}

		if err := mv.verifyInstruction(bcs, op, inTry); err != nil {
			return err
		}

		if !verifiedHandlers && inTry {
			if err := mv.verifyExceptionHandlerTargets(bci, mv.thisUninit); err != nil {
				return err
			}
		}
	}
	if !mv.noControlFlow {
		return verifyFailure(InvalidBytecodeContext(len(mv.bytecode)), "Control flow falls through code end")
	}
	return nil
}

// verifyStackmapTable merges the current frame into the declared frame at
// bci, if there is one, and returns the index of the next declared frame.
func (mv *methodVerifier) verifyStackmapTable(index, bci int) (int, error) {
	if index < mv.table.Len() {
		offset := mv.table.OffsetAt(index)
		if mv.noControlFlow && offset > bci {
			return 0, verifyFailure(MissingStackmapContext(bci), "Expecting a stack map frame")
		}
		if offset == bci {
			ok, ctx, err := mv.table.matchAt(mv.frame, offset, index, !mv.noControlFlow, true)
			if err != nil {
				return 0, err
			}
			if !ok {
				return 0, verifyFailure(ctx, "Instruction type does not match stack map")
			}
			return index + 1, nil
		}
		if offset < bci {
			return 0, formatFailure("Bad stack map offset %d", offset)
		}
		return index, nil
	}
	if mv.noControlFlow {
		return 0, verifyFailure(InvalidBytecodeContext(bci), "Expecting a stack map frame")
	}
	return index, nil
}

// verifyExceptionHandlerTargets checks that the state at bci, with the
// stack replaced by the caught exception, fits every covering handler.
func (mv *methodVerifier) verifyExceptionHandlerTargets(bci int, thisUninit bool) error {
	for _, h := range mv.code.ExceptionTable {
		if !h.Covers(bci) {
			continue
		}
		flags := mv.frame.Flags()
		if thisUninit {
			flags |= FlagThisUninit
		}
		handlerFrame := mv.frame.frameInExceptionHandler(flags)
		caught := Reference(ThrowableClass)
		if h.CatchType != 0 {
			var err error
			if caught, err = mv.catchType(int(h.CatchType)); err != nil {
				return err
			}
		}
		if err := handlerFrame.PushStack(caught); err != nil {
			return err
		}
		ok, ctx, err := mv.table.MatchStackmap(handlerFrame, int(h.HandlerPC), true, false)
		if err != nil {
			return err
		}
		if !ok {
			return verifyFailure(ctx, "Stack map does not match the one at exception handler %d", h.HandlerPC)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Constant pool checks
// ---------------------------------------------------------------------------

func (v *ClassVerifier) externalName() string {
	return strings.ReplaceAll(v.class.Name(), "/", ".")
}

func (v *ClassVerifier) verifyCPIndex(bci, index int) error {
	if index <= 0 || index >= v.cp.Len() {
		return verifyFailure(BadCPIndexContext(bci, index),
			"Illegal constant pool index %d in class %s", index, v.externalName())
	}
	return nil
}

// verifyCPType requires the entry at index to have one of the tags in the
// bit set types.
func (v *ClassVerifier) verifyCPType(bci, index int, types uint32) error {
	if err := v.verifyCPIndex(bci, index); err != nil {
		return err
	}
	if types&(1<<v.cp.Tag(index)) == 0 {
		return verifyFailure(BadCPIndexContext(bci, index),
			"Illegal type at constant pool entry %d in class %s", index, v.externalName())
	}
	return nil
}

func (v *ClassVerifier) verifyCPClassType(bci, index int) error {
	return v.verifyCPType(bci, index, 1<<classfile.TagClass)
}

// cpIndexToType returns the reference type of a CONSTANT_Class entry whose
// tag has already been checked.
func (v *ClassVerifier) cpIndexToType(index int) (VerificationType, error) {
	name, err := v.cp.ClassName(index)
	if err != nil {
		return Bogus, &Failure{Kind: ClassFormatError, Message: err.Error(), cause: err}
	}
	return Reference(name), nil
}

// memberRef resolves a field or method reference whose tag has already
// been checked.
func (v *ClassVerifier) memberRef(index int) (classfile.MemberRef, error) {
	ref, err := v.cp.MemberRef(index)
	if err != nil {
		return ref, &Failure{Kind: ClassFormatError, Message: err.Error(), cause: err}
	}
	return ref, nil
}

// ---------------------------------------------------------------------------
// Access checks
// ---------------------------------------------------------------------------

func packageOf(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[:i]
	}
	return ""
}

// nameInSupers reports whether name is a proper superclass of this class.
func (v *ClassVerifier) nameInSupers(name string) (bool, error) {
	super := v.class.SuperName()
	for depth := 0; super != "" && depth < 1024; depth++ {
		if super == name {
			return true, nil
		}
		next, err := v.hier.Superclass(super)
		if err != nil {
			return false, err
		}
		super = next
	}
	return false, nil
}

// isProtectedAccess reports whether the member is protected, declared in a
// superclass and outside this class's package.
func (v *ClassVerifier) isProtectedAccess(target, name, descriptor string, isMethod bool) (bool, error) {
	sub, err := v.hier.IsSubclassOf(v.class.Name(), target)
	if err != nil || !sub {
		return false, err
	}
	m, found, err := v.hier.LookupMember(target, name, descriptor, isMethod)
	if err != nil || !found {
		return false, err
	}
	if m.AccessFlags&classfile.AccProtected == 0 {
		return false, nil
	}
	return packageOf(m.Owner) != packageOf(v.class.Name()), nil
}

// isSameOrDirectInterface reports whether t is this class or one of its
// directly implemented interfaces.
func (v *ClassVerifier) isSameOrDirectInterface(t VerificationType) bool {
	if t == v.thisType {
		return true
	}
	for _, name := range v.class.InterfaceNames() {
		if t == Reference(name) {
			return true
		}
	}
	return false
}
