package verifier

import (
	"fmt"

	"github.com/chazu/jverify/classfile"
)

// push pushes one slot, or both slots of a category-2 value.
func (mv *methodVerifier) push(ts ...VerificationType) error {
	return mv.frame.pushTypes(ts)
}

// pop pops the given types, last first.
func (mv *methodVerifier) pop(ts ...VerificationType) error {
	for i := len(ts) - 1; i >= 0; i-- {
		if _, err := mv.frame.PopStackType(ts[i]); err != nil {
			return err
		}
	}
	return nil
}

func (mv *methodVerifier) badStackType(bci int, expected TypeOrigin, format string, args ...any) error {
	return verifyFailure(BadTypeContext(bci, mv.frame.stackTopOrigin(), expected), format, args...)
}

// verifyInstruction applies one instruction to the current frame.
func (mv *methodVerifier) verifyInstruction(bcs *BytecodeStream, op Opcode, inTry bool) error {
	f := mv.frame
	bci := bcs.BCI()
	mv.noControlFlow = false

	switch op {
	case OpNop:
		return nil

	// Constants

	case OpAconstNull:
		return mv.push(Null)
	case OpIconstM1, OpIconst0, OpIconst1, OpIconst2, OpIconst3, OpIconst4, OpIconst5,
		OpBipush, OpSipush:
		return mv.push(Integer)
	case OpLconst0, OpLconst1:
		return mv.push(Long, Long2)
	case OpFconst0, OpFconst1, OpFconst2:
		return mv.push(Float)
	case OpDconst0, OpDconst1:
		return mv.push(Double, Double2)
	case OpLdc:
		return mv.verifyLdc(op, bcs.IndexU1(), bci)
	case OpLdcW, OpLdc2W:
		return mv.verifyLdc(op, bcs.IndexU2(), bci)

	// Loads

	case OpIload, OpIload0, OpIload1, OpIload2, OpIload3:
		return mv.load(localIndex(bcs, op, OpIload, OpIload0), Integer)
	case OpLload, OpLload0, OpLload1, OpLload2, OpLload3:
		return mv.load2(localIndex(bcs, op, OpLload, OpLload0), Long, Long2)
	case OpFload, OpFload0, OpFload1, OpFload2, OpFload3:
		return mv.load(localIndex(bcs, op, OpFload, OpFload0), Float)
	case OpDload, OpDload0, OpDload1, OpDload2, OpDload3:
		return mv.load2(localIndex(bcs, op, OpDload, OpDload0), Double, Double2)
	case OpAload, OpAload0, OpAload1, OpAload2, OpAload3:
		t, err := f.GetLocal(localIndex(bcs, op, OpAload, OpAload0), ReferenceCheck)
		if err != nil {
			return err
		}
		return mv.push(t)

	case OpIaload:
		return mv.arrayLoad(op, bci, VerificationType.IsIntArray, "[I", Integer)
	case OpBaload:
		return mv.arrayLoad(op, bci, func(t VerificationType) bool { return t.IsBoolArray() || t.IsByteArray() }, "[B", Integer)
	case OpCaload:
		return mv.arrayLoad(op, bci, VerificationType.IsCharArray, "[C", Integer)
	case OpSaload:
		return mv.arrayLoad(op, bci, VerificationType.IsShortArray, "[S", Integer)
	case OpLaload:
		return mv.arrayLoad(op, bci, VerificationType.IsLongArray, "[J", Long, Long2)
	case OpFaload:
		return mv.arrayLoad(op, bci, VerificationType.IsFloatArray, "[F", Float)
	case OpDaload:
		return mv.arrayLoad(op, bci, VerificationType.IsDoubleArray, "[D", Double, Double2)
	case OpAaload:
		if _, err := f.PopStackType(Integer); err != nil {
			return err
		}
		atype, err := f.PopStackType(ReferenceCheck)
		if err != nil {
			return err
		}
		if !atype.IsReferenceArray() {
			return mv.badStackType(bci, ImplicitOrigin(ReferenceCheck), badTypeMsg, op.Name())
		}
		if atype.IsNull() {
			return mv.push(Null)
		}
		return mv.push(atype.Component())

	// Stores

	case OpIstore, OpIstore0, OpIstore1, OpIstore2, OpIstore3:
		return mv.store(localIndex(bcs, op, OpIstore, OpIstore0), Integer)
	case OpLstore, OpLstore0, OpLstore1, OpLstore2, OpLstore3:
		return mv.store2(localIndex(bcs, op, OpLstore, OpLstore0), Long, Long2)
	case OpFstore, OpFstore0, OpFstore1, OpFstore2, OpFstore3:
		return mv.store(localIndex(bcs, op, OpFstore, OpFstore0), Float)
	case OpDstore, OpDstore0, OpDstore1, OpDstore2, OpDstore3:
		return mv.store2(localIndex(bcs, op, OpDstore, OpDstore0), Double, Double2)
	case OpAstore, OpAstore0, OpAstore1, OpAstore2, OpAstore3:
		t, err := f.PopStackType(ReferenceCheck)
		if err != nil {
			return err
		}
		return f.SetLocal(localIndex(bcs, op, OpAstore, OpAstore0), t)

	case OpIastore:
		return mv.arrayStore(op, bci, VerificationType.IsIntArray, "[I", Integer)
	case OpBastore:
		return mv.arrayStore(op, bci, func(t VerificationType) bool { return t.IsBoolArray() || t.IsByteArray() }, "[B", Integer)
	case OpCastore:
		return mv.arrayStore(op, bci, VerificationType.IsCharArray, "[C", Integer)
	case OpSastore:
		return mv.arrayStore(op, bci, VerificationType.IsShortArray, "[S", Integer)
	case OpLastore:
		return mv.arrayStore(op, bci, VerificationType.IsLongArray, "[J", Long, Long2)
	case OpFastore:
		return mv.arrayStore(op, bci, VerificationType.IsFloatArray, "[F", Float)
	case OpDastore:
		return mv.arrayStore(op, bci, VerificationType.IsDoubleArray, "[D", Double, Double2)
	case OpAastore:
		// Element type compatibility is left to the runtime store check.
		if err := mv.pop(ReferenceCheck, Integer, ObjectType); err != nil {
			return err
		}
		atype := f.StackAt(f.StackSize())
		if !atype.IsReferenceArray() {
			return mv.badStackType(bci, ImplicitOrigin(ReferenceCheck), badTypeMsg, op.Name())
		}
		return nil

	// Stack manipulation

	case OpPop:
		_, err := f.PopStackType(Category1Check)
		return err
	case OpPop2:
		_, err := mv.popCategoryPair(bci, op)
		return err
	case OpDup:
		t, err := f.PopStackType(Category1Check)
		if err != nil {
			return err
		}
		return mv.pushEach(t, t)
	case OpDupX1:
		t1, err := f.PopStackType(Category1Check)
		if err != nil {
			return err
		}
		t2, err := f.PopStackType(Category1Check)
		if err != nil {
			return err
		}
		return mv.pushEach(t1, t2, t1)
	case OpDupX2:
		t1, err := f.PopStackType(Category1Check)
		if err != nil {
			return err
		}
		under, err := mv.popCategoryPair(bci, op)
		if err != nil {
			return err
		}
		return mv.pushEach(t1, under[1], under[0], t1)
	case OpDup2:
		top, err := mv.popCategoryPair(bci, op)
		if err != nil {
			return err
		}
		return mv.pushEach(top[1], top[0], top[1], top[0])
	case OpDup2X1:
		top, err := mv.popCategoryPair(bci, op)
		if err != nil {
			return err
		}
		t3, err := f.PopStackType(Category1Check)
		if err != nil {
			return err
		}
		return mv.pushEach(top[1], top[0], t3, top[1], top[0])
	case OpDup2X2:
		top, err := mv.popCategoryPair(bci, op)
		if err != nil {
			return err
		}
		under, err := mv.popCategoryPair(bci, op)
		if err != nil {
			return err
		}
		return mv.pushEach(top[1], top[0], under[1], under[0], top[1], top[0])
	case OpSwap:
		t1, err := f.PopStackType(Category1Check)
		if err != nil {
			return err
		}
		t2, err := f.PopStackType(Category1Check)
		if err != nil {
			return err
		}
		return mv.pushEach(t1, t2)

	// Arithmetic

	case OpIadd, OpIsub, OpImul, OpIdiv, OpIrem, OpIshl, OpIshr, OpIushr, OpIor, OpIxor, OpIand:
		return mv.unary([]VerificationType{Integer, Integer}, Integer)
	case OpIneg, OpI2b, OpI2c, OpI2s:
		return mv.unary([]VerificationType{Integer}, Integer)
	case OpLadd, OpLsub, OpLmul, OpLdiv, OpLrem, OpLand, OpLor, OpLxor:
		return mv.unary([]VerificationType{Long, Long2, Long, Long2}, Long, Long2)
	case OpLneg:
		return mv.unary([]VerificationType{Long, Long2}, Long, Long2)
	case OpLshl, OpLshr, OpLushr:
		return mv.unary([]VerificationType{Long, Long2, Integer}, Long, Long2)
	case OpFadd, OpFsub, OpFmul, OpFdiv, OpFrem:
		return mv.unary([]VerificationType{Float, Float}, Float)
	case OpFneg:
		return mv.unary([]VerificationType{Float}, Float)
	case OpDadd, OpDsub, OpDmul, OpDdiv, OpDrem:
		return mv.unary([]VerificationType{Double, Double2, Double, Double2}, Double, Double2)
	case OpDneg:
		return mv.unary([]VerificationType{Double, Double2}, Double, Double2)
	case OpIinc:
		index := bcs.Index()
		if _, err := f.GetLocal(index, Integer); err != nil {
			return err
		}
		return f.SetLocal(index, Integer)

	// Conversions and comparisons

	case OpI2l:
		return mv.unary([]VerificationType{Integer}, Long, Long2)
	case OpL2i:
		return mv.unary([]VerificationType{Long, Long2}, Integer)
	case OpI2f:
		return mv.unary([]VerificationType{Integer}, Float)
	case OpI2d:
		return mv.unary([]VerificationType{Integer}, Double, Double2)
	case OpL2f:
		return mv.unary([]VerificationType{Long, Long2}, Float)
	case OpL2d:
		return mv.unary([]VerificationType{Long, Long2}, Double, Double2)
	case OpF2i:
		return mv.unary([]VerificationType{Float}, Integer)
	case OpF2l:
		return mv.unary([]VerificationType{Float}, Long, Long2)
	case OpF2d:
		return mv.unary([]VerificationType{Float}, Double, Double2)
	case OpD2i:
		return mv.unary([]VerificationType{Double, Double2}, Integer)
	case OpD2l:
		return mv.unary([]VerificationType{Double, Double2}, Long, Long2)
	case OpD2f:
		return mv.unary([]VerificationType{Double, Double2}, Float)
	case OpLcmp:
		return mv.unary([]VerificationType{Long, Long2, Long, Long2}, Integer)
	case OpFcmpl, OpFcmpg:
		return mv.unary([]VerificationType{Float, Float}, Integer)
	case OpDcmpl, OpDcmpg:
		return mv.unary([]VerificationType{Double, Double2, Double, Double2}, Integer)

	// Control transfer

	case OpIfIcmpeq, OpIfIcmpne, OpIfIcmplt, OpIfIcmpge, OpIfIcmpgt, OpIfIcmple:
		if err := mv.pop(Integer, Integer); err != nil {
			return err
		}
		return mv.table.CheckJumpTarget(f, bcs.Dest())
	case OpIfeq, OpIfne, OpIflt, OpIfge, OpIfgt, OpIfle:
		if err := mv.pop(Integer); err != nil {
			return err
		}
		return mv.table.CheckJumpTarget(f, bcs.Dest())
	case OpIfAcmpeq, OpIfAcmpne:
		if err := mv.pop(ReferenceCheck, ReferenceCheck); err != nil {
			return err
		}
		return mv.table.CheckJumpTarget(f, bcs.Dest())
	case OpIfnull, OpIfnonnull:
		if err := mv.pop(ReferenceCheck); err != nil {
			return err
		}
		return mv.table.CheckJumpTarget(f, bcs.Dest())
	case OpGoto:
		mv.noControlFlow = true
		return mv.table.CheckJumpTarget(f, bcs.Dest())
	case OpGotoW:
		mv.noControlFlow = true
		return mv.table.CheckJumpTarget(f, bcs.DestW())
	case OpTableswitch, OpLookupswitch:
		mv.noControlFlow = true
		return mv.verifySwitch(bcs)

	case OpIreturn:
		return mv.verifyReturn(bci, Integer)
	case OpLreturn:
		return mv.verifyReturn(bci, Long, Long2)
	case OpFreturn:
		return mv.verifyReturn(bci, Float)
	case OpDreturn:
		return mv.verifyReturn(bci, Double, Double2)
	case OpAreturn:
		return mv.verifyReturn(bci, ReferenceCheck)
	case OpReturn:
		mv.noControlFlow = true
		if mv.returnType != Bogus {
			return verifyFailure(InvalidBytecodeContext(bci), "Method expects a return value")
		}
		if mv.method.Name == initName && f.FlagThisUninit() {
			return verifyFailure(InvalidBytecodeContext(bci), "Constructor must call super() or this() before return")
		}
		return nil

	case OpAthrow:
		mv.noControlFlow = true
		_, err := f.PopStackType(Reference(ThrowableClass))
		return err

	// References

	case OpGetstatic, OpPutstatic:
		return mv.verifyFieldInstruction(bcs, op, true)
	case OpGetfield, OpPutfield:
		return mv.verifyFieldInstruction(bcs, op, false)
	case OpInvokevirtual, OpInvokespecial, OpInvokestatic, OpInvokeinterface, OpInvokedynamic:
		return mv.verifyInvoke(bcs, op, inTry)

	case OpNew:
		index := bcs.IndexU2()
		if err := mv.verifyCPClassType(bci, index); err != nil {
			return err
		}
		t, err := mv.cpIndexToType(index)
		if err != nil {
			return err
		}
		if !t.IsObject() {
			return verifyFailure(BadTypeContext(bci, CPOrigin(index, t), NoOrigin()), "Illegal new instruction")
		}
		return mv.push(Uninitialized(bci))
	case OpNewarray:
		name, ok := newarrayTypes[byte(bcs.U1(1))]
		if !ok {
			return verifyFailure(InvalidBytecodeContext(bci), "Illegal newarray instruction")
		}
		if err := mv.pop(Integer); err != nil {
			return err
		}
		return mv.push(Reference(name))
	case OpAnewarray:
		return mv.verifyAnewarray(bci, bcs.IndexU2())
	case OpArraylength:
		t, err := f.PopStackType(ReferenceCheck)
		if err != nil {
			return err
		}
		if !t.IsNull() && !t.IsArray() {
			return mv.badStackType(bci, NoOrigin(), badTypeMsg, op.Name())
		}
		return mv.push(Integer)
	case OpCheckcast:
		index := bcs.IndexU2()
		if err := mv.verifyCPClassType(bci, index); err != nil {
			return err
		}
		if err := mv.pop(ObjectType); err != nil {
			return err
		}
		t, err := mv.cpIndexToType(index)
		if err != nil {
			return err
		}
		return mv.push(t)
	case OpInstanceof:
		if err := mv.verifyCPClassType(bci, bcs.IndexU2()); err != nil {
			return err
		}
		if err := mv.pop(ObjectType); err != nil {
			return err
		}
		return mv.push(Integer)
	case OpMonitorenter, OpMonitorexit:
		return mv.pop(ReferenceCheck)
	case OpMultianewarray:
		return mv.verifyMultianewarray(bci, bcs.IndexU2(), bcs.U1(3))
	}

	// jsr, jsr_w and ret are not permitted in classes with stack maps.
	return verifyFailure(InvalidBytecodeContext(bci), "Bad instruction: %02x", byte(op))
}

// localIndex returns the local variable operand: explicit for the general
// form, implied by the opcode for the _0.._3 forms.
func localIndex(bcs *BytecodeStream, op, general, first Opcode) int {
	if op == general {
		return bcs.Index()
	}
	return int(op - first)
}

func (mv *methodVerifier) load(index int, t VerificationType) error {
	if _, err := mv.frame.GetLocal(index, t); err != nil {
		return err
	}
	return mv.push(t)
}

func (mv *methodVerifier) load2(index int, t1, t2 VerificationType) error {
	if err := mv.frame.GetLocal2(index, t1, t2); err != nil {
		return err
	}
	return mv.push(t1, t2)
}

func (mv *methodVerifier) store(index int, t VerificationType) error {
	if _, err := mv.frame.PopStackType(t); err != nil {
		return err
	}
	return mv.frame.SetLocal(index, t)
}

func (mv *methodVerifier) store2(index int, t1, t2 VerificationType) error {
	if err := mv.frame.PopStack2(t2, t1); err != nil {
		return err
	}
	return mv.frame.SetLocal2(index, t1, t2)
}

// unary pops operands (listed bottom first) and pushes result.
func (mv *methodVerifier) unary(operands []VerificationType, result ...VerificationType) error {
	if err := mv.pop(operands...); err != nil {
		return err
	}
	return mv.push(result...)
}

// pushEach pushes slots one at a time, in order.
func (mv *methodVerifier) pushEach(ts ...VerificationType) error {
	for _, t := range ts {
		if err := mv.frame.PushStack(t); err != nil {
			return err
		}
	}
	return nil
}

// popCategoryPair pops two category-1 slots or one category-2 value and
// returns them top first.
func (mv *methodVerifier) popCategoryPair(bci int, op Opcode) ([2]VerificationType, error) {
	f := mv.frame
	var pair [2]VerificationType
	t, err := f.PopStack()
	if err != nil {
		return pair, err
	}
	pair[0] = t
	switch {
	case t.IsCategory1():
		pair[1], err = f.PopStackType(Category1Check)
	case t.IsCategory2Second():
		pair[1], err = f.PopStackType(Category2Check)
	default:
		err = mv.badStackType(bci, NoOrigin(), badTypeMsg, op.Name())
	}
	return pair, err
}

func (mv *methodVerifier) arrayLoad(op Opcode, bci int, accepts func(VerificationType) bool, sig string, result ...VerificationType) error {
	if err := mv.pop(Integer); err != nil {
		return err
	}
	atype, err := mv.frame.PopStackType(ReferenceCheck)
	if err != nil {
		return err
	}
	if !accepts(atype) {
		return mv.badStackType(bci, ImplicitOrigin(Reference(sig)), badTypeMsg, op.Name())
	}
	return mv.push(result...)
}

func (mv *methodVerifier) arrayStore(op Opcode, bci int, accepts func(VerificationType) bool, sig string, value ...VerificationType) error {
	if err := mv.pop(value...); err != nil {
		return err
	}
	if err := mv.pop(Integer); err != nil {
		return err
	}
	atype, err := mv.frame.PopStackType(ReferenceCheck)
	if err != nil {
		return err
	}
	if !accepts(atype) {
		return mv.badStackType(bci, ImplicitOrigin(Reference(sig)), badTypeMsg, op.Name())
	}
	return nil
}

// verifyReturn pops the returned value and checks it against the
// method's declared return type.
func (mv *methodVerifier) verifyReturn(bci int, value ...VerificationType) error {
	mv.noControlFlow = true
	if err := mv.pop(value...); err != nil {
		return err
	}
	t := mv.frame.StackAt(mv.frame.StackSize())
	if mv.returnType == Bogus {
		return mv.badStackType(bci, SigOrigin(mv.returnType), "Method does not expect a return value")
	}
	ok, err := mv.returnType.IsAssignableFrom(t, mv.hier, false)
	if err != nil {
		return err
	}
	if !ok {
		return mv.badStackType(bci, SigOrigin(mv.returnType), "Bad return type")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Switches
// ---------------------------------------------------------------------------

func (mv *methodVerifier) verifySwitch(bcs *BytecodeStream) error {
	bci := bcs.BCI()
	code := mv.bytecode
	sw, _ := readSwitch(code, bci)

	if mv.class.MajorVersion < nonzeroPaddingMajorVersion {
		for p := bci + 1; p < sw.aligned; p++ {
			if code[p] != 0 {
				return verifyFailure(InvalidBytecodeContext(bci), "Nonzero padding byte in lookupswitch or tableswitch")
			}
		}
	}

	if err := mv.pop(Integer); err != nil {
		return err
	}
	if sw.table {
		if sw.low > sw.high {
			return formatFailure("low must be less than or equal to high in tableswitch")
		}
		if int64(sw.high)-int64(sw.low)+1 > maxCodeSize {
			return verifyFailure(InvalidBytecodeContext(bci), "too many keys in tableswitch")
		}
	} else {
		if sw.npairs < 0 {
			return verifyFailure(InvalidBytecodeContext(bci), "number of keys in lookupswitch less than 0")
		}
		for i := 0; i < int(sw.npairs)-1; i++ {
			if sw.match(code, i) >= sw.match(code, i+1) {
				return verifyFailure(InvalidBytecodeContext(bci), "Bad lookupswitch instruction")
			}
		}
	}

	if err := mv.table.CheckJumpTarget(mv.frame, bci+int(sw.def)); err != nil {
		return err
	}
	for i := 0; i < int(sw.keys()); i++ {
		if err := mv.table.CheckJumpTarget(mv.frame, bci+int(sw.offset(code, i))); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Constants
// ---------------------------------------------------------------------------

func (mv *methodVerifier) verifyLdc(op Opcode, index, bci int) error {
	if err := mv.verifyCPIndex(bci, index); err != nil {
		return err
	}
	var types uint32
	if op == OpLdc2W {
		types = 1<<classfile.TagDouble | 1<<classfile.TagLong | 1<<classfile.TagDynamic
	} else {
		types = 1<<classfile.TagInteger | 1<<classfile.TagFloat | 1<<classfile.TagString |
			1<<classfile.TagClass | 1<<classfile.TagMethodHandle | 1<<classfile.TagMethodType |
			1<<classfile.TagDynamic
	}
	if err := mv.verifyCPType(bci, index, types); err != nil {
		return err
	}

	switch mv.cp.Tag(index) {
	case classfile.TagString:
		return mv.push(Reference(StringClass))
	case classfile.TagClass:
		return mv.push(Reference(ClassClass))
	case classfile.TagInteger:
		return mv.push(Integer)
	case classfile.TagFloat:
		return mv.push(Float)
	case classfile.TagDouble:
		return mv.push(Double, Double2)
	case classfile.TagLong:
		return mv.push(Long, Long2)
	case classfile.TagMethodHandle:
		return mv.push(Reference(MethodHandleClass))
	case classfile.TagMethodType:
		return mv.push(Reference(MethodTypeClass))
	case classfile.TagDynamic:
		_, desc, err := mv.cp.Dynamic(index)
		if err != nil {
			return &Failure{Kind: ClassFormatError, Message: err.Error(), cause: err}
		}
		if !classfile.ValidFieldDescriptor(desc) {
			return formatFailure("Illegal field signature %q for dynamic constant %d", desc, index)
		}
		ts := typesFromFieldDescriptor(desc)
		want := 1
		if op == OpLdc2W {
			want = 2
		}
		if len(ts) != want {
			// Wrong width for this ldc form: recheck without Dynamic so the
			// failure names the entry.
			if err := mv.verifyCPType(bci, index, types&^(1<<classfile.TagDynamic)); err != nil {
				return err
			}
		}
		return mv.push(ts...)
	}
	return verifyFailure(BadCPIndexContext(bci, index), "Invalid index in ldc")
}

// ---------------------------------------------------------------------------
// Fields
// ---------------------------------------------------------------------------

func (mv *methodVerifier) verifyFieldInstruction(bcs *BytecodeStream, op Opcode, allowArrays bool) error {
	f := mv.frame
	bci := bcs.BCI()
	index := bcs.IndexU2()
	if err := mv.verifyCPType(bci, index, 1<<classfile.TagFieldref); err != nil {
		return err
	}
	ref, err := mv.memberRef(index)
	if err != nil {
		return err
	}
	if !classfile.ValidFieldDescriptor(ref.Descriptor) {
		return formatFailure("Illegal field signature %q at constant pool index %d", ref.Descriptor, index)
	}
	refType := Reference(ref.Class)
	if !refType.IsObject() && (!allowArrays || !refType.IsArray()) {
		return verifyFailure(BadTypeContext(bci, CPOrigin(index, refType), NoOrigin()),
			"Expecting reference to class in class %s at constant pool index %d", mv.externalName(), index)
	}
	fieldTypes := typesFromFieldDescriptor(ref.Descriptor)

	var stackObject VerificationType
	switch op {
	case OpGetstatic:
		return mv.push(fieldTypes...)
	case OpPutstatic:
		return mv.pop(fieldTypes...)
	case OpGetfield:
		if stackObject, err = f.PopStackType(refType); err != nil {
			return err
		}
		if err := mv.push(fieldTypes...); err != nil {
			return err
		}
	case OpPutfield:
		if err := mv.pop(fieldTypes...); err != nil {
			return err
		}
		if stackObject, err = f.PopStack(); err != nil {
			return err
		}
		// A constructor may assign its own fields before calling super().
		if stackObject == UninitializedThis && refType == mv.thisType &&
			mv.class.Field(ref.Name, ref.Descriptor) != nil {
			stackObject = mv.thisType
		}
		ok, err := refType.IsAssignableFrom(stackObject, mv.hier, false)
		if err != nil {
			return err
		}
		if !ok {
			return verifyFailure(BadTypeContext(bci, f.stackTopOrigin(), CPOrigin(index, refType)),
				"Bad type on operand stack in putfield")
		}
	}

	if stackObject == mv.thisType {
		return nil
	}
	return mv.checkProtected(bci, op, ref, stackObject, false)
}

// checkProtected enforces that a protected member of a superclass in
// another package is only used through this class or a subclass.
func (mv *methodVerifier) checkProtected(bci int, op Opcode, ref classfile.MemberRef, stackObject VerificationType, isMethod bool) error {
	inSupers, err := mv.nameInSupers(ref.Class)
	if err != nil || !inSupers {
		return err
	}
	protected, err := mv.isProtectedAccess(ref.Class, ref.Name, ref.Descriptor, isMethod)
	if err != nil || !protected {
		return err
	}
	if isMethod && ref.Class == ObjectClass && stackObject.IsArray() && ref.Name == "clone" {
		// Arrays implement a public clone().
		return nil
	}
	ok, err := mv.thisType.IsAssignableFrom(stackObject, mv.hier, true)
	if err != nil {
		return err
	}
	if !ok {
		return verifyFailure(BadTypeContext(bci, mv.frame.stackTopOrigin(), ImplicitOrigin(mv.thisType)),
			"Bad access to protected data in %s", op.Name())
	}
	return nil
}

// ---------------------------------------------------------------------------
// Invocations
// ---------------------------------------------------------------------------

// methodSignature is a method descriptor flattened into slot types.
type methodSignature struct {
	args   []VerificationType
	result []VerificationType // empty for void
}

func (mv *methodVerifier) signature(descriptor string) (*methodSignature, error) {
	md, err := classfile.ParseMethodDescriptor(descriptor)
	if err != nil {
		return nil, &Failure{Kind: ClassFormatError, Message: fmt.Sprintf("Illegal method signature %q", descriptor), cause: err}
	}
	sig := &methodSignature{}
	for _, p := range md.Params {
		sig.args = append(sig.args, typesFromFieldDescriptor(p)...)
	}
	if md.Return != "V" {
		sig.result = typesFromFieldDescriptor(md.Return)
	}
	return sig, nil
}

func (mv *methodVerifier) verifyInvoke(bcs *BytecodeStream, op Opcode, inTry bool) error {
	f := mv.frame
	bci := bcs.BCI()
	index := bcs.IndexU2()

	if op == OpInvokedynamic && mv.class.MajorVersion < invokedynamicMajorVersion {
		return formatFailure("invokedynamic instructions not supported by this class file version (%d), class %s",
			mv.class.MajorVersion, mv.externalName())
	}

	var types uint32
	switch op {
	case OpInvokeinterface:
		types = 1 << classfile.TagInterfaceMethodref
	case OpInvokedynamic:
		types = 1 << classfile.TagInvokeDynamic
	case OpInvokespecial, OpInvokestatic:
		types = 1 << classfile.TagMethodref
		if mv.class.MajorVersion >= staticMethodInInterfaceMajorVersion {
			types |= 1 << classfile.TagInterfaceMethodref
		}
	default:
		types = 1 << classfile.TagMethodref
	}
	if err := mv.verifyCPType(bci, index, types); err != nil {
		return err
	}

	var ref classfile.MemberRef
	var refType VerificationType
	if op == OpInvokedynamic {
		name, desc, err := mv.cp.InvokeDynamic(index)
		if err != nil {
			return &Failure{Kind: ClassFormatError, Message: err.Error(), cause: err}
		}
		ref = classfile.MemberRef{Tag: classfile.TagInvokeDynamic, Name: name, Descriptor: desc}
	} else {
		var err error
		if ref, err = mv.memberRef(index); err != nil {
			return err
		}
		refType = Reference(ref.Class)
	}
	sig, err := mv.signature(ref.Descriptor)
	if err != nil {
		return err
	}
	nargs := len(sig.args)

	switch op {
	case OpInvokeinterface:
		if bcs.U1(3) != nargs+1 {
			return verifyFailure(InvalidBytecodeContext(bci), "Inconsistent args count operand in invokeinterface")
		}
		if bcs.U1(4) != 0 {
			return verifyFailure(InvalidBytecodeContext(bci), "Fourth operand byte of invokeinterface must be zero")
		}
	case OpInvokedynamic:
		if bcs.U1(3) != 0 || bcs.U1(4) != 0 {
			return verifyFailure(InvalidBytecodeContext(bci), "Third and fourth operand bytes of invokedynamic must be zero")
		}
	}

	if len(ref.Name) > 0 && ref.Name[0] == '<' {
		if op != OpInvokespecial || ref.Name != initName {
			return verifyFailure(InvalidBytecodeContext(bci), "Illegal call to internal method")
		}
	} else if op == OpInvokespecial && !mv.isSameOrDirectInterface(refType) &&
		(mv.class.SuperName() == "" || refType != Reference(mv.class.SuperName())) {
		sub, err := refType.IsAssignableFrom(mv.thisType, mv.hier, false)
		if err != nil {
			return err
		}
		if !sub {
			return verifyFailure(InvalidBytecodeContext(bci),
				"Bad invokespecial instruction: current class isn't assignable to reference class.")
		}
		if ref.Tag == classfile.TagInterfaceMethodref {
			return verifyFailure(InvalidBytecodeContext(bci),
				"Bad invokespecial instruction: interface method reference is in an indirect superinterface.")
		}
	}

	if err := mv.pop(sig.args...); err != nil {
		return err
	}

	if op != OpInvokestatic && op != OpInvokedynamic {
		switch {
		case ref.Name == initName:
			if err := mv.verifyInvokeInit(bcs, index, ref, refType, inTry); err != nil {
				return err
			}
		case op == OpInvokespecial:
			if _, err := f.PopStackType(mv.thisType); err != nil {
				return err
			}
		case op == OpInvokevirtual:
			stackObject, err := f.PopStackType(refType)
			if err != nil {
				return err
			}
			if stackObject != mv.thisType {
				if err := mv.checkProtected(bci, op, ref, stackObject, true); err != nil {
					return err
				}
			}
		default:
			if _, err := f.PopStackType(refType); err != nil {
				return err
			}
		}
	}

	if len(sig.result) > 0 {
		if ref.Name == initName {
			return verifyFailure(InvalidBytecodeContext(bci), "Return type must be void in <init> method")
		}
		return mv.push(sig.result...)
	}
	return nil
}

// verifyInvokeInit handles the receiver of invokespecial <init>, replacing
// every copy of the uninitialized object with its initialized type.
func (mv *methodVerifier) verifyInvokeInit(bcs *BytecodeStream, refIndex int, ref classfile.MemberRef, refType VerificationType, inTry bool) error {
	f := mv.frame
	bci := bcs.BCI()
	t, err := f.PopStackType(ReferenceCheck)
	if err != nil {
		return err
	}

	switch {
	case t == UninitializedThis:
		if ref.Class != mv.class.Name() && ref.Class != mv.class.SuperName() {
			return verifyFailure(BadTypeContext(bci, ImplicitOrigin(refType), ImplicitOrigin(mv.thisType)),
				"Bad <init> method call")
		}
		if inTry {
			// A handler that returns normally would expose a partially
			// constructed object.
			for _, h := range mv.code.ExceptionTable {
				if !h.Covers(bci) {
					continue
				}
				if !mv.endsInAthrow(int(h.HandlerPC)) {
					return verifyFailure(InvalidBytecodeContext(bci),
						"Bad <init> method call from after the start of a try block")
				}
				log.Debugf("handler %d of %s ends in athrow", h.HandlerPC, mv.class.Name())
			}
			// Handlers see the locals as they were before initialization.
			if err := mv.verifyExceptionHandlerTargets(bci, true); err != nil {
				return err
			}
		}
		f.InitializeObject(t, mv.thisType)
		mv.thisUninit = true
		return nil

	case t.Kind() == KindUninitialized:
		newBCI := t.BCI()
		if newBCI > len(mv.bytecode)-3 || Opcode(mv.bytecode[newBCI]) != OpNew {
			return verifyFailure(InvalidBytecodeContext(newBCI), "Expecting new instruction")
		}
		newIndex := u2At(mv.bytecode, newBCI+1)
		if err := mv.verifyCPClassType(bci, newIndex); err != nil {
			return err
		}
		newType, err := mv.cpIndexToType(newIndex)
		if err != nil {
			return err
		}
		if newType != refType {
			return verifyFailure(BadTypeContext(bci, CPOrigin(newIndex, newType), CPOrigin(refIndex, refType)),
				"Call to wrong <init> method")
		}
		inSupers, err := mv.nameInSupers(refType.Name())
		if err != nil {
			return err
		}
		if inSupers {
			m, found, err := mv.hier.LookupMember(refType.Name(), initName, ref.Descriptor, true)
			if err != nil {
				return err
			}
			if found && m.AccessFlags&classfile.AccProtected != 0 && packageOf(m.Owner) != packageOf(mv.class.Name()) {
				ok, err := mv.thisType.IsAssignableFrom(newType, mv.hier, true)
				if err != nil {
					return err
				}
				if !ok {
					return verifyFailure(BadTypeContext(bci, CPOrigin(newIndex, newType), ImplicitOrigin(mv.thisType)),
						"Bad access to protected <init> method")
				}
			}
		}
		if inTry {
			if err := mv.verifyExceptionHandlerTargets(bci, mv.thisUninit); err != nil {
				return err
			}
		}
		f.InitializeObject(t, newType)
		return nil
	}

	return verifyFailure(BadTypeContext(bci, f.stackTopOrigin(), NoOrigin()), "Bad operand type when invoking <init>")
}

// ---------------------------------------------------------------------------
// Arrays
// ---------------------------------------------------------------------------

const maxArrayDimensions = 255

func (mv *methodVerifier) verifyAnewarray(bci, index int) error {
	if err := mv.verifyCPClassType(bci, index); err != nil {
		return err
	}
	if err := mv.pop(Integer); err != nil {
		return err
	}
	component, err := mv.cpIndexToType(index)
	if err != nil {
		return err
	}
	if component.Dimensions() >= maxArrayDimensions {
		return verifyFailure(InvalidBytecodeContext(bci),
			"Illegal anewarray instruction, array has more than 255 dimensions")
	}
	return mv.push(arrayOf(component))
}

func (mv *methodVerifier) verifyMultianewarray(bci, index, dim int) error {
	if err := mv.verifyCPClassType(bci, index); err != nil {
		return err
	}
	t, err := mv.cpIndexToType(index)
	if err != nil {
		return err
	}
	if !t.IsArray() {
		return verifyFailure(BadTypeContext(bci, CPOrigin(index, t), NoOrigin()),
			"Illegal constant pool index in multianewarray instruction")
	}
	if dim < 1 || t.Dimensions() < dim {
		return verifyFailure(InvalidBytecodeContext(bci), "Illegal dimension in multianewarray instruction: %d", dim)
	}
	for i := 0; i < dim; i++ {
		if err := mv.pop(Integer); err != nil {
			return err
		}
	}
	return mv.push(t)
}
