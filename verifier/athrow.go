package verifier

import "slices"

// endsInAthrow reports whether every path from start ends in athrow. It
// follows both sides of conditional branches, every switch alternative and
// the handlers of try blocks it passes through. Each branch instruction is
// taken at most once, so the scan terminates on loops.
func (mv *methodVerifier) endsInAthrow(start int) bool {
	code := mv.bytecode
	codeLength := len(code)
	bcs := NewBytecodeStream(code)
	bcs.SetStart(start)

	var (
		pending  []int // offsets still to scan
		handlers []int // handlers queued for scanning
		seen     []int // every handler ever queued
	)
	visited := map[int]bool{} // branch instructions already taken
	pop := func(stack *[]int) int {
		s := *stack
		v := s[len(s)-1]
		*stack = s[:len(s)-1]
		return v
	}
	// next resumes at the next pending offset, then at a queued handler.
	// It reports false when nothing is left.
	next := func() bool {
		switch {
		case len(pending) > 0:
			bcs.SetStart(pop(&pending))
		case len(handlers) > 0:
			bcs.SetStart(pop(&handlers))
		default:
			return false
		}
		return true
	}

	for {
		if bcs.IsLastBytecode() {
			return false
		}
		op, ok := bcs.RawNext()
		if !ok {
			return false
		}
		bci := bcs.BCI()

		for _, h := range mv.code.ExceptionTable {
			pc := int(h.HandlerPC)
			if h.Covers(bci) && !slices.Contains(seen, pc) {
				handlers = append(handlers, pc)
				seen = append(seen, pc)
			}
		}

		switch op {
		case OpIfeq, OpIfne, OpIflt, OpIfge, OpIfgt, OpIfle,
			OpIfIcmpeq, OpIfIcmpne, OpIfIcmplt, OpIfIcmpge, OpIfIcmpgt, OpIfIcmple,
			OpIfAcmpeq, OpIfAcmpne, OpIfnull, OpIfnonnull:
			if visited[bci] {
				if !next() {
					return true
				}
				continue
			}
			visited[bci] = true
			target := bcs.Dest()
			switch {
			case target < 0 || target >= codeLength:
				return false
			case target > bci:
				pending = append(pending, target)
				bcs.SetStart(bcs.NextBCI())
			default:
				pending = append(pending, bcs.NextBCI())
				bcs.SetStart(target)
			}

		case OpGoto, OpGotoW:
			if visited[bci] {
				if !next() {
					return true
				}
				continue
			}
			visited[bci] = true
			target := bcs.Dest()
			if op == OpGotoW {
				target = bcs.DestW()
			}
			if target < 0 || target >= codeLength {
				return false
			}
			bcs.SetStart(target)

		case OpTableswitch, OpLookupswitch:
			sw, _ := readSwitch(code, bci)
			if (sw.table && sw.low > sw.high) || (!sw.table && sw.npairs < 0) {
				// Malformed; the main pass reports it.
				return true
			}
			pending = append(pending, bcs.NextBCI())
			for i := 0; i < int(sw.keys()); i++ {
				target := bci + int(sw.offset(code, i))
				if target < 0 || target > codeLength {
					return false
				}
				pending = append(pending, target)
			}
			def := bci + int(sw.def)
			if def < 0 || def > codeLength {
				return false
			}
			bcs.SetStart(def)

		case OpReturn, OpIreturn, OpLreturn, OpFreturn, OpDreturn, OpAreturn:
			return false

		case OpAthrow:
			if !next() {
				return true
			}
		}
	}
}
