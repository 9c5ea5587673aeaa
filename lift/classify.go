package lift

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"shade/isa"
)

// condTable maps every native Jcc mnemonic onto the bytecode's own
// condition-code alphabet (isa.Cond has no relation to x86's encoding; the
// lifter is the only place the two are ever brought together).
var condTable = map[x86asm.Op]isa.Cond{
	x86asm.JE:  isa.CondE,
	x86asm.JNE: isa.CondNE,
	x86asm.JL:  isa.CondL,
	x86asm.JLE: isa.CondLE,
	x86asm.JG:  isa.CondG,
	x86asm.JGE: isa.CondGE,
	x86asm.JB:  isa.CondB,
	x86asm.JBE: isa.CondBE,
	x86asm.JA:  isa.CondA,
	x86asm.JAE: isa.CondAE,
	x86asm.JO:  isa.CondO,
	x86asm.JNO: isa.CondNO,
	x86asm.JS:  isa.CondS,
	x86asm.JNS: isa.CondNS,
	x86asm.JP:  isa.CondP,
	x86asm.JNP: isa.CondNP,
}

// arithOp maps the native two-operand arithmetic/logic mnemonics onto their
// direct bytecode equivalents — every one of these pops two, pushes one,
// updates rflags, the shape spec.md §4.1's table describes generically.
var arithOp = map[x86asm.Op]isa.Opcode{
	x86asm.ADD: isa.OpAdd,
	x86asm.SUB: isa.OpSub,
	x86asm.AND: isa.OpAnd,
	x86asm.OR:  isa.OpOr,
	x86asm.XOR: isa.OpXor,
}

// lower classifies one decoded instruction and emits its bytecode
// equivalent, or a VmExec native escape if this lifter doesn't model it
// (spec.md §4.3 point 5 sanctions exactly this fallback).
func (l *Lifter) lower(inst x86asm.Inst, raw []byte, ip, nextIP uint64) error {
	if cond, ok := condTable[inst.Op]; ok {
		return l.lowerJmp(inst, cond, nextIP, raw)
	}
	switch inst.Op {
	case x86asm.RET:
		l.enc.Simple(isa.OpVmExit, isa.SizeQword)
		return nil

	case x86asm.JMP:
		return l.lowerJmp(inst, isa.CondAlways, nextIP, raw)

	case x86asm.MOV:
		return l.lowerMov(inst, nextIP)

	case x86asm.MOVZX:
		return l.lowerMovzx(inst, nextIP)

	case x86asm.LEA:
		return l.lowerLea(inst, nextIP)

	case x86asm.ADD, x86asm.SUB, x86asm.AND, x86asm.OR, x86asm.XOR:
		return l.lowerBinArith(inst, nextIP)

	case x86asm.CMP:
		return l.lowerCmp(inst, nextIP)

	case x86asm.TEST:
		return l.lowerTest(inst, nextIP)

	case x86asm.NOT:
		return l.lowerUnary(inst, nextIP)

	case x86asm.INC:
		return l.lowerIncDec(inst, nextIP, true)

	case x86asm.DEC:
		return l.lowerIncDec(inst, nextIP, false)

	case x86asm.MUL, x86asm.IMUL:
		return l.lowerMulFamily(inst, nextIP, raw)

	case x86asm.DIV, x86asm.IDIV:
		return l.lowerDivFamily(inst, nextIP)

	case x86asm.SHR, x86asm.ROL, x86asm.ROR:
		return l.lowerShiftRotate(inst, nextIP)

	case x86asm.PUSH:
		return l.lowerPush(inst, nextIP)

	case x86asm.POP:
		return l.lowerPop(inst, nextIP)

	case x86asm.CALL:
		// Calls always cross the lifted window's boundary (the callee isn't
		// part of this function's bytecode), so they always escape — see
		// DESIGN.md decision 12.
		return l.lowerEscape(raw)

	default:
		// shl/sar (no dedicated opcode), movsx (no sign-extend primitive),
		// indirect/far jumps, x87/MMX/XMM instructions, and anything else
		// this lifter does not recognize: re-execute the original bytes
		// natively under VM register control.
		return l.lowerEscape(raw)
	}
}

func (l *Lifter) lowerMov(inst x86asm.Inst, nextIP uint64) error {
	size := operandSize(inst)
	if err := l.pushOperand(inst.Args[1], size, nextIP); err != nil {
		return err
	}
	return l.storeOperand(inst.Args[0], size, zeroExtends(size), nextIP)
}

// lowerMovzx handles movzx's differing source/destination widths. For a
// 32- or 64-bit destination the result is a full zero-extension to 64 bits:
// StoreRegZx clears every bit above the source width, which matches movzx's
// "widen, then the usual 32-bit write also clears bits 63:32" native
// semantics. A 16-bit destination receives the zero-extended word and keeps
// bits 63:16, as a native 16-bit write does.
func (l *Lifter) lowerMovzx(inst x86asm.Inst, nextIP uint64) error {
	dstReg, ok := inst.Args[0].(x86asm.Reg)
	if !ok {
		return fmt.Errorf("lift: movzx destination is not a register")
	}
	dstInfo, ok := lookupGPR(dstReg)
	if !ok {
		return fmt.Errorf("lift: movzx destination %v not modeled", dstReg)
	}
	srcSize := isa.SizeByte
	switch src := inst.Args[1].(type) {
	case x86asm.Reg:
		info, ok := lookupGPR(src)
		if !ok {
			return fmt.Errorf("lift: movzx source %v not modeled", src)
		}
		srcSize = info.size
	case x86asm.Mem:
		switch inst.MemBytes {
		case 2:
			srcSize = isa.SizeWord
		default:
			srcSize = isa.SizeByte
		}
	}
	if err := l.pushOperand(inst.Args[1], srcSize, nextIP); err != nil {
		return err
	}
	if dstInfo.size == isa.SizeWord {
		l.enc.StoreReg(false, isa.SizeWord, dstInfo.reg)
		return nil
	}
	l.enc.StoreReg(true, srcSize, dstInfo.reg)
	return nil
}

func (l *Lifter) lowerLea(inst x86asm.Inst, nextIP uint64) error {
	mem, ok := inst.Args[1].(x86asm.Mem)
	if !ok {
		return fmt.Errorf("lift: lea source is not a memory operand")
	}
	dst, ok := inst.Args[0].(x86asm.Reg)
	if !ok {
		return fmt.Errorf("lift: lea destination is not a register")
	}
	info, ok := lookupGPR(dst)
	if !ok {
		return fmt.Errorf("lift: lea destination %v not modeled", dst)
	}
	if err := l.memAddr(mem, nextIP); err != nil {
		return err
	}
	l.enc.StoreReg(true, isa.SizeQword, info.reg)
	return nil
}

func (l *Lifter) lowerBinArith(inst x86asm.Inst, nextIP uint64) error {
	op, ok := arithOp[inst.Op]
	if !ok {
		return fmt.Errorf("lift: unhandled arithmetic op %v", inst.Op)
	}
	size := operandSize(inst)
	dst, src := inst.Args[0], inst.Args[1]
	if err := l.pushOperand(dst, size, nextIP); err != nil {
		return err
	}
	if err := l.pushOperand(src, size, nextIP); err != nil {
		return err
	}
	l.enc.Simple(op, size)
	return l.storeOperand(dst, size, zeroExtends(size), nextIP)
}

// lowerCmp pushes dst then src and emits Cmp; per spec.md §4.1 Cmp leaves
// the computed rflags value on the stack rather than a difference, ready
// for a following Jmp to pop. Any non-branch consumer of a bare cmp (rare —
// compilers always pair it with a Jcc or a setcc this lifter doesn't yet
// model) leaves that flags value on the stack, which is harmless as long as
// nothing downstream expects the stack depth unchanged; see DESIGN.md.
func (l *Lifter) lowerCmp(inst x86asm.Inst, nextIP uint64) error {
	size := operandSize(inst)
	if err := l.pushOperand(inst.Args[0], size, nextIP); err != nil {
		return err
	}
	if err := l.pushOperand(inst.Args[1], size, nextIP); err != nil {
		return err
	}
	l.enc.Simple(isa.OpCmp, size)
	return nil
}

// lowerTest mirrors cmp but computes dst&src instead of dst-src. The ISA has
// no dedicated Test opcode, so this lowers to And (which updates rflags the
// same way test does: CF/OF cleared, ZF/SF/PF from the result) followed by
// a Cmp-against-zero to both produce the "push an rflags value" contract a
// following Jmp expects and discard the And result without needing a
// register or memory destination for it.
func (l *Lifter) lowerTest(inst x86asm.Inst, nextIP uint64) error {
	size := operandSize(inst)
	if err := l.pushOperand(inst.Args[0], size, nextIP); err != nil {
		return err
	}
	if err := l.pushOperand(inst.Args[1], size, nextIP); err != nil {
		return err
	}
	l.enc.Simple(isa.OpAnd, size)
	l.enc.Const(size, 0)
	l.enc.Simple(isa.OpCmp, size)
	return nil
}

func (l *Lifter) lowerUnary(inst x86asm.Inst, nextIP uint64) error {
	size := operandSize(inst)
	if err := l.pushOperand(inst.Args[0], size, nextIP); err != nil {
		return err
	}
	l.enc.Simple(isa.OpNot, size)
	return l.storeOperand(inst.Args[0], size, zeroExtends(size), nextIP)
}

// lowerIncDec lowers inc/dec as add/sub by 1. Real INC/DEC leave CF
// untouched; this lowering updates it like any other Add/Sub, a
// simplification accepted because CF is rarely tested immediately after
// inc/dec in compiler-generated code.
func (l *Lifter) lowerIncDec(inst x86asm.Inst, nextIP uint64, isInc bool) error {
	size := operandSize(inst)
	if err := l.pushOperand(inst.Args[0], size, nextIP); err != nil {
		return err
	}
	l.enc.Const(size, 1)
	if isInc {
		l.enc.Simple(isa.OpAdd, size)
	} else {
		l.enc.Simple(isa.OpSub, size)
	}
	return l.storeOperand(inst.Args[0], size, zeroExtends(size), nextIP)
}

// lowerMulFamily handles imul's 2- and 3-operand truncating forms directly.
// The 1-operand mul/imul form widens into rdx:rax — this ISA's Mul handler
// only ever returns the low half, so that form escapes natively rather than
// silently dropping the high half (see DESIGN.md).
func (l *Lifter) lowerMulFamily(inst x86asm.Inst, nextIP uint64, raw []byte) error {
	if numArgs(inst.Args) == 1 {
		return l.lowerEscape(raw)
	}
	size := operandSize(inst)
	var dst, a, b x86asm.Arg
	if numArgs(inst.Args) == 3 {
		dst, a, b = inst.Args[0], inst.Args[1], inst.Args[2]
	} else {
		dst, a, b = inst.Args[0], inst.Args[0], inst.Args[1]
	}
	if err := l.pushOperand(a, size, nextIP); err != nil {
		return err
	}
	if err := l.pushOperand(b, size, nextIP); err != nil {
		return err
	}
	l.enc.Simple(isa.OpMul, size)
	return l.storeOperand(dst, size, zeroExtends(size), nextIP)
}

// lowerDivFamily lowers the 1-operand div/idiv form (the only form x86-64
// has). The true dividend is the 128-bit rdx:rax pair; this ISA's Div/IDiv
// operate on a single size-width pair, so this lowering models the common
// compiler-emitted pattern of an explicitly zeroed (or sign-extended) rdx
// going in — spec.md §8's own div scenario ("xor edx,edx; div r8") is
// exactly this shape — rather than a genuine widened divide. Quotient goes
// to rax, remainder is recovered as dividend-(quotient*divisor) and goes to
// rdx, matching real DIV/IDIV's dual outputs. See DESIGN.md.
func (l *Lifter) lowerDivFamily(inst x86asm.Inst, nextIP uint64) error {
	size := operandSize(inst)
	op := isa.OpDiv
	if inst.Op == x86asm.IDIV {
		op = isa.OpIDiv
	}
	dividend := gprInfo{reg: isa.Rax, size: size}
	const quotientHolder = isa.Rdx

	l.emitLoadReg(dividend)
	if err := l.pushOperand(inst.Args[0], size, nextIP); err != nil {
		return err
	}
	l.enc.Simple(op, size)
	l.enc.StoreReg(true, size, quotientHolder)

	l.emitLoadReg(dividend)
	l.emitLoadReg(gprInfo{reg: quotientHolder, size: size})
	if err := l.pushOperand(inst.Args[0], size, nextIP); err != nil {
		return err
	}
	l.enc.Simple(isa.OpMul, size)
	l.enc.Simple(isa.OpSub, size) // dividend - quotient*divisor = remainder

	l.emitLoadReg(gprInfo{reg: quotientHolder, size: size})
	l.enc.StoreReg(true, size, isa.Rax) // pop quotient -> rax
	l.enc.StoreReg(true, size, isa.Rdx) // pop remainder -> rdx
	return nil
}

func (l *Lifter) lowerShiftRotate(inst x86asm.Inst, nextIP uint64) error {
	var op isa.Opcode
	switch inst.Op {
	case x86asm.SHR:
		op = isa.OpShr
	case x86asm.ROL:
		op = isa.OpRotL
	case x86asm.ROR:
		op = isa.OpRotR
	default:
		return fmt.Errorf("lift: unhandled shift/rotate op %v", inst.Op)
	}
	size := operandSize(inst)
	dst := inst.Args[0]
	if err := l.pushOperand(dst, size, nextIP); err != nil {
		return err
	}
	if err := l.pushCount(inst.Args[1], size); err != nil {
		return err
	}
	l.enc.Simple(op, size)
	return l.storeOperand(dst, size, zeroExtends(size), nextIP)
}

// lowerPush/lowerPop manipulate the guest's own rsp and its CPU stack
// memory directly — distinct from, and unrelated to, the VM's internal
// bytecode operand stack (vmStack/sp). x86-64 push/pop always operate at
// 64-bit granularity for GPR operands (no 32-bit push in long mode).
func (l *Lifter) lowerPush(inst x86asm.Inst, nextIP uint64) error {
	size := isa.SizeQword
	if err := l.pushOperand(inst.Args[0], size, nextIP); err != nil {
		return err
	}
	l.emitLoadReg(gprInfo{reg: isa.Rsp, size: isa.SizeQword})
	l.enc.Const(isa.SizeQword, 8)
	l.enc.Simple(isa.OpVmSub, isa.SizeQword)
	l.enc.StoreReg(true, isa.SizeQword, isa.Rsp)
	l.emitLoadReg(gprInfo{reg: isa.Rsp, size: isa.SizeQword})
	l.enc.Simple(isa.OpStore, size)
	return nil
}

func (l *Lifter) lowerPop(inst x86asm.Inst, nextIP uint64) error {
	size := isa.SizeQword
	l.emitLoadReg(gprInfo{reg: isa.Rsp, size: isa.SizeQword})
	l.enc.Simple(isa.OpLoad, size)
	if err := l.storeOperand(inst.Args[0], size, true, nextIP); err != nil {
		return err
	}
	l.emitLoadReg(gprInfo{reg: isa.Rsp, size: isa.SizeQword})
	l.enc.Const(isa.SizeQword, 8)
	l.enc.Simple(isa.OpVmAdd, isa.SizeQword)
	l.enc.StoreReg(true, isa.SizeQword, isa.Rsp)
	return nil
}

// lowerJmp handles both the unconditional jmp and every Jcc. Indirect
// branches (jmp reg / jmp [mem]) have no statically known target, so they
// escape natively rather than being resolved as an in-window fixup.
func (l *Lifter) lowerJmp(inst x86asm.Inst, cond isa.Cond, nextIP uint64, raw []byte) error {
	rel, ok := inst.Args[0].(x86asm.Rel)
	if !ok {
		return l.lowerEscape(raw)
	}
	target := nextIP + uint64(int64(rel))
	if cond == isa.CondAlways {
		pos := l.enc.Jmp(isa.CondAlways, 0)
		l.fixups = append(l.fixups, fixup{pos: pos, targetIP: target})
		return nil
	}
	// Jcc pops a flags value (per spec.md §4.1); the immediately preceding
	// Cmp (or Test's And+Cmp-against-zero) is what leaves it there. A
	// conditional branch decoded without a flag-producing instruction right
	// before it in the native stream isn't a pattern this lifter's callers
	// produce, since x86 itself requires the same adjacency.
	pos := l.enc.Jmp(cond, 0)
	l.fixups = append(l.fixups, fixup{pos: pos, targetIP: target})
	return nil
}
