package lift

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"shade/isa"
	"shade/vm"
)

// gprInfo describes how one x86asm GPR operand maps onto the guest register
// file: which of the 16 slots it names, its width, and whether it is one of
// the four legacy high-byte registers (ah/ch/dh/bh) that alias bits 15:8 of
// their parent qword rather than bits 7:0.
type gprInfo struct {
	reg      isa.Reg
	size     isa.OpSize
	highByte bool
}

var gprTable = map[x86asm.Reg]gprInfo{
	x86asm.AL: {isa.Rax, isa.SizeByte, false},
	x86asm.CL: {isa.Rcx, isa.SizeByte, false},
	x86asm.DL: {isa.Rdx, isa.SizeByte, false},
	x86asm.BL: {isa.Rbx, isa.SizeByte, false},
	x86asm.AH: {isa.Rax, isa.SizeByte, true},
	x86asm.CH: {isa.Rcx, isa.SizeByte, true},
	x86asm.DH: {isa.Rdx, isa.SizeByte, true},
	x86asm.BH: {isa.Rbx, isa.SizeByte, true},
	x86asm.SPB: {isa.Rsp, isa.SizeByte, false},
	x86asm.BPB: {isa.Rbp, isa.SizeByte, false},
	x86asm.SIB: {isa.Rsi, isa.SizeByte, false},
	x86asm.DIB: {isa.Rdi, isa.SizeByte, false},
	x86asm.R8B:  {isa.R8, isa.SizeByte, false},
	x86asm.R9B:  {isa.R9, isa.SizeByte, false},
	x86asm.R10B: {isa.R10, isa.SizeByte, false},
	x86asm.R11B: {isa.R11, isa.SizeByte, false},
	x86asm.R12B: {isa.R12, isa.SizeByte, false},
	x86asm.R13B: {isa.R13, isa.SizeByte, false},
	x86asm.R14B: {isa.R14, isa.SizeByte, false},
	x86asm.R15B: {isa.R15, isa.SizeByte, false},

	x86asm.AX: {isa.Rax, isa.SizeWord, false},
	x86asm.CX: {isa.Rcx, isa.SizeWord, false},
	x86asm.DX: {isa.Rdx, isa.SizeWord, false},
	x86asm.BX: {isa.Rbx, isa.SizeWord, false},
	x86asm.SP: {isa.Rsp, isa.SizeWord, false},
	x86asm.BP: {isa.Rbp, isa.SizeWord, false},
	x86asm.SI: {isa.Rsi, isa.SizeWord, false},
	x86asm.DI: {isa.Rdi, isa.SizeWord, false},
	x86asm.R8W:  {isa.R8, isa.SizeWord, false},
	x86asm.R9W:  {isa.R9, isa.SizeWord, false},
	x86asm.R10W: {isa.R10, isa.SizeWord, false},
	x86asm.R11W: {isa.R11, isa.SizeWord, false},
	x86asm.R12W: {isa.R12, isa.SizeWord, false},
	x86asm.R13W: {isa.R13, isa.SizeWord, false},
	x86asm.R14W: {isa.R14, isa.SizeWord, false},
	x86asm.R15W: {isa.R15, isa.SizeWord, false},

	x86asm.EAX: {isa.Rax, isa.SizeDword, false},
	x86asm.ECX: {isa.Rcx, isa.SizeDword, false},
	x86asm.EDX: {isa.Rdx, isa.SizeDword, false},
	x86asm.EBX: {isa.Rbx, isa.SizeDword, false},
	x86asm.ESP: {isa.Rsp, isa.SizeDword, false},
	x86asm.EBP: {isa.Rbp, isa.SizeDword, false},
	x86asm.ESI: {isa.Rsi, isa.SizeDword, false},
	x86asm.EDI: {isa.Rdi, isa.SizeDword, false},
	x86asm.R8L:  {isa.R8, isa.SizeDword, false},
	x86asm.R9L:  {isa.R9, isa.SizeDword, false},
	x86asm.R10L: {isa.R10, isa.SizeDword, false},
	x86asm.R11L: {isa.R11, isa.SizeDword, false},
	x86asm.R12L: {isa.R12, isa.SizeDword, false},
	x86asm.R13L: {isa.R13, isa.SizeDword, false},
	x86asm.R14L: {isa.R14, isa.SizeDword, false},
	x86asm.R15L: {isa.R15, isa.SizeDword, false},

	x86asm.RAX: {isa.Rax, isa.SizeQword, false},
	x86asm.RCX: {isa.Rcx, isa.SizeQword, false},
	x86asm.RDX: {isa.Rdx, isa.SizeQword, false},
	x86asm.RBX: {isa.Rbx, isa.SizeQword, false},
	x86asm.RSP: {isa.Rsp, isa.SizeQword, false},
	x86asm.RBP: {isa.Rbp, isa.SizeQword, false},
	x86asm.RSI: {isa.Rsi, isa.SizeQword, false},
	x86asm.RDI: {isa.Rdi, isa.SizeQword, false},
	x86asm.R8:  {isa.R8, isa.SizeQword, false},
	x86asm.R9:  {isa.R9, isa.SizeQword, false},
	x86asm.R10: {isa.R10, isa.SizeQword, false},
	x86asm.R11: {isa.R11, isa.SizeQword, false},
	x86asm.R12: {isa.R12, isa.SizeQword, false},
	x86asm.R13: {isa.R13, isa.SizeQword, false},
	x86asm.R14: {isa.R14, isa.SizeQword, false},
	x86asm.R15: {isa.R15, isa.SizeQword, false},
}

// lookupGPR resolves a decoded x86asm register to its gprInfo, or reports ok
// == false for any register family this lifter doesn't model (x87/MMX/XMM,
// segment registers). Callers return an error for those, which fails the
// whole lift; they do not fall back to VmExec.
func lookupGPR(r x86asm.Reg) (gprInfo, bool) {
	info, ok := gprTable[r]
	return info, ok
}

// regSlotAddr emits the VmCtx-based address computation for the full 64-bit
// slot backing info.reg in the Machine's register file.
func (l *Lifter) regSlotAddr(info gprInfo) {
	l.enc.Simple(isa.OpVmCtx, isa.SizeQword)
	l.enc.Const(isa.SizeQword, uint64(vm.RegsOffset)+8*uint64(info.reg))
	l.enc.Simple(isa.OpVmAdd, isa.SizeQword)
}

// emitLoadReg pushes the current value of a native register operand,
// handling the ah/ch/dh/bh high-byte aliases via Load at Word size followed
// by a Shr of 8.
func (l *Lifter) emitLoadReg(info gprInfo) {
	l.regSlotAddr(info)
	if !info.highByte {
		l.enc.Simple(isa.OpLoad, info.size)
		return
	}
	// ah/ch/dh/bh: load the containing word and shift it right by 8, which
	// leaves the high byte in the low byte of a word slot (a Byte pop reads
	// exactly that byte). Shr updates rflags, an accepted limitation for
	// this legacy addressing mode — see DESIGN.md.
	l.enc.Simple(isa.OpLoad, isa.SizeWord)
	l.enc.Const(isa.SizeWord, 8)
	l.enc.Simple(isa.OpShr, isa.SizeWord)
}

// emitStoreReg writes the top-of-stack value back into a native register
// operand, preserving every bit the write does not own.
func (l *Lifter) emitStoreReg(info gprInfo, zeroExtend bool) {
	if !info.highByte {
		l.enc.StoreReg(zeroExtend, info.size, info.reg)
		return
	}
	// newAH is on top of the stack. Read AL on top of it; Combine pops hi
	// first, so it yields AL:newAH, and a word rotate by 8 turns that into
	// newAH:AL. Merge that word into bits 15:0 of the full register
	// (StoreReg's merge semantics preserve bits 63:16 untouched).
	alInfo := gprInfo{reg: info.reg, size: isa.SizeByte, highByte: false}
	l.emitLoadReg(alInfo)
	l.enc.Simple(isa.OpCombine, isa.SizeByte)
	l.enc.Const(isa.SizeWord, 8)
	l.enc.Simple(isa.OpRotL, isa.SizeWord)
	l.enc.StoreReg(false, isa.SizeWord, info.reg)
}

// memAddr computes the effective address of an x86asm memory operand and
// pushes it onto the stack, handling RIP-relative addressing by baking in
// the absolute address at lift time and following it with VmReloc so the
// runtime corrects for the image's actual load address.
func (l *Lifter) memAddr(mem x86asm.Mem, nextIP uint64) error {
	if mem.Base == x86asm.RIP {
		abs := nextIP + uint64(mem.Disp)
		l.enc.Const(isa.SizeQword, abs)
		l.enc.VmReloc(l.liftBase)
		return nil
	}

	wrote := false
	if mem.Base != 0 {
		info, ok := lookupGPR(mem.Base)
		if !ok {
			return fmt.Errorf("lift: unsupported base register %v", mem.Base)
		}
		l.emitLoadReg(gprInfo{reg: info.reg, size: isa.SizeQword})
		wrote = true
	}
	if mem.Index != 0 && mem.Scale != 0 {
		info, ok := lookupGPR(mem.Index)
		if !ok {
			return fmt.Errorf("lift: unsupported index register %v", mem.Index)
		}
		l.emitLoadReg(gprInfo{reg: info.reg, size: isa.SizeQword})
		l.enc.Const(isa.SizeQword, uint64(mem.Scale))
		l.enc.Simple(isa.OpVmMul, isa.SizeQword)
		if wrote {
			l.enc.Simple(isa.OpVmAdd, isa.SizeQword)
		}
		wrote = true
	}
	if mem.Disp != 0 || !wrote {
		l.enc.Const(isa.SizeQword, uint64(mem.Disp))
		if wrote {
			l.enc.Simple(isa.OpVmAdd, isa.SizeQword)
		}
	}
	return nil
}

// pushOperand pushes the current value of a decoded operand — register,
// immediate, or memory — at the given width.
func (l *Lifter) pushOperand(arg x86asm.Arg, size isa.OpSize, nextIP uint64) error {
	switch a := arg.(type) {
	case x86asm.Reg:
		info, ok := lookupGPR(a)
		if !ok {
			return fmt.Errorf("lift: unsupported register operand %v", a)
		}
		l.emitLoadReg(info)
		return nil
	case x86asm.Imm:
		l.enc.Const(size, uint64(a))
		return nil
	case x86asm.Mem:
		if err := l.memAddr(a, nextIP); err != nil {
			return err
		}
		l.enc.Simple(isa.OpLoad, size)
		return nil
	default:
		return fmt.Errorf("lift: unsupported operand type %T", arg)
	}
}

// storeOperand pops the top-of-stack value and writes it to a decoded
// register or memory operand.
func (l *Lifter) storeOperand(arg x86asm.Arg, size isa.OpSize, zeroExtend bool, nextIP uint64) error {
	switch a := arg.(type) {
	case x86asm.Reg:
		info, ok := lookupGPR(a)
		if !ok {
			return fmt.Errorf("lift: unsupported register operand %v", a)
		}
		l.emitStoreReg(info, zeroExtend)
		return nil
	case x86asm.Mem:
		if err := l.memAddr(a, nextIP); err != nil {
			return err
		}
		l.enc.Simple(isa.OpStore, size)
		return nil
	default:
		return fmt.Errorf("lift: unsupported store target %T", arg)
	}
}

// pushCount pushes a shift/rotate count operand (cl or imm8 in native
// encoding) widened to size, the width the accompanying Shr/RotR/RotL
// opcode pops both its operands at. The handler only ever looks at bits
// 0-5 of the popped count (count & 0x3F), so reading the count register at
// a wider-than-native width is harmless.
func (l *Lifter) pushCount(arg x86asm.Arg, size isa.OpSize) error {
	switch a := arg.(type) {
	case x86asm.Reg:
		info, ok := lookupGPR(a)
		if !ok {
			return fmt.Errorf("lift: unsupported shift count register %v", a)
		}
		l.emitLoadReg(gprInfo{reg: info.reg, size: size})
		return nil
	case x86asm.Imm:
		l.enc.Const(size, uint64(a))
		return nil
	default:
		return fmt.Errorf("lift: unsupported shift count operand %T", arg)
	}
}

// operandSize derives the width a two-operand instruction operates at: the
// width of whichever argument is a register, falling back to the decoded
// memory access width or overall data size for memory-only forms.
func operandSize(inst x86asm.Inst) isa.OpSize {
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		if r, ok := arg.(x86asm.Reg); ok {
			if info, ok := lookupGPR(r); ok {
				return info.size
			}
		}
	}
	switch inst.MemBytes {
	case 1:
		return isa.SizeByte
	case 2:
		return isa.SizeWord
	case 4:
		return isa.SizeDword
	case 8:
		return isa.SizeQword
	}
	switch inst.DataSize {
	case 8:
		return isa.SizeByte
	case 16:
		return isa.SizeWord
	case 64:
		return isa.SizeQword
	default:
		return isa.SizeDword
	}
}

// numArgs counts the populated entries of inst.Args (the array always has
// 4 slots; unused ones are nil).
func numArgs(args x86asm.Args) int {
	n := 0
	for _, a := range args {
		if a == nil {
			break
		}
		n++
	}
	return n
}

// zeroExtends reports whether a write of this width implicitly clears the
// register's upper bits, the rule native 32-bit GPR writes follow in long
// mode (mov eax,... clears bits 63:32) but byte/word writes do not.
func zeroExtends(size isa.OpSize) bool {
	return size == isa.SizeDword || size == isa.SizeQword
}
