// Package asmbuf emits raw x86-64 machine code into a byte buffer. It is
// the shared encoder behind the VM's entry/exit trampolines and the
// native-escape thunks VmExec assembles. There is no instruction decoding
// here — only the small, fixed set of forms those two callers need.
package asmbuf

import (
	"encoding/binary"

	"shade/isa"
)

// Buf accumulates emitted bytes. The zero value is ready to use.
type Buf struct {
	b []byte
}

// Bytes returns the bytes emitted so far.
func (a *Buf) Bytes() []byte { return a.b }

// Len returns the number of bytes emitted so far.
func (a *Buf) Len() int { return len(a.b) }

func (a *Buf) emit(bs ...byte) { a.b = append(a.b, bs...) }

// EmitRaw appends verbatim bytes — used to splice already-encoded native
// instruction bytes (the VmExec escape payload) into an assembled thunk.
func (a *Buf) EmitRaw(bs []byte) { a.b = append(a.b, bs...) }

// rex builds a REX prefix byte. w sets REX.W (64-bit operand size), r and b
// carry the high bit of the ModRM reg and rm fields respectively (needed
// whenever that operand names r8-r15 or xmm8-xmm15).
func rex(w, r, b bool) byte {
	px := byte(0x40)
	if w {
		px |= 0x08
	}
	if r {
		px |= 0x04
	}
	if b {
		px |= 0x01
	}
	return px
}

func modrmReg(reg, rm isa.Reg) byte {
	return 0xC0 | (byte(reg)&7)<<3 | byte(rm)&7
}

// needsSIB reports whether a disp32-indirect ModRM addressing base requires
// a trailing SIB byte: RSP and R12 can't be named directly in the rm field
// of a memory ModRM byte (that encoding means "SIB follows" instead).
func needsSIB(base isa.Reg) bool {
	return byte(base)&7 == byte(isa.Rsp)&7
}

// emitMemModRM writes the ModRM (+ SIB if needed) + disp32 for
// [base+disp32], with reg as the other operand's register field.
func (a *Buf) emitMemModRM(reg, base isa.Reg, disp int32) {
	modrm := 0x80 | (byte(reg)&7)<<3 | byte(base)&7
	a.emit(modrm)
	if needsSIB(base) {
		a.emit(0x24) // SIB: scale=1, index=none, base=rsp/r12
	}
	var d [4]byte
	binary.LittleEndian.PutUint32(d[:], uint32(disp))
	a.emit(d[:]...)
}

// MovRegReg emits "mov dst, src" (64-bit GPR to GPR).
func (a *Buf) MovRegReg(dst, src isa.Reg) {
	a.emit(rex(true, src >= 8, dst >= 8))
	a.emit(0x89) // mov r/m64, r64
	a.emit(modrmReg(src, dst))
}

// MovRegMem emits "mov dst, [base+disp]" (64-bit load).
func (a *Buf) MovRegMem(dst, base isa.Reg, disp int32) {
	a.emit(rex(true, dst >= 8, base >= 8))
	a.emit(0x8B) // mov r64, r/m64
	a.emitMemModRM(dst, base, disp)
}

// MovMemReg emits "mov [base+disp], src" (64-bit store).
func (a *Buf) MovMemReg(base isa.Reg, disp int32, src isa.Reg) {
	a.emit(rex(true, src >= 8, base >= 8))
	a.emit(0x89) // mov r/m64, r64
	a.emitMemModRM(src, base, disp)
}

// MovApsRegMem emits "movaps xmmDst, [base+disp]".
func (a *Buf) MovApsRegMem(dst isa.XmmReg, base isa.Reg, disp int32) {
	if dst >= 8 || base >= 8 {
		a.emit(rex(false, dst >= 8, base >= 8))
	}
	a.emit(0x0F, 0x28)
	a.emitMemModRM(isa.Reg(dst), base, disp)
}

// MovApsMemReg emits "movaps [base+disp], xmmSrc".
func (a *Buf) MovApsMemReg(base isa.Reg, disp int32, src isa.XmmReg) {
	if src >= 8 || base >= 8 {
		a.emit(rex(false, src >= 8, base >= 8))
	}
	a.emit(0x0F, 0x29)
	a.emitMemModRM(isa.Reg(src), base, disp)
}

// MovImm64 emits "movabs dst, imm64".
func (a *Buf) MovImm64(dst isa.Reg, imm uint64) {
	a.emit(rex(true, false, dst >= 8))
	a.emit(0xB8 | byte(dst)&7)
	var d [8]byte
	binary.LittleEndian.PutUint64(d[:], imm)
	a.emit(d[:]...)
}

// Push emits "push reg".
func (a *Buf) Push(r isa.Reg) {
	if r >= 8 {
		a.emit(rex(false, false, true))
	}
	a.emit(0x50 | byte(r)&7)
}

// Pop emits "pop reg".
func (a *Buf) Pop(r isa.Reg) {
	if r >= 8 {
		a.emit(rex(false, false, true))
	}
	a.emit(0x58 | byte(r)&7)
}

// Pushfq emits "pushfq".
func (a *Buf) Pushfq() { a.emit(0x9C) }

// Popfq emits "popfq".
func (a *Buf) Popfq() { a.emit(0x9D) }

// CallReg emits "call reg" (near indirect call through a register).
func (a *Buf) CallReg(r isa.Reg) {
	if r >= 8 {
		a.emit(rex(false, false, true))
	}
	a.emit(0xFF, 0xD0|byte(r)&7)
}

// JmpReg emits "jmp reg" (near indirect jump through a register).
func (a *Buf) JmpReg(r isa.Reg) {
	if r >= 8 {
		a.emit(rex(false, false, true))
	}
	a.emit(0xFF, 0xE0|byte(r)&7)
}

// Ret emits "ret".
func (a *Buf) Ret() { a.emit(0xC3) }

// PushMem emits "push qword [base+disp]" — pushes a memory operand onto
// the real stack directly, with no GPR as an intermediate. Used by the
// native-escape thunk to restore rflags from the guest register file
// without clobbering any guest GPR to do it.
func (a *Buf) PushMem(base isa.Reg, disp int32) {
	if base >= 8 {
		a.emit(rex(false, false, true))
	}
	a.emit(0xFF)
	a.emitMemModRM(isa.Reg(6), base, disp) // /6 extension, reg field = 6
}

// PopMem emits "pop qword [base+disp]" — pops the real stack directly into
// a memory operand, the mirror of PushMem, used to save rflags back into
// the guest register file without a GPR intermediate.
func (a *Buf) PopMem(base isa.Reg, disp int32) {
	if base >= 8 {
		a.emit(rex(false, false, true))
	}
	a.emit(0x8F)
	a.emitMemModRM(isa.Reg(0), base, disp) // /0 extension, reg field = 0
}

// MovAbsStoreRax emits "mov [addr], rax" using the rax-only absolute
// moffs64 form (REX.W 0xA3), storing rax to a fixed absolute address
// without consuming any register besides rax itself.
func (a *Buf) MovAbsStoreRax(addr uint64) {
	a.emit(rex(true, false, false), 0xA3)
	var d [8]byte
	binary.LittleEndian.PutUint64(d[:], addr)
	a.emit(d[:]...)
}

// MovAbsLoadRax emits "mov rax, [addr]" using the rax-only absolute
// moffs64 form (REX.W 0xA1).
func (a *Buf) MovAbsLoadRax(addr uint64) {
	a.emit(rex(true, false, false), 0xA1)
	var d [8]byte
	binary.LittleEndian.PutUint64(d[:], addr)
	a.emit(d[:]...)
}

// Nop emits a single-byte "nop".
func (a *Buf) Nop() { a.emit(0x90) }

// AddRegImm32 emits "add reg, imm32" (sign-extended to 64 bits).
func (a *Buf) AddRegImm32(r isa.Reg, imm int32) {
	a.emit(rex(true, false, r >= 8))
	if r == isa.Rax {
		a.emit(0x05)
	} else {
		a.emit(0x81, 0xC0|byte(r)&7)
	}
	var d [4]byte
	binary.LittleEndian.PutUint32(d[:], uint32(imm))
	a.emit(d[:]...)
}

// SubRegImm32 emits "sub reg, imm32" (sign-extended to 64 bits).
func (a *Buf) SubRegImm32(r isa.Reg, imm int32) {
	a.emit(rex(true, false, r >= 8))
	if r == isa.Rax {
		a.emit(0x2D)
	} else {
		a.emit(0x81, 0xE8|byte(r)&7)
	}
	var d [4]byte
	binary.LittleEndian.PutUint32(d[:], uint32(imm))
	a.emit(d[:]...)
}
