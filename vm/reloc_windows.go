//go:build windows

package vm

import (
	"syscall"
	"unsafe"

	"shade/asmbuf"
	"shade/isa"
	"shade/memalloc"
)

// gprOrder is the order guest registers are loaded/saved in, matching the
// REX.B-extended register numbering isa.Reg already uses.
var gprOrder = [16]isa.Reg{
	isa.Rax, isa.Rcx, isa.Rdx, isa.Rbx, isa.Rsp, isa.Rbp, isa.Rsi, isa.Rdi,
	isa.R8, isa.R9, isa.R10, isa.R11, isa.R12, isa.R13, isa.R14, isa.R15,
}

// nonVolatile lists the host registers the native-escape thunk pushes
// before loading guest state and pops again before it returns: rbx, rbp,
// rsi, rdi and r12-r15, the Windows x64 ABI's non-volatile GPRs other than
// rsp. The host rsp itself is kept in a separate scratch slot (see
// execNative and SPEC_FULL.md "reloc_instr's non-volatile register
// scratch").
var nonVolatile = [8]isa.Reg{
	isa.Rbx, isa.Rbp, isa.Rsi, isa.Rdi, isa.R12, isa.R13, isa.R14, isa.R15,
}

// execNative assembles a one-shot thunk that: saves the host's non-volatile
// registers and rsp, loads every guest GPR, rflags and XMM register from m's
// register file, executes raw verbatim, writes every guest GPR, rflags and
// XMM register back into m, and restores the host's rsp and non-volatile
// registers. This is reloc_instr from original_source/vm/src/lib.rs ported
// to Go: no register is live across the call other than through m and the
// thunk's fixed scratch slots.
func (m *Machine) execNative(raw []byte) {
	const (
		scratchPtrOff = 0  // 8 bytes: machine pointer, stashed across raw
		scratchRaxOff = 8  // 8 bytes: guest rax, stashed across raw
		scratchRspOff = 16 // 8 bytes: host rsp, stashed while the guest rsp is live
		scratchBytes  = 24
	)

	// assembleThunk builds the full save/raw/restore sequence addressed
	// against the given scratch addresses. Every instruction it emits has a
	// value-independent encoding length (moffs/imm64 forms are always the
	// same width regardless of the address they carry), so calling this
	// twice — once with placeholder addresses to measure the buffer size,
	// once with the region's real address — always produces two
	// byte-identical-length results.
	assembleThunk := func(scratchPtrAddr, scratchRaxAddr, scratchRspAddr uint64) []byte {
		var a asmbuf.Buf
		for _, r := range nonVolatile {
			a.Push(r)
		}

		// The guest rsp is loaded into the real rsp below, so keep the
		// host's rsp at a fixed address for the pops and ret at the end.
		a.MovRegReg(isa.Rax, isa.Rsp)
		a.MovAbsStoreRax(scratchRspAddr)

		// rcx holds the Machine* per the Windows x64 first-argument
		// register; move it into rax so it survives while every other GPR
		// is loaded, and stash a copy at a fixed absolute address (via the
		// rax-only moffs form, so no other register is ever needed to hold
		// it) for recovery after raw runs — raw may itself overwrite every
		// GPR, including whichever one a stack-relative save would have
		// depended on.
		a.MovRegReg(isa.Rax, isa.Rcx)
		a.MovAbsStoreRax(scratchPtrAddr)

		// Load every guest XMM register into hardware before raw runs,
		// while rax still holds the Machine pointer and before anything
		// else touches it — mirrors original_source/vm/src/lib.rs's
		// reloc_instr, which loads xmm_registers first for the same
		// reason.
		for i := 0; i < numXMM; i++ {
			a.MovApsRegMem(isa.XmmReg(i), isa.Rax, int32(XmmOffset+i*xmmRegBytes))
		}

		// Restore rflags straight from guest memory to the real flags
		// register; push-from-memory/popfq touches no GPR, so no guest
		// register is ever used as flags scratch.
		a.PushMem(isa.Rax, int32(RflagsOffset))
		a.Popfq()

		for _, r := range gprOrder {
			if r == isa.Rax {
				continue
			}
			a.MovRegMem(r, isa.Rax, int32(RegsOffset+8*int(r)))
		}
		// Guest rax loaded last: only now is it safe to destroy the
		// pointer.
		a.MovRegMem(isa.Rax, isa.Rax, int32(RegsOffset+8*int(isa.Rax)))

		a.EmitRaw(raw)

		// Stash raw's resulting guest rax, then recover the Machine
		// pointer — both via the rax-only moffs form, so neither step
		// needs a second register (every other GPR may now legitimately
		// hold whatever raw left it with, including the guest's rsp).
		a.MovAbsStoreRax(scratchRaxAddr)
		a.MovAbsLoadRax(scratchPtrAddr)

		// Save every XMM register raw may have touched back into the
		// guest file, same placement as
		// original_source/vm/src/lib.rs's reloc_instr (xmm saved before
		// the GPRs below).
		for i := 0; i < numXMM; i++ {
			a.MovApsMemReg(isa.Rax, int32(XmmOffset+i*xmmRegBytes), isa.XmmReg(i))
		}

		for _, r := range gprOrder {
			if r == isa.Rax {
				continue
			}
			a.MovMemReg(isa.Rax, int32(RegsOffset+8*int(r)), r)
		}
		// Save flags straight to guest memory; pop-to-memory touches no
		// GPR.
		a.Pushfq()
		a.PopMem(isa.Rax, int32(RflagsOffset))

		// Every register except rax has now been persisted, so r11 is
		// free to use as scratch to move the stashed guest rax from its
		// fixed address into the register file.
		a.MovAbsLoadRax(scratchRaxAddr)
		a.MovRegReg(isa.R11, isa.Rax)
		a.MovAbsLoadRax(scratchPtrAddr)
		a.MovMemReg(isa.Rax, int32(RegsOffset+8*int(isa.Rax)), isa.R11)

		// Back onto the host stack the non-volatile registers were pushed to.
		a.MovAbsLoadRax(scratchRspAddr)
		a.MovRegReg(isa.Rsp, isa.Rax)

		for i := len(nonVolatile) - 1; i >= 0; i-- {
			a.Pop(nonVolatile[i])
		}
		a.Ret()
		return a.Bytes()
	}

	codeLen := len(assembleThunk(0, 0, 0))
	region, err := memalloc.Alloc(scratchBytes+codeLen, memalloc.ReadWrite)
	if err != nil {
		panic(&FaultError{Err: errAllocFailed, Offset: m.pc})
	}
	defer region.Free()

	base := region.Addr()
	scratchPtrAddr := uint64(base) + scratchPtrOff
	scratchRaxAddr := uint64(base) + scratchRaxOff
	scratchRspAddr := uint64(base) + scratchRspOff
	code := assembleThunk(scratchPtrAddr, scratchRaxAddr, scratchRspAddr)

	copy(region.Bytes()[scratchBytes:], code)
	if err := region.MakeExecutable(); err != nil {
		panic(&FaultError{Err: errAllocFailed, Offset: m.pc})
	}

	entry := base + scratchBytes
	syscall.SyscallN(entry, uintptr(unsafe.Pointer(m)))
}

// relocDelta returns the difference between the process's current image
// base and liftBase, the value the lifter baked every absolute address
// against. Adding this delta to a lift-time absolute address recovers the
// correct address under the image's actual runtime base — see
// memalloc.CurrentImageBase's doc comment for why this queries
// GetModuleHandle instead of a raw TEB/PEB walk.
func (m *Machine) relocDelta(liftBase uint64) uint64 {
	base, err := memalloc.CurrentImageBase()
	if err != nil {
		panic(&FaultError{Err: errRelocFailed, Offset: m.pc})
	}
	return base - liftBase
}

// ctxAddr returns this Machine's own address, the base VmCtx-derived
// addressing uses to reach individual GPR/XMM/rflags slots (via
// Const-encoded struct offsets such as RegsOffset, which the lifter bakes
// in at lift time).
func (m *Machine) ctxAddr() uintptr {
	return uintptr(unsafe.Pointer(m))
}

// invokeEnterTrampoline calls the assembled VMENTER thunk directly. Nothing
// on the Run path does this (see assembleTrampolines' doc comment for why);
// it exists so the trampoline bytes themselves are reachable and testable
// rather than sitting unexercised in instrBuf.
func (m *Machine) invokeEnterTrampoline() {
	syscall.SyscallN(m.instrBuf.Addr() + uintptr(m.vmEnterOff))
}

// invokeExitTrampoline calls the assembled VMEXIT thunk directly, the
// mirror of invokeEnterTrampoline.
func (m *Machine) invokeExitTrampoline() {
	syscall.SyscallN(m.instrBuf.Addr() + uintptr(m.vmExitOff))
}
