//go:build windows

package vm

import (
	"testing"
	"unsafe"

	"shade/isa"
)

func assert(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}

func runProgram(t *testing.T, prog []byte, args ...uint64) uint64 {
	t.Helper()
	m, err := NewMachine(prog, 0x140000000, DispatchSwitch)
	assert(t, err == nil, "NewMachine: %v", err)
	defer m.Close()
	for i, a := range args {
		m.SetArg(i, a)
	}
	res, err := m.Run()
	assert(t, err == nil, "Run: %v", err)
	return res
}

// emitLoadReg emits the "push the current value of a guest register"
// sequence every lowering of a native register read compiles down to:
// VmCtx gives the Machine's own address, Const+VmAdd computes the address
// of that register's regs[] slot, and Load reads it. There is no dedicated
// "read register" opcode — registers are addressed the same way any other
// memory is (see isa.Opcode.HasRegOperand's doc comment).
func emitLoadReg(e *isa.Encoder, r isa.Reg) {
	e.Simple(isa.OpVmCtx, isa.SizeQword)
	e.Const(isa.SizeQword, uint64(RegsOffset)+8*uint64(r))
	e.Simple(isa.OpVmAdd, isa.SizeQword)
	e.Simple(isa.OpLoad, isa.SizeQword)
}

// TestRaxAndEax mirrors original_source/vm/tests/tests.rs's rax_and_eax:
// mov rax, rcx; xor eax, eax; ret — f(69) == 0 (a 32-bit xor zero-extends
// into the full 64-bit guest rax).
func TestRaxAndEax(t *testing.T) {
	e := isa.NewEncoder()
	emitLoadReg(e, isa.Rcx)
	e.StoreReg(true, isa.SizeQword, isa.Rax)
	e.Const(isa.SizeDword, 0)
	e.Const(isa.SizeDword, 0)
	e.Simple(isa.OpXor, isa.SizeDword)
	e.StoreReg(true, isa.SizeDword, isa.Rax)
	e.Simple(isa.OpVmExit, isa.SizeQword)

	got := runProgram(t, e.Bytes(), 69)
	assert(t, got == 0, "expected 0, got %d", got)
}

// TestVirtualizerAndMachine mirrors spec.md's canonical shellcode scenario
// (mov [rsp+8], ecx; mov eax, [rsp+8]; imul eax, [rsp+8]; ret) lowered
// directly as a dword square: f(2) == 4, f(6) == 36. emitLoadReg pushes
// qword slots, so the multiply pops them at Qword and the final Dword
// StoreRegZx keeps the low 32 bits of the product.
func TestVirtualizerAndMachine(t *testing.T) {
	e := isa.NewEncoder()
	emitLoadReg(e, isa.Rcx)
	e.StoreReg(true, isa.SizeDword, isa.Rax) // arg0 truncated to dword in rax
	emitLoadReg(e, isa.Rax)
	emitLoadReg(e, isa.Rax)
	e.Simple(isa.OpMul, isa.SizeQword)
	e.StoreReg(true, isa.SizeDword, isa.Rax)
	e.Simple(isa.OpVmExit, isa.SizeQword)

	assert(t, runProgram(t, e.Bytes(), 2) == 4, "f(2) should be 4")
	assert(t, runProgram(t, e.Bytes(), 6) == 36, "f(6) should be 36")
}

// TestVirtualizeJmpLbl mirrors virtualize_jmp_lbl: a loop that decrements
// rax and repeats while rax > rdx (signed), f(21,0)==0, f(-2,0)==-3.
func TestVirtualizeJmpLbl(t *testing.T) {
	e := isa.NewEncoder()
	emitLoadReg(e, isa.Rcx)
	e.StoreReg(true, isa.SizeQword, isa.Rax)

	loopStart := e.Len()
	emitLoadReg(e, isa.Rax)
	e.Const(isa.SizeQword, 1)
	e.Simple(isa.OpSub, isa.SizeQword)
	e.StoreReg(true, isa.SizeQword, isa.Rax)

	emitLoadReg(e, isa.Rax)
	emitLoadReg(e, isa.Rdx)
	e.Simple(isa.OpCmp, isa.SizeQword)
	pos := e.Jmp(isa.CondG, 0)
	e.PatchJmpTarget(pos, uint64(loopStart))
	e.Simple(isa.OpVmExit, isa.SizeQword)

	assert(t, int64(runProgram(t, e.Bytes(), uint64(21), 0)) == 0, "f(21,0) should be 0")
	assert(t, int64(runProgram(t, e.Bytes(), uint64(int64(-2)), 0)) == -3, "f(-2,0) should be -3")
}

// TestVirtualizeDiv mirrors virtualize_div: rax/rcx with rdx cleared,
// f(8,4) == 2.
func TestVirtualizeDiv(t *testing.T) {
	e := isa.NewEncoder()
	emitLoadReg(e, isa.Rcx)
	e.StoreReg(true, isa.SizeQword, isa.Rax)
	emitLoadReg(e, isa.Rdx)
	e.StoreReg(true, isa.SizeQword, isa.Rcx)
	e.Const(isa.SizeQword, 0)
	e.StoreReg(true, isa.SizeQword, isa.Rdx)

	emitLoadReg(e, isa.Rax)
	emitLoadReg(e, isa.Rcx)
	e.Simple(isa.OpDiv, isa.SizeQword)
	e.StoreReg(true, isa.SizeQword, isa.Rax)
	e.Simple(isa.OpVmExit, isa.SizeQword)

	got := runProgram(t, e.Bytes(), 8, 4)
	assert(t, got == 2, "f(8,4) should be 2, got %d", got)
}

// TestSubRegisterAliasing exercises an ax write into a full rax through
// StoreReg's merge-preserving-upper-bits semantics, mirroring rax_and_ax
// from original_source/vm/tests/tests.rs.
func TestSubRegisterAliasing(t *testing.T) {
	e := isa.NewEncoder()
	e.Const(isa.SizeQword, 0x1111222233334444)
	e.StoreReg(true, isa.SizeQword, isa.Rax)
	// mov ax, 0x7777 — overwrite only the low 16 bits, preserve the rest.
	e.Const(isa.SizeWord, 0x7777)
	e.StoreReg(false, isa.SizeWord, isa.Rax)
	e.Simple(isa.OpVmExit, isa.SizeQword)

	m, err := NewMachine(e.Bytes(), 0x140000000, DispatchSwitch)
	assert(t, err == nil, "NewMachine: %v", err)
	defer m.Close()
	_, err = m.Run()
	assert(t, err == nil, "Run: %v", err)
	assert(t, m.regs[isa.Rax] == 0x1111222233337777,
		"expected upper bits preserved, got %#x", m.regs[isa.Rax])
}

// TestCombineSplitRoundTrip exercises the 128-bit staging path Combine and
// Split move XMM-width values through.
func TestCombineSplitRoundTrip(t *testing.T) {
	e := isa.NewEncoder()
	e.Const(isa.SizeQword, 0xFFFFFFFFFFFFFFFF) // lo
	e.Const(isa.SizeQword, 0xFFFFFFFFFFFFFFFF) // hi (Combine pops it first)
	e.Simple(isa.OpCombine, isa.SizeQword)
	e.Simple(isa.OpSplit, isa.SizeQword)
	e.StoreReg(true, isa.SizeQword, isa.Rax) // lo half (Split leaves it on top)
	e.StoreReg(true, isa.SizeQword, isa.Rdx) // hi half
	e.Simple(isa.OpVmExit, isa.SizeQword)

	m, err := NewMachine(e.Bytes(), 0x140000000, DispatchSwitch)
	assert(t, err == nil, "NewMachine: %v", err)
	defer m.Close()
	_, err = m.Run()
	assert(t, err == nil, "Run: %v", err)
	assert(t, m.regs[isa.Rax] == ^uint64(0), "expected all-ones low half, got %#x", m.regs[isa.Rax])
	assert(t, m.regs[isa.Rdx] == ^uint64(0), "expected all-ones high half, got %#x", m.regs[isa.Rdx])
}

func TestDispatchModesAgree(t *testing.T) {
	e := isa.NewEncoder()
	emitLoadReg(e, isa.Rcx)
	e.StoreReg(true, isa.SizeQword, isa.Rax)
	emitLoadReg(e, isa.Rax)
	e.Const(isa.SizeQword, 1)
	e.Simple(isa.OpAdd, isa.SizeQword)
	e.StoreReg(true, isa.SizeQword, isa.Rax)
	e.Simple(isa.OpVmExit, isa.SizeQword)

	mSwitch, err := NewMachine(e.Bytes(), 0x140000000, DispatchSwitch)
	assert(t, err == nil, "NewMachine: %v", err)
	defer mSwitch.Close()
	mSwitch.SetArg(0, 41)
	rSwitch, err := mSwitch.Run()
	assert(t, err == nil, "Run: %v", err)

	mThreaded, err := NewMachine(e.Bytes(), 0x140000000, DispatchThreaded)
	assert(t, err == nil, "NewMachine: %v", err)
	defer mThreaded.Close()
	mThreaded.SetArg(0, 41)
	rThreaded, err := mThreaded.Run()
	assert(t, err == nil, "Run: %v", err)

	assert(t, rSwitch == rThreaded, "dispatch modes disagree: %d vs %d", rSwitch, rThreaded)
	assert(t, rSwitch == 42, "expected 42, got %d", rSwitch)
}

// TestTrampolineRoundTrip proves assembleTrampolines' output is a real,
// correctly assembled pair of routines rather than dead bytes sitting
// unexercised in instrBuf.
//
// It only invokes VMENTER for real, not VMEXIT: VMEXIT's last GPR restore
// is regs[Rsp] into the hardware rsp register, immediately followed by its
// own ret, which pops the return address from wherever that restored rsp
// now points. assembleTrampolines' doc comment explains why this port
// never performs the matching physical stack switch VMENTER's rsp capture
// presumes — invoking VMEXIT for real here would hand it a stale
// snapshot of this goroutine's rsp and there is no safe way to guarantee
// it still matches the real stack depth at the point of the call, so doing
// so would risk corrupting this test binary's own stack rather than just
// the guest's. VMENTER carries no such hazard: every push it does (pushfq)
// is popped again before it returns, so the real rsp is left exactly as it
// found it.
func TestTrampolineRoundTrip(t *testing.T) {
	m, err := NewMachine([]byte{byte(isa.OpVmExit)}, 0x140000000, DispatchSwitch)
	assert(t, err == nil, "NewMachine: %v", err)
	defer m.Close()

	enterBytes := m.instrBuf.Bytes()[m.vmEnterOff : m.vmEnterOff+m.vmEnterLen]
	exitBytes := m.instrBuf.Bytes()[m.vmExitOff : m.vmExitOff+m.vmExitLen]
	assert(t, len(enterBytes) > 0, "enter trampoline is empty")
	assert(t, len(exitBytes) > 0, "exit trampoline is empty")
	assert(t, enterBytes[len(enterBytes)-1] == 0xC3, "enter trampoline does not end in ret")
	assert(t, exitBytes[len(exitBytes)-1] == 0xC3, "exit trampoline does not end in ret")

	m.invokeEnterTrampoline()

	// rax is stored first among the GPRs in vmEnterRegOrder, but only after
	// MovImm64 has repurposed it to hold &machine — so the captured regs[Rax] should
	// equal the Machine's own address, the quirk documented on
	// vmEnterRegOrder.
	want := uint64(uintptr(unsafe.Pointer(m)))
	assert(t, m.regs[isa.Rax] == want, "expected regs[Rax] == &machine (%#x), got %#x", want, m.regs[isa.Rax])

	// rflags was captured via a real pushfq; bit 1 is the reserved,
	// always-set flag on every x86-64 implementation.
	assert(t, m.rflags&2 != 0, "expected rflags bit 1 set, got %#x", m.rflags)
}
