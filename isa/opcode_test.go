package isa

import "testing"

func assert(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}

func TestConstRoundTrip(t *testing.T) {
	sizes := []OpSize{SizeByte, SizeWord, SizeDword, SizeQword}
	values := []uint64{0, 1, 0x7F, 0xFF, 0x1234, 0xDEADBEEF, 0xFFFFFFFFFFFFFFFF}

	for _, size := range sizes {
		for _, v := range values {
			e := NewEncoder()
			e.Const(size, v)
			instrs, err := DecodeAll(e.Bytes())
			assert(t, err == nil, "decode error: %v", err)
			assert(t, len(instrs) == 1, "expected 1 instruction, got %d", len(instrs))

			mask := uint64(1)<<(size.Bits()) - 1
			if size == SizeQword {
				mask = ^uint64(0)
			}
			want := v & mask
			assert(t, instrs[0].Op == OpConst, "expected const, got %s", instrs[0].Op)
			assert(t, instrs[0].Size == size, "expected size %s, got %s", size, instrs[0].Size)
			assert(t, instrs[0].Imm == want, "const round trip: got %#x want %#x", instrs[0].Imm, want)
		}
	}
}

func TestSimpleOpsRoundTrip(t *testing.T) {
	ops := []Opcode{
		OpLoad, OpLoadXmm, OpStore, OpStoreXmm, OpAdd, OpSub, OpMul, OpDiv,
		OpIDiv, OpShr, OpAnd, OpOr, OpXor, OpNot, OpCmp, OpRotR, OpRotL,
		OpCombine, OpSplit, OpVmAdd, OpVmSub, OpVmMul, OpVmCtx, OpVmExit,
	}
	for _, op := range ops {
		e := NewEncoder()
		e.Simple(op, SizeDword)
		instrs, err := DecodeAll(e.Bytes())
		assert(t, err == nil, "decode error for %s: %v", op, err)
		assert(t, len(instrs) == 1, "expected 1 instruction for %s", op)
		assert(t, instrs[0].Op == op, "got %s want %s", instrs[0].Op, op)
		assert(t, instrs[0].Len == 2, "simple op must be 2 bytes, got %d", instrs[0].Len)
	}
}

func TestStoreRegRoundTrip(t *testing.T) {
	for _, zx := range []bool{false, true} {
		e := NewEncoder()
		e.StoreReg(zx, SizeDword, R12)
		instrs, err := DecodeAll(e.Bytes())
		assert(t, err == nil, "decode error: %v", err)
		assert(t, instrs[0].Reg == R12, "expected r12, got %s", instrs[0].Reg)
		wantOp := OpStoreReg
		if zx {
			wantOp = OpStoreRegZx
		}
		assert(t, instrs[0].Op == wantOp, "got %s want %s", instrs[0].Op, wantOp)
	}
}

func TestJmpRoundTripAndPatch(t *testing.T) {
	e := NewEncoder()
	pos := e.Jmp(CondGE, 0xFFFFFFFF) // placeholder target
	e.Simple(OpVmExit, SizeQword)
	e.PatchJmpTarget(pos, 0x2A)

	instrs, err := DecodeAll(e.Bytes())
	assert(t, err == nil, "decode error: %v", err)
	assert(t, len(instrs) == 2, "expected 2 instructions, got %d", len(instrs))
	assert(t, instrs[0].Op == OpJmp, "expected jmp")
	assert(t, instrs[0].Cond == CondGE, "expected cond ge, got %s", instrs[0].Cond)
	assert(t, instrs[0].Imm == 0x2A, "expected patched target 0x2a, got %#x", instrs[0].Imm)
}

func TestVmExecRoundTrip(t *testing.T) {
	raw := []byte{0x48, 0x01, 0xC8} // add rax, rcx
	e := NewEncoder()
	err := e.VmExec(raw)
	assert(t, err == nil, "encode error: %v", err)

	instrs, err := DecodeAll(e.Bytes())
	assert(t, err == nil, "decode error: %v", err)
	assert(t, len(instrs) == 1, "expected 1 instruction")
	assert(t, string(instrs[0].Escape) == string(raw), "escape payload mismatch: %v vs %v", instrs[0].Escape, raw)
}

func TestVmRelocRoundTrip(t *testing.T) {
	e := NewEncoder()
	e.VmReloc(0x140000000)
	instrs, err := DecodeAll(e.Bytes())
	assert(t, err == nil, "decode error: %v", err)
	assert(t, instrs[0].Op == OpVmReloc, "expected vm_reloc")
	assert(t, instrs[0].Imm == 0x140000000, "got %#x", instrs[0].Imm)
}

func TestDecodeAllMultiInstructionProgram(t *testing.T) {
	e := NewEncoder()
	e.Const(SizeDword, 2)
	e.StoreReg(true, SizeDword, Rax)
	e.Simple(OpVmExit, SizeQword)

	instrs, err := DecodeAll(e.Bytes())
	assert(t, err == nil, "decode error: %v", err)
	assert(t, len(instrs) == 3, "expected 3 instructions, got %d", len(instrs))
	assert(t, instrs[0].Op == OpConst && instrs[0].Imm == 2, "bad instr 0")
	assert(t, instrs[1].Op == OpStoreRegZx && instrs[1].Reg == Rax, "bad instr 1")
	assert(t, instrs[2].Op == OpVmExit, "bad instr 2")
}
