package lift

import (
	"testing"

	"shade/isa"
)

func assert(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}

// TestLiftRetOnly mirrors spec.md §8's round-trip property directly:
// lifting a single `ret` produces exactly one VmExit of size Qword.
func TestLiftRetOnly(t *testing.T) {
	prog, err := Lift([]byte{0xC3}, 0x140000000, 0x140001000)
	assert(t, err == nil, "Lift: %v", err)

	instrs, err := isa.DecodeAll(prog)
	assert(t, err == nil, "DecodeAll: %v", err)
	assert(t, len(instrs) == 1, "expected exactly one instruction, got %d", len(instrs))
	assert(t, instrs[0].Op == isa.OpVmExit, "expected VmExit, got %v", instrs[0].Op)
	assert(t, instrs[0].Size == isa.SizeQword, "expected SizeQword, got %v", instrs[0].Size)
}

// TestLiftMovRegReg covers "mov rax, rcx; ret" (48 89 c8 c3): the bytecode
// should decode cleanly and terminate with VmExit.
func TestLiftMovRegReg(t *testing.T) {
	code := []byte{0x48, 0x89, 0xC8, 0xC3}
	prog, err := Lift(code, 0x140000000, 0x140001000)
	assert(t, err == nil, "Lift: %v", err)

	instrs, err := isa.DecodeAll(prog)
	assert(t, err == nil, "DecodeAll: %v", err)
	assert(t, len(instrs) > 1, "expected more than one bytecode instruction")
	last := instrs[len(instrs)-1]
	assert(t, last.Op == isa.OpVmExit, "expected trailing VmExit, got %v", last.Op)
}

// TestLiftLoopBranchResolves exercises the fixup pass on a backward branch:
// "L: sub rax,1; cmp rax,rdx; jg L; ret" (spec.md §8 scenario 3's shape).
// sub rax,1 -> 48 83 e8 01; cmp rax,rdx -> 48 39 d0; jg L (rel8, -9) -> 7f f7; ret -> c3.
func TestLiftLoopBranchResolves(t *testing.T) {
	code := []byte{
		0x48, 0x83, 0xE8, 0x01, // sub rax, 1
		0x48, 0x39, 0xD0, // cmp rax, rdx
		0x7F, 0xF7, // jg L (back to sub rax,1): rel8 = loopStart(0) - nextIP(9) = -9
		0xC3, // ret
	}
	prog, err := Lift(code, 0x140000000, 0x140001000)
	assert(t, err == nil, "Lift: %v", err)

	instrs, err := isa.DecodeAll(prog)
	assert(t, err == nil, "DecodeAll: %v", err)

	sawJmp := false
	for _, in := range instrs {
		if in.Op == isa.OpJmp {
			sawJmp = true
			assert(t, in.Cond == isa.CondG, "expected CondG, got %v", in.Cond)
			assert(t, int(in.Imm) < len(prog), "jmp target %d out of bounds (len %d)", in.Imm, len(prog))
		}
	}
	assert(t, sawJmp, "expected a Jmp instruction in the lifted program")
	assert(t, instrs[len(instrs)-1].Op == isa.OpVmExit, "expected trailing VmExit")
}

// TestLiftUnsupportedEscapes covers an instruction this lifter doesn't
// classify (shl, which has no dedicated opcode — see DESIGN.md decision 6):
// it must still lift successfully via VmExec rather than error.
func TestLiftUnsupportedEscapes(t *testing.T) {
	code := []byte{
		0x48, 0xC1, 0xE0, 0x02, // shl rax, 2
		0xC3, // ret
	}
	prog, err := Lift(code, 0x140000000, 0x140001000)
	assert(t, err == nil, "Lift: %v", err)

	instrs, err := isa.DecodeAll(prog)
	assert(t, err == nil, "DecodeAll: %v", err)

	sawEscape := false
	for _, in := range instrs {
		if in.Op == isa.OpVmExec {
			sawEscape = true
			assert(t, len(in.Escape) == 4, "expected 4-byte escape payload, got %d", len(in.Escape))
		}
	}
	assert(t, sawEscape, "expected shl to lower via VmExec")
}

// TestLiftCallEscapes confirms call always routes to VmExec (DESIGN.md
// decision 12), never a bytecode-side call/return.
func TestLiftCallEscapes(t *testing.T) {
	code := []byte{
		0xFF, 0xD0, // call rax
		0xC3, // ret
	}
	prog, err := Lift(code, 0x140000000, 0x140001000)
	assert(t, err == nil, "Lift: %v", err)

	instrs, err := isa.DecodeAll(prog)
	assert(t, err == nil, "DecodeAll: %v", err)
	assert(t, instrs[0].Op == isa.OpVmExec, "expected call to escape via VmExec, got %v", instrs[0].Op)
}
