//go:build windows

package lift

import (
	"testing"
	"unsafe"

	"shade/vm"
)


func runLifted(t *testing.T, code []byte, args ...uint64) uint64 {
	t.Helper()
	const liftBase = 0x140000000
	prog, err := Lift(code, liftBase, liftBase+0x1000)
	assert(t, err == nil, "Lift: %v", err)

	m, err := vm.NewMachine(prog, liftBase, vm.DispatchSwitch)
	assert(t, err == nil, "NewMachine: %v", err)
	defer m.Close()
	for i, a := range args {
		m.SetArg(i, a)
	}
	res, err := m.Run()
	assert(t, err == nil, "Run: %v", err)
	return res
}

// TestScenarioShellcodeSquare is spec.md §8 scenario 1: store ecx at
// [rsp+8], load eax from [rsp+8], imul eax,[rsp+8], ret.
func TestScenarioShellcodeSquare(t *testing.T) {
	code := []byte{
		0x89, 0x4C, 0x24, 0x08, // mov [rsp+8], ecx
		0x8B, 0x44, 0x24, 0x08, // mov eax, [rsp+8]
		0x0F, 0xAF, 0x44, 0x24, 0x08, // imul eax, [rsp+8]
		0xC3, // ret
	}
	assert(t, runLifted(t, code, 2) == 4, "f(2) should be 4")
	assert(t, runLifted(t, code, 6) == 36, "f(6) should be 36")
}

// TestScenarioXorZeroExtends is spec.md §8 scenario 2: mov rax,rcx;
// xor eax,eax; ret.
func TestScenarioXorZeroExtends(t *testing.T) {
	code := []byte{
		0x48, 0x89, 0xC8, // mov rax, rcx
		0x31, 0xC0, // xor eax, eax
		0xC3, // ret
	}
	assert(t, runLifted(t, code, 69) == 0, "f(69) should be 0")
}

// TestScenarioDecrementLoop is spec.md §8 scenario 3: mov rax,rcx;
// L: sub rax,1; cmp rax,rdx; jg L; ret.
func TestScenarioDecrementLoop(t *testing.T) {
	code := []byte{
		0x48, 0x89, 0xC8, // mov rax, rcx
		0x48, 0x83, 0xE8, 0x01, // L: sub rax, 1
		0x48, 0x39, 0xD0, // cmp rax, rdx
		0x7F, 0xF7, // jg L
		0xC3, // ret
	}
	assert(t, int64(runLifted(t, code, 21, 0)) == 0, "f(21,0) should be 0")
	assert(t, int64(runLifted(t, code, uint64(int64(-2)), 0)) == -3, "f(-2,0) should be -3")
}

// TestScenarioDivWithRemainder is spec.md §8 scenario 4: mov eax,10;
// mov r8,8; xor edx,edx; div r8; mov [rcx],edx; ret.
func TestScenarioDivWithRemainder(t *testing.T) {
	code := []byte{
		0xB8, 0x0A, 0x00, 0x00, 0x00, // mov eax, 10
		0x49, 0xB8, 0x08, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // mov r8, 8
		0x31, 0xD2, // xor edx, edx
		0x49, 0xF7, 0xF0, // div r8
		0x89, 0x11, // mov [rcx], edx
		0xC3, // ret
	}
	var remainder uint64 = 0xAAAAAAAA // sentinel, overwritten if the store runs
	quotient := runLifted(t, code, uint64(uintptr(unsafe.Pointer(&remainder))))
	assert(t, quotient == 1, "quotient should be 1, got %d", quotient)
	assert(t, uint32(remainder) == 2, "remainder should be 2, got %d", remainder)
}

// TestScenarioIncDecByte is spec.md §8 scenario 5: inc cl; mov rax,rcx;
// ret / dec cl; mov rax,rcx; ret.
func TestScenarioIncDecByte(t *testing.T) {
	incCode := []byte{
		0xFE, 0xC1, // inc cl
		0x48, 0x89, 0xC8, // mov rax, rcx
		0xC3, // ret
	}
	assert(t, runLifted(t, incCode, 1) == 2, "inc: f(1) should be 2")

	decCode := []byte{
		0xFE, 0xC9, // dec cl
		0x48, 0x89, 0xC8, // mov rax, rcx
		0xC3, // ret
	}
	assert(t, runLifted(t, decCode, 1) == 0, "dec: f(1) should be 0")
}

// TestScenarioXmmRoundTrip is spec.md §8 scenario 6: mov rax, MAX64;
// movq xmm1, rax; pinsrq xmm1, rax, 1; movups [rcx], xmm1; ret — writes
// 2^128-1 through rcx. movq/pinsrq/movups aren't in this lifter's classify
// table (see DESIGN.md decision 13), so all three execute as VmExec native
// escapes; only the surrounding mov/ret are true bytecode.
func TestScenarioXmmRoundTrip(t *testing.T) {
	code := []byte{
		0x48, 0xB8, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, // mov rax, 0xFFFFFFFFFFFFFFFF
		0x66, 0x48, 0x0F, 0x6E, 0xC8, // movq xmm1, rax
		0x66, 0x48, 0x0F, 0x3A, 0x22, 0xC8, 0x01, // pinsrq xmm1, rax, 1
		0x0F, 0x11, 0x09, // movups [rcx], xmm1
		0xC3, // ret
	}
	var out [16]byte
	runLifted(t, code, uint64(uintptr(unsafe.Pointer(&out[0]))))
	for i, b := range out {
		assert(t, b == 0xFF, "byte %d: expected 0xFF, got %#x", i, b)
	}
}
