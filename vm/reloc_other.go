//go:build !windows

package vm

// execNative assembles and runs raw machine code in memory obtained from
// memalloc.Alloc, and relocDelta queries memalloc.CurrentImageBase; both
// are windows-only (see memalloc/alloc_other.go) — this system targets
// Windows PE guests exclusively (spec non-goal), so there is no portable
// fallback. ctxAddr is stubbed alongside them. These stubs exist only so
// shade/lift, which imports this package for RegsOffset and is otherwise
// cross-platform, still compiles on a non-Windows GOOS; calling any of them
// is a programming error on this platform, not a recoverable condition.

func (m *Machine) execNative(raw []byte) {
	panic(&FaultError{Err: errNativeUnsupported, Offset: m.pc})
}

func (m *Machine) relocDelta(liftBase uint64) uint64 {
	panic(&FaultError{Err: errNativeUnsupported, Offset: m.pc})
}

func (m *Machine) ctxAddr() uintptr {
	panic(&FaultError{Err: errNativeUnsupported, Offset: m.pc})
}
