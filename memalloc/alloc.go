// Package memalloc provides page-granular memory allocation for the VM's
// private CPU stack and its RWX native-escape scratch buffer.
package memalloc

import "fmt"

// Protection selects the page protection an allocation is made with.
type Protection int

const (
	// ReadWrite pages can be read and written but not executed. The VM
	// allocates its private CPU stack, its trampoline buffer and each
	// VmExec thunk region this way, and switches the latter two with
	// MakeExecutable once their code is written.
	ReadWrite Protection = iota
	// ReadWriteExecute pages can also be executed; it is the protection a
	// region has after MakeExecutable.
	ReadWriteExecute
)

func (p Protection) String() string {
	switch p {
	case ReadWrite:
		return "rw"
	case ReadWriteExecute:
		return "rwx"
	default:
		return fmt.Sprintf("protection(%d)", int(p))
	}
}

// Region is a page-aligned allocation. Addr is the region's base address as
// an integer, usable for pointer arithmetic when building trampolines;
// Bytes views the same memory as a Go slice.
type Region interface {
	Addr() uintptr
	Bytes() []byte
	// MakeExecutable switches a ReadWrite region to ReadWriteExecute in
	// place, used once the VM has finished writing a trampoline/thunk
	// into RW memory and is about to run it.
	MakeExecutable() error
	// Free releases the region. Region methods must not be called again
	// after Free returns.
	Free() error
}

// errUnsupportedSize is returned when a caller asks for a zero or negative
// byte count. The call sites in this codebase request vm.CPUStackSize
// (overridable from the environment), the fixed instruction-buffer size, or
// the measured length of an assembled thunk plus its scratch slots.
var errUnsupportedSize = fmt.Errorf("memalloc: size must be positive")
