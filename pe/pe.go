// Package pe defines the contract this system needs from a PE container
// library without implementing one. Parsing, section layout, and on-disk
// image mutation are explicitly out of scope (spec.md §1): a real driver
// wires an external PE library (exe, peparser, debug/pe-plus-writer, ...)
// behind these interfaces.
package pe

import "fmt"

// Image is the PE mutation surface the driver needs once a function has been
// lifted to bytecode: append the bytecode and interpreter as new sections,
// patch the original function bytes with a trampoline into the interpreter,
// and persist the result. Grounded on original_source/core/src/lib.rs's
// Obfuscator methods (add_section/patch_fn/recreate_image+save), minus the
// exe crate's concrete parsing this package does not reimplement.
type Image interface {
	// ImageBase returns the preferred load address recorded in the optional
	// header, the value VmReloc's delta is computed against at runtime.
	ImageBase() uint64

	// RVAToFileOffset converts a relative virtual address into a file
	// offset, the translation needed to read or patch a routine's original
	// bytes on disk.
	RVAToFileOffset(rva uint32) (uint32, error)

	// AppendSection adds a new section with the given raw bytes, padding
	// the section's virtual size up to virtualSize if it is larger than
	// len(data) (core/src/lib.rs reserves 0x1000 virtual bytes for its
	// bytecode section regardless of actual length; callers needing that
	// same headroom pass it here rather than relying on raw data length).
	// It returns the new section's starting RVA.
	AppendSection(name string, data []byte, virtualSize uint32, characteristics uint32) (Section, error)

	// WriteBytesAtOffset overwrites len(data) bytes at the given file
	// offset, the primitive patch_fn uses to replace a routine's entry with
	// a push-bytecode-RVA, jmp-into-interpreter trampoline, and remove_routine
	// uses to stamp the remainder of the original routine with 0xCC filler.
	WriteBytesAtOffset(offset uint32, data []byte) error

	// Save writes the mutated image to path, the final step of
	// Obfuscator::virtualize (recreate_image + save).
	Save(path string) error
}

// Section describes a section Image.AppendSection has just created.
type Section struct {
	VirtualAddress uint32
	VirtualSize    uint32
	RawSize        uint32
}

// Characteristics mirrors the handful of ImageSectionHeader characteristic
// flags core/src/lib.rs sets explicitly on the bytecode and interpreter
// sections it adds.
const (
	CharacteristicMemRead    uint32 = 0x40000000
	CharacteristicMemExecute uint32 = 0x20000000
	CharacteristicCntCode    uint32 = 0x00000020
)

// Routine names one contiguous range of original machine code to replace
// with a virtualized trampoline: an RVA and a byte length, exactly the pair
// original_source/core/src/lib.rs's Routine struct carries.
type Routine struct {
	RVA uint32
	Len int
}

// SymbolResolver maps a function name to the Routine it occupies in the
// target image — the contract a .map-file reader (out of scope here, per
// spec.md §1) fulfills for the driver.
type SymbolResolver interface {
	Resolve(name string) (Routine, error)
}

// ErrSymbolNotFound reports a name SymbolResolver couldn't find. Its text is
// preserved verbatim from original_source/core/src/lib.rs's add_function,
// which the driver surfaces unchanged on lookup failure.
type ErrSymbolNotFound struct {
	Name string
}

func (e *ErrSymbolNotFound) Error() string {
	return fmt.Sprintf("couldn't find function '%s'", e.Name)
}
