package vm

import "shade/isa"

// rflags bit positions this interpreter tracks. Only the flags the lifted
// arithmetic/compare/shift/rotate handlers and VmExec's native escapes
// depend on are modeled.
const (
	flagCF uint64 = 1 << 0
	flagPF uint64 = 1 << 2
	flagAF uint64 = 1 << 4
	flagZF uint64 = 1 << 6
	flagSF uint64 = 1 << 7
	flagOF uint64 = 1 << 11
)

func signBit(size isa.OpSize) uint64 { return 1 << (size.Bits() - 1) }

func mask(size isa.OpSize) uint64 {
	if size == isa.SizeQword {
		return ^uint64(0)
	}
	return 1<<(size.Bits()) - 1
}

func parity(b byte) bool {
	b ^= b >> 4
	b ^= b >> 2
	b ^= b >> 1
	return b&1 == 0
}

func (m *Machine) setFlag(bit uint64, set bool) {
	if set {
		m.rflags |= bit
	} else {
		m.rflags &^= bit
	}
}

func (m *Machine) flag(bit uint64) bool { return m.rflags&bit != 0 }

// setZSP sets ZF/SF/PF from a result of the given width — the common tail
// of every arithmetic, logic and compare handler.
func (m *Machine) setZSP(result uint64, size isa.OpSize) {
	r := result & mask(size)
	m.setFlag(flagZF, r == 0)
	m.setFlag(flagSF, r&signBit(size) != 0)
	m.setFlag(flagPF, parity(byte(r)))
}

// setAddFlags computes CF/OF for an addition a+b=result at the given width.
func (m *Machine) setAddFlags(a, b, result uint64, size isa.OpSize) {
	w := mask(size)
	m.setFlag(flagCF, (result&^w) != 0 || result < a&w)
	signA := a&signBit(size) != 0
	signB := b&signBit(size) != 0
	signR := result&signBit(size) != 0
	m.setFlag(flagOF, signA == signB && signA != signR)
	m.setZSP(result, size)
}

// setSubFlags computes CF/OF for a subtraction a-b=result at the given
// width — used by both Sub and Cmp (Cmp discards the result, keeps flags).
func (m *Machine) setSubFlags(a, b, result uint64, size isa.OpSize) {
	m.setFlag(flagCF, (a&mask(size)) < (b&mask(size)))
	signA := a&signBit(size) != 0
	signB := b&signBit(size) != 0
	signR := result&signBit(size) != 0
	m.setFlag(flagOF, signA != signB && signA != signR)
	m.setZSP(result, size)
}
