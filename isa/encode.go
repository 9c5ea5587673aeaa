package isa

import (
	"encoding/binary"
	"fmt"
)

// Encoder appends bytecode instructions to an in-memory buffer. It mirrors
// the append-only text-assembler idiom the teacher VM used for its
// instruction stream, but writes the fixed binary wire format instead of
// an assembly-text form.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an empty Encoder.
func NewEncoder() *Encoder { return &Encoder{} }

// Len returns the number of bytes written so far — used by the lifter to
// record label offsets for branch fixups.
func (e *Encoder) Len() int { return len(e.buf) }

// Bytes returns the accumulated bytecode.
func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) header(op Opcode, size OpSize) {
	e.buf = append(e.buf, byte(op), byte(size))
}

// Simple emits an opcode that carries no inline operand: Load, LoadXmm,
// Store, StoreXmm, Add, Sub, Mul, Div, IDiv, Shr, And, Or, Xor, Not, Cmp,
// RotR, RotL, Combine, Split, VmAdd, VmSub, VmMul, VmCtx, VmExit.
func (e *Encoder) Simple(op Opcode, size OpSize) {
	e.header(op, size)
}

// Const pushes an immediate literal, truncated/zero-padded to size bytes
// and written little-endian, matching the machine's native byte order.
func (e *Encoder) Const(size OpSize, value uint64) {
	e.header(OpConst, size)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], value)
	e.buf = append(e.buf, tmp[:size]...)
}

// StoreReg emits StoreReg or StoreRegZx with an inline guest register id.
func (e *Encoder) StoreReg(zeroExtend bool, size OpSize, reg Reg) {
	op := OpStoreReg
	if zeroExtend {
		op = OpStoreRegZx
	}
	e.header(op, size)
	e.buf = append(e.buf, byte(reg))
}

// Jmp emits a conditional or unconditional branch to a bytecode-local
// offset. target is an offset into the same bytecode buffer the lifter is
// building; the lifter resolves forward references by patching these 8
// bytes once every label is known (see lift.Lifter.resolveFixups).
func (e *Encoder) Jmp(cond Cond, target uint64) int {
	e.header(OpJmp, SizeQword)
	e.buf = append(e.buf, byte(cond))
	pos := len(e.buf)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], target)
	e.buf = append(e.buf, tmp[:]...)
	return pos
}

// PatchJmpTarget overwrites the 8-byte target field written at the offset
// returned by Jmp, once the real bytecode offset of the destination label
// is known.
func (e *Encoder) PatchJmpTarget(pos int, target uint64) {
	binary.LittleEndian.PutUint64(e.buf[pos:pos+8], target)
}

// VmReloc emits the runtime image-rebasing opcode: it pops the absolute
// address the lifter baked in at lift time, adds
// (current_image_base - liftBase) to it, and pushes the rebased address.
func (e *Encoder) VmReloc(liftBase uint64) {
	e.header(OpVmReloc, SizeQword)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], liftBase)
	e.buf = append(e.buf, tmp[:]...)
}

// VmExec emits the native-escape opcode: raw points at the verbatim
// original instruction bytes to re-execute under VM register control. raw
// must be at most 255 bytes — true of every x86-64 instruction (max
// encoded length is 15 bytes).
func (e *Encoder) VmExec(raw []byte) error {
	if len(raw) > 255 {
		return fmt.Errorf("isa: vm_exec payload too long: %d bytes", len(raw))
	}
	e.header(OpVmExec, SizeByte)
	e.buf = append(e.buf, byte(len(raw)))
	e.buf = append(e.buf, raw...)
	return nil
}

// Instr is a single decoded bytecode instruction, as produced by Decode.
type Instr struct {
	Op     Opcode
	Size   OpSize
	Imm    uint64 // Const literal / Jmp target, depending on Op
	Cond   Cond   // valid only when Op == OpJmp
	Reg    Reg    // valid only when Op.HasRegOperand()
	Escape []byte // valid only when Op == OpVmExec
	Len    int    // total encoded length, for advancing past this instruction
}

// Decode parses a single instruction starting at data[0]. It returns the
// decoded instruction; callers advance by instr.Len to reach the next one.
// Decode is the exact inverse of Encoder's emit methods — round-tripping an
// encoded stream through Decode must reproduce every field that was written.
func Decode(data []byte) (Instr, error) {
	if len(data) < 2 {
		return Instr{}, fmt.Errorf("isa: truncated instruction header")
	}
	op := Opcode(data[0])
	size := OpSize(data[1])
	instr := Instr{Op: op, Size: size}

	switch op {
	case OpConst:
		if !size.Valid() {
			return Instr{}, fmt.Errorf("isa: invalid const size %d", size)
		}
		if len(data) < 2+int(size) {
			return Instr{}, fmt.Errorf("isa: truncated const operand")
		}
		var tmp [8]byte
		copy(tmp[:], data[2:2+int(size)])
		instr.Imm = binary.LittleEndian.Uint64(tmp[:])
		instr.Len = 2 + int(size)

	case OpStoreReg, OpStoreRegZx:
		if len(data) < 3 {
			return Instr{}, fmt.Errorf("isa: truncated store_reg operand")
		}
		instr.Reg = Reg(data[2])
		instr.Len = 3

	case OpJmp:
		if len(data) < 2+1+8 {
			return Instr{}, fmt.Errorf("isa: truncated jmp operand")
		}
		instr.Cond = Cond(data[2])
		instr.Imm = binary.LittleEndian.Uint64(data[3 : 3+8])
		instr.Len = 2 + 1 + 8

	case OpVmReloc:
		if len(data) < 2+8 {
			return Instr{}, fmt.Errorf("isa: truncated vm_reloc operand")
		}
		instr.Imm = binary.LittleEndian.Uint64(data[2 : 2+8])
		instr.Len = 2 + 8

	case OpVmExec:
		if len(data) < 3 {
			return Instr{}, fmt.Errorf("isa: truncated vm_exec length byte")
		}
		n := int(data[2])
		if len(data) < 3+n {
			return Instr{}, fmt.Errorf("isa: truncated vm_exec payload")
		}
		instr.Escape = append([]byte(nil), data[3:3+n]...)
		instr.Len = 3 + n

	case OpLoad, OpLoadXmm, OpStore, OpStoreXmm, OpAdd, OpSub, OpMul, OpDiv,
		OpIDiv, OpShr, OpAnd, OpOr, OpXor, OpNot, OpCmp, OpRotR, OpRotL,
		OpCombine, OpSplit, OpVmAdd, OpVmSub, OpVmMul, OpVmCtx, OpVmExit:
		instr.Len = 2

	default:
		return Instr{}, fmt.Errorf("isa: unknown opcode %d", op)
	}

	return instr, nil
}

// DecodeAll decodes an entire bytecode buffer into a sequence of
// instructions, the form used by VM dispatch and by round-trip tests.
func DecodeAll(data []byte) ([]Instr, error) {
	var out []Instr
	for off := 0; off < len(data); {
		instr, err := Decode(data[off:])
		if err != nil {
			return nil, fmt.Errorf("isa: decode at offset %d: %w", off, err)
		}
		out = append(out, instr)
		off += instr.Len
	}
	return out, nil
}
