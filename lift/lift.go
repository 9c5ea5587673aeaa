// Package lift translates x86-64 machine code into the bytecode alphabet
// defined by shade/isa, per spec.md §4.3. It decodes with
// golang.org/x/arch/x86/x86asm, classifies each instruction, and emits the
// corresponding sequence of isa.Encoder calls. An instruction whose mnemonic
// it does not classify falls back to a VmExec native escape rather than
// failing the lift; a classified instruction whose operands it cannot model
// (a non-GPR register, for example) fails the lift with an error.
package lift

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"shade/isa"
)

// Lifter holds the state threaded through one Lift call: the bytecode being
// built, the image base assumed while baking in absolute addresses, and the
// label/fixup bookkeeping needed to resolve intra-function branches once
// every instruction has been visited.
type Lifter struct {
	enc      *isa.Encoder
	liftBase uint64
	startIP  uint64

	labels map[uint64]int // native IP -> bytecode offset
	fixups []fixup
}

type fixup struct {
	pos      int
	targetIP uint64
}

// Lift decodes code — the raw bytes of one native function, assumed to sit
// at startIP once the containing image is loaded at liftBase — and returns
// the lowered bytecode program. code must represent a single routine whose
// only fall-through exit is a ret (lowered to VmExit); internal branches
// must target offsets inside code itself, or the fixup pass fails.
func Lift(code []byte, liftBase, startIP uint64) ([]byte, error) {
	l := &Lifter{
		enc:      isa.NewEncoder(),
		liftBase: liftBase,
		startIP:  startIP,
		labels:   make(map[uint64]int),
	}
	if err := l.run(code); err != nil {
		return nil, err
	}
	if err := l.resolveFixups(); err != nil {
		return nil, err
	}
	return l.enc.Bytes(), nil
}

func (l *Lifter) run(code []byte) error {
	off := 0
	for off < len(code) {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			return fmt.Errorf("lift: decode at +%#x: %w", off, err)
		}
		if inst.Len == 0 {
			return fmt.Errorf("lift: zero-length decode at +%#x", off)
		}
		ip := l.startIP + uint64(off)
		nextIP := ip + uint64(inst.Len)
		l.labels[ip] = l.enc.Len()
		raw := code[off : off+inst.Len]
		if err := l.lower(inst, raw, ip, nextIP); err != nil {
			return fmt.Errorf("lift: lower %v at +%#x: %w", inst.Op, off, err)
		}
		off += inst.Len
	}
	return nil
}

func (l *Lifter) resolveFixups() error {
	for _, fx := range l.fixups {
		target, ok := l.labels[fx.targetIP]
		if !ok {
			return fmt.Errorf("lift: branch target %#x falls outside the lifted window", fx.targetIP)
		}
		l.enc.PatchJmpTarget(fx.pos, uint64(target))
	}
	return nil
}

// lowerEscape emits a VmExec carrying the instruction's own original bytes,
// the fallback spec.md §4.3 point 5 sanctions for anything the lifter
// doesn't classify: call, indirect/far branches,
// shl/sar (no dedicated opcode — see DESIGN.md), and any instruction family
// this lifter doesn't otherwise recognize.
func (l *Lifter) lowerEscape(raw []byte) error {
	return l.enc.VmExec(raw)
}
