// Command shade drives the obfuscator: it resolves each requested function
// through a symbol map, lifts its native bytes into bytecode, and reports
// what would be embedded in the output PE. Writing the mutated PE itself is
// out of scope (spec.md §1 — no PE container codec); see pe's doc comment.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/xyproto/env/v2"

	"shade/isa"
	"shade/lift"
	"shade/vm"
)

// assumedLiftBase stands in for the real image's preferred load address,
// which a wired pe.Image.ImageBase() would supply once a PE codec exists.
const assumedLiftBase = 0x140000000

var (
	configPath  = flag.String("config", "", "path to the driver config (input_pe, output_pe, symbol_map, functions)")
	verboseFlag = flag.Bool("v", false, "enable verbose VM/lifter diagnostics")
)

func main() {
	flag.Parse()

	vm.Verbose = env.Bool("SHADE_VERBOSE") || *verboseFlag
	vm.VMStackSize = env.Int("SHADE_VM_STACK_SIZE", vm.VMStackSize)
	vm.CPUStackSize = env.Int("SHADE_CPU_STACK_SIZE", vm.CPUStackSize)

	if *configPath == "" {
		fmt.Println("Usage: shade -config <path>")
		os.Exit(1)
	}

	if err := run(*configPath); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	symbols, err := loadSymbolMap(cfg.SymbolMap)
	if err != nil {
		return err
	}

	var bytecode []byte
	for _, name := range cfg.Functions {
		routine, err := symbols.Resolve(name)
		if err != nil {
			return err
		}
		code, err := symbols.Code(name)
		if err != nil {
			return err
		}

		startIP := assumedLiftBase + uint64(routine.RVA)
		prog, err := lift.Lift(code, assumedLiftBase, startIP)
		if err != nil {
			return fmt.Errorf("shade: lifting %q: %w", name, err)
		}
		instrs, err := isa.DecodeAll(prog)
		if err != nil {
			return fmt.Errorf("shade: decoding lifted %q: %w", name, err)
		}

		if vm.Verbose {
			fmt.Printf("lifted %s: %d native bytes -> %d bytecode bytes (%d instructions), bytecode offset %#x\n",
				name, len(code), len(prog), len(instrs), len(bytecode))
		}
		bytecode = append(bytecode, prog...)
	}

	fmt.Printf("%d function(s) lifted, %d total bytecode bytes\n", len(cfg.Functions), len(bytecode))
	fmt.Printf("would append a %d-byte .byte section (padded to at least 0x1000 virtual bytes) to %s\n",
		len(bytecode), cfg.InputPE)
	fmt.Printf("not writing %s: no pe.Image implementation is wired (PE container codec is out of scope)\n", cfg.OutputPE)
	return nil
}
