package main

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config is the driver's JSON input, the {input_pe, output_pe, symbol_map,
// functions} shape spec.md §6 assigns to "the lifter driver" (as distinct
// from the core ISA/VM, which takes no configuration of its own).
type Config struct {
	InputPE   string   `json:"input_pe"`
	OutputPE  string   `json:"output_pe"`
	SymbolMap string   `json:"symbol_map"`
	Functions []string `json:"functions"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("shade: reading config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("shade: parsing config: %w", err)
	}
	if cfg.InputPE == "" {
		return nil, fmt.Errorf("shade: config missing input_pe")
	}
	if cfg.SymbolMap == "" {
		return nil, fmt.Errorf("shade: config missing symbol_map")
	}
	if len(cfg.Functions) == 0 {
		return nil, fmt.Errorf("shade: config lists no functions")
	}
	return &cfg, nil
}
