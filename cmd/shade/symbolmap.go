package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"shade/pe"
)

// jsonSymbolMap is the driver's stand-in for a real .map-file reader:
// spec.md §1 puts ".map parsing" explicitly out of scope, so rather than
// implementing one, this reads a small JSON document carrying exactly what
// a genuine resolver would hand back — each function's RVA and byte length
// — plus (since no pe.Image implementation exists either, per SPEC_FULL.md
// C7) the function's own raw machine code, hex-encoded, so the driver has
// something concrete to lift without needing to read a real PE on disk.
type jsonSymbolMap struct {
	entries map[string]symbolEntry
}

type symbolEntry struct {
	RVA  uint32 `json:"rva"`
	Len  int    `json:"len"`
	Code string `json:"code"` // hex-encoded raw bytes, length == Len
}

func loadSymbolMap(path string) (*jsonSymbolMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("shade: reading symbol map: %w", err)
	}
	var raw map[string]symbolEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("shade: parsing symbol map: %w", err)
	}
	return &jsonSymbolMap{entries: raw}, nil
}

// Resolve implements pe.SymbolResolver. The error text matches
// original_source/core/src/lib.rs's add_function exactly (see pe.ErrSymbolNotFound).
func (m *jsonSymbolMap) Resolve(name string) (pe.Routine, error) {
	e, ok := m.entries[name]
	if !ok {
		return pe.Routine{}, &pe.ErrSymbolNotFound{Name: name}
	}
	return pe.Routine{RVA: e.RVA, Len: e.Len}, nil
}

// Code returns the raw bytes recorded for name, the extraction step a real
// pe.Image.RVAToFileOffset plus a file read would perform against an actual
// input_pe (out of scope here — see pe package doc comment).
func (m *jsonSymbolMap) Code(name string) ([]byte, error) {
	e, ok := m.entries[name]
	if !ok {
		return nil, &pe.ErrSymbolNotFound{Name: name}
	}
	code, err := hex.DecodeString(e.Code)
	if err != nil {
		return nil, fmt.Errorf("shade: decoding code for %q: %w", name, err)
	}
	if len(code) != e.Len {
		return nil, fmt.Errorf("shade: %q: code length %d does not match declared len %d", name, len(code), e.Len)
	}
	return code, nil
}
