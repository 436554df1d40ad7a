package livepatch

import (
	"debug/elf"
	"debug/gosym"
	"errors"
	"fmt"
	"os"
)

// ExecutableSymbols reads the symbol table of the running executable.
func ExecutableSymbols() (SymbolTable, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, err
	}
	name, addr := probe()
	return ELFSymbols(path, name, addr)
}

// ELFSymbols reads the symbol table of the ELF file at path. Stripped
// files have no .symtab, so the Go functions listed in .gopclntab are used
// instead. Link-time values are moved by the load bias, measured as the
// distance between the symbol probe and its known run-time address.
func ELFSymbols(path, probe string, probeAddr uintptr) (SymbolTable, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	table, err := symtabSymbols(f)
	if errors.Is(err, elf.ErrNoSymbols) {
		table, err = pclntabSymbols(f)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	linked, ok := table[probe]
	if !ok {
		return nil, fmt.Errorf("%s: probe symbol %s missing", path, probe)
	}
	bias := probeAddr - linked
	for name, value := range table {
		table[name] = value + bias
	}

	return table, nil
}

// symtabSymbols returns the link-time addresses in .symtab.
func symtabSymbols(f *elf.File) (StaticSymbols, error) {
	syms, err := f.Symbols()
	if err != nil {
		return nil, err
	}

	table := make(StaticSymbols, len(syms))
	for _, sym := range syms {
		if sym.Value == 0 || sym.Section == elf.SHN_UNDEF {
			continue
		}
		if _, dup := table[sym.Name]; !dup {
			table[sym.Name] = uintptr(sym.Value)
		}
	}
	return table, nil
}

// pclntabSymbols returns the link-time entry points of the Go functions in
// .gopclntab, which survives stripping.
func pclntabSymbols(f *elf.File) (StaticSymbols, error) {
	pclntab, text := f.Section(".gopclntab"), f.Section(".text")
	if pclntab == nil || text == nil {
		return nil, errors.New("no .gopclntab or .text section")
	}
	data, err := pclntab.Data()
	if err != nil {
		return nil, fmt.Errorf("reading .gopclntab: %w", err)
	}

	symTable, err := gosym.NewTable(nil, gosym.NewLineTable(data, text.Addr))
	if err != nil {
		return nil, fmt.Errorf("parsing .gopclntab: %w", err)
	}

	table := make(StaticSymbols, len(symTable.Funcs))
	for _, fn := range symTable.Funcs {
		if _, dup := table[fn.Name]; !dup && fn.Entry != 0 {
			table[fn.Name] = uintptr(fn.Entry)
		}
	}
	return table, nil
}
