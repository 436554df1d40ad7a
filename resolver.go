package livepatch

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"sync"
)

// ErrNotFound is returned when a symbol cannot be resolved.
var ErrNotFound = errors.New("symbol not found")

// SymbolTable maps names to load addresses.
type SymbolTable interface {
	Lookup(name string) (uintptr, bool)
}

// StaticSymbols is a fixed table, typically of code loaded at run time.
type StaticSymbols map[string]uintptr

func (s StaticSymbols) Lookup(name string) (uintptr, bool) {
	addr, ok := s[name]
	return addr, ok
}

// Resolver turns names into addresses. Its tables are searched in order.
// When none of them knows a name, a fallback table is built on first use
// and consulted from then on.
type Resolver struct {
	tables   []SymbolTable
	fallback func() (SymbolTable, error)

	fallbackOnce  sync.Once
	fallbackTable SymbolTable
	fallbackErr   error
}

// NewResolver returns a Resolver over tables. With no tables it uses the Go
// runtime's function table. Either way the symbol table of the running
// executable is the fallback.
func NewResolver(tables ...SymbolTable) *Resolver {
	if len(tables) == 0 {
		tables = []SymbolTable{RuntimeSymbols()}
	}
	return &Resolver{
		tables:   tables,
		fallback: ExecutableSymbols,
	}
}

// Resolve returns the address of name.
func (r *Resolver) Resolve(name string) (uintptr, error) {
	for _, t := range r.tables {
		if addr, ok := t.Lookup(name); ok && addr != 0 {
			return addr, nil
		}
	}

	if r.fallback != nil {
		r.fallbackOnce.Do(func() {
			r.fallbackTable, r.fallbackErr = r.fallback()
		})
		if r.fallbackErr != nil {
			return 0, fmt.Errorf("%w: %s (fallback table unavailable: %v)", ErrNotFound, name, r.fallbackErr)
		}
		if addr, ok := r.fallbackTable.Lookup(name); ok && addr != 0 {
			return addr, nil
		}
	}

	return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// SegmentResolver finds the range between two symbols.
type SegmentResolver interface {
	Segment(start, end string) (Range, error)
}

// Segment resolves start and end to the range between them.
func (r *Resolver) Segment(start, end string) (Range, error) {
	startAddr, err := r.Resolve(start)
	if err != nil {
		return Range{}, err
	}
	endAddr, err := r.Resolve(end)
	if err != nil {
		return Range{}, err
	}
	if endAddr <= startAddr {
		return Range{}, fmt.Errorf("segment %s-%s is empty: 0x%x-0x%x", start, end, startAddr, endAddr)
	}
	return Range{Start: startAddr, Len: int(endAddr - startAddr)}, nil
}

// FuncRange returns the extent of the Go function containing addr.
func FuncRange(addr uintptr) (Range, error) {
	info := findfunc(addr)
	if info._func == nil || info.datap == nil {
		return Range{}, fmt.Errorf("%w: no function at 0x%x", ErrNotFound, addr)
	}
	entry := info.datap.text + uintptr(info.entryOff)
	return Range{Start: entry, Len: info.datap.funcLength(entry)}, nil
}

//go:noinline
func probeAnchor() {}

// probe returns the name and run-time address of a routine every build of
// this package contains.
func probe() (string, uintptr) {
	addr := reflect.ValueOf(probeAnchor).Pointer()
	return runtime.FuncForPC(addr).Name(), addr
}

type runtimeSymbols struct {
	once  sync.Once
	names map[string]uintptr
}

var goSymbols = &runtimeSymbols{}

// RuntimeSymbols returns the table of every Go function in the module
// containing this package, plus runtime.text and runtime.etext.
func RuntimeSymbols() SymbolTable {
	return goSymbols
}

func (t *runtimeSymbols) Lookup(name string) (uintptr, bool) {
	t.once.Do(t.load)
	addr, ok := t.names[name]
	return addr, ok
}

func (t *runtimeSymbols) load() {
	t.names = map[string]uintptr{}

	_, addr := probe()
	info := findfunc(addr)
	datap := info.datap
	if datap == nil || len(datap.ftab) == 0 {
		return
	}

	// The last ftab entry marks the end of the text segment.
	for _, ft := range datap.ftab[:len(datap.ftab)-1] {
		f := datap.funcAt(ft)
		if f == nil {
			continue
		}
		name := datap.funcName(f.nameOff)
		if name == "" {
			continue
		}
		if _, dup := t.names[name]; !dup {
			t.names[name] = datap.text + uintptr(ft.entryoff)
		}
	}

	t.names["runtime.text"] = datap.text
	t.names["runtime.etext"] = datap.etext
}
