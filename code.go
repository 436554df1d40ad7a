package livepatch

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/pboyd/malloc"
)

// minCodeSize is the smallest allocation for loaded code. It keeps the
// largest default scan window (310 arm64 instructions) inside the
// allocation.
const minCodeSize = 2048

// Code is machine code loaded into executable memory.
type Code struct {
	// The data for this slice is allocated in codeMemory.
	buf []byte

	// entry holds the address of buf. A Go func value points to a word
	// holding the code address, so &entry is such a value.
	entry *uintptr
}

// LoadCode copies code into executable memory. The rest of the allocation
// is filled with pad.
func LoadCode(code []byte, pad byte) (*Code, error) {
	var buf []byte
	err := codeMemory.mutate(func(arena *malloc.Arena) error {
		var err error
		buf, err = malloc.MallocSlice[byte](arena, max(len(code), minCodeSize))
		if err != nil {
			return err
		}

		n := copy(buf, code)
		for i := n; i < len(buf); i++ {
			buf[i] = pad
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading %d bytes of code: %w", len(code), err)
	}

	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	cacheflush(addr, len(buf))

	return &Code{buf: buf, entry: &addr}, nil
}

// Addr returns the address of the first instruction.
func (c *Code) Addr() uintptr {
	return *c.entry
}

// Range returns the whole allocation.
func (c *Code) Range() Range {
	return Range{Start: c.Addr(), Len: len(c.buf)}
}

// Free releases the memory. Funcs made from c must not be called
// afterwards.
func (c *Code) Free() error {
	if c.buf == nil {
		return nil
	}

	err := codeMemory.mutate(func(arena *malloc.Arena) error {
		malloc.FreeSlice(arena, c.buf)
		return nil
	})
	if err != nil {
		return err
	}
	c.buf = nil
	return nil
}

// MakeFunc returns code as a function of type T. T must match the calling
// convention the code was written for.
func MakeFunc[T any](c *Code) T {
	// This seems too complicated. The idea is to take the buffer of
	// machine instructions and convince Go that it's really a function
	// value of type T.
	return *(*T)(unsafe.Pointer(&c.entry))
}

// FuncAt returns the code at addr as a function of type T.
func FuncAt[T any](addr uintptr) T {
	entry := new(uintptr)
	*entry = addr
	return *(*T)(unsafe.Pointer(&entry))
}

// codeArena hands out executable memory. Its pages are only writable
// inside mutate.
type codeArena struct {
	mu      sync.Mutex
	arena   *malloc.Arena
	protect func(prot int) error
}

var codeMemory = &codeArena{}

// mutate makes the arena writable, runs fn on it and makes it executable
// again. The arena is created on first use.
func (a *codeArena) mutate(fn func(*malloc.Arena) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.arena == nil {
		// Fresh mappings are read-write-execute.
		be := malloc.MmapBackend(malloc.MmapProt(mmapProt), malloc.MmapFlags(mmapFlags))
		a.protect = func(int) error { return nil }
		if protBE, ok := be.(malloc.ProtectedArenaBackend); ok {
			a.protect = protBE.Protect
		}

		a.arena = malloc.NewArena(minCodeSize, malloc.Backend(be))
		if a.arena == nil {
			return errors.New("unable to initialize code arena")
		}
	} else if err := a.protect(mprotectRWX); err != nil {
		return fmt.Errorf("making code arena writable: %w", err)
	}

	err := fn(a.arena)

	if perr := a.protect(mprotectRX); perr != nil {
		err = errors.Join(err, fmt.Errorf("making code arena executable: %w", perr))
	}
	return err
}
