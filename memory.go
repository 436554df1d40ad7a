package livepatch

import (
	"fmt"
	"io"
	"unsafe"
)

// Range is a span of foreign memory given by its address and length.
type Range struct {
	Start uintptr
	Len   int
}

// End returns the first address past the range.
func (r Range) End() uintptr { return r.Start + uintptr(r.Len) }

// Contains reports whether o lies entirely inside r.
func (r Range) Contains(o Range) bool {
	return o.Len >= 0 && o.Start >= r.Start && o.End() <= r.End() && o.End() >= o.Start
}

func (r Range) String() string {
	return fmt.Sprintf("[0x%x, 0x%x)", r.Start, r.End())
}

// Memory gives access to the code being patched.
type Memory interface {
	// ReadAt reads len(p) bytes starting at addr. A short read returns
	// the number of bytes read along with an error.
	ReadAt(p []byte, addr uintptr) (int, error)

	// WriteAt writes p at addr. The memory must already be writable.
	WriteAt(p []byte, addr uintptr) error

	// Flush makes a write visible to instruction fetch on every unit.
	Flush(addr uintptr, size int)
}

// ProcessMemory accesses the address space of the current process
// directly. Addresses are trusted: reading or writing an unmapped address
// crashes the process.
type ProcessMemory struct{}

func (ProcessMemory) ReadAt(p []byte, addr uintptr) (int, error) {
	if addr == 0 {
		return 0, fmt.Errorf("read from nil address")
	}
	return copy(p, unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(p))), nil
}

func (ProcessMemory) WriteAt(p []byte, addr uintptr) error {
	if addr == 0 {
		return fmt.Errorf("write to nil address")
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(p)), p)
	return nil
}

func (ProcessMemory) Flush(addr uintptr, size int) {
	cacheflush(addr, size)
}

// BufferMemory presents a byte slice as if it were loaded at Base. All
// accesses are bounds checked.
type BufferMemory struct {
	Base uintptr
	Data []byte
}

// NewBufferMemory returns a BufferMemory over data loaded at base.
func NewBufferMemory(base uintptr, data []byte) *BufferMemory {
	return &BufferMemory{Base: base, Data: data}
}

func (m *BufferMemory) Range() Range {
	return Range{Start: m.Base, Len: len(m.Data)}
}

func (m *BufferMemory) ReadAt(p []byte, addr uintptr) (int, error) {
	if addr < m.Base || addr > m.Range().End() {
		return 0, fmt.Errorf("read at 0x%x outside %v", addr, m.Range())
	}
	n := copy(p, m.Data[addr-m.Base:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *BufferMemory) WriteAt(p []byte, addr uintptr) error {
	if !m.Range().Contains(Range{Start: addr, Len: len(p)}) {
		return fmt.Errorf("write of %d bytes at 0x%x outside %v", len(p), addr, m.Range())
	}
	copy(m.Data[addr-m.Base:], p)
	return nil
}

func (m *BufferMemory) Flush(uintptr, int) {}
