package livepatch

import (
	"errors"
	"fmt"
	"os"
)

// ErrProtect is returned when memory cannot be made writable.
var ErrProtect = errors.New("unable to make memory writable")

// Protector toggles write access to code around a raw overwrite.
type Protector interface {
	// MakeWritable makes [addr, addr+size) writable and returns the
	// address the bytes must be written through.
	MakeWritable(addr uintptr, size int) (uintptr, error)

	// RestoreProtection undoes MakeWritable.
	RestoreProtection(addr uintptr, size int) error
}

// PageToggler changes the protection of whole pages.
type PageToggler interface {
	SetPagesWritable(base uintptr, pages int) error
	SetPagesReadOnly(base uintptr, pages int) error
}

// PageProtector changes the protection of the pages containing the patch
// in place.
type PageProtector struct {
	Toggler  PageToggler
	PageSize int
}

// NewPageProtector returns a PageProtector that uses the operating
// system's page protection calls.
func NewPageProtector() *PageProtector {
	return &PageProtector{
		Toggler:  systemPages{},
		PageSize: os.Getpagesize(),
	}
}

func (p *PageProtector) MakeWritable(addr uintptr, size int) (uintptr, error) {
	base, pages := pageSpan(addr, size, p.PageSize)
	if err := p.Toggler.SetPagesWritable(base, pages); err != nil {
		return 0, fmt.Errorf("%d pages at 0x%x: %w", pages, base, err)
	}
	return addr, nil
}

func (p *PageProtector) RestoreProtection(addr uintptr, size int) error {
	base, pages := pageSpan(addr, size, p.PageSize)
	if err := p.Toggler.SetPagesReadOnly(base, pages); err != nil {
		return fmt.Errorf("%d pages at 0x%x: %w", pages, base, err)
	}
	return nil
}

// pageSpan returns the first page touched by [addr, addr+size) and the
// number of pages to change.
func pageSpan(addr uintptr, size, pageSize int) (uintptr, int) {
	base := addr &^ (uintptr(pageSize) - 1)
	pages := 1

	// Crossing the end of the first page takes at least 2 pages, more for
	// large writes.
	if addr+uintptr(size) > base+uintptr(pageSize) {
		pages = 2 + size/pageSize
	}
	return base, pages
}

// Protection is the access mode of an alias segment.
type Protection int

const (
	ReadOnly Protection = iota
	ReadWrite
)

func (p Protection) String() string {
	switch p {
	case ReadOnly:
		return "read-only"
	case ReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("Protection(%d)", int(p))
	}
}

// Segment is executable code with a second, non-executable mapping of the
// same memory at Alias.
type Segment struct {
	Text  Range
	Alias uintptr
}

// Translate returns the alias address of addr.
func (s Segment) Translate(addr uintptr) uintptr {
	return s.Alias + (addr - s.Text.Start)
}

// SegmentMapper changes the protection of a whole alias segment.
type SegmentMapper interface {
	SetSegmentProtection(seg Segment, mode Protection) error
}

// AliasProtector leaves the executable mapping alone. Writes go through the
// alias, which is made writable for the duration of the write.
type AliasProtector struct {
	Segment Segment
	Mapper  SegmentMapper
}

func (p *AliasProtector) MakeWritable(addr uintptr, size int) (uintptr, error) {
	r := Range{Start: addr, Len: size}
	if !p.Segment.Text.Contains(r) {
		return 0, fmt.Errorf("%v is outside segment %v", r, p.Segment.Text)
	}
	if err := p.Mapper.SetSegmentProtection(p.Segment, ReadWrite); err != nil {
		return 0, fmt.Errorf("alias of %v: %w", p.Segment.Text, err)
	}
	return p.Segment.Translate(addr), nil
}

func (p *AliasProtector) RestoreProtection(addr uintptr, size int) error {
	if err := p.Mapper.SetSegmentProtection(p.Segment, ReadOnly); err != nil {
		return fmt.Errorf("alias of %v: %w", p.Segment.Text, err)
	}
	return nil
}
