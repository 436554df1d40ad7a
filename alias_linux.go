package livepatch

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DualMapping is a memfd mapped twice: once read+execute for running the
// code and once as a non-executable alias used to change it. The
// executable view is never writable.
type DualMapping struct {
	fd    int
	exec  []byte
	alias []byte
}

// NewDualMapping creates a DualMapping of at least size bytes.
func NewDualMapping(size int) (*DualMapping, error) {
	pageSize := os.Getpagesize()
	size = (size + pageSize - 1) / pageSize * pageSize

	fd, err := unix.MemfdCreate("livepatch", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate: %w", err)
	}

	exec, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_EXEC, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap executable view: %w", err)
	}
	alias, err := unix.Mmap(fd, 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		unix.Munmap(exec)
		unix.Close(fd)
		return nil, fmt.Errorf("mmap alias: %w", err)
	}

	return &DualMapping{fd: fd, exec: exec, alias: alias}, nil
}

// Segment describes both views.
func (m *DualMapping) Segment() Segment {
	return Segment{
		Text:  Range{Start: uintptr(unsafe.Pointer(unsafe.SliceData(m.exec))), Len: len(m.exec)},
		Alias: uintptr(unsafe.Pointer(unsafe.SliceData(m.alias))),
	}
}

// Load copies code to the start of the mapping through the alias and
// returns the executable address of the copy.
func (m *DualMapping) Load(code []byte) (uintptr, error) {
	if len(code) > len(m.exec) {
		return 0, fmt.Errorf("%d bytes of code do not fit in a %d byte mapping", len(code), len(m.exec))
	}

	seg := m.Segment()
	if err := m.SetSegmentProtection(seg, ReadWrite); err != nil {
		return 0, err
	}
	copy(m.alias, code)
	cacheflush(seg.Text.Start, len(code))
	if err := m.SetSegmentProtection(seg, ReadOnly); err != nil {
		return 0, err
	}
	return seg.Text.Start, nil
}

// SetSegmentProtection changes the whole alias view. seg must be this
// mapping's segment or a part of it.
func (m *DualMapping) SetSegmentProtection(seg Segment, mode Protection) error {
	own := m.Segment()
	if !own.Text.Contains(seg.Text) || own.Translate(seg.Text.Start) != seg.Alias {
		return fmt.Errorf("segment %v does not belong to this mapping", seg.Text)
	}

	var prot int
	switch mode {
	case ReadOnly:
		prot = unix.PROT_READ
	case ReadWrite:
		prot = unix.PROT_READ | unix.PROT_WRITE
	default:
		return fmt.Errorf("unknown protection %v", mode)
	}
	return unix.Mprotect(m.alias, prot)
}


// Close unmaps both views.
func (m *DualMapping) Close() error {
	return errors.Join(
		unix.Munmap(m.exec),
		unix.Munmap(m.alias),
		unix.Close(m.fd),
	)
}
