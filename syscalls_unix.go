//go:build unix

package livepatch

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	mprotectRX  = unix.PROT_READ | unix.PROT_EXEC
	mprotectRWX = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC

	// Extra protection for code arena mappings; malloc adds read and
	// write.
	mmapProt = unix.PROT_EXEC

	mmapFlags = 0
)

// systemPages toggles pages with mprotect. Other threads may be executing
// the code, so "read-only" keeps execute permission and "writable" never
// drops it.
type systemPages struct{}

func (systemPages) SetPagesWritable(base uintptr, pages int) error {
	return mprotect(base, pages, mprotectRWX)
}

func (systemPages) SetPagesReadOnly(base uintptr, pages int) error {
	return mprotect(base, pages, mprotectRX)
}

func mprotect(base uintptr, pages int, flags int) error {
	region := unsafe.Slice((*byte)(unsafe.Pointer(base)), pages*unix.Getpagesize())
	return unix.Mprotect(region, flags)
}
