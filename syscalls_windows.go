//go:build windows

package livepatch

import (
	"syscall"

	"golang.org/x/sys/windows"
)

const (
	// malloc turns PAGE_EXECUTE into PAGE_EXECUTE_READWRITE for new
	// mappings.
	mmapProt = windows.PAGE_EXECUTE

	mprotectRX  = windows.PAGE_EXECUTE_READ
	mprotectRWX  = windows.PAGE_EXECUTE_READWRITE

	mmapFlags = 0
)

type systemPages struct{}

func (systemPages) SetPagesWritable(base uintptr, pages int) error {
	return virtualProtect(base, pages, mprotectRWX)
}

func (systemPages) SetPagesReadOnly(base uintptr, pages int) error {
	return virtualProtect(base, pages, mprotectRX)
}

func virtualProtect(base uintptr, pages int, flags uint32) error {
	var oldFlags uint32
	return windows.VirtualProtect(base, uintptr(pages*syscall.Getpagesize()), flags, &oldFlags)
}
