//go:build arm64 && cgo

package livepatch

import "unsafe"

/*
static void cacheflush(char *start, char *end) {
	__builtin___clear_cache(start, end);
}
*/
import "C"

func cacheflush(addr uintptr, size int) {
	start := unsafe.Pointer(addr)
	end := unsafe.Pointer(addr + uintptr(size))
	C.cacheflush((*C.char)(start), (*C.char)(end))
}
