//go:build arm64 && !cgo

package livepatch

// arm64 needs the instruction cache flushed after code is written and that
// takes a C compiler. Install one and build with CGO_ENABLED=1.
func cacheflush(addr uintptr, size int) {
	arm64_requires_cgo_for_instruction_cache_flushing()
}
