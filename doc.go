// Patch machine code of a running program
//
// This package rewrites a few bytes of executable memory while the program
// keeps running. A Patcher finds a routine by name, looks for a fixed
// compare followed by a "greater than" branch and turns the branch into an
// unconditional jump to the same target. Reverting writes the original
// bytes back.
//
// The write happens while every CPU the process may use is parked in a
// worker goroutine that is pinned to it. One worker makes the code
// writable, overwrites it, flushes the instruction cache and restores the
// protection; then all of them are released.
//
// Memory can be made writable in place (page protection) or the write can
// go through a second, non-executable mapping of the same code (see
// DualMapping).
//
// Limitations:
//   - Only amd64 and arm64 patterns are recognized
//   - Goroutines cannot disable preemption, so a parked unit can still be
//     interrupted by the kernel
//   - Relies on internal Go APIs that can break at any time
//   - Patching the Go text segment in place needs it to be mappable as
//     writable, which hardened kernels may refuse
package livepatch
