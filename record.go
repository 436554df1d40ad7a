package livepatch

import (
	"bytes"
	"fmt"
)

// MaxPatchSize is the largest instruction sequence a Record can describe.
const MaxPatchSize = 20

// Record describes one reversible in-place code modification. It is
// immutable: the constructor and the accessors copy the byte slices.
type Record struct {
	addr        uintptr
	original    []byte
	replacement []byte
}

// NewRecord returns a Record replacing original with replacement at addr.
// Both sequences must have the same, non-zero length of at most
// MaxPatchSize bytes.
func NewRecord(addr uintptr, original, replacement []byte) (*Record, error) {
	if len(original) != len(replacement) {
		return nil, fmt.Errorf("size mismatch: original is %d bytes, replacement is %d bytes", len(original), len(replacement))
	}
	if len(original) == 0 || len(original) > MaxPatchSize {
		return nil, fmt.Errorf("invalid patch size %d (must be 1-%d bytes)", len(original), MaxPatchSize)
	}

	return &Record{
		addr:        addr,
		original:    bytes.Clone(original),
		replacement: bytes.Clone(replacement),
	}, nil
}

// Addr returns the address of the first patched byte.
func (r *Record) Addr() uintptr { return r.addr }

// Size returns the number of patched bytes.
func (r *Record) Size() int { return len(r.original) }

// Original returns a copy of the bytes found at Addr when the record was
// built.
func (r *Record) Original() []byte { return bytes.Clone(r.original) }

// Replacement returns a copy of the bytes written by the patch.
func (r *Record) Replacement() []byte { return bytes.Clone(r.replacement) }

// Range returns the memory covered by the patch.
func (r *Record) Range() Range { return Range{Start: r.addr, Len: len(r.original)} }

// Reverse returns the record that undoes r.
func (r *Record) Reverse() *Record {
	return &Record{
		addr:        r.addr,
		original:    bytes.Clone(r.replacement),
		replacement: bytes.Clone(r.original),
	}
}

func (r *Record) String() string {
	return fmt.Sprintf("patch at 0x%x (%d bytes): % x -> % x", r.addr, len(r.original), r.original, r.replacement)
}
