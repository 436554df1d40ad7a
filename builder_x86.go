package livepatch

import (
	"bytes"
	"encoding/binary"
	"math"
)

const (
	opcodeJMP  = 0xe9 // JMP rel32
	opcodeNOP  = 0x90
	opcodeINT3 = 0xcc

	jgSize  = 6 // 0F 8F rel32
	jmpSize = 5 // E9 rel32
)

var (
	// cmp edx, 0x40
	x86AnchorCmpEDX = []byte{0x83, 0xfa, 0x40}

	// jg rel32
	x86BranchJG = []byte{0x0f, 0x8f}
)

// X86Builder turns the first "jg rel32" following a "cmp edx, 0x40" into an
// unconditional "jmp rel32" to the same target.
//
// We'll patch: jg <dist>  (6 bytes)
// into:        jmp <dist> (5 bytes)
//
//	nop        (1 byte)
type X86Builder struct {
	// Anchor is the instruction that marks the neighborhood of the branch.
	Anchor []byte

	// AnchorWindow is the number of offsets from the function entry
	// where the anchor may start.
	AnchorWindow int

	// BranchWindow is the number of offsets from the anchor where the
	// branch may start.
	BranchWindow int
}

// NewX86Builder returns an X86Builder with the default pattern.
func NewX86Builder() *X86Builder {
	return &X86Builder{
		Anchor:       x86AnchorCmpEDX,
		AnchorWindow: 300,
		BranchWindow: 20,
	}
}

func (b *X86Builder) Build(mem Memory, base uintptr) (*Record, error) {
	code, err := readWindow(mem, base, b.AnchorWindow+b.BranchWindow+jgSize)
	if err != nil {
		return nil, b.fail(base, err)
	}

	anchor := -1
	for i := 0; i < b.AnchorWindow && i+len(b.Anchor) <= len(code); i++ {
		if bytes.Equal(code[i:i+len(b.Anchor)], b.Anchor) {
			anchor = i
			break
		}
	}
	if anchor < 0 {
		return nil, b.fail(base, ErrAnchorNotFound)
	}

	jg := -1
	for i := 0; i < b.BranchWindow && anchor+i+jgSize <= len(code); i++ {
		if bytes.Equal(code[anchor+i:anchor+i+len(x86BranchJG)], x86BranchJG) {
			jg = anchor + i
			break
		}
	}
	if jg < 0 {
		return nil, b.fail(base, ErrBranchNotFound)
	}

	original := code[jg : jg+jgSize]
	replacement, err := jgToJMP(original)
	if err != nil {
		return nil, b.fail(base, err)
	}

	return NewRecord(base+uintptr(jg), original, replacement)
}

func (b *X86Builder) fail(base uintptr, err error) error {
	return &BuildError{Base: base, Arch: "amd64", Err: err}
}

// jgToJMP re-encodes a 6 byte jg rel32 as a 5 byte jmp rel32 plus a NOP.
// Both are relative to the end of their own instruction, so the
// displacement grows by one.
func jgToJMP(jg []byte) ([]byte, error) {
	disp := int32(binary.LittleEndian.Uint32(jg[2:]))
	if disp == math.MaxInt32 {
		return nil, ErrOutOfRange
	}

	jumpDistance := int64(disp) + jgSize

	buf := make([]byte, jgSize)
	buf[0] = opcodeJMP
	binary.LittleEndian.PutUint32(buf[1:], uint32(int32(jumpDistance-jmpSize)))
	buf[jmpSize] = opcodeNOP
	return buf, nil
}
