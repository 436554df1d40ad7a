package livepatch

import "encoding/binary"

const (
	// cmp w2, #0x40 (subs wzr, w2, #0x40)
	arm64AnchorCmpW2 = uint32(0x7101005f)

	// B.cond is encoded as:
	// ----------------------------------------------
	// | 01010100 | ... 19 bit offset ... | 0 | cond |
	// ----------------------------------------------
	bcondMask = uint32(0xff00001f)
	bcondGT   = uint32(0x54000000 | 0xc)

	imm19Mask    = uint32(1<<19 - 1)
	imm19SignBit = uint32(1 << 18)

	// Bits 19 to 25: widening a negative imm19 to 26 bits sets them all.
	imm26SignExtension = uint32(0x7f << 19)

	// -----------------------------------
	// | 000101 | ... 26 bit address ... |
	// -----------------------------------
	opcodeB = uint32(5 << 26)

	arm64InsnSize = 4
)

// ARM64Builder turns the first b.gt following a fixed compare instruction
// into an unconditional b to the same target.
type ARM64Builder struct {
	// AnchorWord is the exact encoding of the anchor instruction.
	AnchorWord uint32

	// AnchorWindow is the number of instructions from the function entry
	// searched for the anchor.
	AnchorWindow int

	// BranchWindow is the number of instructions, starting at the anchor,
	// searched for the branch.
	BranchWindow int
}

// NewARM64Builder returns an ARM64Builder with the default pattern.
func NewARM64Builder() *ARM64Builder {
	return &ARM64Builder{
		AnchorWord:   arm64AnchorCmpW2,
		AnchorWindow: 300,
		BranchWindow: 10,
	}
}

func (b *ARM64Builder) Build(mem Memory, base uintptr) (*Record, error) {
	code, err := readWindow(mem, base, (b.AnchorWindow+b.BranchWindow)*arm64InsnSize)
	if err != nil {
		return nil, b.fail(base, err)
	}
	words := len(code) / arm64InsnSize
	word := func(i int) uint32 {
		return binary.LittleEndian.Uint32(code[i*arm64InsnSize:])
	}

	anchor := -1
	for i := 0; i < b.AnchorWindow && i < words; i++ {
		if word(i) == b.AnchorWord {
			anchor = i
			break
		}
	}
	if anchor < 0 {
		return nil, b.fail(base, ErrAnchorNotFound)
	}

	branch := -1
	for i := 0; i < b.BranchWindow && anchor+i < words; i++ {
		if word(anchor+i)&bcondMask == bcondGT {
			branch = anchor + i
			break
		}
	}
	if branch < 0 {
		return nil, b.fail(base, ErrBranchNotFound)
	}

	original := code[branch*arm64InsnSize : (branch+1)*arm64InsnSize]
	replacement := make([]byte, arm64InsnSize)
	binary.LittleEndian.PutUint32(replacement, bcondToB(word(branch)))

	return NewRecord(base+uintptr(branch*arm64InsnSize), original, replacement)
}

func (b *ARM64Builder) fail(base uintptr, err error) error {
	return &BuildError{Base: base, Arch: "arm64", Err: err}
}

// bcondToB converts a B.cond instruction to B with the same offset.
func bcondToB(inst uint32) uint32 {
	imm := (inst >> 5) & imm19Mask
	if imm&imm19SignBit != 0 {
		imm |= imm26SignExtension
	}
	return opcodeB | imm
}
