package livepatch

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

const dumpColumns = 16

// HexDump formats data, loaded at addr, as a listing of 16 bytes per row
// under a header of column numbers.
func HexDump(addr uintptr, data []byte) string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Dumping memory at 0x%x:\n", addr)

	buf.WriteString("       ")
	for i := 0; i < dumpColumns; i++ {
		fmt.Fprintf(&buf, "%02d ", i)
	}
	buf.WriteString("\n\n")

	for i, b := range data {
		if i%dumpColumns == 0 {
			if i > 0 {
				buf.WriteByte('\n')
			}
			fmt.Fprintf(&buf, "%04x   ", i/dumpColumns)
		}
		fmt.Fprintf(&buf, "%02x ", b)
	}
	buf.WriteByte('\n')

	return buf.String()
}

// Disassemble lists the instructions in code, loaded at addr, one per
// line. arch is "amd64" or "arm64". Undecodable arm64 words are shown as
// "?".
func Disassemble(arch string, addr uintptr, code []byte) (string, error) {
	switch arch {
	case "amd64":
		return disassembleX86(addr, code)
	case "arm64":
		return disassembleARM64(addr, code), nil
	default:
		return "", fmt.Errorf("unsupported architecture %q", arch)
	}
}

func disassembleX86(baseAddr uintptr, code []byte) (string, error) {
	var buf bytes.Buffer

	for i := 0; i < len(code); {
		instruction, err := x86asm.Decode(code[i:], 64)
		if err != nil {
			return buf.String(), fmt.Errorf("decode error at offset %d: %w", i, err)
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", baseAddr+uintptr(i), hex.EncodeToString(code[i:i+instruction.Len]), x86asm.GNUSyntax(instruction, uint64(baseAddr)+uint64(i), nil))

		i += instruction.Len
	}

	return buf.String(), nil
}

func disassembleARM64(baseAddr uintptr, code []byte) string {
	var buf bytes.Buffer

	for i := 0; i < len(code)&^3; i += 4 {
		var asm string
		instruction, err := arm64asm.Decode(code[i:])
		if err == nil {
			asm = arm64asm.GNUSyntax(instruction)
		} else {
			asm = "?"
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", baseAddr+uintptr(i), hex.EncodeToString(code[i:i+4]), asm)
	}

	return buf.String()
}
