package livepatch

import (
	"encoding/binary"
	"fmt"
)

// SampleSymbol is the name SampleCode is registered under by the tools
// that load it.
const SampleSymbol = "livepatch.threshold"

// sampleAMD64 is func(x int) int under the register ABI (x and the
// result in AX). It returns 1 if int32(x) > 0x40 and 0 otherwise.
var sampleAMD64 = []byte{
	0x89, 0xc2, //                         mov edx, eax
	0x83, 0xfa, 0x40, //                   cmp edx, 0x40
	0x0f, 0x8f, 0x03, 0x00, 0x00, 0x00, // jg +3
	0x31, 0xc0, //                         xor eax, eax
	0xc3, //                               ret
	0xb8, 0x01, 0x00, 0x00, 0x00, //       mov eax, 1
	0xc3, //                               ret
}

// sampleARM64 is the same function for arm64 (x and the result in R0).
var sampleARM64 = []uint32{
	0x2a0003e2, // mov w2, w0
	0x7101005f, // cmp w2, #0x40
	0x5400006c, // b.gt +12
	0xd2800000, // mov x0, #0
	0xd65f03c0, // ret
	0xd2800020, // mov x0, #1
	0xd65f03c0, // ret
}

// SampleCode returns the machine code of a function with one site each
// builder recognizes. Before patching it computes int32(x) > 0x40,
// after patching it always returns 1. The second result is the byte the
// architecture pads code with.
func SampleCode(arch string) ([]byte, byte, error) {
	switch arch {
	case "amd64":
		return append([]byte(nil), sampleAMD64...), opcodeINT3, nil
	case "arm64":
		code := make([]byte, 0, len(sampleARM64)*arm64InsnSize)
		for _, inst := range sampleARM64 {
			code = binary.LittleEndian.AppendUint32(code, inst)
		}
		return code, 0, nil
	default:
		return nil, 0, fmt.Errorf("unsupported architecture %q", arch)
	}
}
