package testutil

import (
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

// DecodeX86 decodes code in 64-bit mode with x/arch and renders each
// instruction in Intel syntax. Undecodable bytes fail the test.
func DecodeX86(t *testing.T, code []byte) []DisasmLine {
	t.Helper()
	var lines []DisasmLine
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			t.Fatalf("decode at %#x (% x): %v", off, code[off:min(off+15, len(code))], err)
		}
		lines = append(lines, newDisasmLine(off, x86asm.IntelSyntax(inst, uint64(off), nil)))
		off += inst.Len
	}
	return lines
}
