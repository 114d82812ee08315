package debug

import (
	"strings"
	"testing"
)

func install(t *testing.T, raw []byte) {
	t.Helper()
	saved := readBytesFn
	t.Cleanup(func() { readBytesFn = saved })
	readBytesFn = func(addr uintptr, length int) []byte {
		buf := make([]byte, length)
		copy(buf, raw)
		return buf
	}
}

func TestDisassembleAtDecodesKnownInstruction(t *testing.T) {
	// 0xF4 is HLT with no operands.
	install(t, []byte{0xF4})

	got := DisassembleAt(0x1000)
	if !strings.Contains(got, "hlt") {
		t.Fatalf("expected decoded mnemonic to contain %q, got %q", "hlt", got)
	}
}

func TestDisassembleAtReportsUndecodableBytes(t *testing.T) {
	// 0x0F 0xFF is not a defined opcode.
	install(t, []byte{0x0F, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})

	got := DisassembleAt(0x2000)
	if got != "<undecodable instruction>" {
		t.Fatalf("expected the undecodable placeholder, got %q", got)
	}
}
