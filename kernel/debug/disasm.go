// Package debug adds instruction-level detail to the kernel's fatal-fault
// reports: given the raw bytes at a faulting RIP, it renders the decoded
// x86-64 instruction so a panic dump shows what the CPU was actually doing,
// not just the address it was doing it at.
package debug

import (
	"unsafe"

	"golang.org/x/arch/x86/x86asm"
)

// maxInstructionLen is the longest an x86-64 instruction can legally
// encode to.
const maxInstructionLen = 15

// readBytesFn reads length bytes starting at addr. Tests override it so
// DisassembleAt never has to dereference a real instruction pointer.
var readBytesFn = realReadBytes

func realReadBytes(addr uintptr, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}

// DisassembleAt decodes the single instruction at addr and renders it in
// Intel syntax, e.g. "mov rax, [rbx+0x8]". If the bytes at addr do not form
// a valid instruction it returns a placeholder describing the raw bytes
// instead of propagating the decode error: a panic path must never fail
// harder than the fault it is trying to report.
func DisassembleAt(addr uintptr) string {
	raw := readBytesFn(addr, maxInstructionLen)

	inst, err := x86asm.Decode(raw, 64)
	if err != nil {
		return "<undecodable instruction>"
	}

	return x86asm.IntelSyntax(inst, uint64(addr), nil)
}
