// Package syscall implements the trampoline-adjacent half of the syscall
// boundary: the Go-side dispatcher a trapped syscall instruction lands in,
// argument validation against the caller's own address space, and the flat
// switch that routes a validated call to its handler.
//
// Grounded on gopher-os's gate package (Registers/Frame shape, the
// HandleInterrupt registration convention kernel/irq generalizes) for the
// trampoline side, and on original_source's syscall dispatcher description
// (validate-then-switch, INVALID_ADDRESS on a bad pointer) for the Go-side
// shape this package is built from scratch to match.
package syscall

import (
	"unicode/utf8"
	"unsafe"

	"hyperion/kernel/errors"
	"hyperion/kernel/irq"
	"hyperion/kernel/mem"
	"hyperion/kernel/mem/vmm"
)

// args is the argument-register snapshot a handler receives, named by the
// platform calling convention this kernel uses: syscall number in RAX,
// arguments in RDI, RSI, RDX, R10, R8, R9 (R10 rather than RCX, which the
// SYSCALL instruction itself clobbers).
type args struct {
	a0, a1, a2, a3, a4, a5 uintptr
}

// handler is a single syscall implementation. It receives already-validated
// arguments and returns a result (written back into RAX on success) or a
// non-OK Code (encoded as a negative value in RAX, per the convention
// below).
type handler func(a args) (uintptr, errors.Code)

var handlers [numberCount]handler

func register(n Number, h handler) {
	handlers[n] = h
}

// the following are mocked by tests so dispatch and argument validation can
// be exercised without a real address space behind the calling task.
var (
	// isMappedFn requires FlagUser on every page it checks, not just
	// FlagPresent: every address here originates from a syscall argument,
	// and a present-but-kernel-only page must never be treated as a valid
	// user buffer (it would let a task read or write kernel memory by
	// passing its address as, say, a log or send/recv buffer).
	isMappedFn  = func(addr uintptr) bool { return vmm.IsMapped(addr, vmm.FlagUser) }
	readBytesFn = realReadBytes
)

func realReadBytes(addr uintptr, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}

// Init registers Dispatch as the handler for the legacy int 0x80 syscall
// gate. The fast SYSCALL/SYSRET path, when wired, shares the same Dispatch
// entry point.
func Init() {
	irq.HandleException(irq.SyscallInterrupt, func(_ *irq.Frame, regs *irq.Regs) {
		Dispatch(regs)
	})
}

// Dispatch decodes a trapped syscall from regs, validates and routes it,
// and writes the result (or error) back into regs.RAX. It never panics in
// response to user misuse: an unknown number or a validation failure is
// reported through the same Code channel every handler uses.
func Dispatch(regs *irq.Regs) {
	num := Number(regs.RAX)
	if num >= numberCount || handlers[num] == nil {
		regs.RAX = encodeError(errors.NotFound)
		return
	}

	result, code := handlers[num](args{
		a0: uintptr(regs.RDI),
		a1: uintptr(regs.RSI),
		a2: uintptr(regs.RDX),
		a3: uintptr(regs.R10),
		a4: uintptr(regs.R8),
		a5: uintptr(regs.R9),
	})
	if code != errors.OK {
		regs.RAX = encodeError(code)
		return
	}
	regs.RAX = uint64(result)
}

// encodeError packs a non-OK Code into RAX as a negative value, the same
// negative-errno convention a Unix syscall ABI uses: every legitimate
// success result this kernel returns (byte counts, pids, addresses, all
// well below the canonical address hole) is non-negative, so a negative
// RAX is unambiguously a failure, decodable by negating it back to a Code.
func encodeError(c errors.Code) uint64 {
	return uint64(int64(-int32(c)))
}

// validateRange reports whether every page spanning [addr, addr+length) is
// present in the currently active address space. A zero-length range is
// trivially valid; addr+length wrapping the address space is not.
func validateRange(addr uintptr, length uintptr) bool {
	if length == 0 {
		return true
	}
	end := addr + length
	if end < addr {
		return false
	}

	pageSize := uintptr(mem.PageSize)
	start := addr &^ (pageSize - 1)
	for p := start; p < end; p += pageSize {
		if !isMappedFn(p) {
			return false
		}
	}
	return true
}

// validateString validates that addr points to a NUL-terminated, UTF-8
// string no longer than maxLen bytes (the terminator excluded), returning
// errors.InvalidAddress if any byte of it lies outside mapped memory and
// errors.InvalidUTF8 if the bytes before the terminator are not valid UTF-8.
func validateString(addr uintptr, maxLen int) (string, errors.Code) {
	pageSize := uintptr(mem.PageSize)
	checked := uintptr(0)

	for n := 0; n <= maxLen; n++ {
		probe := addr + uintptr(n)
		if probe >= checked {
			if !isMappedFn(probe &^ (pageSize - 1)) {
				return "", errors.InvalidAddress
			}
			checked = (probe &^ (pageSize - 1)) + pageSize
		}

		b := readBytesFn(probe, 1)
		if b[0] == 0 {
			s := string(readBytesFn(addr, n))
			if !utf8.ValidString(s) {
				return "", errors.InvalidUTF8
			}
			return s, errors.OK
		}
	}
	return "", errors.InvalidAddress
}
