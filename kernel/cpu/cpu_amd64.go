// Package cpu exposes the small set of architecture primitives that cannot
// be expressed in portable Go: interrupt masking, TLB control, page-table
// directory switches and the register snapshot needed by a context switch.
// Each function here is implemented in hand-written assembly; the Go
// declarations below only describe the calling convention.
package cpu

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution until the next interrupt.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the faulting address recorded by the MMU in CR2. It is
// only valid while handling a page fault.
func ReadCR2() uintptr

// ID returns the APIC id of the calling CPU. Used to index per-CPU state
// arrays without relying on a GS-relative TLS slot being already configured.
func ID() uint32

// Rdtsc returns the raw cycle counter. Combined with the calibrated
// frequency reported at boot it backs the monotonic clock used by
// sleep_until and the timestamp syscall.
func Rdtsc() uint64

// SwitchContext saves the callee-saved registers and stack pointer of the
// outgoing task into *from, loads them from *to, and returns into the
// incoming task. It never returns to its caller directly: execution resumes
// wherever the incoming task last called SwitchContext.
func SwitchContext(from, to *Context)

// Context is the callee-saved register set and stack pointer preserved
// across a task switch. Its layout is fixed by SwitchContext's assembly and
// must not be reordered.
type Context struct {
	RSP uintptr
	RBX uintptr
	RBP uintptr
	R12 uintptr
	R13 uintptr
	R14 uintptr
	R15 uintptr
}

// EntryTrampoline is the address new tasks start executing at; it pops the
// function pointer and argument pushed onto the task's kernel stack by
// InitContext and calls into Go.
func EntryTrampoline()

// InitContext prepares ctx so that the next SwitchContext into it begins
// execution at EntryTrampoline with stackTop as the initial stack pointer.
// fn and arg are stashed at the top of the stack for the trampoline to pick
// up.
func InitContext(ctx *Context, stackTop uintptr, fn uintptr, arg uintptr)

// CallIndirect calls the code at addr with arg in the first argument
// register, the same raw-address CALL EntryTrampoline performs after
// popping its fn/arg pair, exposed standalone for the syscall package's
// spawn handler, which is handed a bare entry-point address rather than a
// Go closure.
func CallIndirect(addr uintptr, arg uintptr)
