package kmain

import (
	"hyperion/kernel"
	"hyperion/kernel/fault"
	"hyperion/kernel/goruntime"
	"hyperion/kernel/hal"
	"hyperion/kernel/hal/multiboot"
	"hyperion/kernel/kfmt/early"
	"hyperion/kernel/mem/pmm/allocator"
	"hyperion/kernel/mem/slab"
	"hyperion/kernel/mem/vmm"
	"hyperion/kernel/sched"
	"hyperion/kernel/syscall"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	hal.InitTerminal()
	hal.ActiveTerminal.Clear()

	var err *kernel.Error
	if err = allocator.Init(kernelStart, kernelEnd); err != nil {
		panic(err)
	}

	vmm.SetFrameAllocator(allocator.AllocFrame)
	vmm.SetFaultCopy(allocator.FaultCopy)
	vmm.SetForkFrame(allocator.ForkFrame)
	vmm.SetFaultRouter(fault.Route)
	slab.SetFrameAllocator(allocator.AllocFrame, allocator.FreeFrame, allocator.AllocContiguous, allocator.FreeContiguous)

	if err = vmm.Init(); err != nil {
		panic(err)
	} else if err = goruntime.Init(); err != nil {
		panic(err)
	} else if err = sched.Init(); err != nil {
		panic(err)
	}

	fault.SetActiveStackLookup(sched.ActiveStack)
	fault.SetTerminator(sched.Terminate)

	syscall.Init()

	if _, err = sched.Spawn(nil, kernelIdleTask); err != nil {
		panic(err)
	}

	sched.Bootstrap()

	// Use kernel.Panic instead of panic to prevent the compiler from
	// treating kernel.Panic as dead-code and eliminating it: Bootstrap
	// never returns, but the compiler cannot know that.
	kernel.Panic(errKmainReturned)
}

// kernelIdleTask is the first task the scheduler ever runs: it just
// announces that the scheduler is alive and yields forever, giving later
// Spawn/Schedule calls (from drivers, syscalls, IPC) somewhere to land.
func kernelIdleTask() {
	early.Printf("hyperion: scheduler online\n")
	for {
		sched.YieldNow()
	}
}
