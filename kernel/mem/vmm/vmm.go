// Package vmm implements the x86_64 virtual memory manager: the per-process
// 4-level page tables, the lazy/copy-on-write/borrowed mapping primitives
// the rest of the kernel builds address spaces out of, and the low-level
// page-fault and general-protection-fault handlers.
//
// Every page table, at every level and belonging to any address space
// (active or not), is reached through a single shared higher-half direct
// map established by the bootloader before Kmain runs: virtual address
// pmm.DirectMapBase+p always aliases physical address p. This removes the
// need for the recursive self-mapping or temporary-mapping tricks older
// 32-bit designs relied on to edit an inactive table.
package vmm

import (
	"hyperion/kernel"
	"hyperion/kernel/cpu"
	"hyperion/kernel/debug"
	"hyperion/kernel/irq"
	"hyperion/kernel/kfmt/early"
	"hyperion/kernel/mem"
	"hyperion/kernel/mem/pmm"
)

var (
	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported at this level"}

	// ErrInvalidMapping is returned when an operation targets a virtual
	// address that has no corresponding page table entry.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "address is not mapped"}

	// ErrAlreadyMapped is returned by MapRegion when asked to establish a
	// mapping over a page that is already present.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "address is already mapped"}

	// ReservedZeroedFrame is a single physical frame, allocated and zeroed
	// once at Init and never written to, that goruntime's sysMap maps
	// every page it commits to until the first write fault gives that page
	// a fresh zeroed frame of its own. It is always mapped read-only with
	// FlagCopyOnWrite set.
	ReservedZeroedFrame pmm.Frame

	// frameAllocator supplies fresh physical frames to Map, MapRegion and
	// the fault handlers. It is wired up via SetFrameAllocator, normally
	// to allocator.AllocFrame.
	frameAllocator FrameAllocatorFn

	// routeFaultFn, when set (via SetFaultRouter), takes over page-fault
	// handling after the built-in copy-on-write and lazy-backing checks
	// fail to resolve the fault. kernel/fault registers itself here so it
	// can add guard-page and process-termination handling without vmm
	// importing it back. userMode reports whether the fault happened while
	// executing user code (error code bit 2), which the router needs to
	// decide between terminating the faulting process and leaving the
	// fault to propagate into a kernel panic.
	routeFaultFn func(faultAddr uintptr, writeFault, userMode bool) bool

	// the following are mocked by tests and inlined by the compiler in
	// the real kernel build.
	flushTLBEntryFn = cpu.FlushTLBEntry
	activePDTFn     = cpu.ActivePDT
	switchPDTFn     = cpu.SwitchPDT
	readCR2Fn       = cpu.ReadCR2
	panicFn         = kernel.Panic
	disassembleAtFn = debug.DisassembleAt
)

// FrameAllocatorFn is a function that can allocate a single physical frame.
type FrameAllocatorFn func() (pmm.Frame, error)

// SetFrameAllocator registers the frame allocator function used whenever the
// vmm needs to back a page with fresh physical memory.
func SetFrameAllocator(allocFn FrameAllocatorFn) {
	frameAllocator = allocFn
}

// SetFaultRouter registers a callback invoked for page faults that the vmm's
// built-in copy-on-write and lazy-alloc handling could not resolve. It
// returns true if it handled the fault (the page-fault handler then returns
// without panicking) or false if the fault is fatal.
func SetFaultRouter(routeFn func(faultAddr uintptr, writeFault, userMode bool) bool) {
	routeFaultFn = routeFn
}

// PageMap wraps a single address space's top-level (PML4) table.
type PageMap struct {
	pml4 pmm.Frame
}

// ActivePageMap returns a PageMap wrapping whatever page table is currently
// loaded into CR3.
func ActivePageMap() *PageMap {
	return &PageMap{pml4: pmm.FromAddress(activePDTFn())}
}

// NewPageMap allocates a fresh, empty address space. The upper half of the
// new table (indices 256-511, i.e. every address with bit 47 set) is copied
// from the currently active page map so that every process shares the same
// kernel mapping and direct map without needing to special-case kernel
// addresses on every lookup.
func NewPageMap() (*PageMap, *kernel.Error) {
	frame, err := allocFrame()
	if err != nil {
		return nil, err
	}
	zeroTable(frame)

	newTable := tableNodeFn(frame)
	curTable := tableNodeFn(pmm.FromAddress(activePDTFn()))
	for i := 256; i < entriesPerTable; i++ {
		newTable[i] = curTable[i]
	}

	return &PageMap{pml4: frame}, nil
}

// Activate loads this page map into CR3, making it the one the CPU
// translates addresses against.
func (pm *PageMap) Activate() {
	switchPDTFn(pm.pml4.Address())
}

// Frame returns the physical frame backing this page map's top-level table.
func (pm *PageMap) Frame() pmm.Frame {
	return pm.pml4
}

// zeroTable clears every entry of the table stored in frame f. It goes
// through tableNodeFn, the same indirection used to read and write entries,
// rather than a raw memset against the frame's direct-map address, so that
// tests exercising the page-table walk never need a real physical direct
// map to back them.
func zeroTable(f pmm.Frame) {
	*tableNodeFn(f) = [entriesPerTable]pageTableEntry{}
}

func allocFrame() (pmm.Frame, *kernel.Error) {
	if frameAllocator == nil {
		return pmm.InvalidFrame, &kernel.Error{Module: "vmm", Message: "no frame allocator registered"}
	}
	f, err := frameAllocator()
	if err != nil {
		return pmm.InvalidFrame, &kernel.Error{Module: "vmm", Message: err.Error()}
	}
	return f, nil
}

// walk locates the leaf page table entry for virtAddr inside the address
// space rooted at root. If a huge page entry is encountered at the PDPT or
// PD level, walk stops there and returns that entry along with the level it
// was found at. When alloc is true, missing intermediate tables are
// allocated and zeroed as the walk descends; when false, a missing
// intermediate table causes walk to return ErrInvalidMapping.
func walk(root pmm.Frame, virtAddr uintptr, alloc bool) (entry *pageTableEntry, level int, err *kernel.Error) {
	table := tableNodeFn(root)

	for lvl := 0; lvl < pageLevels; lvl++ {
		idx := indexAtLevel(virtAddr, lvl)
		pte := &table[idx]

		if lvl == pageLevels-1 {
			return pte, lvl, nil
		}

		if pte.HasFlags(FlagPresent) && pte.HasFlags(FlagHugePage) {
			return pte, lvl, nil
		}

		if !pte.HasFlags(FlagPresent) {
			if !alloc {
				return nil, 0, ErrInvalidMapping
			}

			childFrame, aerr := allocFrame()
			if aerr != nil {
				return nil, 0, aerr
			}
			zeroTable(childFrame)

			*pte = 0
			pte.SetFrame(childFrame)
			pte.SetFlags(FlagPresent | FlagRW | FlagUser)
		}

		table = tableNodeFn(pte.Frame())
	}

	return nil, 0, ErrInvalidMapping
}

// Map establishes a single 4 KiB mapping in the currently active address
// space. It is the primitive the Go runtime's sysMap/sysAlloc shims build on
// to grow the heap.
func Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return mapAt(pmm.FromAddress(activePDTFn()), page, frame, flags)
}

func mapAt(root pmm.Frame, page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	pte, _, err := walk(root, page.Address(), true)
	if err != nil {
		return err
	}

	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(FlagPresent | flags)
	flushTLBEntryFn(page.Address())
	return nil
}

// Unmap removes a mapping previously installed via Map, MapRegion or the
// lazy-alloc/copy-on-write fault paths, in the currently active address
// space.
func Unmap(page Page) *kernel.Error {
	return unmapAt(pmm.FromAddress(activePDTFn()), page)
}

func unmapAt(root pmm.Frame, page Page) *kernel.Error {
	pte, _, err := walk(root, page.Address(), false)
	if err != nil {
		early.Printf("vmm: unmap of already-unmapped page 0x%16x ignored\n", page.Address())
		return nil
	}

	if !pte.HasFlags(FlagPresent) {
		early.Printf("vmm: unmap of already-unmapped page 0x%16x ignored\n", page.Address())
		return nil
	}

	*pte = 0
	flushTLBEntryFn(page.Address())
	return nil
}

// Translate returns the physical address that corresponds to virtAddr in
// the currently active address space, or ErrInvalidMapping if it is not
// mapped.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	return translateAt(pmm.FromAddress(activePDTFn()), virtAddr)
}

func translateAt(root pmm.Frame, virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, level, err := walk(root, virtAddr, false)
	if err != nil {
		return 0, err
	}
	if !pte.HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}

	offset := virtAddr & ((1 << pageLevelShifts[level]) - 1)
	return pte.Frame().Address() + offset, nil
}

// IsMapped reports whether virtAddr has a present mapping in the currently
// active address space that carries at least requiredFlags (in addition to
// FlagPresent). Pass 0 to check presence alone.
func IsMapped(virtAddr uintptr, requiredFlags PageTableEntryFlag) bool {
	pte, _, err := walk(pmm.FromAddress(activePDTFn()), virtAddr, false)
	return err == nil && pte.HasFlags(FlagPresent|requiredFlags)
}

// Init reserves the always-zero CoW source frame and installs the page-fault
// and general-protection-fault handlers.
func Init() *kernel.Error {
	frame, err := allocFrame()
	if err != nil {
		return err
	}
	mem.Memset(frame.DirectAddress(), 0, mem.PageSize)
	ReservedZeroedFrame = frame

	irq.HandleExceptionWithCode(irq.PageFaultException, pageFaultHandler)
	irq.HandleExceptionWithCode(irq.GPFException, generalProtectionFaultHandler)
	return nil
}

func pageFaultHandler(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	faultAddr := readCR2Fn()
	writeFault := errorCode&0x2 != 0
	userMode := errorCode&0x4 != 0
	root := pmm.FromAddress(activePDTFn())

	pte, _, err := walk(root, faultAddr, false)
	if err == nil && pte.HasFlags(FlagPresent) && writeFault && pte.HasFlags(FlagCopyOnWrite) {
		if resolveCopyOnWrite(root, PageFromAddress(faultAddr), pte) {
			return
		}
	}

	if err == nil && !pte.HasFlags(FlagPresent) && pte.HasFlags(FlagLazy) {
		if backLazyPage(PageFromAddress(faultAddr), pte) {
			return
		}
	}

	if routeFaultFn != nil && routeFaultFn(faultAddr, writeFault, userMode) {
		return
	}

	nonRecoverablePageFault(faultAddr, errorCode, frame, regs)
}

// resolveCopyOnWrite fixes up a write fault against a shared, read-only page
// by obtaining an exclusive frame (via the registered allocator's
// FaultCopy-style semantics, invoked through frameAllocator's sibling hook)
// and remapping the page read-write.
func resolveCopyOnWrite(root pmm.Frame, page Page, pte *pageTableEntry) bool {
	if faultCopyFn == nil {
		return false
	}

	var newFrame pmm.Frame
	if pte.Frame() == ReservedZeroedFrame {
		f, aerr := allocFrame()
		if aerr != nil {
			return false
		}
		mem.Memset(f.DirectAddress(), 0, mem.PageSize)
		newFrame = f
	} else {
		f, err := faultCopyFn(pte.Frame())
		if err != nil {
			return false
		}
		newFrame = f
	}

	pte.ClearFlags(FlagCopyOnWrite)
	pte.SetFlags(FlagPresent | FlagRW)
	pte.SetFrame(newFrame)
	flushTLBEntryFn(page.Address())
	return true
}

// backLazyPage fulfils a fault against a not-yet-backed lazy reservation by
// allocating and mapping a fresh zeroed frame.
func backLazyPage(page Page, pte *pageTableEntry) bool {
	frame, err := allocFrame()
	if err != nil {
		return false
	}
	mem.Memset(frame.DirectAddress(), 0, mem.PageSize)

	savedFlags := PageTableEntryFlag(uint64(*pte)) &^ (FlagLazy | frameFlagMask)
	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(FlagPresent | savedFlags)
	flushTLBEntryFn(page.Address())
	return true
}

const frameFlagMask = PageTableEntryFlag(frameAddrMask)

// faultCopyFn is wired up by allocator.FaultCopy via SetFaultCopy to avoid a
// direct import of kernel/mem/pmm/allocator (which itself does not need to
// know anything about the vmm).
var faultCopyFn func(pmm.Frame) (pmm.Frame, error)

// SetFaultCopy registers the copy-on-write fault resolution function,
// normally allocator.FaultCopy.
func SetFaultCopy(fn func(pmm.Frame) (pmm.Frame, error)) {
	faultCopyFn = fn
}

func nonRecoverablePageFault(faultAddr uintptr, errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	early.Printf("\npage fault while accessing address: 0x%16x\nreason: ", faultAddr)
	switch errorCode {
	case 0:
		early.Printf("read from non-present page")
	case 1:
		early.Printf("page protection violation (read)")
	case 2:
		early.Printf("write to non-present page")
	case 3:
		early.Printf("page protection violation (write)")
	case 4:
		early.Printf("page-fault in user-mode")
	case 8:
		early.Printf("page table has reserved bit set")
	case 16:
		early.Printf("instruction fetch")
	default:
		early.Printf("unknown")
	}

	early.Printf("\n\nregisters:\n")
	regs.Print()
	frame.Print()
	early.Printf("faulting instruction: %s\n", disassembleAtFn(uintptr(frame.RIP)))

	panicFn(&kernel.Error{Module: "vmm", Message: "unrecoverable page fault"})
}

func generalProtectionFaultHandler(_ uint64, frame *irq.Frame, regs *irq.Regs) {
	early.Printf("\ngeneral protection fault while accessing address: 0x%16x\n", readCR2Fn())
	regs.Print()
	frame.Print()
	early.Printf("faulting instruction: %s\n", disassembleAtFn(uintptr(frame.RIP)))

	panicFn(&kernel.Error{Module: "vmm", Message: "general protection fault"})
}
