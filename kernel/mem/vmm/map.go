package vmm

import (
	"hyperion/kernel"
	"hyperion/kernel/mem"
	"hyperion/kernel/mem/pmm"
)

// MapTargetKind selects what backs a region passed to MapRegion.
type MapTargetKind uint8

const (
	// TargetLazyAlloc reserves the address range without consuming any
	// physical memory; each page is backed with a fresh zeroed frame the
	// first time it is touched.
	TargetLazyAlloc MapTargetKind = iota

	// TargetPreallocated maps the range onto physical frames the caller
	// already owns (e.g. frames obtained one at a time from the PFA and
	// handed to the vmm to back a heap growth request).
	TargetPreallocated

	// TargetBorrowed maps the range onto a physical range the caller does
	// not own and the vmm must never free (MMIO, a framebuffer, memory
	// shared from another address space).
	TargetBorrowed
)

// MapTarget describes what MapRegion should back a virtual range with.
type MapTarget struct {
	Kind MapTargetKind

	// BaseFrame is the first physical frame of the backing range for
	// TargetPreallocated and TargetBorrowed; it is ignored for
	// TargetLazyAlloc.
	BaseFrame pmm.Frame
}

// LazyAlloc returns a MapTarget that defers physical backing to first touch.
func LazyAlloc() MapTarget { return MapTarget{Kind: TargetLazyAlloc} }

// Preallocated returns a MapTarget backed by frames the caller already owns,
// starting at base.
func Preallocated(base pmm.Frame) MapTarget { return MapTarget{Kind: TargetPreallocated, BaseFrame: base} }

// Borrowed returns a MapTarget backed by a physical range the vmm must treat
// as opaque and never return to the frame allocator.
func Borrowed(base pmm.Frame) MapTarget { return MapTarget{Kind: TargetBorrowed, BaseFrame: base} }

const (
	pageSize1G = mem.Size(1) << mem.LargePageShift1G
	pageSize2M = mem.Size(1) << mem.LargePageShift2M
)

// MapRegion establishes a mapping for [startAddr, startAddr+size) in pm.
// startAddr and size must both be page-aligned. For TargetPreallocated and
// TargetBorrowed, MapRegion greedily selects the largest page size (1 GiB,
// then 2 MiB, then 4 KiB) that both the remaining virtual range and the
// remaining physical run are aligned to and large enough for, coalescing
// what would otherwise be hundreds of individual PTEs into a single huge
// entry. TargetLazyAlloc always maps at 4 KiB granularity, since each page
// is backed independently and lazily by the frame allocator.
func (pm *PageMap) MapRegion(startAddr uintptr, size mem.Size, target MapTarget, flags PageTableEntryFlag) *kernel.Error {
	if uintptr(size)%uintptr(mem.PageSize) != 0 || startAddr%uintptr(mem.PageSize) != 0 {
		return &kernel.Error{Module: "vmm", Message: "region address and size must be page-aligned"}
	}

	switch target.Kind {
	case TargetLazyAlloc:
		return pm.mapLazyRegion(startAddr, size, flags)
	default:
		return pm.mapBackedRegion(startAddr, size, target, flags)
	}
}

func (pm *PageMap) mapLazyRegion(startAddr uintptr, size mem.Size, flags PageTableEntryFlag) *kernel.Error {
	pageCount := size.Pages()
	addr := startAddr
	for i := uint32(0); i < pageCount; i++ {
		pte, _, err := walk(pm.pml4, addr, true)
		if err != nil {
			return err
		}
		if pte.HasFlags(FlagPresent) {
			return ErrAlreadyMapped
		}

		*pte = 0
		pte.SetFlags(FlagLazy | flags)
		addr += uintptr(mem.PageSize)
	}
	return nil
}

func (pm *PageMap) mapBackedRegion(startAddr uintptr, size mem.Size, target MapTarget, flags PageTableEntryFlag) *kernel.Error {
	addr := startAddr
	frame := target.BaseFrame
	remaining := size

	for remaining > 0 {
		switch {
		case remaining >= pageSize1G && addr%uintptr(pageSize1G) == 0 && frame.Address()%uintptr(pageSize1G) == 0:
			if err := pm.mapHugeAt(addr, frame, 1, flags); err != nil {
				return err
			}
			addr += uintptr(pageSize1G)
			frame += pmm.Frame(pageSize1G / mem.PageSize)
			remaining -= pageSize1G

		case remaining >= pageSize2M && addr%uintptr(pageSize2M) == 0 && frame.Address()%uintptr(pageSize2M) == 0:
			if err := pm.mapHugeAt(addr, frame, 2, flags); err != nil {
				return err
			}
			addr += uintptr(pageSize2M)
			frame += pmm.Frame(pageSize2M / mem.PageSize)
			remaining -= pageSize2M

		default:
			if err := mapAt(pm.pml4, PageFromAddress(addr), frame, flags); err != nil {
				return err
			}
			addr += uintptr(mem.PageSize)
			frame++
			remaining -= mem.PageSize
		}
	}
	return nil
}

// mapHugeAt installs a huge page entry at the given hierarchy level (1 =
// PDPT/1 GiB, 2 = PD/2 MiB), allocating any missing intermediate tables
// above it.
func (pm *PageMap) mapHugeAt(addr uintptr, frame pmm.Frame, hugeLevel int, flags PageTableEntryFlag) *kernel.Error {
	table := tableNodeFn(pm.pml4)

	for lvl := 0; lvl < hugeLevel; lvl++ {
		idx := indexAtLevel(addr, lvl)
		pte := &table[idx]

		if !pte.HasFlags(FlagPresent) {
			childFrame, err := allocFrame()
			if err != nil {
				return err
			}
			zeroTable(childFrame)

			*pte = 0
			pte.SetFrame(childFrame)
			pte.SetFlags(FlagPresent | FlagRW | FlagUser)
		} else if pte.HasFlags(FlagHugePage) {
			return errNoHugePageSupport
		}

		table = tableNodeFn(pte.Frame())
	}

	idx := indexAtLevel(addr, hugeLevel)
	pte := &table[idx]
	if pte.HasFlags(FlagPresent) {
		return ErrAlreadyMapped
	}

	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(FlagPresent | FlagHugePage | flags)
	flushTLBEntryFn(addr)
	return nil
}

// UnmapRegion removes every mapping covering [startAddr, startAddr+size).
// Unmapping an already-unmapped page is a no-op that prints a notice to the
// early console.
func (pm *PageMap) UnmapRegion(startAddr uintptr, size mem.Size) *kernel.Error {
	pageCount := size.Pages()
	addr := startAddr
	for i := uint32(0); i < pageCount; i++ {
		if err := unmapAt(pm.pml4, PageFromAddress(addr)); err != nil {
			return err
		}
		addr += uintptr(mem.PageSize)
	}
	return nil
}

// RemapRegion replaces the flag bits of every page in
// [startAddr, startAddr+size) with flags, leaving the backing frames alone;
// a huge page is rewritten once and keeps FlagHugePage. It fails with
// ErrInvalidMapping at the first page that is not present, leaving the pages
// before it already rewritten.
func (pm *PageMap) RemapRegion(startAddr uintptr, size mem.Size, flags PageTableEntryFlag) *kernel.Error {
	pageCount := size.Pages()
	addr := startAddr
	for i := uint32(0); i < pageCount; i++ {
		pte, level, err := walk(pm.pml4, addr, false)
		if err != nil {
			return err
		}
		if !pte.HasFlags(FlagPresent) {
			return ErrInvalidMapping
		}

		frame := pte.Frame()
		huge := pte.HasFlags(FlagHugePage)
		*pte = 0
		pte.SetFrame(frame)
		pte.SetFlags(FlagPresent | flags)
		if huge {
			pte.SetFlags(FlagHugePage)
		}
		flushTLBEntryFn(addr)

		if level < pageLevels-1 {
			// huge entry; advance past the whole region it covers
			step := uintptr(pageSize2M)
			if level == 1 {
				step = uintptr(pageSize1G)
			}
			next := (addr &^ (step - 1)) + step
			i += uint32((next-addr)>>mem.PageShift) - 1
			addr = next
			continue
		}
		addr += uintptr(mem.PageSize)
	}
	return nil
}

// IsRegionMapped reports whether every page in [startAddr, startAddr+size)
// is present and carries at least the given flags.
func (pm *PageMap) IsRegionMapped(startAddr uintptr, size mem.Size, flags PageTableEntryFlag) bool {
	pageCount := size.Pages()
	addr := startAddr
	for i := uint32(0); i < pageCount; i++ {
		pte, _, err := walk(pm.pml4, addr, false)
		if err != nil || !pte.HasFlags(FlagPresent) || !pte.HasFlags(flags) {
			return false
		}
		addr += uintptr(mem.PageSize)
	}
	return true
}

// Translate returns the physical address virtAddr resolves to within pm.
func (pm *PageMap) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	return translateAt(pm.pml4, virtAddr)
}

var (
	earlyReserveNext  uintptr
	earlyReserveBase  = uintptr(0xFFFF_9000_0000_0000)
	earlyReserveLimit = earlyReserveBase + uintptr(64*mem.Gb)
)

// EarlyReserveRegion hands out a slice of virtual address space from a fixed
// window reserved for the Go runtime's own bump allocator (see
// kernel/goruntime), before any general-purpose address-space allocator
// exists. It is only ever called during early boot, single-threaded, so it
// does not need atomic bookkeeping.
func EarlyReserveRegion(size mem.Size) (uintptr, *kernel.Error) {
	aligned := mem.Size(mem.AlignUp(uintptr(size), uintptr(mem.PageSize)))

	if earlyReserveNext == 0 {
		earlyReserveNext = earlyReserveBase
	}

	start := earlyReserveNext
	if start+uintptr(aligned) > earlyReserveLimit {
		return 0, &kernel.Error{Module: "vmm", Message: "early reserve window exhausted"}
	}

	earlyReserveNext = start + uintptr(aligned)
	return start, nil
}
