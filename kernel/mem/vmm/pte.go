package vmm

import (
	"unsafe"

	"hyperion/kernel/mem/pmm"
)

// pageLevels is the number of levels in the x86_64 paging hierarchy: PML4,
// PDPT, PD and PT, from the root down to the leaf that (absent a huge page)
// maps a single 4 KiB frame.
const pageLevels = 4

// pageLevelShifts[i] is the bit offset of the index selecting the entry to
// follow at level i of the hierarchy.
var pageLevelShifts = [pageLevels]uint{39, 30, 21, 12}

// entriesPerTable is fixed by the architecture: each table level is exactly
// one 4 KiB page of 8-byte entries.
const entriesPerTable = 512

// PageTableEntryFlag enumerates the bits of a page table entry that carry
// meaning to either the MMU or to the VMM itself. Bits 9-11 are marked
// "available for software use" by the architecture whenever the entry is
// present; this implementation also repurposes bit 11 as a software-only
// marker on *not-present* entries to distinguish a lazily-backed region from
// a genuine unmapped hole, which the hardware never inspects either way.
type PageTableEntryFlag uint64

const (
	FlagPresent      PageTableEntryFlag = 1 << 0
	FlagRW           PageTableEntryFlag = 1 << 1
	FlagUser         PageTableEntryFlag = 1 << 2
	FlagWriteThrough PageTableEntryFlag = 1 << 3
	FlagCacheDisable PageTableEntryFlag = 1 << 4
	FlagAccessed     PageTableEntryFlag = 1 << 5
	FlagDirty        PageTableEntryFlag = 1 << 6
	FlagHugePage     PageTableEntryFlag = 1 << 7
	FlagGlobal       PageTableEntryFlag = 1 << 8

	// FlagCopyOnWrite marks a read-only leaf whose backing frame is
	// shared with another address space; a write fault against it is
	// routed to allocator.FaultCopy instead of being treated as a
	// protection violation.
	FlagCopyOnWrite PageTableEntryFlag = 1 << 9

	// FlagLazy marks a not-present entry that should be backed with a
	// fresh zeroed frame on first access, rather than treated as an
	// unmapped hole.
	FlagLazy PageTableEntryFlag = 1 << 11

	// FlagNoExecute prevents instruction fetches from the mapped page.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)

const frameAddrMask = uint64(0x000ffffffffff000)

// pageTableEntry is a single 8-byte slot of a page table, PDPT, PD or PML4.
type pageTableEntry uint64

// HasFlags returns true if all bits in flags are set.
func (e pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return uint64(e)&uint64(flags) == uint64(flags)
}

// HasAnyFlag returns true if at least one bit in flags is set.
func (e pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return uint64(e)&uint64(flags) != 0
}

// SetFlags sets the given bits without disturbing the rest of the entry.
func (e *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*e = pageTableEntry(uint64(*e) | uint64(flags))
}

// ClearFlags clears the given bits without disturbing the rest of the entry.
func (e *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*e = pageTableEntry(uint64(*e) &^ uint64(flags))
}

// Frame returns the physical frame this entry points to, ignoring flag bits.
func (e pageTableEntry) Frame() pmm.Frame {
	return pmm.FromAddress(uintptr(uint64(e) & frameAddrMask))
}

// SetFrame updates the physical frame this entry points to without disturbing
// its flag bits.
func (e *pageTableEntry) SetFrame(f pmm.Frame) {
	*e = pageTableEntry((uint64(*e) &^ frameAddrMask) | (uint64(f.Address()) & frameAddrMask))
}

// tableNodeFn returns the 512-entry array backing the table stored in frame
// f, accessed through the higher-half direct map so it can be read or
// written regardless of whether it belongs to the currently active PageMap.
// It is a variable, rather than a plain function, so tests can substitute a
// host-memory-backed fake in place of a real direct-map dereference.
var tableNodeFn = realTableNode

func realTableNode(f pmm.Frame) *[entriesPerTable]pageTableEntry {
	return (*[entriesPerTable]pageTableEntry)(unsafe.Pointer(f.DirectAddress()))
}

// indexAtLevel extracts the 9-bit index into the table at the given level
// (0 = PML4) for the supplied virtual address.
func indexAtLevel(virtAddr uintptr, level int) uint64 {
	return (uint64(virtAddr) >> pageLevelShifts[level]) & 0x1ff
}
