package vmm

import (
	"hyperion/kernel"
	"hyperion/kernel/mem"
	"hyperion/kernel/mem/pmm"
)

// copyFrameRangeFn duplicates size bytes from src to dst through the
// higher-half direct map. It is a variable, like tableNodeFn, so tests that
// exercise the huge-page eager-copy path can substitute a no-op rather than
// needing a real direct map backing the fake frame numbers they use.
var copyFrameRangeFn = func(dst, src pmm.Frame, size mem.Size) {
	mem.Memcopy(dst.DirectAddress(), src.DirectAddress(), size)
}

// forkFrameFn registers a frame as having gained an additional owner,
// reporting whether the frame's reference count has saturated. It is wired
// up via SetForkFrame, normally to allocator.ForkFrame.
var forkFrameFn func(pmm.Frame) (saturated bool, err error)

// SetForkFrame registers the reference-count bookkeeping hook used by Fork
// when it shares a 4 KiB leaf mapping between parent and child instead of
// copying it outright.
func SetForkFrame(fn func(pmm.Frame) (bool, error)) {
	forkFrameFn = fn
}

// Fork creates a new address space that is a copy-on-write clone of pm. Only
// the lower half (user space, indices 0-255) is walked; the upper half
// continues to be shared by reference exactly as NewPageMap already shares
// it.
//
// Every present 4 KiB leaf mapping is shared: the underlying frame's
// reference count is incremented and the child's entry copies the parent's.
// A writable leaf is rewritten read-only with FlagCopyOnWrite set in both
// the parent and the child, so the first write by either side triggers the
// ordinary copy-on-write fault path; a leaf that was not writable keeps its
// flags unchanged in both. When the frame's reference count is saturated,
// the child gets an eager copy of the frame instead.
//
// Huge page leaves (2 MiB/1 GiB) are eagerly duplicated instead of shared.
// The physical frame allocator only tracks reference counts at 4 KiB
// granularity, so a huge mapping has no single refcounted frame to share;
// splitting it into 512 (or more) individually-refcounted 4 KiB entries on
// every fork would make huge pages actively harmful for the common case of
// a large anonymous mapping that is forked once and then mostly left alone.
// Eager copy keeps the cost proportional to the fork, not to every
// subsequent access.
func (pm *PageMap) Fork() (*PageMap, *kernel.Error) {
	child, err := NewPageMap()
	if err != nil {
		return nil, err
	}

	if err := forkTable(pm.pml4, child.pml4, 0); err != nil {
		return nil, err
	}

	// Every present leaf in the parent may have just had its RW bit
	// cleared; reloading CR3 flushes the whole TLB so none of those
	// stale translations can be used to bypass the new CoW protection.
	if pm.pml4 == pmm.FromAddress(activePDTFn()) {
		switchPDTFn(pm.pml4.Address())
	}

	return child, nil
}

func forkTable(parentFrame, childFrame pmm.Frame, level int) *kernel.Error {
	parent := tableNodeFn(parentFrame)
	child := tableNodeFn(childFrame)

	limit := entriesPerTable
	if level == 0 {
		// Only the lower half is process-private; the upper half was
		// already shared by NewPageMap.
		limit = 256
	}

	for idx := 0; idx < limit; idx++ {
		pte := &parent[idx]
		if !pte.HasFlags(FlagPresent) {
			continue
		}

		if level == pageLevels-1 || pte.HasFlags(FlagHugePage) {
			if err := forkLeaf(pte, &child[idx], level); err != nil {
				return err
			}
			continue
		}

		childNextFrame, aerr := allocFrame()
		if aerr != nil {
			return aerr
		}
		zeroTable(childNextFrame)

		child[idx] = parent[idx]
		child[idx].SetFrame(childNextFrame)

		if err := forkTable(pte.Frame(), childNextFrame, level+1); err != nil {
			return err
		}
	}

	return nil
}

func forkLeaf(parentPTE, childPTE *pageTableEntry, level int) *kernel.Error {
	if level != pageLevels-1 {
		// Huge leaf: eager copy.
		size := mem.Size(pageSize2M)
		if level == 1 {
			size = pageSize1G
		}

		newFrame, aerr := allocFrame()
		if aerr != nil {
			return aerr
		}
		copyFrameRangeFn(newFrame, parentPTE.Frame(), size)

		*childPTE = *parentPTE
		childPTE.SetFrame(newFrame)
		return nil
	}

	if forkFrameFn == nil {
		return &kernel.Error{Module: "vmm", Message: "no fork-frame hook registered"}
	}

	frame := parentPTE.Frame()
	saturated, ferr := forkFrameFn(frame)
	if ferr != nil {
		return &kernel.Error{Module: "vmm", Message: ferr.Error()}
	}

	if saturated {
		newFrame, aerr := allocFrame()
		if aerr != nil {
			return aerr
		}
		copyFrameRangeFn(newFrame, frame, mem.PageSize)

		*childPTE = *parentPTE
		childPTE.SetFrame(newFrame)
		return nil
	}

	*childPTE = *parentPTE

	// Only a writable leaf needs the copy-on-write dance: clearing RW and
	// setting FlagCopyOnWrite is what routes a later write fault into
	// resolveCopyOnWrite, which hands the faulting side RW back. A leaf
	// that was never writable must stay that way in both address spaces;
	// sharing the frame unmodified still lets a read-only mapping be
	// read by both without forcing an eager copy.
	if parentPTE.HasFlags(FlagRW) {
		parentPTE.ClearFlags(FlagRW)
		parentPTE.SetFlags(FlagCopyOnWrite)
		childPTE.ClearFlags(FlagRW)
		childPTE.SetFlags(FlagCopyOnWrite)
	}
	return nil
}
