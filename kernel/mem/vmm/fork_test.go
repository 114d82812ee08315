package vmm

import (
	"testing"

	"hyperion/kernel/mem"
	"hyperion/kernel/mem/pmm"
)

func TestForkSharesFourKiBLeafAsCopyOnWrite(t *testing.T) {
	h := newFakeHierarchy()
	root := h.install(t)
	pm := &PageMap{pml4: root}

	backing := pmm.Frame(42)
	if err := Map(PageFromAddress(0x1000), backing, FlagRW); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var forkedFrame pmm.Frame
	var forkCalls int
	savedFork := forkFrameFn
	t.Cleanup(func() { forkFrameFn = savedFork })
	forkFrameFn = func(f pmm.Frame) (bool, error) {
		forkCalls++
		forkedFrame = f
		return false, nil
	}

	child, kerr := pm.Fork()
	if kerr != nil {
		t.Fatalf("unexpected error: %v", kerr)
	}
	if forkCalls != 1 {
		t.Fatalf("expected exactly one forkFrameFn call; got %d", forkCalls)
	}
	if forkedFrame != backing {
		t.Fatalf("expected forkFrameFn to be called with %v; got %v", backing, forkedFrame)
	}

	parentPTE, _, err := walk(root, 0x1000, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parentPTE.HasFlags(FlagRW) {
		t.Error("expected parent's leaf to have RW cleared after fork")
	}
	if !parentPTE.HasFlags(FlagCopyOnWrite) {
		t.Error("expected parent's leaf to be marked copy-on-write after fork")
	}

	childPTE, _, err := walk(child.pml4, 0x1000, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if childPTE.HasFlags(FlagRW) {
		t.Error("expected child's leaf to have RW cleared")
	}
	if !childPTE.HasFlags(FlagCopyOnWrite) {
		t.Error("expected child's leaf to be marked copy-on-write")
	}
	if childPTE.Frame() != backing {
		t.Fatalf("expected child to share the same backing frame %v; got %v", backing, childPTE.Frame())
	}
}

func TestForkSharesReadOnlyLeafWithoutMarkingCopyOnWrite(t *testing.T) {
	h := newFakeHierarchy()
	root := h.install(t)
	pm := &PageMap{pml4: root}

	backing := pmm.Frame(42)
	if err := Map(PageFromAddress(0x1000), backing, FlagUser); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	savedFork := forkFrameFn
	t.Cleanup(func() { forkFrameFn = savedFork })
	var forkCalls int
	forkFrameFn = func(f pmm.Frame) (bool, error) {
		forkCalls++
		return false, nil
	}

	child, kerr := pm.Fork()
	if kerr != nil {
		t.Fatalf("unexpected error: %v", kerr)
	}
	if forkCalls != 1 {
		t.Fatalf("expected the shared frame's refcount to still be bumped once; got %d calls", forkCalls)
	}

	parentPTE, _, err := walk(root, 0x1000, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parentPTE.HasFlags(FlagRW) {
		t.Error("parent's leaf was never writable; it must not gain RW from forking")
	}
	if parentPTE.HasFlags(FlagCopyOnWrite) {
		t.Error("a leaf that was never writable must not be marked copy-on-write")
	}

	childPTE, _, err := walk(child.pml4, 0x1000, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if childPTE.HasFlags(FlagRW) {
		t.Error("child's leaf must not inherit RW for a mapping that was never writable")
	}
	if childPTE.HasFlags(FlagCopyOnWrite) {
		t.Error("child's leaf must not be marked copy-on-write for a mapping that was never writable")
	}
	if childPTE.Frame() != backing {
		t.Fatalf("expected child to share the same backing frame %v; got %v", backing, childPTE.Frame())
	}

	// Without FlagCopyOnWrite, a later write fault against this address
	// must not be resolved as copy-on-write (which would grant RW back);
	// it has to fall through to the ordinary unhandled-fault path.
	if pageFaultIsCopyOnWrite(childPTE) {
		t.Fatal("a write fault against this leaf would be misrouted into the copy-on-write resolver")
	}
}

// pageFaultIsCopyOnWrite mirrors the entry-flag condition pageFaultHandler
// checks, for a write fault, before calling resolveCopyOnWrite, so this test
// fails if that condition
// and forkLeaf's flag decision ever drift apart.
func pageFaultIsCopyOnWrite(pte *pageTableEntry) bool {
	return pte.HasFlags(FlagPresent) && pte.HasFlags(FlagCopyOnWrite)
}

func TestForkEagerlyCopiesSaturatedLeaf(t *testing.T) {
	h := newFakeHierarchy()
	root := h.install(t)
	pm := &PageMap{pml4: root}

	backing := pmm.Frame(42)
	if err := Map(PageFromAddress(0x1000), backing, FlagRW); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	savedFork := forkFrameFn
	t.Cleanup(func() { forkFrameFn = savedFork })
	forkFrameFn = func(pmm.Frame) (bool, error) { return true, nil }

	savedCopyRange := copyFrameRangeFn
	t.Cleanup(func() { copyFrameRangeFn = savedCopyRange })
	var copiedFrom, copiedTo pmm.Frame
	var copiedSize mem.Size
	copyFrameRangeFn = func(dst, src pmm.Frame, size mem.Size) {
		copiedTo, copiedFrom, copiedSize = dst, src, size
	}

	child, kerr := pm.Fork()
	if kerr != nil {
		t.Fatalf("unexpected error: %v", kerr)
	}

	if copiedFrom != backing {
		t.Fatalf("expected the saturated leaf to be copied from %v; got %v", backing, copiedFrom)
	}
	if copiedSize != mem.PageSize {
		t.Fatalf("expected a single page to be copied; got size %v", copiedSize)
	}

	childPTE, _, err := walk(child.pml4, 0x1000, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if childPTE.Frame() != copiedTo {
		t.Fatalf("expected child's leaf to point at the freshly copied frame %v; got %v", copiedTo, childPTE.Frame())
	}
	if childPTE.Frame() == backing {
		t.Fatal("expected the saturated leaf to be duplicated, not shared")
	}
}

func TestForkEagerlyCopiesHugeLeaf(t *testing.T) {
	h := newFakeHierarchy()
	root := h.install(t)
	pm := &PageMap{pml4: root}

	backing := pmm.Frame(uintptr(pageSize2M) / uintptr(mem.PageSize))
	addr := uintptr(pageSize2M)
	if err := pm.MapRegion(addr, pageSize2M, Preallocated(backing), FlagRW); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	savedCopyRange := copyFrameRangeFn
	t.Cleanup(func() { copyFrameRangeFn = savedCopyRange })
	var copyCalls int
	var copiedFrom pmm.Frame
	var copiedSize mem.Size
	copyFrameRangeFn = func(dst, src pmm.Frame, size mem.Size) {
		copyCalls++
		copiedFrom, copiedSize = src, size
	}

	savedFork := forkFrameFn
	t.Cleanup(func() { forkFrameFn = savedFork })
	forkFrameFn = func(pmm.Frame) (bool, error) {
		t.Fatal("forkFrameFn must not be called for a huge-page leaf")
		return false, nil
	}

	child, kerr := pm.Fork()
	if kerr != nil {
		t.Fatalf("unexpected error: %v", kerr)
	}

	if copyCalls != 1 {
		t.Fatalf("expected exactly one eager copy of the huge leaf; got %d", copyCalls)
	}
	if copiedFrom != backing {
		t.Fatalf("expected the huge leaf to be copied from %v; got %v", backing, copiedFrom)
	}
	if copiedSize != pageSize2M {
		t.Fatalf("expected a full huge page to be copied; got size %v", copiedSize)
	}

	childPTE, level, err := walk(child.pml4, addr, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if level != 2 {
		t.Fatalf("expected the child's mapping to remain a PD-level huge entry; got level %d", level)
	}
	if !childPTE.HasFlags(FlagHugePage) {
		t.Fatal("expected the child's copy to still be marked FlagHugePage")
	}
	if childPTE.Frame() == backing {
		t.Fatal("expected the huge leaf's backing frame to be duplicated, not shared")
	}
}

func TestForkSharesUpperHalfByReference(t *testing.T) {
	h := newFakeHierarchy()
	root := h.install(t)
	pm := &PageMap{pml4: root}

	h.node(root)[300] = pageTableEntry(0xABCD)

	savedFork := forkFrameFn
	t.Cleanup(func() { forkFrameFn = savedFork })
	forkFrameFn = func(pmm.Frame) (bool, error) { return false, nil }

	child, kerr := pm.Fork()
	if kerr != nil {
		t.Fatalf("unexpected error: %v", kerr)
	}

	if got := h.node(child.pml4)[300]; got != pageTableEntry(0xABCD) {
		t.Fatalf("expected the upper half entry to be shared verbatim; got %v", got)
	}
}
