package vmm

import (
	"testing"

	"hyperion/kernel/mem/pmm"
)

func TestPageTableEntryFlags(t *testing.T) {
	var (
		pte   pageTableEntry
		flag1 = PageTableEntryFlag(1 << 10)
		flag2 = PageTableEntryFlag(1 << 9)
	)

	if pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlag to return false")
	}

	pte.SetFlags(flag1 | flag2)

	if !pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlag to return true")
	}
	if !pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return true")
	}

	pte.ClearFlags(flag1)

	if !pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlag to return true")
	}
	if pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return false")
	}

	pte.ClearFlags(flag1 | flag2)

	if pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlag to return false")
	}
}

func TestPageTableEntryFrameEncoding(t *testing.T) {
	var (
		pte       pageTableEntry
		physFrame = pmm.Frame(123)
	)

	pte.SetFrame(physFrame)
	if got := pte.Frame(); got != physFrame {
		t.Fatalf("expected pte.Frame() to return %v; got %v", physFrame, got)
	}

	pte.SetFlags(FlagPresent | FlagRW)
	if got := pte.Frame(); got != physFrame {
		t.Fatalf("expected setting flags to preserve the frame; got %v", got)
	}
}

func TestIndexAtLevel(t *testing.T) {
	// 0x0000_8000_4020_1000 breaks down to p4=256 p3=1 p2=1 p1=1
	addr := uintptr(0x0000_8000_4020_1000)
	exp := [pageLevels]uint64{256, 1, 1, 1}

	for level, want := range exp {
		if got := indexAtLevel(addr, level); got != want {
			t.Errorf("level %d: expected index %d; got %d", level, want, got)
		}
	}
}
