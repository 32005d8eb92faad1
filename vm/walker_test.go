package vm

import (
	"testing"

	"guestmem/defs"
	"guestmem/mem"
)

func newTestAS(t *testing.T) *AddressSpace {
	t.Helper()
	real, err := mem.NewReal(8 << 20)
	if err != nil {
		t.Fatalf("mem.NewReal: %v", err)
	}
	t.Cleanup(func() { real.Close() })
	return NewAddressSpace(real)
}

func TestFindPageTableEntryUnmappedBeforeReserve(t *testing.T) {
	as := newTestAS(t)
	if _, err := as.FindPageTableEntry(0x4000); err != defs.ErrUnmapped {
		t.Fatalf("err = %v, want ErrUnmapped", err)
	}
}

func TestReserveThenCommitOnDemand(t *testing.T) {
	as := newTestAS(t)
	if err := as.ReserveVirtual(0x4000, int64(mem.PGSIZE), mem.PTE_RSRV); err != defs.ErrNone {
		t.Fatalf("ReserveVirtual: %v", err)
	}

	// Reserved but not committed: FindPageTableEntry faults the frame
	// into existence and returns a present leaf.
	pte, err := as.FindPageTableEntry(0x4000)
	if err != defs.ErrNone {
		t.Fatalf("FindPageTableEntry after reserve: %v", err)
	}
	if pte&mem.PTE_P == 0 {
		t.Fatalf("committed leaf %#x missing PTE_P", pte)
	}
	if pte&mem.PTE_RSRV != 0 {
		t.Fatalf("committed leaf %#x still carries PTE_RSRV", pte)
	}

	if got := as.real.Stats().Committed; got != 1 {
		t.Fatalf("committed counter = %d, want 1", got)
	}
	if got := as.real.Stats().Reserved; got != 0 {
		t.Fatalf("reserved counter = %d, want 0 after commit", got)
	}
}

func TestReservationIsIdempotent(t *testing.T) {
	as := newTestAS(t)
	as.ReserveVirtual(0x8000, int64(mem.PGSIZE), mem.PTE_RSRV)
	pte, _ := as.FindPageTableEntry(0x8000) // commits the frame
	as.ReserveVirtual(0x8000, int64(mem.PGSIZE), mem.PTE_RSRV)

	pte2, err := as.FindPageTableEntry(0x8000)
	if err != defs.ErrNone || pte2 != pte {
		t.Fatalf("a second reservation over a committed leaf must leave it untouched, got (%#x, %v)", pte2, err)
	}
}

func TestReserveFreeRestoresReservedCounter(t *testing.T) {
	as := newTestAS(t)
	virt, size := int64(0x10000), int64(mem.PGSIZE)*4

	before := as.real.Stats().Reserved
	as.ReserveVirtual(virt, size, mem.PTE_RSRV)
	if err := as.FreeVirtual(virt, size); err != defs.ErrNone {
		t.Fatalf("FreeVirtual: %v", err)
	}
	if got := as.real.Stats().Reserved; got != before {
		t.Fatalf("reserved counter = %d, want restored to %d", got, before)
	}
	for v := virt; v < virt+size; v += int64(mem.PGSIZE) {
		if _, err := as.FindPageTableEntry(v); err != defs.ErrUnmapped {
			t.Fatalf("leaf at %#x still mapped after free (err=%v)", v, err)
		}
	}
}

func TestFreeCommittedFrameReturnsToPool(t *testing.T) {
	as := newTestAS(t)
	virt := int64(0x20000)
	as.ReserveVirtual(virt, int64(mem.PGSIZE), mem.PTE_RSRV)
	as.FindPageTableEntry(virt) // commit

	beforeFreed := as.real.Stats().Freed
	if err := as.FreeVirtual(virt, int64(mem.PGSIZE)); err != defs.ErrNone {
		t.Fatalf("FreeVirtual: %v", err)
	}
	if got := as.real.Stats().Freed; got != beforeFreed+1 {
		t.Fatalf("freed counter = %d, want %d", got, beforeFreed+1)
	}
}

func TestOutOfRangeAddresses(t *testing.T) {
	as := newTestAS(t)
	if _, err := as.FindPageTableEntry(MaxVirt); err != defs.ErrOutOfRange {
		t.Fatalf("FindPageTableEntry(MaxVirt) err = %v, want ErrOutOfRange", err)
	}
	if _, err := as.FindPageTableEntry(MinVirt); err == defs.ErrOutOfRange {
		t.Fatalf("FindPageTableEntry(MinVirt) must not be treated as out of range")
	}
}

func TestFindVirtualLocatesFreeRun(t *testing.T) {
	as := newTestAS(t)
	as.ReserveVirtual(0, int64(mem.PGSIZE), mem.PTE_RSRV)

	found, err := as.FindVirtual(0, int64(mem.PGSIZE)*2)
	if err != defs.ErrNone {
		t.Fatalf("FindVirtual: %v", err)
	}
	if found < int64(mem.PGSIZE) {
		t.Fatalf("FindVirtual returned %#x, which overlaps the reserved page at 0", found)
	}
}

func TestFindVirtualFailsAtCeiling(t *testing.T) {
	as := newTestAS(t)
	if _, err := as.FindVirtual(MaxVirt, int64(mem.PGSIZE)); err != defs.ErrOutOfMemory {
		t.Fatalf("err = %v, want ErrOutOfMemory", err)
	}
}

func TestPagetablesCounterIncrementsOnReserve(t *testing.T) {
	as := newTestAS(t)
	before := as.real.Stats().Pagetables
	as.ReserveVirtual(0x1000, int64(mem.PGSIZE), mem.PTE_RSRV)
	if got := as.real.Stats().Pagetables; got <= before {
		t.Fatalf("pagetables counter = %d, want > %d after establishing a fresh tree", got, before)
	}
}
