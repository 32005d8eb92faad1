package vm

import (
	"guestmem/defs"
	"guestmem/mem"
	"guestmem/util"
)

// probeSpan reports, for the page-table entry covering v at whatever
// level first lacks a present entry, that level's natural span and
// false; or, once every intermediate level is present, the leaf's own
// occupancy (reserved or committed counts as occupied) and a one-frame
// span. It is shared by FreeVirtual (stride-skipping over absent
// ranges) and FindVirtual (accumulating free runs).
func (as *AddressSpace) probeSpan(v int64) (stride int64, occupied bool) {
	table := as.CR3()
	if table == 0 {
		return int64(1) << levelPML4, false
	}
	for _, level := range [3]uint{levelPML4, levelPDPT, levelPD} {
		idx := pageIndex(v, level)
		entry := as.readEntry(table, idx)
		if entry&mem.PTE_P == 0 {
			return int64(1) << level, false
		}
		table = entry & mem.PTE_ADDR
	}
	idx := pageIndex(v, levelPT)
	entry := as.readEntry(table, idx)
	return int64(mem.PGSIZE), entry != 0
}

// leafTable walks to the L1 frame holding virt's leaf entry without
// creating anything, returning ok == false at the first absent level
// along with that level's stride so the caller can skip ahead.
func (as *AddressSpace) leafTable(virt int64) (table mem.Pa_t, idx int, stride int64, ok bool) {
	table = as.CR3()
	if table == 0 {
		return 0, 0, int64(1) << levelPML4, false
	}
	for _, level := range [3]uint{levelPML4, levelPDPT, levelPD} {
		i := pageIndex(virt, level)
		entry := as.readEntry(table, i)
		if entry&mem.PTE_P == 0 {
			return 0, 0, int64(1) << level, false
		}
		table = entry & mem.PTE_ADDR
	}
	return table, pageIndex(virt, levelPT), 0, true
}

// FreeVirtual walks [base, base+size), clearing every present or
// reserved leaf it finds and returning committed frames to the
// physical pool's free list. Absent ranges are skipped by the
// encountered level's stride (a no-op free), and every peer Machine's
// TLB is invalidated once at the end.
func (as *AddressSpace) FreeVirtual(base int64, size int64) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()

	start := util.Rounddown(base, int64(mem.PGSIZE))
	end := util.Roundup(base+size, int64(mem.PGSIZE))

	for v := start; v < end; {
		if !inRange(v) {
			return defs.ErrOutOfRange
		}
		table, idx, stride, ok := as.leafTable(v)
		if !ok {
			v += stride
			continue
		}
		entry := as.readEntry(table, idx)
		switch {
		case entry&mem.PTE_RSRV != 0:
			as.real.DecReserved()
			as.writeEntry(table, idx, 0)
		case entry&mem.PTE_P != 0:
			as.real.DecCommitted()
			as.real.AppendRealFree(entry & mem.PTE_ADDR)
			as.writeEntry(table, idx, 0)
		}
		v += int64(mem.PGSIZE)
	}

	as.invalidatePeers()
	return defs.ErrNone
}
