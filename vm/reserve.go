package vm

import (
	"guestmem/defs"
	"guestmem/mem"
	"guestmem/util"
)

// ensureIntermediatePath walks/creates the PML4, PDPT, and PD frames
// for virt, allocating CR3 itself on first use, and returns the L1
// (page table) frame that holds virt's leaf entry.
func (as *AddressSpace) ensureIntermediatePath(virt int64) (mem.Pa_t, defs.Err_t) {
	table := as.CR3()
	if table == 0 {
		frame := as.real.AllocatePage()
		if frame == mem.NoPage {
			return 0, defs.ErrOutOfMemory
		}
		as.cr3.Store(uint64(frame))
		table = frame
	}

	for _, level := range [3]uint{levelPML4, levelPDPT, levelPD} {
		idx := pageIndex(virt, level)
		entry := as.readEntry(table, idx)
		if entry&mem.PTE_P == 0 {
			frame := as.real.AllocatePage()
			if frame == mem.NoPage {
				return 0, defs.ErrOutOfMemory
			}
			as.writeEntry(table, idx, frame|mem.PTE_INTERMEDIATE)
			as.real.IncPagetables()
			table = frame
		} else {
			table = entry & mem.PTE_ADDR
		}
	}
	return table, defs.ErrNone
}

// l1Span is the byte range one L1 (page table) frame covers: 512
// leaves of 4096 bytes each.
const l1Span = int64(512) * int64(mem.PGSIZE)

// ReserveVirtual reserves every 4096-byte page in [virt, virt+size)
// with the leaf value key, which must carry PTE_RSRV and must not
// carry PTE_P. Pre-existing leaves (reserved or committed) are left
// untouched, making reservation idempotent. Intermediate tables are
// created lazily and CR3 is established on first use.
func (as *AddressSpace) ReserveVirtual(virt int64, size int64, key mem.Pa_t) defs.Err_t {
	if key&mem.PTE_P != 0 {
		panic("vm: reservation key must not carry the present bit")
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	start := util.Rounddown(virt, int64(mem.PGSIZE))
	end := util.Roundup(virt+size, int64(mem.PGSIZE))

	var l1 mem.Pa_t
	var l1Valid bool
	var l1Base int64

	for v := start; v < end; v += int64(mem.PGSIZE) {
		if !inRange(v) {
			return defs.ErrOutOfRange
		}
		base := v &^ (l1Span - 1)
		if !l1Valid || base != l1Base {
			table, err := as.ensureIntermediatePath(v)
			if err != defs.ErrNone {
				return err
			}
			l1 = table
			l1Base = base
			l1Valid = true
		}

		idx := pageIndex(v, levelPT)
		if as.readEntry(l1, idx) == 0 {
			as.writeEntry(l1, idx, key)
			as.real.IncReserved()
		}
	}
	return defs.ErrNone
}
