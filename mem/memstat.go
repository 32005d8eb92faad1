package mem

import (
	"fmt"
	"sync/atomic"
)

// MemStat is the set of monotone-ish counters described by the data
// model: allocated/freed/reclaimed/resizes/committed/reserved/
// pagetables. TLB hit counters are not tracked here: they are
// per-Machine (each Machine has its own tlb.Tlb), not per-pool, and
// are surfaced through Machine.Stats instead.
type MemStat struct {
	allocated  int64
	freed      int64
	reclaimed  int64
	resizes    int64
	committed  int64
	reserved   int64
	pagetables int64
}

func (m *MemStat) incAllocated()  { atomic.AddInt64(&m.allocated, 1) }
func (m *MemStat) incFreed()      { atomic.AddInt64(&m.freed, 1) }
func (m *MemStat) incReclaimed()  { atomic.AddInt64(&m.reclaimed, 1) }
func (m *MemStat) incResizes()    { atomic.AddInt64(&m.resizes, 1) }
func (m *MemStat) incCommitted()  { atomic.AddInt64(&m.committed, 1) }
func (m *MemStat) decCommitted()  { atomic.AddInt64(&m.committed, -1) }
func (m *MemStat) incReserved()   { atomic.AddInt64(&m.reserved, 1) }
func (m *MemStat) decReserved()   { atomic.AddInt64(&m.reserved, -1) }
func (m *MemStat) incPagetables() { atomic.AddInt64(&m.pagetables, 1) }

// Snapshot is a point-in-time, non-atomic-as-a-whole copy of MemStat
// suitable for reporting; individual fields are read with Load so no
// single field tears, but the set of fields is not read under one lock
// (matching the teacher's Physmem_t.Pgcount(), which reports the same
// way).
type Snapshot struct {
	Allocated, Freed, Reclaimed, Resizes int64
	Committed, Reserved, Pagetables      int64
}

// Stats returns a snapshot of the counters.
func (m *MemStat) Stats() Snapshot {
	return Snapshot{
		Allocated:  atomic.LoadInt64(&m.allocated),
		Freed:      atomic.LoadInt64(&m.freed),
		Reclaimed:  atomic.LoadInt64(&m.reclaimed),
		Resizes:    atomic.LoadInt64(&m.resizes),
		Committed:  atomic.LoadInt64(&m.committed),
		Reserved:   atomic.LoadInt64(&m.reserved),
		Pagetables: atomic.LoadInt64(&m.pagetables),
	}
}

// String renders the snapshot for diagnostic printing, in the
// teacher's Stats2String style (one counter per line).
func (s Snapshot) String() string {
	return fmt.Sprintf("\n\t#allocated: %d\n\t#freed: %d\n\t#reclaimed: %d\n\t#resizes: %d\n\t#committed: %d\n\t#reserved: %d\n\t#pagetables: %d\n",
		s.Allocated, s.Freed, s.Reclaimed, s.Resizes, s.Committed, s.Reserved, s.Pagetables)
}

// reset zeroes every counter; used by ResetMem.
func (m *MemStat) reset() {
	atomic.StoreInt64(&m.allocated, 0)
	atomic.StoreInt64(&m.freed, 0)
	atomic.StoreInt64(&m.reclaimed, 0)
	atomic.StoreInt64(&m.resizes, 0)
	atomic.StoreInt64(&m.committed, 0)
	atomic.StoreInt64(&m.reserved, 0)
	atomic.StoreInt64(&m.pagetables, 0)
}

// Reset zeroes every counter in m. Exported for callers (the machine
// container's ResetMem) outside this package.
func (m *MemStat) Reset() {
	m.reset()
}
