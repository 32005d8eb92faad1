// Package vm implements the 4-level PML4 page-table walker and the
// reservation/commit/free engine over a shared physical pool (mem.Real),
// grounded in the teacher's vm.Vm_t pmap-locking discipline but
// generalized from a process address space to a guest one.
package vm

import (
	"sync"
	"sync/atomic"

	"guestmem/defs"
	"guestmem/mem"
	"guestmem/tlb"
	"guestmem/util"
)

const (
	levelPML4 = 39
	levelPDPT = 30
	levelPD   = 21
	levelPT   = 12
	levelStep = 9
)

// MinVirt and MaxVirt bound the legal 48-bit signed guest virtual
// address range.
const (
	MinVirt int64 = -(1 << 47)
	MaxVirt int64 = 1 << 47
)

// AddressSpace is the System-level shared state: the physical pool and
// the CR3-rooted page-table tree. It is shared by every Machine of one
// guest, matching spec.md section 5 ("the underlying physical pool and
// page tables ... are per-System"). Reservation, commit, and free hold
// mu for writing; the translation fast path (walk) is lock-free and
// tolerates a racing commit, matching section 5's "walker is lock-free
// and tolerates concurrent promotion."
type AddressSpace struct {
	real *mem.Real
	mu   sync.RWMutex
	cr3  atomic.Uint64

	peerMu sync.Mutex
	peers  []*tlb.Tlb
}

// NewAddressSpace returns an empty address space (CR3 == 0, "no
// address space") backed by real.
func NewAddressSpace(real *mem.Real) *AddressSpace {
	return &AddressSpace{real: real}
}

// CR3 returns the current root page-table frame offset, or 0 if no
// address space has been established yet.
func (as *AddressSpace) CR3() mem.Pa_t {
	return mem.Pa_t(as.cr3.Load())
}

// Real returns the backing physical pool.
func (as *AddressSpace) Real() *mem.Real {
	return as.real
}

// RegisterPeer adds t to the set of Machine TLBs that must observe
// this address space's invalidation broadcasts.
func (as *AddressSpace) RegisterPeer(t *tlb.Tlb) {
	as.peerMu.Lock()
	defer as.peerMu.Unlock()
	as.peers = append(as.peers, t)
}

// UnregisterPeer removes t, e.g. when its owning Machine is freed.
func (as *AddressSpace) UnregisterPeer(t *tlb.Tlb) {
	as.peerMu.Lock()
	defer as.peerMu.Unlock()
	for i, p := range as.peers {
		if p == t {
			as.peers = append(as.peers[:i], as.peers[i+1:]...)
			return
		}
	}
}

// invalidatePeers sets the invalidation flag on every registered TLB,
// the cross-Machine broadcast any page-table mutation must perform.
func (as *AddressSpace) invalidatePeers() {
	as.peerMu.Lock()
	defer as.peerMu.Unlock()
	for _, p := range as.peers {
		p.Invalidate()
	}
}

// Reset clears CR3 (there is no address space until the next
// ReserveVirtual establishes one) and invalidates every peer Machine's
// TLB, since their cached entries now describe a torn-down tree.
func (as *AddressSpace) Reset() {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.cr3.Store(0)
	as.invalidatePeers()
}

func pageIndex(virt int64, level uint) int {
	return int((virt >> level) & 511)
}

// tableEntryPtr returns the 8 host bytes holding the entry at index
// within the page-table frame table.
func (as *AddressSpace) tableEntryPtr(table mem.Pa_t, index int) []byte {
	b := as.real.GetPageAddress(table)
	if b == nil {
		return nil
	}
	return b[index*8 : index*8+8]
}

func (as *AddressSpace) readEntry(table mem.Pa_t, index int) mem.Pa_t {
	b := as.tableEntryPtr(table, index)
	if b == nil {
		return 0
	}
	return mem.Pa_t(util.Load64(b))
}

func (as *AddressSpace) writeEntry(table mem.Pa_t, index int, v mem.Pa_t) {
	b := as.tableEntryPtr(table, index)
	if b == nil {
		panic("vm: write to unmapped page-table frame")
	}
	util.Store64(b, uint64(v))
}

// inRange reports whether virt falls in the legal 48-bit signed guest
// virtual address range.
func inRange(virt int64) bool {
	return virt >= MinVirt && virt < MaxVirt
}

// FindPageTableEntry walks CR3 -> L3 -> L2 -> L1 for the page
// containing virt, committing a reserved-but-uncommitted leaf on the
// way (HandlePageFault), and returns the resulting leaf PTE. It never
// creates intermediate tables; a miss at any level above the leaf
// returns Unmapped, matching spec.md section 4.2.
func (as *AddressSpace) FindPageTableEntry(virt int64) (mem.Pa_t, defs.Err_t) {
	if !inRange(virt) {
		return 0, defs.ErrOutOfRange
	}
	virt = util.Rounddown(virt, int64(mem.PGSIZE))

	table := as.CR3()
	if table == 0 {
		return 0, defs.ErrUnmapped
	}
	for _, level := range [3]uint{levelPML4, levelPDPT, levelPD} {
		idx := pageIndex(virt, level)
		entry := as.readEntry(table, idx)
		if entry&mem.PTE_P == 0 {
			return 0, defs.ErrUnmapped
		}
		table = entry & mem.PTE_ADDR
	}

	idx := pageIndex(virt, levelPT)
	entry := as.readEntry(table, idx)
	switch {
	case entry == 0:
		return 0, defs.ErrUnmapped
	case entry&mem.PTE_RSRV != 0:
		return as.commitLeaf(table, idx, entry)
	case entry&mem.PTE_P != 0:
		return entry, defs.ErrNone
	default:
		return 0, defs.ErrUnmapped
	}
}

// commitLeaf is HandlePageFault: it allocates a fresh frame for a
// reserved-but-uncommitted leaf, patches the leaf in place, and
// updates the reserved/committed counters.
func (as *AddressSpace) commitLeaf(table mem.Pa_t, idx int, old mem.Pa_t) (mem.Pa_t, defs.Err_t) {
	as.mu.Lock()
	defer as.mu.Unlock()

	// Re-read under the write lock: a racing commit on another Machine
	// may have already resolved this leaf.
	cur := as.readEntry(table, idx)
	if cur&mem.PTE_RSRV == 0 {
		if cur&mem.PTE_P != 0 {
			return cur, defs.ErrNone
		}
		return 0, defs.ErrUnmapped
	}

	frame := as.real.AllocatePage()
	if frame == mem.NoPage {
		return 0, defs.ErrOutOfMemory
	}
	newLeaf := (frame & mem.PTE_ADDR) | (old &^ (mem.PTE_ADDR | mem.PTE_RSRV)) | mem.PTE_P
	as.writeEntry(table, idx, newLeaf)
	as.real.DecReserved()
	as.real.IncCommitted()
	return newLeaf, defs.ErrNone
}

// Translate is the TLB-integrated lookup the access API calls: it
// observes t's invalidation flag, probes the TLB, and on a miss falls
// through to FindPageTableEntry, installing the result at the TLB's
// insertion slot.
func (as *AddressSpace) Translate(t *tlb.Tlb, virt int64) (mem.Pa_t, defs.Err_t) {
	if !inRange(virt) {
		return 0, defs.ErrOutOfRange
	}
	page := util.Rounddown(virt, int64(mem.PGSIZE))
	t.CheckInvalidate()
	if pte, ok := t.Lookup(page); ok {
		return pte, defs.ErrNone
	}
	pte, err := as.FindPageTableEntry(page)
	if err != defs.ErrNone {
		return 0, err
	}
	t.Insert(page, pte)
	return pte, defs.ErrNone
}
