// Package machine assembles the physical pool, page-table walker, and
// software TLB into the guest memory subsystem's two container types —
// System (the state shared by every CPU of one guest) and Machine (one
// CPU's private state) — and exposes the access API the interpreter
// drives, grounded in the teacher's Vm_t/Physmem_t split generalized to
// a System/Machine split.
package machine

import (
	"fmt"

	"guestmem/mem"
	"guestmem/tlb"
	"guestmem/vm"
)

// System owns the state shared by every Machine (CPU) of one guest:
// the physical pool and the CR3-rooted page-table tree.
type System struct {
	Real *mem.Real
	AS   *vm.AddressSpace
}

// NewSystem allocates a fresh physical pool (capped at maxRealSize
// bytes; <= 0 selects mem.DefaultRealSize) and an empty address space.
func NewSystem(maxRealSize int64) (*System, error) {
	real, err := mem.NewReal(maxRealSize)
	if err != nil {
		return nil, fmt.Errorf("machine: new system: %w", err)
	}
	return &System{
		Real: real,
		AS:   vm.NewAddressSpace(real),
	}, nil
}

// Close unmaps the system's physical pool. Every Machine sharing this
// System must have been freed first.
func (s *System) Close() error {
	return s.Real.Close()
}

// stash is the per-instruction scratch buffer backing ReserveAddress
// when a multi-byte access straddles a page boundary.
type stash struct {
	buf      []byte
	addr     int64
	size     int64
	writable bool
	active   bool
}

// Machine is one guest CPU's private state: its software TLB, its
// write-back stash, its user-string freelist, and its real/paged mode
// flag. The physical pool and page tables live on the shared System.
type Machine struct {
	system *System
	tlb    tlb.Tlb
	linear bool

	stash stash

	userStrings [][]byte

	readaddr, readsize   int64
	writeaddr, writesize int64
}

// NewMachine returns a fresh Machine bound to system, in real (linear)
// mode, with empty scratch. Its TLB is registered with the System's
// address space so that a FreeVirtual or a ResetMem through any sibling
// Machine invalidates it. Reservation and commit do not invalidate it:
// they only write leaves that were absent or reserved, which a TLB
// never caches.
func NewMachine(system *System) *Machine {
	m := &Machine{system: system, linear: true}
	system.AS.RegisterPeer(&m.tlb)
	return m
}

// System returns the Machine's shared System.
func (m *Machine) System() *System { return m.system }

// SetLinear switches the Machine between real mode (identity mapping
// within [0, maximum pool size), growing the pool on demand) and paged
// mode (full page-table translation).
func (m *Machine) SetLinear(linear bool) { m.linear = linear }

// Linear reports whether the Machine is currently in real (linear)
// mode.
func (m *Machine) Linear() bool { return m.linear }

// Stats returns a snapshot of the shared pool's counters, plus this
// Machine's own TLB hit counters.
type Stats struct {
	mem.Snapshot
	TlbHits1Fast, TlbHits2Promoted int64
}

func (m *Machine) Stats() Stats {
	h1, h2 := m.tlb.Hits()
	return Stats{Snapshot: m.system.Real.Stats(), TlbHits1Fast: h1, TlbHits2Promoted: h2}
}

// ResetMem drops the shared pool's free list, rewinds its bump
// allocator, zeros its statistics, clears the shared CR3 (there is no
// address space once more), and resets this Machine's own TLB. Peers
// sharing the System are invalidated so their next lookup re-walks
// rather than trusting now-meaningless cached entries.
func (m *Machine) ResetMem() {
	m.system.Real.ResetForNewAddressSpace()
	m.system.AS.Reset()
	m.tlb.Reset()
}

// FreeMachine releases every buffer on the Machine's user-string
// freelist and unregisters it from the System's invalidation broadcast
// list. The shared pool itself is released separately via
// System.Close, once every sibling Machine has been freed — the
// teacher's single FreeMachine conflates both because it has exactly
// one Machine per address space; here the two lifetimes are split
// because a System may outlive any one of its Machines.
func (m *Machine) FreeMachine() {
	m.system.AS.UnregisterPeer(&m.tlb)
	m.userStrings = nil
	m.stash = stash{}
}
