// Package tlb implements the 16-entry, hint-byte-prefiltered software
// TLB (C4): a small associative cache from guest-virtual page number
// to the final leaf PTE, with slot-0-is-MRU single-step promotion and
// a relaxed-atomic invalidation flag observed by the walker's fast
// path.
package tlb

import (
	"sync/atomic"

	"guestmem/mem"
)

// NumEntries is the TLB's fixed associativity: a power of two,
// divisible by 8 so the hint bytes pack into two 64-bit words.
const NumEntries = 16

const pgshift = 12

type entry struct {
	page  int64
	pte   mem.Pa_t
	valid bool
}

// Tlb is the per-Machine software TLB plus the invalidation flag any
// address-space mutation sets to force the next lookup to re-walk.
type Tlb struct {
	slots [NumEntries]entry
	// hints packs one hint byte per slot into two 64-bit words (slots
	// 0-7, 8-15), enabling an 8-way equality probe per word.
	hints [2]uint64

	hits1, hits2 int64

	invalidate atomic.Bool
}

func hintByte(page int64) byte {
	return byte((page >> pgshift) & 0xff)
}

func (t *Tlb) setHint(i int, h byte) {
	word := i / 8
	shift := uint(i%8) * 8
	mask := uint64(0xff) << shift
	t.hints[word] = (t.hints[word] &^ mask) | (uint64(h) << shift)
}

func (t *Tlb) hint(i int) byte {
	word := i / 8
	shift := uint(i%8) * 8
	return byte(t.hints[word] >> shift)
}

// Lookup probes the TLB for page (a guest-virtual page-aligned
// address). It returns the cached leaf PTE and true on a hit.
func (t *Tlb) Lookup(page int64) (mem.Pa_t, bool) {
	if t.slots[0].valid && t.slots[0].page == page {
		atomic.AddInt64(&t.hits1, 1)
		return t.slots[0].pte, true
	}

	want := hintByte(page)
	for word := 0; word < 2; word++ {
		broadcast := uint64(want)
		broadcast |= broadcast << 8
		broadcast |= broadcast << 16
		broadcast |= broadcast << 32
		xored := t.hints[word] ^ broadcast
		for lane := 0; lane < 8; lane++ {
			b := byte(xored >> (uint(lane) * 8))
			if b != 0 {
				continue
			}
			i := word*8 + lane
			if i == 0 {
				continue
			}
			if t.slots[i].valid && t.slots[i].page == page {
				atomic.AddInt64(&t.hits2, 1)
				pte := t.slots[i].pte
				t.promote(i)
				return pte, true
			}
		}
	}
	return 0, false
}

// promote swaps slot i with the slot immediately before it, the
// single-step move-toward-MRU the data model calls for.
func (t *Tlb) promote(i int) {
	if i == 0 {
		return
	}
	j := i - 1
	t.slots[i], t.slots[j] = t.slots[j], t.slots[i]
	hi, hj := t.hint(i), t.hint(j)
	t.setHint(i, hj)
	t.setHint(j, hi)
}

// Insert installs (page, pte) at the fixed insertion slot (the last
// one), matching SetTlbEntry's hint-byte-invariant bookkeeping.
func (t *Tlb) Insert(page int64, pte mem.Pa_t) {
	t.SetEntry(NumEntries-1, page, pte)
}

// SetEntry stores (page, pte) at slot i and rewrites its hint byte,
// preserving testable-property 2 (hint byte always mirrors the page).
func (t *Tlb) SetEntry(i int, page int64, pte mem.Pa_t) {
	t.slots[i] = entry{page: page, pte: pte, valid: true}
	t.setHint(i, hintByte(page))
}

// Reset zeroes every slot and hint byte. After Reset, no entry aliases
// a prior mapping (invariant 6).
func (t *Tlb) Reset() {
	for i := range t.slots {
		t.slots[i] = entry{}
	}
	t.hints = [2]uint64{}
}

// Invalidate sets the cross-Machine invalidation flag. Any mutation to
// the shared page-table tree must call this on every peer Machine's
// Tlb sharing the System.
func (t *Tlb) Invalidate() {
	t.invalidate.Store(true)
}

// CheckInvalidate observes the invalidation flag with relaxed
// ordering (acquire/release is unnecessary — the walker re-reads PTEs
// from shared memory directly); if set, it resets the TLB and clears
// the flag, and reports that a reset happened so the caller knows to
// re-walk instead of trusting a lookup it already performed.
func (t *Tlb) CheckInvalidate() bool {
	if t.invalidate.Load() {
		t.Reset()
		t.invalidate.Store(false)
		return true
	}
	return false
}

// Hits returns the slot-0 and promoted-slot hit counters.
func (t *Tlb) Hits() (hits1, hits2 int64) {
	return atomic.LoadInt64(&t.hits1), atomic.LoadInt64(&t.hits2)
}
