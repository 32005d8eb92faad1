// Package mem implements the host-backed physical RAM pool and the
// page-table-entry bit layout shared by the page table walker, the
// software TLB, and the access API.
package mem

// PGSHIFT is the base-2 exponent of the frame size.
const PGSHIFT uint = 12

// PGSIZE is the size in bytes of a single guest physical frame.
const PGSIZE int = 1 << PGSHIFT

// PGOFFSET masks the in-frame offset of an address.
const PGOFFSET Pa_t = 0xfff

// PGMASK masks the frame number of an address.
const PGMASK Pa_t = ^(PGOFFSET)

// Pa_t is a guest-physical (or, for HOST entries, host-linear) address.
type Pa_t uintptr

// Leaf and intermediate PTE flags. P/W/U mirror the literal x86 bit
// positions; RSRV/HOST/MAP live in bits otherwise ignored by hardware
// and are private to this walker.
const (
	PTE_P Pa_t = 1 << 0 // present / valid
	PTE_W Pa_t = 1 << 1 // writable
	PTE_U Pa_t = 1 << 2 // user-accessible

	PTE_RSRV Pa_t = 1 << 9  // reserved, not yet committed
	PTE_HOST Pa_t = 1 << 10 // TA holds a host linear pointer, not a pool offset
	PTE_MAP  Pa_t = 1 << 11 // map flag; never set by the walker, carried from the reservation key through commit

	// PTE_ADDR (a.k.a. TA) extracts the page-aligned address field.
	PTE_ADDR Pa_t = PGMASK
)

// PTE_INTERMEDIATE is the fixed flag combination ("V|U|W") written to
// every non-leaf page-table entry.
const PTE_INTERMEDIATE Pa_t = PTE_P | PTE_U | PTE_W

// Pgn rounds v down to its containing frame number.
func Pgn(v int64) int64 {
	return v >> int64(PGSHIFT)
}
