package mem

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/singleflight"
	"golang.org/x/sys/unix"

	"guestmem/util"
)

// DefaultRealSize is the production ceiling on pool capacity (16 GiB).
// Tests construct a Real with a much smaller ceiling via NewReal so
// that the "grow past the limit" boundary in spec.md section 8 can be
// exercised without actually mapping that much host memory; the field
// plays the role spec.md's fixed kRealSize constant plays, made
// configurable at construction time.
const DefaultRealSize int64 = 16 << 30

const initialRealCapacity int64 = 64 * 1024

// NoPage is the OOM sentinel returned by AllocatePageRaw/AllocatePage,
// playing the role of spec.md's -1.
const NoPage Pa_t = ^Pa_t(0)

// freenode is a coalescable run on the Real free list. start/length
// are byte offsets/lengths within the pool, always frame-aligned.
type freenode struct {
	start  int64
	length int64
	next   *freenode
}

// Real is the grow-on-demand, host-backed physical RAM pool (C1). It
// owns one anonymous mmap whose length is Real.capacity; Real.used is
// the bump-allocation frontier within it, and the free list recycles
// frames freed back by FreeVirtual.
type Real struct {
	mu       sync.Mutex
	mem      []byte
	used     int64
	capacity int64
	maxSize  int64
	freehead *freenode

	stat MemStat

	grow singleflight.Group

	// failNextNodeAlloc lets tests exercise the documented
	// "malloc failure leaks a frame" path in AppendRealFree without
	// actually exhausting host memory.
	failNextNodeAlloc bool
}

// NewReal mmaps the initial 64 KiB capacity (or maxSize, rounded up to
// a frame, when that is smaller) and returns a Real whose
// total capacity will never grow past maxSize. maxSize <= 0 selects
// DefaultRealSize.
func NewReal(maxSize int64) (*Real, error) {
	if maxSize <= 0 {
		maxSize = DefaultRealSize
	}
	initial := initialRealCapacity
	if initial > maxSize {
		initial = util.Roundup(maxSize, int64(PGSIZE))
	}
	b, err := unix.Mmap(-1, 0, int(initial), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mem: initial mmap: %w", err)
	}
	return &Real{
		mem:      b,
		capacity: initial,
		maxSize:  maxSize,
	}, nil
}

// Close unmaps the pool. It is the caller's (machine container's)
// responsibility to call this exactly once, after every derived host
// pointer has gone out of use.
func (r *Real) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}

// Stats returns a snapshot of the pool's counters.
func (r *Real) Stats() Snapshot {
	return r.stat.Stats()
}

// ResetForNewAddressSpace drops the free list, rewinds the bump
// allocator to zero, and zeros the pool's statistics, without
// releasing the underlying mmap. Exported for the machine container's
// ResetMem.
func (r *Real) ResetForNewAddressSpace() {
	r.reset()
}

// reset drops the free list and rewinds the bump allocator to zero,
// without releasing the underlying mmap. Used by ResetMem.
func (r *Real) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.used = 0
	r.freehead = nil
	r.stat.reset()
}

// ReserveReal ensures capacity is at least n bytes (rounded up to a
// frame), growing the backing mmap by 1.5x steps starting from the
// current capacity until it is sufficient or maxSize is exceeded. Grow
// calls from concurrent Machines sharing this System are coalesced
// through a singleflight.Group so a racing set of faulting Machines
// performs at most one mremap (spec.md section 5, "Pool growth
// hazard"); ResetTlb on every participating Machine must still run
// after a successful call returns, since the pool's base may have
// moved even for callers that only observed the coalesced result.
func (r *Real) ReserveReal(n int64) error {
	n = util.Roundup(n, int64(PGSIZE))
	r.mu.Lock()
	if r.capacity >= n {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	_, err, _ := r.grow.Do("grow", func() (interface{}, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		for r.capacity < n {
			next := util.Roundup(r.capacity+r.capacity/2, int64(PGSIZE))
			if next > r.maxSize {
				next = r.maxSize
			}
			if next <= r.capacity {
				return nil, fmt.Errorf("mem: out of memory growing real pool past %d bytes", r.maxSize)
			}
			b, err := unix.Mremap(r.mem, int(next), unix.MREMAP_MAYMOVE)
			if err != nil {
				return nil, fmt.Errorf("mem: mremap: %w", err)
			}
			r.mem = b
			r.capacity = next
			r.stat.incResizes()
			fmt.Fprintf(os.Stderr, "mem: grew real pool to %d bytes\n", r.capacity)
		}
		return nil, nil
	})
	return err
}

// AllocatePageRaw returns a frame-aligned physical offset, preferring
// the free list's head run before bump-allocating from used. It
// returns -1 on OOM.
func (r *Real) AllocatePageRaw() Pa_t {
	r.mu.Lock()
	if r.freehead != nil {
		n := r.freehead
		off := n.start
		n.start += int64(PGSIZE)
		n.length -= int64(PGSIZE)
		if n.length == 0 {
			r.freehead = n.next
		}
		r.mu.Unlock()
		r.stat.incReclaimed()
		return Pa_t(off)
	}
	needed := r.used + int64(PGSIZE)
	r.mu.Unlock()
	if needed > r.capacity {
		if err := r.ReserveReal(needed); err != nil {
			return NoPage
		}
	}
	r.mu.Lock()
	off := r.used
	r.used += int64(PGSIZE)
	r.mu.Unlock()
	r.stat.incAllocated()
	return Pa_t(off)
}

// AllocatePage is AllocatePageRaw followed by zeroing the frame.
func (r *Real) AllocatePage() Pa_t {
	p := r.AllocatePageRaw()
	if p == NoPage {
		return p
	}
	b := r.Dmap8(p)
	for i := range b {
		b[i] = 0
	}
	return p
}

// AppendRealFree returns a frame to the free list. If the head run
// ends exactly at addr, it is extended by one frame; otherwise a new
// head node is pushed. Coalescing only ever extends the head forward;
// it never merges backward into the head, so frames freed out of
// order each get their own node. A node-allocation failure silently
// leaks the frame, as documented in spec.md section 7;
// failNextNodeAlloc simulates that path for tests.
func (r *Real) AppendRealFree(addr Pa_t) {
	r.mu.Lock()
	defer r.mu.Unlock()
	off := int64(addr)
	if r.freehead != nil && r.freehead.start+r.freehead.length == off {
		r.freehead.length += int64(PGSIZE)
		r.stat.incFreed()
		return
	}
	if r.failNextNodeAlloc {
		r.failNextNodeAlloc = false
		return // leaked, as documented
	}
	r.freehead = &freenode{start: off, length: int64(PGSIZE), next: r.freehead}
	r.stat.incFreed()
}

// GetPageAddress projects a leaf PTE's address field to a host
// pointer: ToHost semantics for HOST entries, a pool-relative slice
// otherwise. It returns nil when the pool offset is out of range.
func (r *Real) GetPageAddress(entry Pa_t) []byte {
	if entry&PTE_HOST != 0 {
		return hostPointer(entry & PTE_ADDR)
	}
	off := int64(entry & PTE_ADDR)
	r.mu.Lock()
	defer r.mu.Unlock()
	if off < 0 || off >= r.used {
		return nil
	}
	return r.mem[off : off+int64(PGSIZE)]
}

// LinearFrame returns the frame-aligned slice covering virt under real
// (identity) mode addressing: no PTE, no reservation bookkeeping, just
// a direct view into the pool, growing it on demand. It returns nil
// when virt is negative or growth would exceed maxSize.
func (r *Real) LinearFrame(virt int64) []byte {
	if virt < 0 {
		return nil
	}
	off := util.Rounddown(virt, int64(PGSIZE))
	if err := r.ReserveReal(off + int64(PGSIZE)); err != nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if off+int64(PGSIZE) > r.capacity {
		return nil
	}
	return r.mem[off : off+int64(PGSIZE)]
}

// MaxSize returns the pool's growth ceiling.
func (r *Real) MaxSize() int64 {
	return r.maxSize
}

// Dmap8 is GetPageAddress restricted to pool-backed (non-HOST)
// offsets, used internally where a HOST entry can never appear (fresh
// allocations).
func (r *Real) Dmap8(p Pa_t) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	off := int64(p)
	return r.mem[off : off+int64(PGSIZE)]
}

// IncPagetables, IncCommitted, DecCommitted, IncReserved and
// DecReserved let the walker (a different package) update the shared
// statistics the data model assigns to the pool.
func (r *Real) IncPagetables() { r.stat.incPagetables() }
func (r *Real) IncCommitted()  { r.stat.incCommitted() }
func (r *Real) DecCommitted()  { r.stat.decCommitted() }
func (r *Real) IncReserved()   { r.stat.incReserved() }
func (r *Real) DecReserved()   { r.stat.decReserved() }

// UsedFrames and Capacity report pool geometry for diagnostics/tests.
func (r *Real) UsedFrames() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used / int64(PGSIZE)
}

func (r *Real) Capacity() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capacity
}

// FreeRuns reports the current free list as (start, length) byte pairs,
// head first, for tests asserting coalescing behavior.
func (r *Real) FreeRuns() [][2]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out [][2]int64
	for n := r.freehead; n != nil; n = n.next {
		out = append(out, [2]int64{n.start, n.length})
	}
	return out
}
