package vm

import (
	"guestmem/defs"
	"guestmem/mem"
	"guestmem/util"
)

// FindVirtual scans upward from hint for a contiguous unmapped virtual
// run of at least size bytes, accumulating whole absent spans at
// whatever level first lacks a present entry and restarting at the
// next page boundary whenever it finds an occupied leaf.
func (as *AddressSpace) FindVirtual(hint int64, size int64) (int64, defs.Err_t) {
	if hint >= MaxVirt {
		return 0, defs.ErrOutOfMemory
	}

	as.mu.RLock()
	defer as.mu.RUnlock()

	v := util.Roundup(hint, int64(mem.PGSIZE))
	regionStart := v
	var accum int64

	for v < MaxVirt {
		stride, occupied := as.probeSpan(v)
		if occupied {
			v += int64(mem.PGSIZE)
			accum = 0
			regionStart = v
			continue
		}
		accum += stride
		v += stride
		if accum >= size {
			return regionStart, defs.ErrNone
		}
	}
	return 0, defs.ErrOutOfMemory
}
