package mem

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// hostRegion is one mmap backing a run of HOST leaf PTEs: a file (or,
// for fd == -1, anonymous host memory) exposed to the guest the way
// spec.md section 4.1 describes ("HOST entries escape the pool ... to
// expose host-owned regions, e.g., memory-mapped host files").
type hostRegion struct {
	base Pa_t // page-aligned token, the value stored in a HOST leaf's TA field
	data []byte
}

var (
	hostMu      sync.Mutex
	hostRegions []*hostRegion
	// hostTokens hands out disjoint page-aligned tokens for HOST
	// regions; it is a separate namespace from Real's pool offsets,
	// distinguished by the PTE_HOST flag, so there is no risk of
	// aliasing a genuine pool offset.
	hostTokens int64 = 1 << 48
)

// MapHostFile mmaps fd (or anonymous memory when fd == -1) at the
// given file offset and length, and returns the page-aligned token to
// install as the TA field of a run of HOST leaf PTEs covering it, with
// the PTE_HOST bit already set.
func MapHostFile(fd int, offset int64, length int64, writable bool) (Pa_t, error) {
	if length <= 0 || length%int64(PGSIZE) != 0 {
		return 0, fmt.Errorf("mem: host region length must be a positive multiple of %d", PGSIZE)
	}
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	flags := unix.MAP_SHARED
	if fd == -1 {
		flags = unix.MAP_ANON | unix.MAP_PRIVATE
	}
	data, err := unix.Mmap(fd, offset, int(length), prot, flags)
	if err != nil {
		return 0, fmt.Errorf("mem: host mmap: %w", err)
	}

	token := Pa_t(atomic.AddInt64(&hostTokens, length) - length)
	hostMu.Lock()
	hostRegions = append(hostRegions, &hostRegion{base: token, data: data})
	hostMu.Unlock()
	return token | PTE_HOST, nil
}

// UnmapHostRegion releases a region previously returned by
// MapHostFile. base must be the exact token returned (with or without
// the PTE_HOST bit set).
func UnmapHostRegion(base Pa_t) error {
	base &= PTE_ADDR
	hostMu.Lock()
	defer hostMu.Unlock()
	for i, r := range hostRegions {
		if r.base == base {
			err := unix.Munmap(r.data)
			hostRegions = append(hostRegions[:i], hostRegions[i+1:]...)
			return err
		}
	}
	return fmt.Errorf("mem: no host region at %#x", base)
}

// hostPointer resolves a HOST leaf's TA field (already masked to its
// address bits) to the backing frame's bytes.
func hostPointer(ta Pa_t) []byte {
	hostMu.Lock()
	defer hostMu.Unlock()
	for _, r := range hostRegions {
		if ta >= r.base && int64(ta-r.base) < int64(len(r.data)) {
			off := int64(ta - r.base)
			end := off + int64(PGSIZE)
			if end > int64(len(r.data)) {
				end = int64(len(r.data))
			}
			return r.data[off:end]
		}
	}
	return nil
}
