package machine

import (
	"guestmem/defs"
	"guestmem/mem"
	"guestmem/util"
)

// Direction selects which way VirtualCopy moves bytes.
type Direction int

const (
	GuestToHost Direction = iota
	HostToGuest
)

func (d Direction) kind() defs.AccessKind {
	if d == HostToGuest {
		return defs.AccessWrite
	}
	return defs.AccessRead
}

func frameOffset(virt int64) int64 {
	return virt & int64(mem.PGSIZE-1)
}

// resolve is the shared translation step behind every entrypoint
// below: it returns a slice starting at virt and running to the end of
// its containing frame, or a non-success Err_t when the translation
// fails. In linear (real) mode it is an identity mapping into the
// pool, growing it on demand; in paged mode it walks the page tables
// through the Machine's TLB.
func (m *Machine) resolve(virt int64) ([]byte, defs.Err_t) {
	if m.linear {
		frame := m.system.Real.LinearFrame(virt)
		if frame == nil {
			if virt < 0 || virt >= m.system.Real.MaxSize() {
				return nil, defs.ErrOutOfRange
			}
			return nil, defs.ErrOutOfMemory
		}
		return frame[frameOffset(virt):], defs.ErrNone
	}

	pte, err := m.system.AS.Translate(&m.tlb, virt)
	if err != defs.ErrNone {
		return nil, err
	}
	frame := m.system.Real.GetPageAddress(pte)
	if frame == nil {
		return nil, defs.ErrUnmapped
	}
	return frame[frameOffset(virt):], defs.ErrNone
}

// LookupAddress resolves virt to a host pointer, or nil on miss. In
// real mode it maps identity within the pool; in paged mode it walks
// and projects through the TLB.
func (m *Machine) LookupAddress(virt int64) []byte {
	p, _ := m.resolve(virt)
	return p
}

// GetAddress short-circuits to the identity (ToHost) projection when
// the Machine is in linear mode; otherwise it is LookupAddress. The
// two modes collapse to the same resolve() path here — see DESIGN.md
// for the reasoning — but are kept as distinct entrypoints to match
// the external interface the interpreter expects.
func (m *Machine) GetAddress(virt int64) []byte {
	return m.LookupAddress(virt)
}

// ResolveAddress is GetAddress, but raises a segmentation fault to the
// caller on miss instead of returning nil. It is the subsystem's only
// non-local exit.
func (m *Machine) ResolveAddress(virt int64, kind defs.AccessKind) ([]byte, error) {
	p, err := m.resolve(virt)
	if err == defs.ErrNone {
		return p, nil
	}
	fe := defs.NewFaultError(virt, kind, err)
	fe.Report.Disasm = m.diagnose(virt)
	return nil, fe
}

// VirtualCopy copies n bytes between host and the guest-virtual range
// starting at virt, splitting the transfer into per-page chunks. n ==
// 0 is a no-op and never faults, even for an unmapped virt. It returns
// the number of bytes actually transferred before any fault.
func (m *Machine) VirtualCopy(virt int64, host []byte, n int, dir Direction) (int, error) {
	if n == 0 {
		return 0, nil
	}
	v := virt
	done := 0
	for done < n {
		p, err := m.resolve(v)
		if err != defs.ErrNone {
			return done, defs.NewFaultError(v, dir.kind(), err)
		}
		chunk := int(util.Min(int64(n-done), int64(len(p))))
		if chunk <= 0 {
			return done, defs.NewFaultError(v, dir.kind(), defs.ErrUnmapped)
		}
		switch dir {
		case GuestToHost:
			copy(host[done:done+chunk], p[:chunk])
		case HostToGuest:
			copy(p[:chunk], host[done:done+chunk])
		}
		v += int64(chunk)
		done += chunk
	}
	return n, nil
}

// CopyFromUser copies n bytes from guest-virtual virt into out.
func (m *Machine) CopyFromUser(virt int64, out []byte, n int) error {
	_, err := m.VirtualCopy(virt, out, n, GuestToHost)
	return err
}

// CopyToUser copies n bytes from in into guest-virtual virt.
func (m *Machine) CopyToUser(virt int64, in []byte, n int) error {
	_, err := m.VirtualCopy(virt, in, n, HostToGuest)
	return err
}

// CopyFromUserRead is CopyFromUser, additionally recording the
// accessed range for debuggers and signal machinery.
func (m *Machine) CopyFromUserRead(virt int64, out []byte, n int) error {
	if err := m.CopyFromUser(virt, out, n); err != nil {
		return err
	}
	m.readaddr, m.readsize = virt, int64(n)
	return nil
}

// CopyToUserWrite is CopyToUser, additionally recording the accessed
// range.
func (m *Machine) CopyToUserWrite(virt int64, in []byte, n int) error {
	if err := m.CopyToUser(virt, in, n); err != nil {
		return err
	}
	m.writeaddr, m.writesize = virt, int64(n)
	return nil
}

// ReadRange and WriteRange report the last range recorded by
// CopyFromUserRead/CopyToUserWrite.
func (m *Machine) ReadRange() (addr, size int64)  { return m.readaddr, m.readsize }
func (m *Machine) WriteRange() (addr, size int64) { return m.writeaddr, m.writesize }

// ReserveAddress returns a host pointer usable for an n-byte access at
// virt. If the access fits within one page it is the direct
// resolution; otherwise the range is copied into the per-CPU stash,
// whose address, size, and writability are recorded, and the stash's
// pointer is returned. writable marks whether CommitStash should write
// the stash back at instruction retire.
func (m *Machine) ReserveAddress(virt int64, n int, writable bool) ([]byte, error) {
	if int64(n) <= int64(mem.PGSIZE)-frameOffset(virt) {
		kind := defs.AccessRead
		if writable {
			kind = defs.AccessWrite
		}
		return m.ResolveAddress(virt, kind)
	}

	if cap(m.stash.buf) < n {
		m.stash.buf = make([]byte, n)
	}
	buf := m.stash.buf[:n]
	if err := m.CopyFromUser(virt, buf, n); err != nil {
		return nil, err
	}
	m.stash.addr = virt
	m.stash.size = int64(n)
	m.stash.writable = writable
	m.stash.active = true
	return buf, nil
}

// CommitStash writes the active stash back to its guest-virtual range
// if it is writable, and always clears it. The interpreter calls this
// at instruction retire; on a fault the stash must instead be
// discarded by the caller without calling CommitStash.
func (m *Machine) CommitStash() error {
	if !m.stash.active {
		return nil
	}
	addr, size, writable := m.stash.addr, m.stash.size, m.stash.writable
	buf := m.stash.buf[:size]
	m.stash.active = false
	m.stash.addr = 0
	if !writable {
		return nil
	}
	return m.CopyToUser(addr, buf, int(size))
}

// AccessRam is the lower-level two-page splice: it returns the direct
// host pointer when the access is single-page, otherwise it fills tmp
// (which must have length >= n) by reading both halves.
func (m *Machine) AccessRam(virt int64, n int, tmp []byte) ([]byte, error) {
	if int64(n) <= int64(mem.PGSIZE)-frameOffset(virt) {
		return m.ResolveAddress(virt, defs.AccessRead)
	}
	if err := m.CopyFromUser(virt, tmp[:n], n); err != nil {
		return nil, err
	}
	return tmp[:n], nil
}

// Load is AccessRam specialized for a pure read.
func (m *Machine) Load(virt int64, n int, tmp []byte) ([]byte, error) {
	return m.AccessRam(virt, n, tmp)
}

// BeginStore is AccessRam specialized for a write: single-page
// accesses get the direct host pointer to write through; multi-page
// accesses get tmp pre-loaded with the existing bytes (so a
// read-modify-write instruction sees correct operands), to be written
// back with EndStore.
func (m *Machine) BeginStore(virt int64, n int, tmp []byte) ([]byte, error) {
	if int64(n) <= int64(mem.PGSIZE)-frameOffset(virt) {
		return m.ResolveAddress(virt, defs.AccessWrite)
	}
	if err := m.CopyFromUser(virt, tmp[:n], n); err != nil {
		return nil, err
	}
	return tmp[:n], nil
}

// BeginLoadStore is BeginStore: both primitives need the existing
// bytes loaded ahead of a read-modify-write instruction, so there is
// nothing for a combined variant to do differently.
func (m *Machine) BeginLoadStore(virt int64, n int, tmp []byte) ([]byte, error) {
	return m.BeginStore(virt, n, tmp)
}

// EndStore writes buf back to both halves of a multi-page BeginStore;
// for a single-page access the writes already landed directly, so it
// is a no-op.
func (m *Machine) EndStore(virt int64, n int, buf []byte) error {
	if int64(n) <= int64(mem.PGSIZE)-frameOffset(virt) {
		return nil
	}
	return m.CopyToUser(virt, buf[:n], n)
}

// BeginStoreNp and EndStoreNp treat virt == 0 as a no-op, the guest
// null-pointer convention.
func (m *Machine) BeginStoreNp(virt int64, n int, tmp []byte) ([]byte, error) {
	if virt == 0 {
		return nil, nil
	}
	return m.BeginStore(virt, n, tmp)
}

func (m *Machine) EndStoreNp(virt int64, n int, buf []byte) error {
	if virt == 0 {
		return nil
	}
	return m.EndStore(virt, n, buf)
}
