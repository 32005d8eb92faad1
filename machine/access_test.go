package machine

import (
	"bytes"
	"testing"

	"guestmem/defs"
	"guestmem/mem"
)

func newTestMachine(t *testing.T) (*System, *Machine) {
	t.Helper()
	sys, err := NewSystem(8 << 20)
	if err != nil {
		t.Fatalf("NewSystem: %v", err)
	}
	t.Cleanup(func() { sys.Close() })
	m := NewMachine(sys)
	m.SetLinear(false)
	return sys, m
}

func TestFreshMachineReserveOnePage(t *testing.T) {
	_, m := newTestMachine(t)
	virt := int64(0x4000)

	if err := m.System().AS.ReserveVirtual(virt, int64(mem.PGSIZE), mem.PTE_RSRV); err != defs.ErrNone {
		t.Fatalf("ReserveVirtual: %v", err)
	}
	if p := m.LookupAddress(virt); p != nil {
		t.Fatalf("LookupAddress on a reserved-but-uncommitted page = %v, want nil", p)
	}

	if err := m.CopyToUser(virt, []byte("abc"), 3); err != nil {
		t.Fatalf("CopyToUser (triggers commit): %v", err)
	}

	p := m.LookupAddress(virt)
	if p == nil {
		t.Fatalf("LookupAddress after commit = nil")
	}
	if !bytes.Equal(p[:3], []byte("abc")) {
		t.Fatalf("committed bytes = %q, want %q", p[:3], "abc")
	}
}

func TestPageCrossingWriteRoundTrip(t *testing.T) {
	_, m := newTestMachine(t)
	as := m.System().AS
	as.ReserveVirtual(0x5000, int64(mem.PGSIZE), mem.PTE_RSRV)
	as.ReserveVirtual(0x6000, int64(mem.PGSIZE), mem.PTE_RSRV)

	buf := make([]byte, 5000)
	for i := range buf {
		buf[i] = byte(i)
	}

	if err := m.CopyToUser(0x5000+3000, buf, len(buf)); err != nil {
		t.Fatalf("CopyToUser across the page boundary: %v", err)
	}

	out := make([]byte, len(buf))
	if err := m.CopyFromUser(0x5000+3000, out, len(out)); err != nil {
		t.Fatalf("CopyFromUser: %v", err)
	}
	if !bytes.Equal(out, buf) {
		t.Fatalf("round-tripped bytes differ")
	}
}

func TestVirtualCopyZeroLengthNeverFaults(t *testing.T) {
	_, m := newTestMachine(t)
	n, err := m.VirtualCopy(0x9999000, nil, 0, GuestToHost)
	if err != nil || n != 0 {
		t.Fatalf("VirtualCopy(n=0) = (%d, %v), want (0, nil)", n, err)
	}
}

func TestResolveAddressFaultsOnMiss(t *testing.T) {
	_, m := newTestMachine(t)
	_, err := m.ResolveAddress(0x123000, defs.AccessRead)
	if err == nil {
		t.Fatalf("ResolveAddress on an unmapped page succeeded, want a fault")
	}
	fe, ok := err.(*defs.FaultError)
	if !ok {
		t.Fatalf("error type = %T, want *defs.FaultError", err)
	}
	if fe.Report.Reason != defs.ErrUnmapped {
		t.Fatalf("fault reason = %v, want ErrUnmapped", fe.Report.Reason)
	}
}

func TestReserveAddressAndCommitStash(t *testing.T) {
	_, m := newTestMachine(t)
	as := m.System().AS
	as.ReserveVirtual(0x30000, int64(mem.PGSIZE)*3, mem.PTE_RSRV)

	virt := int64(0x30000) + int64(mem.PGSIZE) - 10
	n := 5000 // spans well past one page
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i * 7)
	}

	p, err := m.ReserveAddress(virt, n, true)
	if err != nil {
		t.Fatalf("ReserveAddress: %v", err)
	}
	copy(p, buf)
	if err := m.CommitStash(); err != nil {
		t.Fatalf("CommitStash: %v", err)
	}

	out := make([]byte, n)
	if err := m.CopyFromUser(virt, out, n); err != nil {
		t.Fatalf("CopyFromUser after commit: %v", err)
	}
	if !bytes.Equal(out, buf) {
		t.Fatalf("stash-committed bytes differ from what was written")
	}
}

func TestLoadStrWithinOnePage(t *testing.T) {
	_, m := newTestMachine(t)
	virt := int64(0x40000)
	m.System().AS.ReserveVirtual(virt, int64(mem.PGSIZE), mem.PTE_RSRV)
	m.CopyToUser(virt, []byte("hello\x00"), 6)

	s := m.LoadStr(virt)
	if s.String() != "hello" {
		t.Fatalf("LoadStr = %q, want %q", s.String(), "hello")
	}
}

func TestLoadStrNullAddrReturnsNil(t *testing.T) {
	_, m := newTestMachine(t)
	if s := m.LoadStr(0); s != nil {
		t.Fatalf("LoadStr(0) = %v, want nil", s)
	}
}

func TestLoadStrAcrossPages(t *testing.T) {
	_, m := newTestMachine(t)
	virt := int64(0x7000)
	m.System().AS.ReserveVirtual(virt, int64(mem.PGSIZE)*2, mem.PTE_RSRV)

	payload := bytes.Repeat([]byte{'a'}, 5000)
	payload = append(payload, 0)
	if err := m.CopyToUser(virt, payload, len(payload)); err != nil {
		t.Fatalf("CopyToUser: %v", err)
	}

	s := m.LoadStr(virt)
	if s == nil {
		t.Fatalf("LoadStr across pages = nil")
	}
	if len(s) != 5000 {
		t.Fatalf("len(LoadStr result) = %d, want 5000", len(s))
	}
	for i, b := range s {
		if b != 'a' {
			t.Fatalf("byte %d = %q, want 'a'", i, b)
		}
	}
	if len(m.userStrings) != 1 {
		t.Fatalf("user-string freelist has %d entries, want 1", len(m.userStrings))
	}

	m.FreeMachine()
	if m.userStrings != nil {
		t.Fatalf("userStrings not released by FreeMachine")
	}
}

func TestFreeListCoalescingViaVirtualFree(t *testing.T) {
	_, m := newTestMachine(t)
	as := m.System().AS
	k := int64(0x50000)

	as.ReserveVirtual(k, int64(mem.PGSIZE)*3, mem.PTE_RSRV)
	for v := k; v < k+int64(mem.PGSIZE)*3; v += int64(mem.PGSIZE) {
		as.FindPageTableEntry(v) // commit each
	}

	if err := as.FreeVirtual(k, int64(mem.PGSIZE)*3); err != defs.ErrNone {
		t.Fatalf("FreeVirtual: %v", err)
	}
	runs := m.System().Real.FreeRuns()
	if len(runs) != 1 || runs[0][1] != int64(3*mem.PGSIZE) {
		t.Fatalf("free runs = %v, want a single coalesced run of length %d", runs, 3*mem.PGSIZE)
	}
}
