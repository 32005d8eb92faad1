package machine

import (
	"guestmem/defs"
	"guestmem/ustr"
	"guestmem/util"
)

// LoadStr returns a host view of the NUL-terminated guest string at
// addr. If the terminator lies on the first page, the result aliases
// the pool directly; otherwise a growable host buffer is allocated,
// filled page by page until a NUL or an unmapped page is hit, and
// recorded on the Machine's user-string freelist so FreeMachine can
// release it. It returns nil on a miss (including addr == 0) or
// allocation failure, never a fault.
func (m *Machine) LoadStr(addr int64) ustr.Gstr {
	if addr == 0 {
		return nil
	}
	p, err := m.resolve(addr)
	if err != defs.ErrNone {
		return nil
	}
	if idx := ustr.Gstr(p).IndexByte(0); idx >= 0 {
		m.readaddr, m.readsize = addr, int64(idx+1)
		return ustr.Gstr(p[:idx])
	}

	buf := append([]byte(nil), p...)
	v := addr + int64(len(p))
	for {
		chunk, err := m.resolve(v)
		if err != defs.ErrNone {
			return nil
		}
		if idx := ustr.Gstr(chunk).IndexByte(0); idx >= 0 {
			buf = append(buf, chunk[:idx]...)
			m.userStrings = append(m.userStrings, buf)
			m.readaddr, m.readsize = addr, int64(len(buf))+1
			return ustr.Gstr(buf)
		}
		buf = append(buf, chunk...)
		v += int64(len(chunk))
	}
}

// LoadStrList reads a guest pointer array terminated by a zero word,
// resolving each element with LoadStr. The returned slice is ordinary
// Go heap memory released by the garbage collector once the caller
// drops it — unlike the original C source, which leaked this outer
// array because nothing in it called free; Go needs no equivalent
// fix, only that nothing keeps a needless reference to it.
func (m *Machine) LoadStrList(addr int64) []ustr.Gstr {
	if addr == 0 {
		return nil
	}
	var out []ustr.Gstr
	v := addr
	for {
		word, err := m.loadPointerWord(v)
		if err != defs.ErrNone {
			return out
		}
		if word == 0 {
			return out
		}
		out = append(out, m.LoadStr(word))
		v += 8
	}
}

// loadPointerWord reads one 8-byte guest pointer, transparently
// splicing across a page boundary should the word itself straddle one.
func (m *Machine) loadPointerWord(virt int64) (int64, defs.Err_t) {
	p, err := m.resolve(virt)
	if err == defs.ErrNone && len(p) >= 8 {
		return int64(util.Load64(p[:8])), defs.ErrNone
	}
	var tmp [8]byte
	if copyErr := m.CopyFromUser(virt, tmp[:], 8); copyErr != nil {
		return 0, defs.ErrUnmapped
	}
	return int64(util.Load64(tmp[:])), defs.ErrNone
}
