package machine

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"guestmem/defs"
)

// maxInsnLen is the longest possible x86-64 instruction encoding.
const maxInsnLen = 15

// diagnose best-effort decodes the instruction immediately preceding a
// faulting address, for attachment to the FaultReport ResolveAddress
// raises. It looks back up to maxInsnLen bytes; if that range is not
// entirely committed (no live neighboring page), or no decode of any
// candidate start offset lands exactly on virt, it returns "". This is
// diagnostics only — nothing in the subsystem branches on the result,
// and bytes are never decoded in order to execute them.
func (m *Machine) diagnose(virt int64) string {
	start := virt - int64(maxInsnLen)
	if start < 0 {
		start = 0
	}

	buf := make([]byte, 0, maxInsnLen)
	for v := start; v < virt; {
		p, err := m.resolve(v)
		if err != defs.ErrNone {
			return ""
		}
		n := int(virt - v)
		if n > len(p) {
			n = len(p)
		}
		if n == 0 {
			return ""
		}
		buf = append(buf, p[:n]...)
		v += int64(n)
	}
	if len(buf) == 0 {
		return ""
	}

	for s := 0; s < len(buf); s++ {
		inst, err := x86asm.Decode(buf[s:], 64)
		if err == nil && s+inst.Len == len(buf) {
			addr := uint64(virt) - uint64(inst.Len)
			return fmt.Sprintf("%#x: %s", addr, x86asm.GNUSyntax(inst, addr, nil))
		}
	}
	return ""
}
