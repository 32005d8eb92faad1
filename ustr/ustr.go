// Package ustr provides Gstr, the NUL-terminated-byte-string view
// LoadStr hands back to callers: a thin wrapper around the host bytes
// backing a guest string, trimmed at its terminator.
package ustr

// Gstr is a guest string materialized as host bytes, already trimmed
// at its NUL terminator (the terminator itself is not included).
type Gstr []uint8

// IndexByte returns the index of b in g, or -1 if not present.
func (g Gstr) IndexByte(b uint8) int {
	for i, v := range g {
		if v == b {
			return i
		}
	}
	return -1
}

// String converts g to a Go string.
func (g Gstr) String() string {
	return string(g)
}
