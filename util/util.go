// Package util contains small numeric and byte-buffer helpers shared
// across the memory subsystem.
package util

import "encoding/binary"

// Int is satisfied by all built-in integer types.
type Int interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Min returns the smaller of a and b.
func Min[T Int](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Rounddown aligns v down to the nearest multiple of b.
func Rounddown[T Int](v, b T) T {
	r := v % b
	if r < 0 {
		r += b
	}
	return v - r
}

// Roundup aligns v up to the nearest multiple of b.
func Roundup[T Int](v, b T) T {
	return Rounddown(v+b-1, b)
}

// Load64 and Store64 are the endian-safe 8-byte accessors the walker
// uses to read and patch page-table entries in host byte buffers.
// Ordinary little-endian loads/stores are naturally atomic for aligned
// 8-byte accesses on the platforms this subsystem targets, so no
// additional synchronization is performed here; callers that need
// cross-goroutine visibility guarantees hold the address space's lock
// around the surrounding walk.
func Load64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

// Store64 writes v into b as 8 little-endian bytes.
func Store64(b []byte, v uint64) {
	binary.LittleEndian.PutUint64(b, v)
}
