package util

import "testing"

func TestRoundupRounddown(t *testing.T) {
	if got := Roundup(4097, 4096); got != 8192 {
		t.Fatalf("Roundup(4097, 4096) = %d, want 8192", got)
	}
	if got := Roundup(4096, 4096); got != 4096 {
		t.Fatalf("Roundup(4096, 4096) = %d, want 4096", got)
	}
	if got := Rounddown(4097, 4096); got != 4096 {
		t.Fatalf("Rounddown(4097, 4096) = %d, want 4096", got)
	}
}

func TestMin(t *testing.T) {
	if Min(3, 5) != 3 {
		t.Fatalf("Min(3,5) != 3")
	}
	if Min(int64(-1), int64(2)) != -1 {
		t.Fatalf("Min(-1,2) != -1")
	}
}

func TestLoad64Store64RoundTrip(t *testing.T) {
	b := make([]byte, 8)
	Store64(b, 0x0102030405060708)
	if got := Load64(b); got != 0x0102030405060708 {
		t.Fatalf("Load64 = %#x, want 0x0102030405060708", got)
	}
	if b[0] != 0x08 {
		t.Fatalf("byte 0 = %#x, want 0x08 (little-endian)", b[0])
	}
}

