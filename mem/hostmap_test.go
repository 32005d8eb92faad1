package mem

import "testing"

func TestMapHostFileRoundTrip(t *testing.T) {
	token, err := MapHostFile(-1, 0, int64(2*PGSIZE), true)
	if err != nil {
		t.Fatalf("MapHostFile: %v", err)
	}
	if token&PTE_HOST == 0 {
		t.Fatalf("token %#x missing PTE_HOST", token)
	}
	defer UnmapHostRegion(token)

	r, err := NewReal(1 << 20)
	if err != nil {
		t.Fatalf("NewReal: %v", err)
	}
	defer r.Close()

	b := r.GetPageAddress(token)
	if b == nil {
		t.Fatalf("GetPageAddress(%#x) = nil for a live host region", token)
	}
	if len(b) != PGSIZE {
		t.Fatalf("frame length = %d, want %d", len(b), PGSIZE)
	}
	b[0] = 0x42
	b2 := r.GetPageAddress(token)
	if b2[0] != 0x42 {
		t.Fatalf("second projection did not observe the write")
	}
}

func TestUnmapHostRegionRejectsUnknownToken(t *testing.T) {
	if err := UnmapHostRegion(Pa_t(1) << 50); err == nil {
		t.Fatalf("expected an error unmapping a token that was never mapped")
	}
}
