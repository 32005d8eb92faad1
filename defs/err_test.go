package defs

import "testing"

func TestFaultErrorMessage(t *testing.T) {
	fe := NewFaultError(0x1000, AccessWrite, ErrUnmapped)
	want := "segmentation fault: write access to 0x1000 (unmapped)"
	if got := fe.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestFaultErrorWithDisasm(t *testing.T) {
	fe := NewFaultError(0x2000, AccessExec, ErrOutOfRange)
	fe.Report.Disasm = "0xff0: nop"
	if got := fe.Error(); got == "" {
		t.Fatalf("Error() empty with a disasm attached")
	}
}

func TestErrTString(t *testing.T) {
	cases := map[Err_t]string{
		ErrNone:        "success",
		ErrOutOfMemory: "out of memory",
		ErrUnmapped:    "unmapped",
		ErrOutOfRange:  "address out of range",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Fatalf("%d.String() = %q, want %q", k, got, want)
		}
	}
}
