// Package defs holds the error-kind sentinels and the fault-report
// types shared across the memory subsystem's packages, mirroring the
// teacher's small, dependency-free defs package.
package defs

import "fmt"

// Err_t is the negative-int error sentinel used on the hot
// allocation/translation paths, in place of Go's (value, error) idiom.
// A zero Err_t means success; every failure is a distinct negative
// value so callers can switch on it without string comparison.
type Err_t int

const (
	// ErrNone indicates success.
	ErrNone Err_t = 0

	// ErrOutOfMemory is returned when pool growth or free-list node
	// allocation fails.
	ErrOutOfMemory Err_t = -1

	// ErrUnmapped is returned when translating an absent page.
	ErrUnmapped Err_t = -2

	// ErrOutOfRange is returned when a guest virtual address falls
	// outside [-2^47, 2^47), or beyond the real-mode window.
	ErrOutOfRange Err_t = -3
)

func (e Err_t) String() string {
	switch e {
	case ErrNone:
		return "success"
	case ErrOutOfMemory:
		return "out of memory"
	case ErrUnmapped:
		return "unmapped"
	case ErrOutOfRange:
		return "address out of range"
	default:
		return fmt.Sprintf("defs: unknown Err_t %d", int(e))
	}
}

// AccessKind distinguishes the kind of guest access that faulted, for
// FaultReport.
type AccessKind int

const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessExec
)

func (k AccessKind) String() string {
	switch k {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExec:
		return "exec"
	default:
		return "unknown"
	}
}

// FaultReport carries the diagnostic context attached to a
// segmentation fault: the faulting address, the kind of access that
// triggered it, the underlying Err_t, and, when available, a short
// disassembly of the bytes immediately preceding the fault. Disasm is
// best-effort and empty when no committed neighboring page precedes
// the faulting address, or when decoding finds nothing recognizable.
type FaultReport struct {
	Addr   int64
	Kind   AccessKind
	Reason Err_t
	Disasm string
}

// FaultError is the real Go error value returned at the access API
// boundary when a guest access faults: by ResolveAddress, and by
// VirtualCopy and the copy calls built on it. Every other internal
// path returns an Err_t rather than constructing one of these.
type FaultError struct {
	Report FaultReport
}

func (e *FaultError) Error() string {
	if e.Report.Disasm != "" {
		return fmt.Sprintf("segmentation fault: %s access to %#x (%s)\n%s",
			e.Report.Kind, e.Report.Addr, e.Report.Reason, e.Report.Disasm)
	}
	return fmt.Sprintf("segmentation fault: %s access to %#x (%s)",
		e.Report.Kind, e.Report.Addr, e.Report.Reason)
}

// NewFaultError constructs a *FaultError from a fault's address, kind,
// and underlying reason. Disasm is filled in later by the diagnostics
// component when a preceding committed page is available.
func NewFaultError(addr int64, kind AccessKind, reason Err_t) *FaultError {
	return &FaultError{Report: FaultReport{Addr: addr, Kind: kind, Reason: reason}}
}
