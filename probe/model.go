// Package probe builds the BPF capture programs that run when the
// instrumented function is entered or returns, and the maps they share
// with userspace.
//
// The programs are assembled at load time from eBPF instructions, so
// there is no compiled object file to ship. This file holds the pure Go
// model of what those instructions do; the instruction streams
// themselves live in probe_linux.go and must stay in lockstep with it.
package probe

import "uprobe-tracer/event"

// Regs models the saved register file the kernel hands to a uprobe
// program. Only the x86-64 System V argument registers are represented;
// this tracer decodes a single calling convention.
type Regs struct {
	Rdi uint64 // argument 1
	Rsi uint64 // argument 2
	Rdx uint64 // argument 3 (floats travel in xmm0, so this is unused)
	Rcx uint64 // argument 4
	R8  uint64
	R9  uint64
}

// CaptureEntry is the reference model of the entry program: a pure
// function from register state and a clock reading to an entry record.
// No heap, no loops, no dereference of argument pointers; Rcx is kept
// as a raw address.
//
// Argument 3 of the traced function is a double and never reaches an
// integer register, so the record skips it.
func CaptureEntry(r Regs, now uint64) event.Entry {
	return event.Entry{
		Timestamp: now,
		Arg1:      int32(r.Rdi),
		Arg2:      r.Rsi,
		Arg4:      r.Rcx,
	}
}

// CaptureExit is the reference model of the return program.
func CaptureExit(now uint64) event.Exit {
	return event.Exit{Timestamp: now}
}
