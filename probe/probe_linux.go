//go:build linux

package probe

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/rlimit"

	"uprobe-tracer/event"
)

// pt_regs field offsets on x86-64, in bytes. The uprobe context pointer
// in R1 points at this layout; argument N of the traced call sits in
// the register the System V ABI assigns it.
const (
	offRcx = 88  // argument 4
	offRdx = 96  // argument 3
	offRsi = 104 // argument 2
	offRdi = 112 // argument 1
)

// Counter slots in the counters array map.
const (
	CounterSent        = 0 // records committed to the ring buffer
	CounterReserveFail = 1 // reservations refused because the buffer was full
	numCounters        = 2
)

// BPF_RB_FORCE_WAKEUP: wake the consumer on every submit for lower
// commit-to-poll latency.
const ringbufForceWakeup = 2

// Objects owns the loaded capture programs and their maps. Close
// releases everything and is safe to call more than once.
type Objects struct {
	Events   *ebpf.Map
	Counters *ebpf.Map
	Entry    *ebpf.Program
	Exit     *ebpf.Program
}

// Load creates the ring buffer and counter maps, assembles both capture
// programs against their file descriptors, and loads them through the
// verifier. ringBytes is the ring buffer capacity and is rounded up to
// a valid size.
func Load(ringBytes uint32) (*Objects, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("failed to remove memlock limit: %w", err)
	}

	events, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "trace_events",
		Type:       ebpf.RingBuf,
		MaxEntries: ringBufSize(ringBytes),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ring buffer map: %w", err)
	}

	objs := &Objects{Events: events}

	objs.Counters, err = ebpf.NewMap(&ebpf.MapSpec{
		Name:       "trace_counters",
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: numCounters,
	})
	if err != nil {
		objs.Close()
		return nil, fmt.Errorf("failed to create counters map: %w", err)
	}

	objs.Entry, err = ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "trace_entry",
		Type:         ebpf.Kprobe,
		License:      "GPL",
		Instructions: entryInstructions(events.FD(), objs.Counters.FD()),
	})
	if err != nil {
		objs.Close()
		return nil, fmt.Errorf("failed to load entry program: %w", err)
	}

	objs.Exit, err = ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "trace_exit",
		Type:         ebpf.Kprobe,
		License:      "GPL",
		Instructions: exitInstructions(events.FD(), objs.Counters.FD()),
	})
	if err != nil {
		objs.Close()
		return nil, fmt.Errorf("failed to load exit program: %w", err)
	}

	return objs, nil
}

// Close releases the programs and maps. Safe on partially constructed
// objects and on repeated calls.
func (o *Objects) Close() error {
	var first error
	closeAll := []interface{ Close() error }{}
	if o.Entry != nil {
		closeAll = append(closeAll, o.Entry)
	}
	if o.Exit != nil {
		closeAll = append(closeAll, o.Exit)
	}
	if o.Counters != nil {
		closeAll = append(closeAll, o.Counters)
	}
	if o.Events != nil {
		closeAll = append(closeAll, o.Events)
	}
	for _, c := range closeAll {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	o.Entry, o.Exit, o.Counters, o.Events = nil, nil, nil, nil
	return first
}

// ReadCounters returns the sent and reserve-failure counts accumulated
// by the capture programs.
func (o *Objects) ReadCounters() (sent, reserveFail uint64, err error) {
	if err := o.Counters.Lookup(uint32(CounterSent), &sent); err != nil {
		return 0, 0, fmt.Errorf("failed to read sent counter: %w", err)
	}
	if err := o.Counters.Lookup(uint32(CounterReserveFail), &reserveFail); err != nil {
		return 0, 0, fmt.Errorf("failed to read reserve-fail counter: %w", err)
	}
	return sent, reserveFail, nil
}

// ringBufSize rounds n up to a power of two of at least one page, as
// the kernel requires for ring buffer maps. Requests above the largest
// power of two a uint32 holds are clamped to it; doubling past it
// would wrap to zero.
func ringBufSize(n uint32) uint32 {
	const (
		page = 4096
		max  = 1 << 31
	)
	if n > max {
		return max
	}
	size := uint32(page)
	for size < n {
		size <<= 1
	}
	return size
}

// entryInstructions assembles the entry capture program. It mirrors
// CaptureEntry: reserve a fixed slot, stamp the clock, copy the
// argument registers, commit. A failed reservation bumps the
// reserve-fail counter and returns; the traced program is never
// blocked and nothing is retried.
//
// Register use: R6 holds the pt_regs context, R7 the reserved slot.
func entryInstructions(eventsFD, countersFD int) asm.Instructions {
	insns := asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),

		// r0 = bpf_ringbuf_reserve(events, EntrySize, 0)
		asm.LoadMapPtr(asm.R1, eventsFD),
		asm.Mov.Imm(asm.R2, event.EntrySize),
		asm.Mov.Imm(asm.R3, 0),
		asm.FnRingbufReserve.Call(),
		asm.JNE.Imm(asm.R0, 0, "commit"),
	}
	insns = append(insns, bumpCounter(countersFD, CounterReserveFail)...)
	insns = append(insns, asm.Ja.Label("exit"))

	commit := asm.Instructions{
		asm.Mov.Reg(asm.R7, asm.R0).WithSymbol("commit"),

		// timestamp
		asm.FnKtimeGetNs.Call(),
		asm.StoreMem(asm.R7, 0, asm.R0, asm.DWord),

		// arg1 (rdi, low 32 bits), arg2 (rsi), arg4 (rcx, raw pointer)
		asm.LoadMem(asm.R1, asm.R6, offRdi, asm.DWord),
		asm.StoreMem(asm.R7, 8, asm.R1, asm.Word),
		asm.LoadMem(asm.R1, asm.R6, offRsi, asm.DWord),
		asm.StoreMem(asm.R7, 12, asm.R1, asm.DWord),
		asm.LoadMem(asm.R1, asm.R6, offRcx, asm.DWord),
		asm.StoreMem(asm.R7, 20, asm.R1, asm.DWord),
		asm.StoreImm(asm.R7, 28, int64(event.KindEntry), asm.Word),

		// bpf_ringbuf_submit(slot, BPF_RB_FORCE_WAKEUP)
		asm.Mov.Reg(asm.R1, asm.R7),
		asm.Mov.Imm(asm.R2, ringbufForceWakeup),
		asm.FnRingbufSubmit.Call(),
	}
	insns = append(insns, commit...)
	insns = append(insns, bumpCounter(countersFD, CounterSent)...)
	insns = append(insns,
		asm.Mov.Imm(asm.R0, 0).WithSymbol("exit"),
		asm.Return(),
	)
	return insns
}

// exitInstructions assembles the return capture program: same
// reservation discipline, timestamp and discriminant only.
func exitInstructions(eventsFD, countersFD int) asm.Instructions {
	insns := asm.Instructions{
		asm.LoadMapPtr(asm.R1, eventsFD),
		asm.Mov.Imm(asm.R2, event.ExitSize),
		asm.Mov.Imm(asm.R3, 0),
		asm.FnRingbufReserve.Call(),
		asm.JNE.Imm(asm.R0, 0, "commit"),
	}
	insns = append(insns, bumpCounter(countersFD, CounterReserveFail)...)
	insns = append(insns, asm.Ja.Label("exit"))

	commit := asm.Instructions{
		asm.Mov.Reg(asm.R7, asm.R0).WithSymbol("commit"),

		asm.FnKtimeGetNs.Call(),
		asm.StoreMem(asm.R7, 0, asm.R0, asm.DWord),
		asm.StoreImm(asm.R7, 8, int64(event.KindExit), asm.Word),

		asm.Mov.Reg(asm.R1, asm.R7),
		asm.Mov.Imm(asm.R2, ringbufForceWakeup),
		asm.FnRingbufSubmit.Call(),
	}
	insns = append(insns, commit...)
	insns = append(insns, bumpCounter(countersFD, CounterSent)...)
	insns = append(insns,
		asm.Mov.Imm(asm.R0, 0).WithSymbol("exit"),
		asm.Return(),
	)
	return insns
}

// bumpCounter emits an atomic increment of counters[idx]. The lookup
// can only miss if idx is out of range, in which case the increment is
// skipped by jumping to the program's exit label.
func bumpCounter(countersFD int, idx int32) asm.Instructions {
	return asm.Instructions{
		asm.StoreImm(asm.RFP, -4, int64(idx), asm.Word),
		asm.LoadMapPtr(asm.R1, countersFD),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -4),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "exit"),
		asm.Mov.Imm(asm.R1, 1),
		asm.StoreXAdd(asm.R0, asm.R1, asm.DWord),
	}
}
