//go:build linux

package tracer

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"golang.org/x/sys/unix"

	"uprobe-tracer/probe"
)

// Attach arms the loaded capture programs at addr inside libPath for
// every process that maps the library (no PID filter), and opens the
// ring buffer reader.
//
// Attachment is all-or-nothing: if the return probe fails after the
// entry probe attached, the entry probe is detached before the error
// is returned. No partial state is left armed.
func Attach(objs *probe.Objects, libPath, symbol string, addr uint64) (*Attachment, error) {
	ex, err := link.OpenExecutable(libPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", libPath, err)
	}

	// Address is library-relative; the kernel applies it per process at
	// map time, so ASLR is a non-issue. PID 0 means every process.
	opts := &link.UprobeOptions{Address: addr}

	entry, err := ex.Uprobe(symbol, objs.Entry, opts)
	if err != nil {
		return nil, attachError("entry probe", err)
	}

	exit, err := ex.Uretprobe(symbol, objs.Exit, opts)
	if err != nil {
		entry.Close()
		return nil, attachError("return probe", err)
	}

	rd, err := ringbuf.NewReader(objs.Events)
	if err != nil {
		exit.Close()
		entry.Close()
		return nil, fmt.Errorf("failed to open ring buffer reader: %w", err)
	}

	return &Attachment{
		Entry:  NewHandle(entry),
		Exit:   NewHandle(exit),
		Reader: &ringReader{rd: rd},
	}, nil
}

// attachError adds remediation hints for the two common fatal cases:
// missing privilege and missing kernel support.
func attachError(what string, err error) error {
	switch {
	case errors.Is(err, os.ErrPermission) || errors.Is(err, unix.EPERM):
		return fmt.Errorf("failed to attach %s: %w (needs root, or CAP_BPF and CAP_PERFMON)", what, err)
	case errors.Is(err, ebpf.ErrNotSupported):
		return fmt.Errorf("failed to attach %s: %w (kernel %s lacks uprobe/ring buffer support)",
			what, err, kernelRelease())
	}
	return fmt.Errorf("failed to attach %s: %w", what, err)
}

func kernelRelease() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "unknown"
	}
	return unix.ByteSliceToString(uts.Release[:])
}

// ringReader adapts ringbuf.Reader to the RingReader interface. The
// record struct is reused across reads so the hot path does not
// allocate per record.
type ringReader struct {
	rd  *ringbuf.Reader
	rec ringbuf.Record
}

func (r *ringReader) Read() (Record, error) {
	if err := r.rd.ReadInto(&r.rec); err != nil {
		return Record{}, err
	}
	return Record{RawSample: r.rec.RawSample}, nil
}

func (r *ringReader) SetDeadline(t time.Time) {
	r.rd.SetDeadline(t)
}

func (r *ringReader) Close() error {
	return r.rd.Close()
}
