package event

import (
	"fmt"
	"io"
)

// Trace line identifiers. The provider and event names are fixed for
// this tracer and validated byte for byte against the interposition
// tracer's output.
const (
	Provider   = "mylib"
	EntryName  = "my_traced_function_entry"
	ExitName   = "my_traced_function_exit"
	TargetFunc = "my_traced_function"
)

const nsPerSec = 1_000_000_000

// RenderStats summarizes one render pass.
type RenderStats struct {
	Entries int
	Exits   int
	Skipped int
}

// Render walks the capture buffer from slot 0 to count-1 and writes one
// line per record. Slot order is arrival order: records committed
// concurrently on different CPUs are not globally timestamp-ordered and
// no re-sort is attempted here.
//
// An empty buffer renders nothing and is not an error.
//
// Line formats:
//
//	[<sec>.<ns, 9 digits>] mylib:my_traced_function_entry: { arg1 = %d, arg2 = %d, arg4 = 0x%x }
//	[<sec>.<ns, 9 digits>] mylib:my_traced_function_exit
func Render(buf *Buffer, w io.Writer) (RenderStats, error) {
	var stats RenderStats
	for i := 0; i < buf.Count(); i++ {
		slot := buf.At(i)
		raw := slot.Raw[:slot.Size]
		switch slot.Kind {
		case KindEntry:
			e, err := DecodeEntry(raw)
			if err != nil {
				stats.Skipped++
				continue
			}
			_, err = fmt.Fprintf(w, "[%d.%09d] %s:%s: { arg1 = %d, arg2 = %d, arg4 = 0x%x }\n",
				e.Timestamp/nsPerSec, e.Timestamp%nsPerSec, Provider, EntryName, e.Arg1, e.Arg2, e.Arg4)
			if err != nil {
				return stats, err
			}
			stats.Entries++
		case KindExit:
			e, err := DecodeExit(raw)
			if err != nil {
				stats.Skipped++
				continue
			}
			_, err = fmt.Fprintf(w, "[%d.%09d] %s:%s\n",
				e.Timestamp/nsPerSec, e.Timestamp%nsPerSec, Provider, ExitName)
			if err != nil {
				return stats, err
			}
			stats.Exits++
		default:
			stats.Skipped++
		}
	}
	return stats, nil
}
