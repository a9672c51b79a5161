package tracer

import (
	"errors"
	"os"
	"time"

	"uprobe-tracer/event"
)

// Record is one raw sample read from the shared ring buffer. It mirrors
// the essential part of the eBPF reader's record type so the consumer
// logic stays platform-independent and testable with fakes.
type Record struct {
	RawSample []byte
}

// RingReader abstracts the ring buffer reader. On Linux it is backed by
// a ringbuf.Reader; tests substitute an in-memory fake.
type RingReader interface {
	// Read returns the next committed record, blocking until one is
	// available, the deadline passes (os.ErrDeadlineExceeded), or the
	// reader is closed (os.ErrClosed).
	Read() (Record, error)
	// SetDeadline bounds all subsequent Read calls.
	SetDeadline(t time.Time)
	Close() error
}

// Consumer drains committed records into the capture buffer. The copy
// happens synchronously on the polling goroutine and is allocation-free
// and I/O-free so the traced workload's timing is disturbed as little
// as possible.
type Consumer struct {
	reader RingReader
	buf    *event.Buffer
}

// NewConsumer wires a ring reader to a capture buffer.
func NewConsumer(r RingReader, buf *event.Buffer) *Consumer {
	return &Consumer{reader: r, buf: buf}
}

// maxPollBatch bounds the records one Poll call drains. Under
// sustained production Read keeps returning records past the deadline,
// so without a batch cap a single Poll could run indefinitely and the
// caller's loop would never observe its stop flag.
const maxPollBatch = 4096

// Poll drains the records that become available within timeout, up to
// maxPollBatch of them. Returning with no records is normal; the
// timeout is the tunable that trades wake-up frequency against
// commit-to-visibility latency.
//
// A closed reader surfaces as os.ErrClosed so the caller can tell
// shutdown from a real failure.
func (c *Consumer) Poll(timeout time.Duration) error {
	c.reader.SetDeadline(time.Now().Add(timeout))
	for n := 0; n < maxPollBatch; n++ {
		rec, err := c.reader.Read()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil
			}
			return err
		}
		c.buf.Store(rec.RawSample)
	}
	return nil
}
