// Package tracer owns the live instrumentation: attaching the capture
// programs to the target library, draining the ring buffer into the
// capture array, and the start/stop lifecycle around both.
package tracer

import (
	"io"
	"sync"
)

// Handle is the owning capability for one live instrumentation point.
// Close detaches it; a second Close is a no-op and returns the first
// result.
type Handle struct {
	once   sync.Once
	closer io.Closer
	err    error
}

// NewHandle wraps a kernel link (or anything closable) in an
// idempotent handle.
func NewHandle(c io.Closer) *Handle {
	return &Handle{closer: c}
}

// Close releases the instrumentation point exactly once.
func (h *Handle) Close() error {
	h.once.Do(func() {
		if h.closer != nil {
			h.err = h.closer.Close()
		}
	})
	return h.err
}
