package tracer

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"uprobe-tracer/event"
)

// State is the lifecycle position of a tracing run. States advance in
// one direction only; both the success and failure paths converge on
// StateTornDown.
type State int32

const (
	StateIdle State = iota
	StateResolving
	StateAttaching
	StateCapturing
	StateDraining
	StateRendered
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateAttaching:
		return "attaching"
	case StateCapturing:
		return "capturing"
	case StateDraining:
		return "draining"
	case StateRendered:
		return "rendered"
	case StateTornDown:
		return "torn-down"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Attachment bundles what a successful dual attach produces: the two
// live probe handles and the ring buffer reader. The controller is the
// sole owner and the only component allowed to release them.
type Attachment struct {
	Entry  *Handle
	Exit   *Handle
	Reader RingReader
}

// Controller drives one capture run through the lifecycle state
// machine. The platform-specific steps are injected so the sequencing
// logic is testable without a kernel.
type Controller struct {
	// Resolve locates the target library and the symbol's
	// library-relative address.
	Resolve func() (lib string, addr uint64, err error)
	// Attach arms the capture programs at the resolved address in every
	// process mapping the library.
	Attach func(lib string, addr uint64) (*Attachment, error)
	// Render materializes the capture buffer after draining. Called
	// exactly once per run.
	Render func(*event.Buffer) error

	Buffer      *event.Buffer
	PollTimeout time.Duration
	// DrainPasses bounds the number of final polls after the stop
	// signal, catching records still in flight.
	DrainPasses int
	Log         logrus.FieldLogger

	stop  atomic.Bool
	state atomic.Int32
}

// Stop requests shutdown. It is a one-shot latch, safe to call from a
// signal handler goroutine; the main loop observes it at the top of the
// next poll iteration.
func (c *Controller) Stop() {
	c.stop.Store(true)
}

// Stopped reports whether the stop latch is set.
func (c *Controller) Stopped() bool {
	return c.stop.Load()
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) enter(s State) {
	c.state.Store(int32(s))
}

// Run executes one full capture lifecycle and blocks until teardown.
// Errors before capturing abort the run; errors and drops during
// capturing only degrade completeness and are reported through the
// buffer and probe counters.
func (c *Controller) Run() error {
	c.enter(StateResolving)
	lib, addr, err := c.Resolve()
	if err != nil {
		c.enter(StateTornDown)
		return fmt.Errorf("resolving: %w", err)
	}
	c.Log.WithFields(logrus.Fields{"lib": lib, "offset": fmt.Sprintf("%#x", addr)}).
		Info("Resolved target symbol")

	if c.Stopped() {
		// Stop raced ahead of attachment: nothing acquired, nothing to
		// release.
		c.enter(StateTornDown)
		return nil
	}

	c.enter(StateAttaching)
	att, err := c.Attach(lib, addr)
	if err != nil {
		c.enter(StateTornDown)
		return fmt.Errorf("attaching: %w", err)
	}
	// The harness watches for this line before starting the workload.
	c.Log.WithField("symbol", event.TargetFunc).Info("Successfully attached entry and return probes")

	cons := NewConsumer(att.Reader, c.Buffer)

	c.enter(StateCapturing)
	for !c.Stopped() {
		if err := cons.Poll(c.PollTimeout); err != nil {
			if errors.Is(err, os.ErrClosed) {
				break
			}
			// Mid-capture read errors degrade the data, they do not
			// abort the run.
			c.Log.WithError(err).Warn("Error polling ring buffer")
		}
	}

	c.enter(StateDraining)
	for i := 0; i < c.DrainPasses; i++ {
		if err := cons.Poll(c.PollTimeout); err != nil {
			break
		}
	}

	renderErr := c.Render(c.Buffer)
	c.enter(StateRendered)

	// Drain happened above, so detaching with records in flight is
	// safe; anything committed after the last poll is abandoned.
	att.Entry.Close()
	att.Exit.Close()
	att.Reader.Close()
	c.enter(StateTornDown)

	if renderErr != nil {
		return fmt.Errorf("rendering: %w", renderErr)
	}
	return nil
}
