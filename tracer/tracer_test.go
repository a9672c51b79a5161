package tracer

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uprobe-tracer/event"
)

// fakeReader replays queued records and then reports a poll timeout.
// onEmpty fires once when the queue runs dry, which lets tests trigger
// the stop latch deterministically instead of sleeping.
type fakeReader struct {
	mu      sync.Mutex
	queue   [][]byte
	closed  bool
	onEmpty func()
	fired   bool
}

func (f *fakeReader) Read() (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return Record{}, os.ErrClosed
	}
	if len(f.queue) > 0 {
		raw := f.queue[0]
		f.queue = f.queue[1:]
		return Record{RawSample: raw}, nil
	}
	if f.onEmpty != nil && !f.fired {
		f.fired = true
		f.onEmpty()
	}
	return Record{}, os.ErrDeadlineExceeded
}

func (f *fakeReader) SetDeadline(time.Time) {}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// endlessReader always has another record ready, modeling a producer
// that outruns the consumer. onRead fires on every read with the
// running read count.
type endlessReader struct {
	raw    []byte
	reads  int
	onRead func(int)
}

func (e *endlessReader) Read() (Record, error) {
	e.reads++
	if e.onRead != nil {
		e.onRead(e.reads)
	}
	return Record{RawSample: e.raw}, nil
}

func (e *endlessReader) SetDeadline(time.Time) {}

func (e *endlessReader) Close() error { return nil }

type countingCloser struct {
	closes int
	err    error
}

func (c *countingCloser) Close() error {
	c.closes++
	return c.err
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(&bytes.Buffer{})
	return log
}

func TestHandleCloseIsIdempotent(t *testing.T) {
	cc := &countingCloser{err: errors.New("detach failed")}
	h := NewHandle(cc)

	require.EqualError(t, h.Close(), "detach failed")
	require.EqualError(t, h.Close(), "detach failed")
	assert.Equal(t, 1, cc.closes, "second Close must not reach the link")
}

func TestHandleNilCloser(t *testing.T) {
	h := NewHandle(nil)
	assert.NoError(t, h.Close())
	assert.NoError(t, h.Close())
}

func TestConsumerDrainsAvailableRecords(t *testing.T) {
	buf := event.NewBuffer(8)
	rd := &fakeReader{queue: [][]byte{
		event.EncodeEntry(event.Entry{Arg1: 1}),
		event.EncodeExit(event.Exit{}),
		event.EncodeEntry(event.Entry{Arg1: 2}),
	}}

	require.NoError(t, NewConsumer(rd, buf).Poll(time.Millisecond))
	assert.Equal(t, 3, buf.Count())
	assert.Zero(t, buf.Dropped())
}

func TestConsumerReportsClosedReader(t *testing.T) {
	rd := &fakeReader{}
	rd.Close()

	err := NewConsumer(rd, event.NewBuffer(1)).Poll(time.Millisecond)
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestConsumerPollBoundsSustainedProduction(t *testing.T) {
	rd := &endlessReader{raw: event.EncodeExit(event.Exit{})}
	buf := event.NewBuffer(2 * maxPollBatch)

	require.NoError(t, NewConsumer(rd, buf).Poll(time.Millisecond))
	assert.Equal(t, maxPollBatch, buf.Count())
}

// newController builds a controller wired to fakes. The returned
// reader starts empty; tests queue records before calling Run.
func newController(rd *fakeReader, capacity int, sink *bytes.Buffer) *Controller {
	c := &Controller{
		Resolve: func() (string, uint64, error) {
			return "/lib/libmylib.so", 0x1234, nil
		},
		Buffer:      event.NewBuffer(capacity),
		PollTimeout: time.Millisecond,
		DrainPasses: 2,
		Log:         testLogger(),
	}
	c.Attach = func(lib string, addr uint64) (*Attachment, error) {
		return &Attachment{
			Entry:  NewHandle(&countingCloser{}),
			Exit:   NewHandle(&countingCloser{}),
			Reader: rd,
		}, nil
	}
	c.Render = func(buf *event.Buffer) error {
		_, err := event.Render(buf, sink)
		return err
	}
	return c
}

func TestControllerFullRunConservation(t *testing.T) {
	const n = 1000
	var queue [][]byte
	for i := 0; i < n; i++ {
		queue = append(queue, event.EncodeEntry(event.Entry{
			Timestamp: uint64(i),
			Arg1:      42,
			Arg2:      0xDEADBEEF,
		}))
		queue = append(queue, event.EncodeExit(event.Exit{Timestamp: uint64(i)}))
	}

	rd := &fakeReader{queue: queue}
	var sink bytes.Buffer
	c := newController(rd, 2*n, &sink)
	rd.onEmpty = c.Stop

	require.NoError(t, c.Run())
	assert.Equal(t, StateTornDown, c.State())
	assert.Zero(t, c.Buffer.Dropped())

	var entries, exits int
	for _, line := range strings.Split(strings.TrimRight(sink.String(), "\n"), "\n") {
		switch {
		case strings.Contains(line, event.EntryName):
			entries++
			assert.Contains(t, line, "arg1 = 42")
			assert.Contains(t, line, fmt.Sprintf("arg2 = %d", uint64(0xDEADBEEF)))
		case strings.Contains(line, event.ExitName):
			exits++
		default:
			t.Errorf("unexpected line %q", line)
		}
	}
	assert.Equal(t, n, entries)
	assert.Equal(t, n, exits)
}

func TestControllerCountsOverflow(t *testing.T) {
	// capacity < 2N: everything over capacity shows up in the drop
	// counter, never vanishes.
	const n = 50
	var queue [][]byte
	for i := 0; i < n; i++ {
		queue = append(queue, event.EncodeEntry(event.Entry{}))
		queue = append(queue, event.EncodeExit(event.Exit{}))
	}

	rd := &fakeReader{queue: queue}
	var sink bytes.Buffer
	c := newController(rd, 30, &sink)
	rd.onEmpty = c.Stop

	require.NoError(t, c.Run())
	assert.Equal(t, uint64(2*n), uint64(c.Buffer.Count())+c.Buffer.Dropped())
}

func TestControllerEmptyRun(t *testing.T) {
	rd := &fakeReader{}
	var sink bytes.Buffer
	c := newController(rd, 16, &sink)
	rd.onEmpty = c.Stop

	require.NoError(t, c.Run())
	assert.Equal(t, StateTornDown, c.State())
	assert.Zero(t, sink.Len(), "empty run must render an empty trace")
}

func TestControllerResolveFailureAbortsRun(t *testing.T) {
	attached := false
	c := &Controller{
		Resolve: func() (string, uint64, error) {
			return "", 0, errors.New("library not found")
		},
		Attach: func(string, uint64) (*Attachment, error) {
			attached = true
			return nil, nil
		},
		Log: testLogger(),
	}

	err := c.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolving:")
	assert.False(t, attached, "must not attach after a resolution failure")
	assert.Equal(t, StateTornDown, c.State())
}

func TestControllerAttachFailureAbortsRun(t *testing.T) {
	rendered := false
	c := &Controller{
		Resolve: func() (string, uint64, error) { return "lib", 1, nil },
		Attach: func(string, uint64) (*Attachment, error) {
			return nil, errors.New("operation not permitted")
		},
		Render: func(*event.Buffer) error {
			rendered = true
			return nil
		},
		Log: testLogger(),
	}

	err := c.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attaching:")
	assert.False(t, rendered)
	assert.Equal(t, StateTornDown, c.State())
}

func TestControllerStopBeforeAttachIsCleanNoop(t *testing.T) {
	attached := false
	c := &Controller{
		Resolve: func() (string, uint64, error) { return "lib", 1, nil },
		Attach: func(string, uint64) (*Attachment, error) {
			attached = true
			return nil, errors.New("unreachable")
		},
		Log: testLogger(),
	}
	c.Stop()

	require.NoError(t, c.Run())
	assert.False(t, attached, "stop raced ahead, nothing may be acquired")
	assert.Equal(t, StateTornDown, c.State())
}

func TestControllerReleasesHandlesAfterRender(t *testing.T) {
	entryCloser := &countingCloser{}
	exitCloser := &countingCloser{}
	rd := &fakeReader{}

	var order []string
	c := &Controller{
		Resolve:     func() (string, uint64, error) { return "lib", 1, nil },
		Buffer:      event.NewBuffer(4),
		PollTimeout: time.Millisecond,
		DrainPasses: 1,
		Log:         testLogger(),
	}
	c.Attach = func(string, uint64) (*Attachment, error) {
		return &Attachment{
			Entry:  NewHandle(entryCloser),
			Exit:   NewHandle(exitCloser),
			Reader: rd,
		}, nil
	}
	c.Render = func(*event.Buffer) error {
		order = append(order, "render")
		require.Zero(t, entryCloser.closes, "render must run before detach")
		return nil
	}
	rd.onEmpty = c.Stop

	require.NoError(t, c.Run())
	assert.Equal(t, []string{"render"}, order)
	assert.Equal(t, 1, entryCloser.closes)
	assert.Equal(t, 1, exitCloser.closes)
	assert.True(t, rd.closed)
}

func TestControllerStopsUnderSustainedProduction(t *testing.T) {
	rd := &endlessReader{raw: event.EncodeExit(event.Exit{})}

	var sink bytes.Buffer
	c := &Controller{
		Resolve:     func() (string, uint64, error) { return "lib", 1, nil },
		Buffer:      event.NewBuffer(64),
		PollTimeout: time.Millisecond,
		DrainPasses: 1,
		Log:         testLogger(),
	}
	c.Attach = func(string, uint64) (*Attachment, error) {
		return &Attachment{
			Entry:  NewHandle(&countingCloser{}),
			Exit:   NewHandle(&countingCloser{}),
			Reader: rd,
		}, nil
	}
	c.Render = func(buf *event.Buffer) error {
		_, err := event.Render(buf, &sink)
		return err
	}
	// Stop mid-poll; the run must still finish because each poll pass
	// hands back control after a bounded number of records.
	rd.onRead = func(n int) {
		if n == maxPollBatch+1 {
			c.Stop()
		}
	}

	require.NoError(t, c.Run())
	assert.Equal(t, StateTornDown, c.State())
}

func TestStopLatchIsOneShot(t *testing.T) {
	var c Controller
	assert.False(t, c.Stopped())
	c.Stop()
	c.Stop()
	assert.True(t, c.Stopped())
}
