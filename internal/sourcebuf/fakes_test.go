package sourcebuf

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/bufsched/internal/media"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// loop is a manual scheduler: dispatch steps queue up until the test runs
// them, which models the caller yielding to an event loop.
type loop struct {
	mu    sync.Mutex
	tasks []func()
}

func (l *loop) schedule(f func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, f)
	l.mu.Unlock()
}

// drain runs scheduled tasks, including ones scheduled while draining.
func (l *loop) drain() {
	for {
		l.mu.Lock()
		if len(l.tasks) == 0 {
			l.mu.Unlock()
			return
		}
		f := l.tasks[0]
		l.tasks = l.tasks[1:]
		l.mu.Unlock()
		f()
	}
}

// resCall is one operation issued to fakeResource.
type resCall struct {
	op    OpKind
	data  []byte
	start float64
	end   float64
	done  func(error)
}

// fakeResource records every call and leaves completion to the test.
type fakeResource struct {
	mu          sync.Mutex
	calls       []*resCall
	ranges      media.Ranges
	codecs      []string
	offsets     []float64
	windows     []media.AppendWindow
	aborts      int
	abortedAt   []int // len(calls) at each Abort
	active      int
	maxActive   int
	appendErr   error
	changeErr   error
	invalidated bool
}

func (r *fakeResource) ChangeType(codec string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.changeErr != nil {
		return r.changeErr
	}
	r.codecs = append(r.codecs, codec)
	return nil
}

func (r *fakeResource) SetTimestampOffset(offset float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offsets = append(r.offsets, offset)
	return nil
}

func (r *fakeResource) SetAppendWindow(w media.AppendWindow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windows = append(r.windows, w)
	return nil
}

func (r *fakeResource) Append(data []byte, done func(error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appendErr != nil {
		return r.appendErr
	}
	r.track(&resCall{op: OpPush, data: append([]byte(nil), data...), done: done})
	return nil
}

func (r *fakeResource) Remove(start, end float64, done func(error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.track(&resCall{op: OpRemove, start: start, end: end, done: done})
	return nil
}

func (r *fakeResource) track(c *resCall) {
	r.active++
	r.maxActive = max(r.maxActive, r.active)
	inner := c.done
	c.done = func(err error) {
		r.mu.Lock()
		r.active--
		r.mu.Unlock()
		inner(err)
	}
	r.calls = append(r.calls, c)
}

func (r *fakeResource) Buffered() media.Ranges {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.invalidated {
		return media.Ranges{}
	}
	return r.ranges.Clone()
}

func (r *fakeResource) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborts++
	r.abortedAt = append(r.abortedAt, len(r.calls))
	r.active = 0
}

func (r *fakeResource) setRanges(rs media.Ranges) {
	r.mu.Lock()
	r.ranges = rs
	r.mu.Unlock()
}

func (r *fakeResource) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *fakeResource) call(t *testing.T, i int) *resCall {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.calls) {
		t.Fatalf("resource saw %d calls, want call #%d", len(r.calls), i)
	}
	return r.calls[i]
}

// gateHandler holds any goroutine that logs msg until release is closed.
// entered is closed the first time that happens.
type gateHandler struct {
	msg     string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGateHandler(msg string) *gateHandler {
	return &gateHandler{msg: msg, entered: make(chan struct{}), release: make(chan struct{})}
}

func (h *gateHandler) logger() *slog.Logger { return slog.New(h) }

func (h *gateHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *gateHandler) Handle(_ context.Context, r slog.Record) error {
	if r.Message == h.msg {
		h.once.Do(func() { close(h.entered) })
		<-h.release
	}
	return nil
}

func (h *gateHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *gateHandler) WithGroup(string) slog.Handler      { return h }

// sent is one request passed to fakeSender.
type sent struct {
	kind   string
	buffer uint64
	op     uint64
	data   []byte
	params media.PushParams
	start  float64
	end    float64
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sent
	err  error
}

func (s *fakeSender) record(m sent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, m)
	return nil
}

func (s *fakeSender) SendAppend(bufferID, opID uint64, data []byte, params media.PushParams) error {
	return s.record(sent{kind: "append", buffer: bufferID, op: opID, data: data, params: params})
}

func (s *fakeSender) SendRemove(bufferID, opID uint64, start, end float64) error {
	return s.record(sent{kind: "remove", buffer: bufferID, op: opID, start: start, end: end})
}

func (s *fakeSender) SendAbort(bufferID uint64) error {
	return s.record(sent{kind: "abort", buffer: bufferID})
}

func (s *fakeSender) SendDispose(bufferID uint64) error {
	return s.record(sent{kind: "dispose", buffer: bufferID})
}

func (s *fakeSender) messages() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sent, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// mustFuture fails the test on a synchronous error.
func mustFuture(t *testing.T) func(*Future, error) *Future {
	return func(f *Future, err error) *Future {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected synchronous error: %v", err)
		}
		return f
	}
}

// settled returns the outcome of a future that must already have settled.
func settled(t *testing.T, f *Future) (media.Ranges, error) {
	t.Helper()
	select {
	case <-f.Done():
		return f.Result()
	case <-time.After(2 * time.Second):
		t.Fatalf("future %d did not settle", f.ID())
		return nil, nil
	}
}

func pending(t *testing.T, f *Future) {
	t.Helper()
	if f.Settled() {
		_, err := f.Result()
		t.Fatalf("future %d settled early (err=%v)", f.ID(), err)
	}
}

var errBoom = errors.New("decode error")
