package sourcebuf

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/zsiec/bufsched/internal/media"
)

// state is the broker's position in its dispatch cycle.
type state uint8

const (
	stateIdle state = iota
	stateDispatching
	stateAwaitingSignal
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateDispatching:
		return "dispatching"
	case stateAwaitingSignal:
		return "awaiting-signal"
	}
	return "unknown"
}

// executor is the strategy that actually runs units: a resource call for
// Local, a correlated request message for Remote.
type executor interface {
	// start issues u. A nil return promises exactly one later call to
	// broker.complete for u. A non-nil return fails u immediately.
	start(u *Unit) error
	// abort abandons in-flight work. Called with startMu held and without
	// the broker lock.
	abort()
	// dispose aborts and releases the underlying resource. Called once,
	// with startMu held and without the broker lock.
	dispose()
}

// broker owns the operation queue and the single in-flight unit of one
// buffer, and settles every operation exactly once. Its exported methods are
// promoted through Local and Remote.
type broker struct {
	log      *slog.Logger
	kind     media.Kind
	label    string
	ids      *IDSource
	metrics  *Metrics
	exec     executor
	schedule func(func())

	// startMu serializes starting units against aborting them, so a unit
	// abandoned before it reached the resource is never started. Lock order
	// is startMu, then mu.
	startMu sync.Mutex

	mu       sync.Mutex
	state    state
	queue    Queue
	inFlight *Unit
	disposed bool
	idle     chan struct{} // closed while idle
}

func newBroker(kind media.Kind, ids *IDSource, metrics *Metrics, schedule func(func()), log *slog.Logger) *broker {
	if ids == nil {
		ids = new(IDSource)
	}
	if schedule == nil {
		schedule = func(f func()) { go f() }
	}
	idle := make(chan struct{})
	close(idle)
	return &broker{
		log:      log,
		kind:     kind,
		label:    kind.String(),
		ids:      ids,
		metrics:  metrics,
		schedule: schedule,
		idle:     idle,
	}
}

// Kind returns the media kind of the buffer.
func (b *broker) Kind() media.Kind { return b.kind }

// AppendData queues data for appending and returns its future. data must not
// be modified until the future settles. The only synchronous error is
// ErrDisposed.
func (b *broker) AppendData(data []byte, params media.PushParams) (*Future, error) {
	return b.enqueue(newPush(b.ids.Next(), data, params))
}

// RemoveRange queues the removal of [start, end) and returns its future.
// end may be +Inf. Invalid bounds fail synchronously with ErrInvalidRange.
func (b *broker) RemoveRange(start, end float64) (*Future, error) {
	if math.IsNaN(start) || math.IsNaN(end) || start < 0 || end <= start {
		return nil, ErrInvalidRange
	}
	return b.enqueue(newRemove(b.ids.Next(), start, end))
}

// Abort rejects every queued and in-flight operation with ErrCancelled and
// asks the resource to abandon its current work. The buffer stays usable.
func (b *broker) Abort() {
	// startMu is held until the resource has abandoned its work, so a unit
	// submitted meanwhile starts only after the abort.
	b.startMu.Lock()
	defer b.startMu.Unlock()

	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	n := b.cancelLocked()
	b.mu.Unlock()

	b.log.Debug("aborted", "cancelled", n)
	b.exec.abort()
}

// Dispose aborts the buffer and releases the resource. Further calls have
// no effect; further operations fail with ErrDisposed.
func (b *broker) Dispose() {
	b.startMu.Lock()
	defer b.startMu.Unlock()

	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	b.disposed = true
	n := b.cancelLocked()
	b.mu.Unlock()

	b.log.Debug("disposed", "cancelled", n)
	b.exec.dispose()
}

// Disposed reports whether Dispose has been called.
func (b *broker) Disposed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disposed
}

// Updating reports whether a unit is in flight or about to be dispatched.
func (b *broker) Updating() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state != stateIdle
}

// Pending returns the number of operations not yet dispatched.
func (b *broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.Len()
}

// WaitIdle blocks until nothing is queued or in flight, or ctx is done.
func (b *broker) WaitIdle(ctx context.Context) error {
	b.mu.Lock()
	idle := b.idle
	b.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *broker) enqueue(op *Operation) (*Future, error) {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return nil, ErrDisposed
	}
	b.queue.Push(op)
	b.metrics.submitted(b.label, op.Kind, b.queue.Len())
	schedule := b.state == stateIdle
	if schedule {
		b.setDispatchingLocked()
	}
	b.mu.Unlock()

	if schedule {
		b.schedule(b.step)
	}
	return op.future, nil
}

func (b *broker) setDispatchingLocked() {
	b.state = stateDispatching
	select {
	case <-b.idle:
		b.idle = make(chan struct{})
	default:
	}
}

func (b *broker) setIdleLocked() {
	b.state = stateIdle
	select {
	case <-b.idle:
	default:
		close(b.idle)
	}
}

// step builds the next unit from whatever is queued at this moment and
// starts it. Pushes submitted between scheduling and running the step are
// merged into the unit.
func (b *broker) step() {
	b.mu.Lock()
	u := b.takeLocked()
	b.mu.Unlock()
	if u == nil {
		return
	}

	b.startMu.Lock()
	live := b.isInFlight(u)
	var err error
	if live {
		err = b.exec.start(u)
	}
	b.startMu.Unlock()

	if live && err != nil {
		b.complete(u, nil, err)
	}
}

// takeLocked moves from dispatching to awaiting a signal for the next unit.
// It returns nil when the step is stale: a unit is already in flight or the
// queue was aborted after the step was scheduled.
func (b *broker) takeLocked() *Unit {
	if b.state != stateDispatching || b.inFlight != nil {
		return nil
	}
	if b.disposed || b.queue.Len() == 0 {
		b.setIdleLocked()
		return nil
	}

	u, _ := b.queue.Next()
	u.dispatched = time.Now()
	b.inFlight = u
	b.state = stateAwaitingSignal

	b.metrics.dispatched(b.label, u, b.queue.Len())
	b.log.Debug("dispatching unit",
		"op", u.Kind,
		"id", u.ID,
		"members", len(u.Ops),
		"bytes", len(u.Data),
		"queued", b.queue.Len(),
	)
	return u
}

func (b *broker) isInFlight(u *Unit) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inFlight == u
}

// complete delivers the completion signal of u: every member settles with
// the same outcome and the next step is scheduled if anything is queued.
// Signals for units the broker no longer tracks (aborted, disposed) are
// dropped.
func (b *broker) complete(u *Unit, ranges media.Ranges, err error) {
	b.mu.Lock()
	if b.inFlight != u {
		b.mu.Unlock()
		b.log.Debug("dropping signal for abandoned unit", "id", u.ID, "error", err)
		return
	}
	b.inFlight = nil

	if err != nil {
		outcome := outcomeRejected
		if IsBufferFull(err) {
			outcome = outcomeBufferFull
		}
		for _, op := range u.Ops {
			op.future.settle(nil, err)
		}
		b.metrics.completed(b.label, u, outcome)
		b.log.Debug("unit failed", "op", u.Kind, "id", u.ID, "members", len(u.Ops), "error", err)
	} else {
		for _, op := range u.Ops {
			op.future.settle(ranges, nil)
		}
		b.metrics.completed(b.label, u, outcomeResolved)
	}

	schedule := !b.disposed && b.queue.Len() > 0
	if schedule {
		b.setDispatchingLocked()
	} else {
		b.setIdleLocked()
	}
	b.mu.Unlock()

	if schedule {
		b.schedule(b.step)
	}
}

// cancelLocked rejects the in-flight unit and then the queue, in order, and
// returns the number of operations rejected.
func (b *broker) cancelLocked() int {
	var ops []*Operation
	if b.inFlight != nil {
		ops = append(ops, b.inFlight.Ops...)
		b.inFlight = nil
	}
	ops = append(ops, b.queue.Drain()...)

	for _, op := range ops {
		op.future.settle(nil, ErrCancelled)
	}
	b.metrics.cancelled(b.label, ops)
	b.setIdleLocked()
	return len(ops)
}
