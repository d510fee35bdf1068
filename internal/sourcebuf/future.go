package sourcebuf

import (
	"context"
	"sync/atomic"

	"github.com/zsiec/bufsched/internal/media"
)

// Future is the single-resolution handle of one operation.
type Future struct {
	id      uint64
	done    chan struct{}
	settled atomic.Bool
	ranges  media.Ranges
	err     error
}

func newFuture(id uint64) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// ID returns the id of the operation the future belongs to.
func (f *Future) ID() uint64 { return f.id }

// Done is closed once the operation has settled.
func (f *Future) Done() <-chan struct{} { return f.done }

// Settled reports whether the operation has settled.
func (f *Future) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the operation settles or ctx is done. A context error
// abandons the wait only; the operation itself keeps running.
func (f *Future) Wait(ctx context.Context) (media.Ranges, error) {
	select {
	case <-f.done:
		return f.ranges, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result blocks until the operation settles and returns its outcome.
func (f *Future) Result() (media.Ranges, error) {
	<-f.done
	return f.ranges, f.err
}

// settle records the outcome. Only the first call has an effect.
func (f *Future) settle(ranges media.Ranges, err error) bool {
	if !f.settled.CompareAndSwap(false, true) {
		return false
	}
	if err == nil {
		f.ranges = ranges.Clone()
	}
	f.err = err
	close(f.done)
	return true
}
