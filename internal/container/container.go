// Package container owns the buffers of one media container: at most one
// buffer per kind, the Closed/Open/Ended lifecycle, and the background tasks
// that change duration and keep end of stream in effect. Queueing lives in
// package sourcebuf.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/zsiec/bufsched/internal/media"
	"github.com/zsiec/bufsched/internal/sourcebuf"
)

// State is the lifecycle state of a container.
type State uint8

// Container states.
const (
	StateClosed State = iota
	StateOpen
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateEnded:
		return "ended"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

var (
	ErrClosed          = errors.New("container: closed")
	ErrBufferExists    = errors.New("container: buffer of this kind already exists")
	ErrInvalidState    = errors.New("container: invalid state")
	ErrInvalidDuration = errors.New("container: invalid duration")
)

const endOfStreamRetry = 100 * time.Millisecond

// Config holds the parameters for creating a Container.
type Config struct {
	// IDs generates operation ids for every buffer of the container. Nil
	// creates a fresh source.
	IDs *sourcebuf.IDSource
	Log *slog.Logger
}

// Container owns named buffers and their shared lifecycle.
type Container struct {
	log     *slog.Logger
	backend Backend
	ids     *sourcebuf.IDSource
	ctx     context.Context
	cancel  context.CancelFunc
	tasks   sync.WaitGroup

	mu       sync.Mutex
	state    State
	closed   bool
	changed  chan struct{} // closed and replaced on every state change
	ready    chan struct{}
	buffers  map[media.Kind]*trackedBuffer
	activity uint64 // bumped by every push

	cancelDuration context.CancelFunc
	cancelEOS      context.CancelFunc
}

// New creates a container in the Closed state.
func New(backend Backend, cfg Config) *Container {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	ids := cfg.IDs
	if ids == nil {
		ids = new(sourcebuf.IDSource)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Container{
		log:     log.With("component", "container"),
		backend: backend,
		ids:     ids,
		ctx:     ctx,
		cancel:  cancel,
		changed: make(chan struct{}),
		ready:   make(chan struct{}),
		buffers: make(map[media.Kind]*trackedBuffer),
	}
}

// State returns the current lifecycle state.
func (c *Container) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// WaitState blocks until the container reaches s or ctx is done.
func (c *Container) WaitState(ctx context.Context, s State) error {
	return c.waitState(ctx, func(cur State) bool { return cur == s })
}

// Ready is closed the first time the container opens.
func (c *Container) Ready() <-chan struct{} { return c.ready }

// Open moves the container to Open. Opening an ended container reopens it.
func (c *Container) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.setStateLocked(StateOpen)
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
	return nil
}

// Close stops the background tasks and disposes every buffer, rejecting
// their outstanding operations. The container cannot be reopened.
func (c *Container) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancel()
	buffers := c.buffers
	c.buffers = make(map[media.Kind]*trackedBuffer)
	c.setStateLocked(StateClosed)
	c.mu.Unlock()

	for _, b := range buffers {
		b.Dispose()
	}
	c.tasks.Wait()
	c.log.Info("container closed", "buffers", len(buffers))
}

// AddBuffer creates the buffer for kind. The container must be open.
func (c *Container) AddBuffer(kind media.Kind, codec string) (sourcebuf.Buffer, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("container: invalid kind %d", kind)
	}
	if err := c.checkAdd(kind); err != nil {
		return nil, err
	}

	buf, err := c.backend.NewBuffer(kind, codec, c.ids)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if err := c.checkAddLocked(kind); err != nil {
		c.mu.Unlock()
		buf.Dispose()
		return nil, err
	}
	tb := &trackedBuffer{Buffer: buf, owner: c}
	c.buffers[kind] = tb
	c.mu.Unlock()

	c.log.Info("buffer added", "kind", kind, "codec", codec)
	return tb, nil
}

func (c *Container) checkAdd(kind media.Kind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkAddLocked(kind)
}

func (c *Container) checkAddLocked(kind media.Kind) error {
	if c.closed {
		return ErrClosed
	}
	if c.state != StateOpen {
		return fmt.Errorf("%w: cannot add buffer while %s", ErrInvalidState, c.state)
	}
	if _, ok := c.buffers[kind]; ok {
		return fmt.Errorf("%w: %s", ErrBufferExists, kind)
	}
	return nil
}

// RemoveBuffer disposes the buffer for kind, if any.
func (c *Container) RemoveBuffer(kind media.Kind) {
	c.mu.Lock()
	b, ok := c.buffers[kind]
	delete(c.buffers, kind)
	c.mu.Unlock()

	if ok {
		b.Dispose()
		c.log.Info("buffer removed", "kind", kind)
	}
}

// Buffer returns the buffer for kind.
func (c *Container) Buffer(kind media.Kind) (sourcebuf.Buffer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buffers[kind]
	if !ok {
		return nil, false
	}
	return b, true
}

// SetDuration changes the duration in the background once the container is
// open and no buffer is updating. A newer call cancels a pending one.
func (c *Container) SetDuration(d float64) error {
	if math.IsNaN(d) || d < 0 {
		return fmt.Errorf("%w: %g", ErrInvalidDuration, d)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.cancelDuration != nil {
		c.cancelDuration()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.cancelDuration = cancel
	c.tasks.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.tasks.Done()
		defer cancel()

		if err := c.waitState(ctx, func(s State) bool { return s == StateOpen }); err != nil {
			return
		}
		err := sourcebuf.WhenIdle(ctx, c.bufferList(), func() error { return c.backend.SetDuration(d) })
		switch {
		case err == nil:
			c.log.Info("duration set", "duration", d)
		case ctx.Err() != nil:
			c.log.Debug("duration change superseded", "duration", d)
		default:
			c.log.Warn("duration change failed", "duration", d, "error", err)
		}
	}()
	return nil
}

// MaintainEndOfStream keeps the container ended: whenever it is open and
// every buffer is idle, end of stream is signalled again. A push reopens the
// container. Calling it while maintenance runs has no effect.
func (c *Container) MaintainEndOfStream() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.cancelEOS != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.cancelEOS = cancel
	c.tasks.Add(1)
	go c.maintainEndOfStream(ctx)
	return nil
}

// StopEndOfStream stops end-of-stream maintenance. The current state is
// left as it is.
func (c *Container) StopEndOfStream() {
	c.mu.Lock()
	cancel := c.cancelEOS
	c.cancelEOS = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Container) maintainEndOfStream(ctx context.Context) {
	defer c.tasks.Done()
	open := func(s State) bool { return s == StateOpen }
	notEnded := func(s State) bool { return s != StateEnded }

	for {
		if err := c.waitState(ctx, open); err != nil {
			return
		}

		var seen uint64
		err := sourcebuf.WhenIdle(ctx, c.bufferList(), func() error {
			c.mu.Lock()
			seen = c.activity
			c.mu.Unlock()
			return c.backend.EndOfStream()
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("end of stream failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(endOfStreamRetry):
			}
			continue
		}

		c.mu.Lock()
		// A push that slipped in after the idle check keeps the container open.
		if c.state == StateOpen && c.activity == seen {
			c.setStateLocked(StateEnded)
		}
		c.mu.Unlock()

		if err := c.waitState(ctx, notEnded); err != nil {
			return
		}
	}
}

// touch records a push; an ended container goes back to Open.
func (c *Container) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activity++
	if c.state == StateEnded {
		c.setStateLocked(StateOpen)
	}
}

func (c *Container) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.log.Info("state changed", "from", c.state, "to", s)
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
}

// waitState blocks until ok accepts the current state or ctx is done.
func (c *Container) waitState(ctx context.Context, ok func(State) bool) error {
	for {
		c.mu.Lock()
		s, changed := c.state, c.changed
		c.mu.Unlock()
		if ok(s) {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Container) bufferList() []sourcebuf.Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sourcebuf.Buffer, 0, len(c.buffers))
	for _, b := range c.buffers {
		out = append(out, b)
	}
	return out
}

// trackedBuffer reports pushes to its container.
type trackedBuffer struct {
	sourcebuf.Buffer
	owner *Container
}

func (b *trackedBuffer) AppendData(data []byte, params media.PushParams) (*sourcebuf.Future, error) {
	f, err := b.Buffer.AppendData(data, params)
	if err == nil {
		b.owner.touch()
	}
	return f, err
}
