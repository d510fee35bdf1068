package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/zsiec/bufsched/internal/media"
	"github.com/zsiec/bufsched/internal/protocol"
	"github.com/zsiec/bufsched/internal/sourcebuf"
)

// Compile-time interface check.
var _ sourcebuf.Sender = (*Client)(nil)

// ClientConfig holds the parameters for creating a Client.
type ClientConfig struct {
	// Session names the session in logs on both ends. Empty generates one.
	Session string
	Metrics *sourcebuf.Metrics
	Log     *slog.Logger
}

// Client drives remote buffers over a single connection.
type Client struct {
	log     *slog.Logger
	base    *slog.Logger
	session string
	metrics *sourcebuf.Metrics
	conn    io.ReadWriteCloser
	reader  *bufio.Reader

	writeMu   sync.Mutex
	helloSent bool

	mu      sync.Mutex
	buffers map[uint64]*sourcebuf.Remote
	closed  bool
	done    chan struct{}
}

// NewClient creates a client on conn. Nothing is sent until the first
// request or Run, whichever comes first; both start with HELLO.
func NewClient(conn io.ReadWriteCloser, cfg ClientConfig) *Client {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	session := cfg.Session
	if session == "" {
		session = uuid.NewString()
	}
	return &Client{
		log:     log.With("component", "remote-client", "session", session),
		base:    log.With("session", session),
		session: session,
		metrics: cfg.Metrics,
		conn:    conn,
		reader:  bufio.NewReader(conn),
		buffers: make(map[uint64]*sourcebuf.Remote),
		done:    make(chan struct{}),
	}
}

// Session returns the session id announced in HELLO.
func (c *Client) Session() string { return c.session }

// Done is closed once Run has returned and every buffer is disposed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Run reads responses until ctx is done or the connection fails. On return
// the connection is closed and every buffer is disposed, rejecting whatever
// it still had queued or in flight.
func (c *Client) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		if err := c.send(nil); err != nil {
			errc <- err
			return
		}
		errc <- c.readLoop()
	}()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-errc:
		if !errors.Is(err, ErrClosed) {
			c.log.Info("connection lost", "error", err)
		}
	}
	c.shutdown()
	return err
}

func (c *Client) readLoop() error {
	for {
		msgType, payload, err := protocol.ReadMsg(c.reader)
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		c.handle(msgType, payload)
	}
}

func (c *Client) handle(msgType uint64, payload []byte) {
	msg, err := protocol.Decode(msgType, payload)
	if err != nil {
		c.log.Warn("bad message", "type", msgType, "error", err)
		c.metrics.Anomaly()
		return
	}

	switch m := msg.(type) {
	case protocol.OperationSucceeded:
		if b := c.buffer(m.BufferID); b != nil {
			b.OnOperationSucceeded(m.OperationID, m.Ranges)
		}
	case protocol.OperationFailed:
		if b := c.buffer(m.BufferID); b != nil {
			b.OnOperationFailed(m.OperationID, sourcebuf.NewResourceError(m.BufferFull, m.Message))
		}
	default:
		c.log.Warn("unexpected message from host", "type", msgType)
		c.metrics.Anomaly()
	}
}

func (c *Client) buffer(id uint64) *sourcebuf.Remote {
	c.mu.Lock()
	b := c.buffers[id]
	c.mu.Unlock()
	if b == nil {
		c.log.Warn("response for unknown buffer", "buffer", id)
		c.metrics.Anomaly()
	}
	return b
}

// CreateBuffer asks the host for a new buffer and returns its local handle.
// ids must be the id source shared by the owning container.
func (c *Client) CreateBuffer(id uint64, kind media.Kind, codec string, ids *sourcebuf.IDSource) (*sourcebuf.Remote, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("remote: invalid kind %d", kind)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := c.buffers[id]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrBufferExists, id)
	}
	var r *sourcebuf.Remote
	r = sourcebuf.NewRemote(sourcebuf.RemoteConfig{
		ID:        id,
		Kind:      kind,
		Sender:    c,
		IDs:       ids,
		Metrics:   c.metrics,
		Log:       c.base,
		OnDispose: func() { c.forget(id, r) },
	})
	c.buffers[id] = r
	c.mu.Unlock()

	if err := c.send(protocol.CreateBuffer{BufferID: id, Kind: kind, Codec: codec}); err != nil {
		c.forget(id, r)
		return nil, fmt.Errorf("send CREATE_BUFFER: %w", err)
	}
	c.log.Info("buffer created", "buffer", id, "kind", kind, "codec", codec)
	return r, nil
}

// SetDuration forwards a duration change to the host's source.
func (c *Client) SetDuration(d float64) error {
	return c.send(protocol.SetDuration{Duration: d})
}

// EndOfStream forwards end of stream to the host's source.
func (c *Client) EndOfStream() error {
	return c.send(protocol.EndOfStream{})
}

// SendAppend, SendRemove, SendAbort and SendDispose implement
// sourcebuf.Sender for the buffers created by this client.
func (c *Client) SendAppend(bufferID, opID uint64, data []byte, params media.PushParams) error {
	return c.send(protocol.AppendRequest{BufferID: bufferID, OperationID: opID, Data: data, Params: params})
}

func (c *Client) SendRemove(bufferID, opID uint64, start, end float64) error {
	return c.send(protocol.RemoveRequest{BufferID: bufferID, OperationID: opID, Start: start, End: end})
}

func (c *Client) SendAbort(bufferID uint64) error {
	return c.send(protocol.AbortRequest{BufferID: bufferID})
}

func (c *Client) SendDispose(bufferID uint64) error {
	return c.send(protocol.DisposeRequest{BufferID: bufferID})
}

// send writes m, preceded by HELLO if this is the first write. A nil m only
// ensures HELLO went out.
func (c *Client) send(m protocol.Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if !c.helloSent {
		hello := protocol.Hello{Version: protocol.Version, Session: c.session}
		if err := protocol.Write(c.conn, hello); err != nil {
			return fmt.Errorf("write HELLO: %w", err)
		}
		c.helloSent = true
	}
	if m == nil {
		return nil
	}
	return protocol.Write(c.conn, m)
}

func (c *Client) forget(id uint64, r *sourcebuf.Remote) {
	c.mu.Lock()
	if c.buffers[id] == r {
		delete(c.buffers, id)
	}
	c.mu.Unlock()
}

func (c *Client) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	buffers := make([]*sourcebuf.Remote, 0, len(c.buffers))
	for _, b := range c.buffers {
		buffers = append(buffers, b)
	}
	c.mu.Unlock()

	_ = c.conn.Close()
	for _, b := range buffers {
		b.Dispose()
	}
	close(c.done)
	c.log.Info("client closed", "buffers", len(buffers))
}
