package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/zsiec/bufsched/internal/protocol"
	"github.com/zsiec/bufsched/internal/sourcebuf"
)

// HostConfig holds the parameters for creating a Host.
type HostConfig struct {
	Source  sourcebuf.Source
	Metrics *sourcebuf.Metrics
	Log     *slog.Logger
}

// Host executes the requests of one client connection.
type Host struct {
	log     *slog.Logger
	base    *slog.Logger
	source  sourcebuf.Source
	metrics *sourcebuf.Metrics
	conn    io.ReadWriteCloser
	reader  *bufio.Reader
	ids     sourcebuf.IDSource
	writeMu sync.Mutex
	wg      sync.WaitGroup

	mu      sync.Mutex
	buffers map[uint64]*sourcebuf.Local
	// Cancels the pending duration or end-of-stream task; a newer
	// container-level request replaces an older one.
	cancelTask context.CancelFunc
}

// NewHost creates a host serving conn.
func NewHost(conn io.ReadWriteCloser, cfg HostConfig) *Host {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Host{
		log:     log.With("component", "remote-host"),
		base:    log,
		source:  cfg.Source,
		metrics: cfg.Metrics,
		conn:    conn,
		reader:  bufio.NewReader(conn),
		buffers: make(map[uint64]*sourcebuf.Local),
	}
}

// Run serves the connection until ctx is done, the client disconnects or the
// session is invalid. Every buffer is disposed before Run returns.
func (h *Host) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- h.readLoop(ctx) }()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
		_ = h.conn.Close()
		<-errc
	case err = <-errc:
		cancel()
		_ = h.conn.Close()
	}

	h.mu.Lock()
	buffers := h.buffers
	h.buffers = make(map[uint64]*sourcebuf.Local)
	h.mu.Unlock()
	for _, b := range buffers {
		b.Dispose()
	}
	h.wg.Wait()

	h.log.Info("session ended", "buffers", len(buffers), "error", err)
	return err
}

func (h *Host) readLoop(ctx context.Context) error {
	log, err := h.handshake()
	if err != nil {
		return err
	}

	for {
		msgType, payload, err := protocol.ReadMsg(h.reader)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read message: %w", err)
		}

		msg, err := protocol.Decode(msgType, payload)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownMessage) {
				log.Debug("unknown message", "type", msgType)
			} else {
				log.Warn("bad message", "type", msgType, "error", err)
			}
			continue
		}
		h.handle(ctx, log, msg)
	}
}

// handshake reads HELLO and checks the protocol version.
func (h *Host) handshake() (*slog.Logger, error) {
	msgType, payload, err := protocol.ReadMsg(h.reader)
	if err != nil {
		return nil, fmt.Errorf("read HELLO: %w", err)
	}
	if msgType != protocol.MsgHello {
		return nil, fmt.Errorf("%w (got 0x%x)", ErrNoHello, msgType)
	}
	hello, err := protocol.ParseHello(payload)
	if err != nil {
		return nil, fmt.Errorf("parse HELLO: %w", err)
	}
	if hello.Version != protocol.Version {
		return nil, fmt.Errorf("%w (client speaks %d, host %d)", protocol.ErrVersionMismatch, hello.Version, protocol.Version)
	}

	log := h.log.With("session", hello.Session)
	log.Info("session started")
	return log, nil
}

func (h *Host) handle(ctx context.Context, log *slog.Logger, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.CreateBuffer:
		h.createBuffer(log, m)

	case protocol.AppendRequest:
		b := h.buffer(m.BufferID)
		if b == nil {
			h.fail(log, m.BufferID, m.OperationID, fmt.Errorf("%w %d", ErrUnknownBuffer, m.BufferID))
			return
		}
		f, err := b.AppendData(m.Data, m.Params)
		if err != nil {
			h.fail(log, m.BufferID, m.OperationID, err)
			return
		}
		h.reply(ctx, log, m.BufferID, m.OperationID, f)

	case protocol.RemoveRequest:
		b := h.buffer(m.BufferID)
		if b == nil {
			h.fail(log, m.BufferID, m.OperationID, fmt.Errorf("%w %d", ErrUnknownBuffer, m.BufferID))
			return
		}
		f, err := b.RemoveRange(m.Start, m.End)
		if err != nil {
			h.fail(log, m.BufferID, m.OperationID, err)
			return
		}
		h.reply(ctx, log, m.BufferID, m.OperationID, f)

	case protocol.AbortRequest:
		if b := h.buffer(m.BufferID); b != nil {
			b.Abort()
		}

	case protocol.DisposeRequest:
		h.mu.Lock()
		b := h.buffers[m.BufferID]
		delete(h.buffers, m.BufferID)
		h.mu.Unlock()
		if b != nil {
			b.Dispose()
			log.Info("buffer disposed", "buffer", m.BufferID)
		}

	case protocol.SetDuration:
		h.whenIdle(ctx, log, "set duration", func() error { return h.source.SetDuration(m.Duration) })

	case protocol.EndOfStream:
		h.whenIdle(ctx, log, "end of stream", h.source.EndOfStream)

	case protocol.Hello:
		log.Warn("duplicate HELLO ignored")

	default:
		log.Warn("unexpected message from client", "type", msg.Type())
	}
}

func (h *Host) createBuffer(log *slog.Logger, m protocol.CreateBuffer) {
	h.mu.Lock()
	_, exists := h.buffers[m.BufferID]
	h.mu.Unlock()
	if exists {
		log.Warn("CREATE_BUFFER for existing buffer", "buffer", m.BufferID)
		return
	}

	res, err := h.source.NewResource(m.Kind, m.Codec)
	if err != nil {
		log.Warn("cannot create buffer", "buffer", m.BufferID, "kind", m.Kind, "error", err)
		return
	}
	b := sourcebuf.NewLocal(res, sourcebuf.LocalConfig{
		Kind:      m.Kind,
		Codec:     m.Codec,
		IDs:       &h.ids,
		Metrics:   h.metrics,
		Log:       h.base.With("buffer", m.BufferID),
		OnDispose: func() { h.source.ReleaseResource(res) },
	})

	h.mu.Lock()
	h.buffers[m.BufferID] = b
	h.mu.Unlock()
	log.Info("buffer created", "buffer", m.BufferID, "kind", m.Kind, "codec", m.Codec)
}

func (h *Host) buffer(id uint64) *sourcebuf.Local {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.buffers[id]
}

// reply answers the request once f settles. Cancelled operations get no
// answer: the client rejected them itself when it aborted.
func (h *Host) reply(ctx context.Context, log *slog.Logger, bufferID, opID uint64, f *sourcebuf.Future) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ranges, err := f.Wait(ctx)
		switch {
		case err == nil:
			h.write(log, protocol.OperationSucceeded{BufferID: bufferID, OperationID: opID, Ranges: ranges})
		case errors.Is(err, sourcebuf.ErrCancelled), ctx.Err() != nil:
			log.Debug("operation cancelled, no reply", "buffer", bufferID, "operation", opID)
		default:
			h.fail(log, bufferID, opID, err)
		}
	}()
}

func (h *Host) fail(log *slog.Logger, bufferID, opID uint64, err error) {
	msg := err.Error()
	var re *sourcebuf.ResourceError
	if errors.As(err, &re) {
		msg = re.Err.Error()
	}
	h.write(log, protocol.OperationFailed{
		BufferID:    bufferID,
		OperationID: opID,
		BufferFull:  sourcebuf.IsBufferFull(err),
		Message:     msg,
	})
}

func (h *Host) write(log *slog.Logger, m protocol.Message) {
	h.writeMu.Lock()
	err := protocol.Write(h.conn, m)
	h.writeMu.Unlock()
	if err != nil {
		log.Debug("write failed", "type", m.Type(), "error", err)
	}
}

// whenIdle runs f against the source once every buffer is idle, replacing
// any container-level task still waiting.
func (h *Host) whenIdle(ctx context.Context, log *slog.Logger, what string, f func() error) {
	taskCtx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	if h.cancelTask != nil {
		h.cancelTask()
	}
	h.cancelTask = cancel
	buffers := make([]sourcebuf.Buffer, 0, len(h.buffers))
	for _, b := range h.buffers {
		buffers = append(buffers, b)
	}
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer cancel()
		err := sourcebuf.WhenIdle(taskCtx, buffers, f)
		switch {
		case err == nil:
			log.Debug(what + " applied")
		case taskCtx.Err() != nil:
			log.Debug(what+" abandoned", "error", err)
		default:
			log.Warn(what+" failed", "error", err)
		}
	}()
}
