package sourcebuf

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/zsiec/bufsched/internal/media"
)

// Sender carries requests to the side that owns the resource. Every method
// is fire-and-forget; an error means the request was not sent.
type Sender interface {
	SendAppend(bufferID, opID uint64, data []byte, params media.PushParams) error
	SendRemove(bufferID, opID uint64, start, end float64) error
	SendAbort(bufferID uint64) error
	SendDispose(bufferID uint64) error
}

// RemoteConfig holds the parameters for creating a Remote buffer.
type RemoteConfig struct {
	ID      uint64
	Kind    media.Kind
	Sender  Sender
	IDs     *IDSource
	Metrics *Metrics
	Log     *slog.Logger
	// Schedule runs dispatch steps. Nil runs each step on a new goroutine.
	Schedule func(func())
	// OnDispose runs once after the buffer has been disposed.
	OnDispose func()
}

// Remote schedules operations against a resource reachable only through
// correlated messages. Queueing and merging happen here, before anything is
// serialized, so at most one request per buffer is outstanding.
type Remote struct {
	*broker

	id        uint64
	sender    Sender
	onDispose func()

	pendingMu sync.Mutex
	pending   map[uint64]*Unit // keyed by unit ID
}

// NewRemote creates a Remote buffer. The caller routes responses to
// OnOperationSucceeded and OnOperationFailed.
func NewRemote(cfg RemoteConfig) *Remote {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "sourcebuf", "kind", cfg.Kind, "mode", "remote", "buffer", cfg.ID)

	r := &Remote{
		broker:    newBroker(cfg.Kind, cfg.IDs, cfg.Metrics, cfg.Schedule, log),
		id:        cfg.ID,
		sender:    cfg.Sender,
		onDispose: cfg.OnDispose,
		pending:   make(map[uint64]*Unit),
	}
	r.broker.exec = r
	return r
}

// ID returns the buffer id used on the wire.
func (r *Remote) ID() uint64 { return r.id }

// Buffered is never known synchronously for a remote buffer; callers get
// ranges from settled futures instead of a stale guess.
func (r *Remote) Buffered() (media.Ranges, bool) {
	return nil, false
}

// OnOperationSucceeded resolves the unit correlated with id. Unknown ids are
// logged and dropped.
func (r *Remote) OnOperationSucceeded(id uint64, ranges media.Ranges) {
	u, ok := r.take(id)
	if !ok {
		return
	}
	r.complete(u, ranges, nil)
}

// OnOperationFailed rejects the unit correlated with id with err. Unknown
// ids are logged and dropped.
func (r *Remote) OnOperationFailed(id uint64, err error) {
	u, ok := r.take(id)
	if !ok {
		return
	}
	r.complete(u, nil, classify(err))
}

func (r *Remote) take(id uint64) (*Unit, bool) {
	r.pendingMu.Lock()
	u, ok := r.pending[id]
	delete(r.pending, id)
	r.pendingMu.Unlock()

	if !ok {
		r.log.Warn("response for unknown operation", "operation", id)
		r.metrics.Anomaly()
	}
	return u, ok
}

func (r *Remote) start(u *Unit) error {
	r.pendingMu.Lock()
	r.pending[u.ID] = u
	r.pendingMu.Unlock()

	var err error
	switch u.Kind {
	case OpPush:
		err = r.sender.SendAppend(r.id, u.ID, u.Data, u.Params)
	case OpRemove:
		err = r.sender.SendRemove(r.id, u.ID, u.Start, u.End)
	default:
		err = fmt.Errorf("unknown operation kind %d", u.Kind)
	}
	if err != nil {
		r.pendingMu.Lock()
		delete(r.pending, u.ID)
		r.pendingMu.Unlock()
		// The request never left; to the caller this is the same as losing
		// the connection.
		r.log.Warn("request not sent", "op", u.Kind, "id", u.ID, "error", err)
		return ErrCancelled
	}
	return nil
}

// forget drops every correlation entry; late responses for them become
// anomalies.
func (r *Remote) forget() {
	r.pendingMu.Lock()
	clear(r.pending)
	r.pendingMu.Unlock()
}

func (r *Remote) abort() {
	r.forget()
	if err := r.sender.SendAbort(r.id); err != nil {
		r.log.Debug("abort request not sent", "error", err)
	}
}

func (r *Remote) dispose() {
	r.forget()
	if err := r.sender.SendDispose(r.id); err != nil {
		r.log.Debug("dispose request not sent", "error", err)
	}
	if r.onDispose != nil {
		r.onDispose()
	}
}
