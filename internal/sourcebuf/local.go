package sourcebuf

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/zsiec/bufsched/internal/media"
)

// LocalConfig holds the parameters for creating a Local buffer.
type LocalConfig struct {
	Kind media.Kind
	// Codec is the codec the resource was created with.
	Codec   string
	IDs     *IDSource
	Metrics *Metrics
	Log     *slog.Logger
	// Schedule runs dispatch steps. Nil runs each step on a new goroutine.
	Schedule func(func())
	// OnDispose runs once after the buffer has been disposed.
	OnDispose func()
}

// Local schedules operations against a Resource in the same process.
type Local struct {
	*broker

	res       Resource
	onDispose func()

	// Last values applied to the resource; reconfiguration calls are only
	// issued when a push differs from them.
	cfgMu  sync.Mutex
	codec  string
	offset float64
	window media.AppendWindow
}

// NewLocal creates a Local buffer driving res.
func NewLocal(res Resource, cfg LocalConfig) *Local {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "sourcebuf", "kind", cfg.Kind, "mode", "local")

	l := &Local{
		broker:    newBroker(cfg.Kind, cfg.IDs, cfg.Metrics, cfg.Schedule, log),
		res:       res,
		onDispose: cfg.OnDispose,
		codec:     cfg.Codec,
	}
	l.broker.exec = l
	return l
}

// Buffered returns the resource's current ranges, or empty ranges once the
// buffer is disposed. It is always known.
func (l *Local) Buffered() (media.Ranges, bool) {
	if l.Disposed() {
		return media.Ranges{}, true
	}
	return l.res.Buffered().Clone(), true
}

func (l *Local) start(u *Unit) error {
	switch u.Kind {
	case OpPush:
		if err := l.configure(u.Params); err != nil {
			return classify(err)
		}
		if err := l.res.Append(u.Data, l.signal(u)); err != nil {
			return classify(err)
		}
	case OpRemove:
		if err := l.res.Remove(u.Start, u.End, l.signal(u)); err != nil {
			return classify(err)
		}
	default:
		return fmt.Errorf("unknown operation kind %d", u.Kind)
	}
	return nil
}

// signal returns the one-shot completion listener for u.
func (l *Local) signal(u *Unit) func(error) {
	var once sync.Once
	return func(err error) {
		once.Do(func() {
			if err != nil {
				l.complete(u, nil, classify(err))
				return
			}
			l.complete(u, l.res.Buffered(), nil)
		})
	}
}

// configure applies codec, timestamp offset and append window to the
// resource, skipping values that are already in place.
func (l *Local) configure(p media.PushParams) error {
	l.cfgMu.Lock()
	defer l.cfgMu.Unlock()

	if p.Codec != "" && p.Codec != l.codec {
		if err := l.res.ChangeType(p.Codec); err != nil {
			return fmt.Errorf("change type to %q: %w", p.Codec, err)
		}
		l.log.Debug("codec changed", "from", l.codec, "to", p.Codec)
		l.codec = p.Codec
	}
	if p.TimestampOffset != l.offset {
		if err := l.res.SetTimestampOffset(p.TimestampOffset); err != nil {
			return fmt.Errorf("set timestamp offset: %w", err)
		}
		l.offset = p.TimestampOffset
	}
	if !p.AppendWindow.Equal(l.window) {
		if err := l.res.SetAppendWindow(p.AppendWindow); err != nil {
			return fmt.Errorf("set append window: %w", err)
		}
		l.window = p.AppendWindow
	}
	return nil
}

func (l *Local) abort() {
	l.res.Abort()

	l.cfgMu.Lock()
	l.window = media.AppendWindow{}
	l.cfgMu.Unlock()
}

func (l *Local) dispose() {
	l.abort()
	if l.onDispose != nil {
		l.onDispose()
	}
}
