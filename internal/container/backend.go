package container

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/bufsched/internal/media"
	"github.com/zsiec/bufsched/internal/remote"
	"github.com/zsiec/bufsched/internal/sourcebuf"
)

// Backend creates buffers and applies container-level changes, either in
// process or across a remote connection.
type Backend interface {
	NewBuffer(kind media.Kind, codec string, ids *sourcebuf.IDSource) (sourcebuf.Buffer, error)
	SetDuration(d float64) error
	EndOfStream() error
}

// Compile-time interface checks.
var (
	_ Backend = (*LocalBackend)(nil)
	_ Backend = (*RemoteBackend)(nil)
)

// LocalBackend drives resources of a Source directly.
type LocalBackend struct {
	source  sourcebuf.Source
	metrics *sourcebuf.Metrics
	log     *slog.Logger
}

// NewLocalBackend creates a backend over source. metrics may be nil.
func NewLocalBackend(source sourcebuf.Source, metrics *sourcebuf.Metrics, log *slog.Logger) *LocalBackend {
	if log == nil {
		log = slog.Default()
	}
	return &LocalBackend{source: source, metrics: metrics, log: log}
}

func (b *LocalBackend) NewBuffer(kind media.Kind, codec string, ids *sourcebuf.IDSource) (sourcebuf.Buffer, error) {
	res, err := b.source.NewResource(kind, codec)
	if err != nil {
		return nil, fmt.Errorf("create %s resource: %w", kind, err)
	}
	return sourcebuf.NewLocal(res, sourcebuf.LocalConfig{
		Kind:      kind,
		Codec:     codec,
		IDs:       ids,
		Metrics:   b.metrics,
		Log:       b.log,
		OnDispose: func() { b.source.ReleaseResource(res) },
	}), nil
}

func (b *LocalBackend) SetDuration(d float64) error { return b.source.SetDuration(d) }

func (b *LocalBackend) EndOfStream() error { return b.source.EndOfStream() }

// RemoteBackend creates buffers on the far side of a remote.Client.
type RemoteBackend struct {
	client *remote.Client
	nextID atomic.Uint64
}

// NewRemoteBackend creates a backend that allocates buffer ids on client.
func NewRemoteBackend(client *remote.Client) *RemoteBackend {
	return &RemoteBackend{client: client}
}

func (b *RemoteBackend) NewBuffer(kind media.Kind, codec string, ids *sourcebuf.IDSource) (sourcebuf.Buffer, error) {
	buf, err := b.client.CreateBuffer(b.nextID.Add(1), kind, codec, ids)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// SetDuration is fire-and-forget: the host applies it once its own buffers
// are idle.
func (b *RemoteBackend) SetDuration(d float64) error { return b.client.SetDuration(d) }

func (b *RemoteBackend) EndOfStream() error { return b.client.EndOfStream() }
