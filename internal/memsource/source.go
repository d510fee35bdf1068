package memsource

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/zsiec/bufsched/internal/media"
	"github.com/zsiec/bufsched/internal/sourcebuf"
)

// SourceConfig configures a Source and the buffers it creates.
type SourceConfig struct {
	ByteRate float64
	// Capacity is the per-buffer byte capacity. Zero means unlimited.
	Capacity int
	Latency  time.Duration
	Log      *slog.Logger
}

// Source is the in-memory counterpart of a media container: it creates
// buffers and holds the duration and end-of-stream state. It satisfies
// sourcebuf.Source.
type Source struct {
	log *slog.Logger
	cfg SourceConfig

	mu       sync.Mutex
	buffers  []*Buffer
	duration float64
	ended    bool
}

var _ sourcebuf.Source = (*Source)(nil)

// NewSource creates an empty source with an unknown (NaN) duration.
func NewSource(cfg SourceConfig) *Source {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	cfg.Log = log
	return &Source{
		log:      log.With("component", "memsource"),
		cfg:      cfg,
		duration: math.NaN(),
	}
}

// NewResource creates a buffer of the given kind.
func (s *Source) NewResource(kind media.Kind, codec string) (sourcebuf.Resource, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("memsource: invalid kind %d", kind)
	}
	if codec == "" {
		return nil, ErrEmptyCodec
	}
	b := NewBuffer(BufferConfig{
		Kind:     kind,
		Codec:    codec,
		ByteRate: s.cfg.ByteRate,
		Capacity: s.cfg.Capacity,
		Latency:  s.cfg.Latency,
		Log:      s.cfg.Log,
	})
	b.onAppend = s.reopen

	s.mu.Lock()
	s.buffers = append(s.buffers, b)
	s.mu.Unlock()

	s.log.Info("buffer added", "kind", kind, "codec", codec)
	return b, nil
}

// ReleaseResource removes a buffer created by NewResource. The buffer's
// ranges read as empty afterwards.
func (s *Source) ReleaseResource(res sourcebuf.Resource) {
	b, ok := res.(*Buffer)
	if !ok {
		return
	}
	s.mu.Lock()
	for i, x := range s.buffers {
		if x == b {
			s.buffers = append(s.buffers[:i], s.buffers[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	b.invalidate()
	s.log.Info("buffer removed", "kind", b.Kind())
}

// SetDuration sets the media duration. It fails with ErrBusy while any
// buffer is updating.
func (s *Source) SetDuration(d float64) error {
	if math.IsNaN(d) || d < 0 {
		return fmt.Errorf("memsource: invalid duration %g", d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updatingLocked() {
		return ErrBusy
	}
	s.duration = d
	return nil
}

// EndOfStream marks the source ended. It fails with ErrBusy while any buffer
// is updating. The next successful append reopens the source.
func (s *Source) EndOfStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updatingLocked() {
		return ErrBusy
	}
	if !s.ended {
		s.log.Info("end of stream")
	}
	s.ended = true
	return nil
}

// Duration returns the current duration, NaN until set.
func (s *Source) Duration() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

// Ended reports whether end of stream is in effect.
func (s *Source) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Updating reports whether any buffer has an operation in progress.
func (s *Source) Updating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatingLocked()
}

// Buffers returns the number of live buffers.
func (s *Source) Buffers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers)
}

func (s *Source) updatingLocked() bool {
	for _, b := range s.buffers {
		if b.Updating() {
			return true
		}
	}
	return false
}

func (s *Source) reopen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		s.ended = false
		s.log.Info("reopened by append")
	}
}
