package memsource

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/bufsched/internal/media"
	"github.com/zsiec/bufsched/internal/sourcebuf"
)

// Errors returned synchronously by Buffer.
var (
	ErrBusy        = sourcebuf.ErrBusy
	ErrInvalidated = errors.New("memsource: buffer removed from source")
	ErrEmptyCodec  = errors.New("memsource: empty codec")
)

// BufferConfig configures a simulated buffer.
type BufferConfig struct {
	Kind  media.Kind
	Codec string
	// ByteRate is the number of payload bytes per second of media. Every
	// append covers len(data)/ByteRate seconds on the buffer's timeline.
	ByteRate float64
	// Capacity is the number of bytes the buffer may hold. Zero means
	// unlimited.
	Capacity int
	// Latency delays each completion signal.
	Latency time.Duration
	Log     *slog.Logger
}

// Buffer is an in-memory media buffer that runs one operation at a time and
// signals completion from a timer goroutine. It satisfies sourcebuf.Resource.
type Buffer struct {
	log      *slog.Logger
	kind     media.Kind
	rate     float64
	capacity int
	latency  time.Duration
	onAppend func()

	mu       sync.Mutex
	codec    string
	offset   float64
	window   media.AppendWindow
	cursor   float64 // next timestamp before the offset is applied
	ranges   media.Ranges
	busy     bool
	gen      uint64 // bumped on abort so abandoned timers stay silent
	timer    *time.Timer
	invalid  bool
	failNext error
	appends  int
}

const defaultByteRate = 1

// NewBuffer creates a simulated buffer.
func NewBuffer(cfg BufferConfig) *Buffer {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	rate := cfg.ByteRate
	if rate <= 0 {
		rate = defaultByteRate
	}
	return &Buffer{
		log:      log.With("component", "memsource", "kind", cfg.Kind),
		kind:     cfg.Kind,
		rate:     rate,
		capacity: cfg.Capacity,
		latency:  cfg.Latency,
		codec:    cfg.Codec,
		ranges:   media.Ranges{},
	}
}

// Kind returns the media kind of the buffer.
func (b *Buffer) Kind() media.Kind { return b.kind }

// Codec returns the codec currently in effect.
func (b *Buffer) Codec() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.codec
}

// Appends returns the number of append operations started.
func (b *Buffer) Appends() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appends
}

// Updating reports whether an operation is in progress.
func (b *Buffer) Updating() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.busy
}

// FailNext makes the next append or remove fail with err.
func (b *Buffer) FailNext(err error) {
	b.mu.Lock()
	b.failNext = err
	b.mu.Unlock()
}

// ChangeType switches the codec of subsequent appends.
func (b *Buffer) ChangeType(codec string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.idleLocked(); err != nil {
		return err
	}
	if codec == "" {
		return ErrEmptyCodec
	}
	b.codec = codec
	return nil
}

// SetTimestampOffset shifts subsequent appends by offset seconds.
func (b *Buffer) SetTimestampOffset(offset float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.idleLocked(); err != nil {
		return err
	}
	b.offset = offset
	return nil
}

// SetAppendWindow restricts where subsequent appends may land.
func (b *Buffer) SetAppendWindow(w media.AppendWindow) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.idleLocked(); err != nil {
		return err
	}
	if s, e := w.Bounds(); e <= s {
		return fmt.Errorf("memsource: append window end %g not after start %g", e, s)
	}
	b.window = w
	return nil
}

// Append adds data at the end of the timeline. Frames outside the append
// window are dropped. The result is signalled after the configured latency.
func (b *Buffer) Append(data []byte, done func(error)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.idleLocked(); err != nil {
		return err
	}
	b.appends++

	dur := float64(len(data)) / b.rate
	start := b.cursor + b.offset
	end := start + dur

	signal := done
	if b.onAppend != nil {
		signal = func(err error) {
			if err == nil {
				b.onAppend()
			}
			done(err)
		}
	}
	b.run(signal, func() error {
		if err := b.takeFailure(); err != nil {
			return err
		}
		if b.capacity > 0 {
			used := int(b.ranges.Duration() * b.rate)
			if used+len(data) > b.capacity {
				return fmt.Errorf("%w: %d of %d bytes used, %d more requested",
					sourcebuf.ErrQuotaExceeded, used, b.capacity, len(data))
			}
		}
		b.cursor += dur
		ws, we := b.window.Bounds()
		for _, r := range (media.Ranges{{Start: start, End: end}}).Clip(ws, we) {
			b.ranges = b.ranges.Add(r.Start, r.End)
		}
		return nil
	})
	return nil
}

// Remove cuts [start, end) out of the timeline.
func (b *Buffer) Remove(start, end float64, done func(error)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.idleLocked(); err != nil {
		return err
	}
	if end <= start {
		return fmt.Errorf("%w: [%g, %g)", sourcebuf.ErrInvalidRange, start, end)
	}
	b.run(done, func() error {
		if err := b.takeFailure(); err != nil {
			return err
		}
		b.ranges = b.ranges.Remove(start, end)
		return nil
	})
	return nil
}

// Buffered returns the current ranges; empty once the buffer was removed
// from its source.
func (b *Buffer) Buffered() media.Ranges {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.invalid {
		return media.Ranges{}
	}
	return b.ranges.Clone()
}

// Abort abandons the operation in progress, if any, and resets the append
// window. The abandoned operation never signals.
func (b *Buffer) Abort() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.abortLocked()
}

func (b *Buffer) abortLocked() {
	if b.busy {
		b.log.Debug("operation abandoned")
	}
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.busy = false
	b.window = media.AppendWindow{}
}

// invalidate detaches the buffer from its source. Further operations fail.
func (b *Buffer) invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.abortLocked()
	b.invalid = true
}

func (b *Buffer) idleLocked() error {
	if b.invalid {
		return ErrInvalidated
	}
	if b.busy {
		return ErrBusy
	}
	return nil
}

func (b *Buffer) takeFailure() error {
	err := b.failNext
	b.failNext = nil
	return err
}

// run marks the buffer busy and applies op after the latency, then signals
// done outside the lock.
func (b *Buffer) run(done func(error), op func() error) {
	b.busy = true
	gen := b.gen
	b.timer = time.AfterFunc(b.latency, func() {
		b.mu.Lock()
		if b.gen != gen || b.invalid {
			b.mu.Unlock()
			return
		}
		err := op()
		b.busy = false
		b.timer = nil
		b.mu.Unlock()

		done(err)
	})
}
