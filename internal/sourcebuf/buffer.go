package sourcebuf

import (
	"context"

	"github.com/zsiec/bufsched/internal/media"
)

// Buffer is the contract shared by Local and Remote.
type Buffer interface {
	Kind() media.Kind
	AppendData(data []byte, params media.PushParams) (*Future, error)
	RemoveRange(start, end float64) (*Future, error)
	Abort()
	Dispose()
	// Buffered returns the ranges currently held by the resource. The
	// boolean is false when they cannot be known synchronously.
	Buffered() (media.Ranges, bool)
	Updating() bool
	WaitIdle(ctx context.Context) error
}

// Compile-time interface checks.
var (
	_ Buffer = (*Local)(nil)
	_ Buffer = (*Remote)(nil)
)

// Resource is a media buffer that runs one operation at a time.
//
// Append and Remove start an operation and return. A nil return promises
// exactly one later call to done, from any goroutine; a non-nil return means
// the operation never started and done is never called. After Abort the
// resource may or may not call done for the abandoned operation, and its
// append window is reset to unset.
type Resource interface {
	ChangeType(codec string) error
	SetTimestampOffset(offset float64) error
	SetAppendWindow(w media.AppendWindow) error
	Append(data []byte, done func(error)) error
	Remove(start, end float64, done func(error)) error
	// Buffered must not panic, returning empty ranges once the resource
	// has been invalidated.
	Buffered() media.Ranges
	Abort()
}

// Source creates resources and carries the container-level state shared by
// them. Duration changes and end of stream fail while any resource is busy.
type Source interface {
	NewResource(kind media.Kind, codec string) (Resource, error)
	ReleaseResource(res Resource)
	SetDuration(d float64) error
	EndOfStream() error
}
