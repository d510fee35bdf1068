package sourcebuf

import (
	"errors"
	"fmt"
)

// Sentinel errors. ErrCancelled is the only error used to reject operations
// that were aborted or disposed; it never carries resource detail.
var (
	ErrCancelled     = errors.New("sourcebuf: operation cancelled")
	ErrDisposed      = errors.New("sourcebuf: buffer disposed")
	ErrInvalidRange  = errors.New("sourcebuf: invalid range")
	ErrQuotaExceeded = errors.New("sourcebuf: quota exceeded")
	// ErrBusy is reported by a Source when an operation collides with a
	// resource that is still updating.
	ErrBusy = errors.New("sourcebuf: resource busy")
)

// ResourceError reports that the underlying resource rejected an operation.
// BufferFull is set when the cause is a capacity condition.
type ResourceError struct {
	BufferFull bool
	Err        error
}

// NewResourceError builds a ResourceError from a reported failure message,
// as received from a remote host.
func NewResourceError(bufferFull bool, msg string) *ResourceError {
	err := errors.New(msg)
	if bufferFull {
		err = fmt.Errorf("%w: %s", ErrQuotaExceeded, msg)
	}
	return &ResourceError{BufferFull: bufferFull, Err: err}
}

func (e *ResourceError) Error() string {
	if e.BufferFull {
		return fmt.Sprintf("sourcebuf: resource error (buffer full): %v", e.Err)
	}
	return fmt.Sprintf("sourcebuf: resource error: %v", e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// IsBufferFull reports whether err is a ResourceError caused by capacity.
func IsBufferFull(err error) bool {
	var re *ResourceError
	return errors.As(err, &re) && re.BufferFull
}

// classify turns a raw resource failure into a *ResourceError.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var re *ResourceError
	if errors.As(err, &re) {
		return err
	}
	return &ResourceError{BufferFull: errors.Is(err, ErrQuotaExceeded), Err: err}
}
