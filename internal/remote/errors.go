package remote

import "errors"

var (
	ErrClosed        = errors.New("remote: connection closed")
	ErrBufferExists  = errors.New("remote: buffer id already in use")
	ErrUnknownBuffer = errors.New("remote: unknown buffer")
	ErrNoHello       = errors.New("remote: session did not start with HELLO")
)
