package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors for protocol handling.
var (
	ErrVersionMismatch = errors.New("protocol: no compatible version")
	ErrUnknownMessage  = errors.New("protocol: unknown message type")
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
)

// ParseError indicates a failure to parse a message field. It wraps the
// underlying I/O or format error and records which field was being parsed
// when the error occurred.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("protocol: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
