package protocol

import (
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/bufsched/internal/media"
)

// Message type IDs. Requests flow from the client (the side owning the
// operation queues) to the host (the side owning the resources); responses
// flow back.
const (
	MsgHello          uint64 = 0x01
	MsgCreateBuffer   uint64 = 0x02
	MsgAppendRequest  uint64 = 0x03
	MsgRemoveRequest  uint64 = 0x04
	MsgAbortRequest   uint64 = 0x05
	MsgDisposeRequest uint64 = 0x06
	MsgSetDuration    uint64 = 0x07
	MsgEndOfStream    uint64 = 0x08

	MsgOperationSucceeded uint64 = 0x20
	MsgOperationFailed    uint64 = 0x21
)

// Version is the protocol version exchanged in Hello.
const Version uint64 = 1

// Append window flag bits.
const (
	windowHasStart byte = 1 << 0
	windowHasEnd   byte = 1 << 1
)

// Message is implemented by every protocol message.
type Message interface {
	Type() uint64
	Serialize() []byte
}

// Hello opens a session. The host rejects versions it does not speak.
type Hello struct {
	Version uint64
	Session string
}

// CreateBuffer asks the host to create a resource of the given kind.
type CreateBuffer struct {
	BufferID uint64
	Kind     media.Kind
	Codec    string
}

// AppendRequest pushes one (possibly merged) payload into a buffer.
type AppendRequest struct {
	BufferID    uint64
	OperationID uint64
	Data        []byte
	Params      media.PushParams
}

// RemoveRequest evicts [Start, End) from a buffer.
type RemoveRequest struct {
	BufferID    uint64
	OperationID uint64
	Start       float64
	End         float64
}

// AbortRequest asks the host to abandon in-flight work on a buffer.
type AbortRequest struct {
	BufferID uint64
}

// DisposeRequest asks the host to abort and release a buffer.
type DisposeRequest struct {
	BufferID uint64
}

// SetDuration updates the duration of the host's media source.
type SetDuration struct {
	Duration float64
}

// EndOfStream signals that no more data will be appended.
type EndOfStream struct{}

// OperationSucceeded reports the buffered ranges after an operation completed.
type OperationSucceeded struct {
	BufferID    uint64
	OperationID uint64
	Ranges      media.Ranges
}

// OperationFailed reports a resource failure for an operation.
type OperationFailed struct {
	BufferID    uint64
	OperationID uint64
	BufferFull  bool
	Message     string
}

func (Hello) Type() uint64              { return MsgHello }
func (CreateBuffer) Type() uint64       { return MsgCreateBuffer }
func (AppendRequest) Type() uint64      { return MsgAppendRequest }
func (RemoveRequest) Type() uint64      { return MsgRemoveRequest }
func (AbortRequest) Type() uint64       { return MsgAbortRequest }
func (DisposeRequest) Type() uint64     { return MsgDisposeRequest }
func (SetDuration) Type() uint64        { return MsgSetDuration }
func (EndOfStream) Type() uint64        { return MsgEndOfStream }
func (OperationSucceeded) Type() uint64 { return MsgOperationSucceeded }
func (OperationFailed) Type() uint64    { return MsgOperationFailed }

// Serialize serializes a HELLO payload.
func (m Hello) Serialize() []byte {
	var buf []byte
	buf = quicvarint.Append(buf, m.Version)
	buf = appendVarIntBytes(buf, []byte(m.Session))
	return buf
}

// Serialize serializes a CREATE_BUFFER payload.
func (m CreateBuffer) Serialize() []byte {
	var buf []byte
	buf = quicvarint.Append(buf, m.BufferID)
	buf = append(buf, byte(m.Kind))
	buf = appendVarIntBytes(buf, []byte(m.Codec))
	return buf
}

// Serialize serializes an APPEND_REQUEST payload.
func (m AppendRequest) Serialize() []byte {
	buf := make([]byte, 0, len(m.Data)+64)
	buf = quicvarint.Append(buf, m.BufferID)
	buf = quicvarint.Append(buf, m.OperationID)
	buf = appendPushParams(buf, m.Params)
	buf = appendVarIntBytes(buf, m.Data)
	return buf
}

// Serialize serializes a REMOVE_REQUEST payload.
func (m RemoveRequest) Serialize() []byte {
	var buf []byte
	buf = quicvarint.Append(buf, m.BufferID)
	buf = quicvarint.Append(buf, m.OperationID)
	buf = appendFloat64(buf, m.Start)
	buf = appendFloat64(buf, m.End)
	return buf
}

// Serialize serializes an ABORT_REQUEST payload.
func (m AbortRequest) Serialize() []byte {
	return quicvarint.Append(nil, m.BufferID)
}

// Serialize serializes a DISPOSE_REQUEST payload.
func (m DisposeRequest) Serialize() []byte {
	return quicvarint.Append(nil, m.BufferID)
}

// Serialize serializes a SET_DURATION payload.
func (m SetDuration) Serialize() []byte {
	return appendFloat64(nil, m.Duration)
}

// Serialize serializes an END_OF_STREAM payload, which is empty.
func (EndOfStream) Serialize() []byte {
	return nil
}

// Serialize serializes an OPERATION_SUCCEEDED payload.
func (m OperationSucceeded) Serialize() []byte {
	var buf []byte
	buf = quicvarint.Append(buf, m.BufferID)
	buf = quicvarint.Append(buf, m.OperationID)
	buf = AppendRanges(buf, m.Ranges)
	return buf
}

// Serialize serializes an OPERATION_FAILED payload.
func (m OperationFailed) Serialize() []byte {
	var buf []byte
	buf = quicvarint.Append(buf, m.BufferID)
	buf = quicvarint.Append(buf, m.OperationID)
	buf = appendBool(buf, m.BufferFull)
	buf = appendVarIntBytes(buf, []byte(m.Message))
	return buf
}

// ParseHello parses a HELLO payload.
func ParseHello(data []byte) (Hello, error) {
	r := newBufReader(data)
	var m Hello

	var err error
	m.Version, err = r.readVarint()
	if err != nil {
		return m, &ParseError{Field: "version", Err: err}
	}
	session, err := r.readVarIntBytes()
	if err != nil {
		return m, &ParseError{Field: "session", Err: err}
	}
	m.Session = string(session)
	return m, nil
}

// ParseCreateBuffer parses a CREATE_BUFFER payload.
func ParseCreateBuffer(data []byte) (CreateBuffer, error) {
	r := newBufReader(data)
	var m CreateBuffer

	var err error
	m.BufferID, err = r.readVarint()
	if err != nil {
		return m, &ParseError{Field: "buffer_id", Err: err}
	}
	kind, err := r.readByte()
	if err != nil {
		return m, &ParseError{Field: "kind", Err: err}
	}
	m.Kind = media.Kind(kind)
	if !m.Kind.Valid() {
		return m, &ParseError{Field: "kind", Err: fmt.Errorf("unsupported kind %d", kind)}
	}
	codec, err := r.readVarIntBytes()
	if err != nil {
		return m, &ParseError{Field: "codec", Err: err}
	}
	m.Codec = string(codec)
	return m, nil
}

// ParseAppendRequest parses an APPEND_REQUEST payload. The returned Data
// aliases the input slice.
func ParseAppendRequest(data []byte) (AppendRequest, error) {
	r := newBufReader(data)
	var m AppendRequest

	var err error
	m.BufferID, err = r.readVarint()
	if err != nil {
		return m, &ParseError{Field: "buffer_id", Err: err}
	}
	m.OperationID, err = r.readVarint()
	if err != nil {
		return m, &ParseError{Field: "operation_id", Err: err}
	}
	m.Params, err = parsePushParams(r)
	if err != nil {
		return m, err
	}
	m.Data, err = r.readVarIntBytes()
	if err != nil {
		return m, &ParseError{Field: "data", Err: err}
	}
	return m, nil
}

// ParseRemoveRequest parses a REMOVE_REQUEST payload.
func ParseRemoveRequest(data []byte) (RemoveRequest, error) {
	r := newBufReader(data)
	var m RemoveRequest

	var err error
	m.BufferID, err = r.readVarint()
	if err != nil {
		return m, &ParseError{Field: "buffer_id", Err: err}
	}
	m.OperationID, err = r.readVarint()
	if err != nil {
		return m, &ParseError{Field: "operation_id", Err: err}
	}
	m.Start, err = r.readFloat64()
	if err != nil {
		return m, &ParseError{Field: "start", Err: err}
	}
	m.End, err = r.readFloat64()
	if err != nil {
		return m, &ParseError{Field: "end", Err: err}
	}
	return m, nil
}

// ParseAbortRequest parses an ABORT_REQUEST payload.
func ParseAbortRequest(data []byte) (AbortRequest, error) {
	id, err := newBufReader(data).readVarint()
	if err != nil {
		return AbortRequest{}, &ParseError{Field: "buffer_id", Err: err}
	}
	return AbortRequest{BufferID: id}, nil
}

// ParseDisposeRequest parses a DISPOSE_REQUEST payload.
func ParseDisposeRequest(data []byte) (DisposeRequest, error) {
	id, err := newBufReader(data).readVarint()
	if err != nil {
		return DisposeRequest{}, &ParseError{Field: "buffer_id", Err: err}
	}
	return DisposeRequest{BufferID: id}, nil
}

// ParseSetDuration parses a SET_DURATION payload.
func ParseSetDuration(data []byte) (SetDuration, error) {
	d, err := newBufReader(data).readFloat64()
	if err != nil {
		return SetDuration{}, &ParseError{Field: "duration", Err: err}
	}
	return SetDuration{Duration: d}, nil
}

// ParseOperationSucceeded parses an OPERATION_SUCCEEDED payload.
func ParseOperationSucceeded(data []byte) (OperationSucceeded, error) {
	r := newBufReader(data)
	var m OperationSucceeded

	var err error
	m.BufferID, err = r.readVarint()
	if err != nil {
		return m, &ParseError{Field: "buffer_id", Err: err}
	}
	m.OperationID, err = r.readVarint()
	if err != nil {
		return m, &ParseError{Field: "operation_id", Err: err}
	}
	m.Ranges, err = parseRanges(r)
	if err != nil {
		return m, &ParseError{Field: "ranges", Err: err}
	}
	return m, nil
}

// ParseOperationFailed parses an OPERATION_FAILED payload.
func ParseOperationFailed(data []byte) (OperationFailed, error) {
	r := newBufReader(data)
	var m OperationFailed

	var err error
	m.BufferID, err = r.readVarint()
	if err != nil {
		return m, &ParseError{Field: "buffer_id", Err: err}
	}
	m.OperationID, err = r.readVarint()
	if err != nil {
		return m, &ParseError{Field: "operation_id", Err: err}
	}
	m.BufferFull, err = r.readBool()
	if err != nil {
		return m, &ParseError{Field: "buffer_full", Err: err}
	}
	msg, err := r.readVarIntBytes()
	if err != nil {
		return m, &ParseError{Field: "message", Err: err}
	}
	m.Message = string(msg)
	return m, nil
}

// Decode parses a payload according to its message type.
func Decode(msgType uint64, payload []byte) (Message, error) {
	switch msgType {
	case MsgHello:
		return ParseHello(payload)
	case MsgCreateBuffer:
		return ParseCreateBuffer(payload)
	case MsgAppendRequest:
		return ParseAppendRequest(payload)
	case MsgRemoveRequest:
		return ParseRemoveRequest(payload)
	case MsgAbortRequest:
		return ParseAbortRequest(payload)
	case MsgDisposeRequest:
		return ParseDisposeRequest(payload)
	case MsgSetDuration:
		return ParseSetDuration(payload)
	case MsgEndOfStream:
		return EndOfStream{}, nil
	case MsgOperationSucceeded:
		return ParseOperationSucceeded(payload)
	case MsgOperationFailed:
		return ParseOperationFailed(payload)
	}
	return nil, fmt.Errorf("%w 0x%x", ErrUnknownMessage, msgType)
}

// AppendRanges appends a ranges list: [count (varint)] then [start end] as
// big-endian float64 pairs.
func AppendRanges(buf []byte, rs media.Ranges) []byte {
	buf = quicvarint.Append(buf, uint64(len(rs)))
	for _, r := range rs {
		buf = appendFloat64(buf, r.Start)
		buf = appendFloat64(buf, r.End)
	}
	return buf
}

func parseRanges(r *bufReader) (media.Ranges, error) {
	count, err := r.readVarint()
	if err != nil {
		return nil, fmt.Errorf("read range count: %w", err)
	}
	// Each range takes 16 bytes; reject counts the payload cannot hold.
	if count > uint64(len(r.data)-r.pos)/16 {
		return nil, fmt.Errorf("range count %d exceeds payload", count)
	}

	rs := make(media.Ranges, count)
	for i := range rs {
		if rs[i].Start, err = r.readFloat64(); err != nil {
			return nil, fmt.Errorf("read range %d start: %w", i, err)
		}
		if rs[i].End, err = r.readFloat64(); err != nil {
			return nil, fmt.Errorf("read range %d end: %w", i, err)
		}
	}
	return rs, nil
}

func appendPushParams(buf []byte, p media.PushParams) []byte {
	buf = appendVarIntBytes(buf, []byte(p.Codec))
	buf = appendFloat64(buf, p.TimestampOffset)

	var flags byte
	if p.AppendWindow.HasStart {
		flags |= windowHasStart
	}
	if p.AppendWindow.HasEnd {
		flags |= windowHasEnd
	}
	buf = append(buf, flags)
	if p.AppendWindow.HasStart {
		buf = appendFloat64(buf, p.AppendWindow.Start)
	}
	if p.AppendWindow.HasEnd {
		buf = appendFloat64(buf, p.AppendWindow.End)
	}
	return buf
}

func parsePushParams(r *bufReader) (media.PushParams, error) {
	var p media.PushParams

	codec, err := r.readVarIntBytes()
	if err != nil {
		return p, &ParseError{Field: "codec", Err: err}
	}
	p.Codec = string(codec)

	p.TimestampOffset, err = r.readFloat64()
	if err != nil {
		return p, &ParseError{Field: "timestamp_offset", Err: err}
	}

	flags, err := r.readByte()
	if err != nil {
		return p, &ParseError{Field: "window_flags", Err: err}
	}
	if flags&windowHasStart != 0 {
		p.AppendWindow.HasStart = true
		if p.AppendWindow.Start, err = r.readFloat64(); err != nil {
			return p, &ParseError{Field: "window_start", Err: err}
		}
	}
	if flags&windowHasEnd != 0 {
		p.AppendWindow.HasEnd = true
		if p.AppendWindow.End, err = r.readFloat64(); err != nil {
			return p, &ParseError{Field: "window_end", Err: err}
		}
	}
	return p, nil
}
