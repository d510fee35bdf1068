package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/quic-go/quic-go/quicvarint"
)

// MaxPayloadSize bounds a single message payload. Append payloads carry whole
// media segments, so the limit is generous.
const MaxPayloadSize = 64 << 20

// ReadMsg reads one framed message.
// Wire format: [message_type (varint)] [payload_length (varint)] [payload].
func ReadMsg(r io.Reader) (uint64, []byte, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufio.NewReader(r)
		r = br.(io.Reader)
	}
	msgType, err := quicvarint.Read(br)
	if err != nil {
		return 0, nil, fmt.Errorf("read message type: %w", err)
	}

	length, err := quicvarint.Read(br)
	if err != nil {
		return 0, nil, fmt.Errorf("read message length: %w", err)
	}
	if length > MaxPayloadSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, length)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("read message payload: %w", err)
		}
	}

	return msgType, payload, nil
}

// WriteMsg writes a framed message as a single Write call so concurrent
// writers only need to serialize whole calls.
func WriteMsg(w io.Writer, msgType uint64, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	buf := make([]byte, 0, len(payload)+16)
	buf = quicvarint.Append(buf, msgType)
	buf = quicvarint.Append(buf, uint64(len(payload)))
	buf = append(buf, payload...)

	_, err := w.Write(buf)
	return err
}

// Write serializes m and writes it as one framed message.
func Write(w io.Writer, m Message) error {
	return WriteMsg(w, m.Type(), m.Serialize())
}

// appendVarIntBytes appends a varint-length-prefixed byte string to buf.
func appendVarIntBytes(buf []byte, data []byte) []byte {
	buf = quicvarint.Append(buf, uint64(len(data)))
	buf = append(buf, data...)
	return buf
}

func appendFloat64(buf []byte, v float64) []byte {
	return binary.BigEndian.AppendUint64(buf, math.Float64bits(v))
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

// bufReader wraps a byte slice for sequential varint/byte reading.
type bufReader struct {
	data []byte
	pos  int
}

func newBufReader(data []byte) *bufReader {
	return &bufReader{data: data}
}

func (b *bufReader) readVarint() (uint64, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	val, n, err := quicvarint.Parse(b.data[b.pos:])
	if err != nil {
		return 0, err
	}
	b.pos += n
	return val, nil
}

func (b *bufReader) readByte() (byte, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	v := b.data[b.pos]
	b.pos++
	return v, nil
}

func (b *bufReader) readBool() (bool, error) {
	v, err := b.readByte()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (b *bufReader) readFloat64() (float64, error) {
	if b.pos+8 > len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	bits := binary.BigEndian.Uint64(b.data[b.pos : b.pos+8])
	b.pos += 8
	return math.Float64frombits(bits), nil
}

func (b *bufReader) readVarIntBytes() ([]byte, error) {
	length, err := b.readVarint()
	if err != nil {
		return nil, err
	}
	if length > uint64(len(b.data)-b.pos) {
		return nil, io.ErrUnexpectedEOF
	}
	end := b.pos + int(length)
	val := b.data[b.pos:end]
	b.pos = end
	return val, nil
}
