// Package proto implements the blockgate wire protocol: length-prefixed
// binary frames multiplexing many player streams over one relay link.
//
// Header layout (big-endian): type u8 | stream_id u32 | length u32.
// Stream id 0 is reserved for session-scoped frames.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Type identifies the kind of frame on the wire.
type Type uint8

const (
	TypeHello Type = iota + 1
	TypeHelloAck
	TypePing
	TypePong
	TypeNewStream
	TypeData
	TypeStreamClosed
	TypeSessionClosed
	TypeError
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "hello"
	case TypeHelloAck:
		return "hello_ack"
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	case TypeNewStream:
		return "new_stream"
	case TypeData:
		return "data"
	case TypeStreamClosed:
		return "stream_closed"
	case TypeSessionClosed:
		return "session_closed"
	case TypeError:
		return "error"
	default:
		return "unknown"
	}
}

const (
	// Version is the protocol version carried in Hello.
	Version uint16 = 1

	// HeaderSize is the fixed frame header length in bytes.
	HeaderSize = 9

	// MaxPayload caps a single frame's payload so one stream cannot
	// monopolize the shared link.
	MaxPayload = 64 * 1024
)

// ErrTruncated is returned by Decode when the buffer does not yet hold a
// complete frame. Callers buffer more bytes and retry; this is the normal
// condition mid-stream, not a protocol violation.
var ErrTruncated = errors.New("proto: truncated frame")

// MalformedError indicates a frame that can never become valid: an unknown
// type or a declared length above MaxPayload. It is fatal to the session.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string { return "proto: malformed frame: " + e.Reason }

// Frame is the atomic wire unit. StreamID is zero for session-scoped frames.
type Frame struct {
	Type     Type
	StreamID uint32
	Payload  []byte
}

// Encode serializes f into a freshly allocated byte slice.
func Encode(f Frame) []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = byte(f.Type)
	binary.BigEndian.PutUint32(buf[1:5], f.StreamID)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// Decode parses one frame from the front of buf. It returns the frame and
// the number of bytes consumed. ErrTruncated means buf is incomplete; a
// *MalformedError means the stream is poisoned and the session must end.
// The returned payload aliases buf.
func Decode(buf []byte) (Frame, int, error) {
	if len(buf) < HeaderSize {
		return Frame{}, 0, ErrTruncated
	}
	t := Type(buf[0])
	if t < TypeHello || t > TypeError {
		return Frame{}, 0, &MalformedError{Reason: fmt.Sprintf("unknown type %d", buf[0])}
	}
	length := binary.BigEndian.Uint32(buf[5:9])
	if length > MaxPayload {
		return Frame{}, 0, &MalformedError{Reason: fmt.Sprintf("payload %d exceeds maximum %d", length, MaxPayload)}
	}
	total := HeaderSize + int(length)
	if len(buf) < total {
		return Frame{}, 0, ErrTruncated
	}
	return Frame{
		Type:     t,
		StreamID: binary.BigEndian.Uint32(buf[1:5]),
		Payload:  buf[HeaderSize:total],
	}, total, nil
}

// Write encodes f and writes it to w in a single call so concurrent writers
// holding their own serialization (one frame per Write) never interleave
// partial frames.
func Write(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxPayload {
		return &MalformedError{Reason: fmt.Sprintf("payload %d exceeds maximum %d", len(f.Payload), MaxPayload)}
	}
	_, err := w.Write(Encode(f))
	return err
}

// Reader decodes whole frames from an io.Reader. Header and payload are
// read with bounded allocations; a declared length above MaxPayload fails
// before any payload is read.
type Reader struct {
	r   io.Reader
	hdr [HeaderSize]byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next blocks until a complete frame arrives. It returns io.EOF on a clean
// close between frames and io.ErrUnexpectedEOF on a close mid-frame.
func (r *Reader) Next() (Frame, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		return Frame{}, err
	}
	t := Type(r.hdr[0])
	if t < TypeHello || t > TypeError {
		return Frame{}, &MalformedError{Reason: fmt.Sprintf("unknown type %d", r.hdr[0])}
	}
	length := binary.BigEndian.Uint32(r.hdr[5:9])
	if length > MaxPayload {
		return Frame{}, &MalformedError{Reason: fmt.Sprintf("payload %d exceeds maximum %d", length, MaxPayload)}
	}
	f := Frame{Type: t, StreamID: binary.BigEndian.Uint32(r.hdr[1:5])}
	if length > 0 {
		f.Payload = make([]byte, length)
		if _, err := io.ReadFull(r.r, f.Payload); err != nil {
			return Frame{}, err
		}
	}
	return f, nil
}
