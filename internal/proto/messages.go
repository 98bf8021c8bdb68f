package proto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Close reasons carried by StreamClosed and SessionClosed frames.
const (
	ReasonEOF           = "eof"
	ReasonConnectFailed = "local_connect_failed"
	ReasonReset         = "local_reset"
	ReasonSuperseded    = "superseded"
	ReasonAuthFailed    = "auth_failed"
	ReasonProtocolError = "protocol_error"
	ReasonShutdown      = "shutdown"
)

// Hello is sent by the client as the first frame on a new link.
type Hello struct {
	Token    string `json:"token"`
	Endpoint string `json:"endpoint"`
	Version  uint16 `json:"version"`
}

// HelloAck is the relay's reply. On success SessionID and Endpoint are set;
// on failure Error carries the reason and the link is closed. Retryable
// marks a transient refusal the client may retry with the same credentials.
type HelloAck struct {
	SessionID string `json:"session_id,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// StreamClosed tears down a single stream; the session stays up.
type StreamClosed struct {
	Reason string `json:"reason"`
}

// SessionClosed ends the whole session and every stream in it.
type SessionClosed struct {
	Reason string `json:"reason"`
}

// ErrorInfo reports a non-fatal condition to the peer.
type ErrorInfo struct {
	Code    uint32 `json:"code"`
	Message string `json:"message"`
}

// NewControl builds a session- or stream-scoped frame with a JSON payload.
func NewControl(t Type, streamID uint32, v any) (Frame, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", t, err)
	}
	return Frame{Type: t, StreamID: streamID, Payload: b}, nil
}

// DecodeControl unmarshals a control frame payload into v.
func DecodeControl(f Frame, v any) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", f.Type, err)
	}
	return nil
}

// NewData wraps payload bytes for the given stream. The caller must respect
// MaxPayload; Write enforces it.
func NewData(streamID uint32, b []byte) Frame {
	return Frame{Type: TypeData, StreamID: streamID, Payload: b}
}

// NewStreamFrame announces a freshly allocated stream id to the client.
func NewStreamFrame(streamID uint32) Frame {
	return Frame{Type: TypeNewStream, StreamID: streamID}
}

// NewPing builds a heartbeat frame carrying an 8-byte nonce.
func NewPing(nonce uint64) Frame {
	return pingFrame(TypePing, nonce)
}

// NewPong echoes a heartbeat nonce back to the sender.
func NewPong(nonce uint64) Frame {
	return pingFrame(TypePong, nonce)
}

func pingFrame(t Type, nonce uint64) Frame {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, nonce)
	return Frame{Type: t, Payload: b}
}

// Nonce extracts the heartbeat nonce from a Ping or Pong frame.
func Nonce(f Frame) (uint64, error) {
	if len(f.Payload) != 8 {
		return 0, &MalformedError{Reason: fmt.Sprintf("%s nonce length %d", f.Type, len(f.Payload))}
	}
	return binary.BigEndian.Uint64(f.Payload), nil
}
