package proto

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	frames := []Frame{
		{Type: TypeHello, Payload: []byte(`{"token":"t1"}`)},
		{Type: TypeNewStream, StreamID: 1},
		{Type: TypeData, StreamID: 7, Payload: []byte("PING")},
		{Type: TypeStreamClosed, StreamID: 7, Payload: []byte(`{"reason":"eof"}`)},
		{Type: TypeSessionClosed, Payload: []byte(`{"reason":"superseded"}`)},
	}
	for _, want := range frames {
		buf := Encode(want)
		got, n, err := Decode(buf)
		require.NoError(t, err)
		assert.Equal(t, len(buf), n)
		assert.Equal(t, want.Type, got.Type)
		assert.Equal(t, want.StreamID, got.StreamID)
		assert.Equal(t, []byte(want.Payload), append([]byte{}, got.Payload...))
	}
}

func TestDecodeTruncated(t *testing.T) {
	full := Encode(Frame{Type: TypeData, StreamID: 3, Payload: []byte("hello world")})
	for i := 0; i < len(full); i++ {
		_, _, err := Decode(full[:i])
		assert.ErrorIs(t, err, ErrTruncated, "prefix length %d", i)
	}
	// Trailing bytes of a following frame must not confuse the decoder.
	f, n, err := Decode(append(append([]byte{}, full...), 0xFF, 0xFF))
	require.NoError(t, err)
	assert.Equal(t, len(full), n)
	assert.Equal(t, uint32(3), f.StreamID)
}

func TestDecodeUnknownType(t *testing.T) {
	buf := Encode(Frame{Type: TypeData, StreamID: 1, Payload: []byte("x")})
	buf[0] = 0xEE
	_, _, err := Decode(buf)
	var malformed *MalformedError
	require.ErrorAs(t, err, &malformed)
}

func TestDecodeOversizedLength(t *testing.T) {
	// Declare a payload far beyond the cap; decode must fail on the header
	// alone without waiting for (or allocating) the body.
	buf := Encode(Frame{Type: TypePing})
	buf[5], buf[6], buf[7], buf[8] = 0xFF, 0xFF, 0xFF, 0xFF
	_, _, err := Decode(buf)
	var malformed *MalformedError
	require.ErrorAs(t, err, &malformed)

	r := NewReader(bytes.NewReader(buf))
	_, err = r.Next()
	require.ErrorAs(t, err, &malformed)
}

func TestWriteRejectsOversizedPayload(t *testing.T) {
	var sink bytes.Buffer
	err := Write(&sink, Frame{Type: TypeData, StreamID: 1, Payload: make([]byte, MaxPayload+1)})
	var malformed *MalformedError
	require.ErrorAs(t, err, &malformed)
	assert.Zero(t, sink.Len())
}

func TestReaderStreamsFrames(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_ = Write(client, NewPing(42))
		_ = Write(client, NewData(9, []byte("payload")))
		client.Close()
	}()

	r := NewReader(server)
	f, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, TypePing, f.Type)
	nonce, err := Nonce(f)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), nonce)

	f, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, TypeData, f.Type)
	assert.Equal(t, uint32(9), f.StreamID)
	assert.Equal(t, "payload", string(f.Payload))

	_, err = r.Next()
	assert.True(t, errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF))
}

func TestControlPayloadRoundTrip(t *testing.T) {
	f, err := NewControl(TypeHello, 0, Hello{Token: "t1", Endpoint: "srv1", Version: Version})
	require.NoError(t, err)

	var hello Hello
	require.NoError(t, DecodeControl(f, &hello))
	assert.Equal(t, "t1", hello.Token)
	assert.Equal(t, "srv1", hello.Endpoint)
	assert.Equal(t, Version, hello.Version)
}

func TestNonceRejectsBadLength(t *testing.T) {
	_, err := Nonce(Frame{Type: TypePong, Payload: []byte{1, 2, 3}})
	var malformed *MalformedError
	require.ErrorAs(t, err, &malformed)
}
